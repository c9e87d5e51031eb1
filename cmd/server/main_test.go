package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/scenerunr/api/internal/config"
	"github.com/scenerunr/api/internal/engine"
	"github.com/scenerunr/api/internal/handler"
	"github.com/scenerunr/api/internal/job"
	"github.com/scenerunr/api/internal/middleware"
	"github.com/scenerunr/api/internal/registry"
)

func TestAPIEndpoints(t *testing.T) {
	// Set up test environment
	viper.Reset()
	t.Setenv("SCENERUNR_LOG_LEVEL", "error")
	t.Setenv("SCENERUNR_DATA_DIRECTORY", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if err := ensureDataDirectories(cfg); err != nil {
		t.Fatalf("Failed to create data directories: %v", err)
	}

	// Initialize components
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	jobRegistry := registry.NewInMemory(nil)
	engineManager := engine.NewManager(cfg)
	launcher := job.NewOSLauncher(cfg.OutputMaxSize)
	jobManager := job.NewManager(cfg, jobRegistry, engineManager, nil, launcher)
	h := handler.NewHandler(cfg, jobManager, jobRegistry, nil, logger)

	// Set up router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.JSON)
			r.Post("/render", h.SubmitRender)
		})
		r.Get("/jobs/{jobID}", h.GetJob)
		r.Delete("/jobs/{jobID}", h.CancelJob)
	})
	r.Get("/", h.GetVersion)
	r.Get("/health", h.GetHealth)

	// Test cases
	tests := []struct {
		name           string
		method         string
		path           string
		body           interface{}
		expectedStatus int
		checkResponse  func(t *testing.T, body []byte)
	}{
		{
			name:           "Health Check",
			method:         "GET",
			path:           "/health",
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, body []byte) {
				var response map[string]string
				if err := json.Unmarshal(body, &response); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				if response["status"] != "healthy" {
					t.Errorf("Expected healthy status, got %s", response["status"])
				}
			},
		},
		{
			name:           "Get Version",
			method:         "GET",
			path:           "/",
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, body []byte) {
				var response map[string]interface{}
				if err := json.Unmarshal(body, &response); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				if message, ok := response["message"].(string); !ok || message == "" {
					t.Error("Expected message in response")
				}
			},
		},
		{
			name:   "Submit Render - Missing Code",
			method: "POST",
			path:   "/api/v1/render",
			body: map[string]interface{}{
				"scene_name": "Demo",
			},
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, body []byte) {
				var response map[string]interface{}
				if err := json.Unmarshal(body, &response); err != nil {
					t.Fatalf("Failed to unmarshal error response: %v", err)
				}
				if _, ok := response["message"]; !ok {
					t.Error("Expected message in response")
				}
			},
		},
		{
			name:   "Submit Render - Dangerous Code",
			method: "POST",
			path:   "/api/v1/render",
			body: map[string]interface{}{
				"code": "import subprocess\n\nclass Demo(Scene):\n    pass\n",
			},
			expectedStatus: http.StatusBadRequest,
			checkResponse: func(t *testing.T, body []byte) {
				var response map[string]interface{}
				if err := json.Unmarshal(body, &response); err != nil {
					t.Fatalf("Failed to unmarshal error response: %v", err)
				}
				message, _ := response["message"].(string)
				if message == "" {
					t.Error("Expected rejection message for dangerous code")
				}
			},
		},
		{
			name:           "Get Unknown Job",
			method:         "GET",
			path:           "/api/v1/jobs/00000000-0000-0000-0000-000000000000",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "Cancel Unknown Job",
			method:         "DELETE",
			path:           "/api/v1/jobs/00000000-0000-0000-0000-000000000000",
			expectedStatus: http.StatusNotFound,
		},
	}

	// Run tests
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			var err error

			if tt.body != nil {
				bodyBytes, _ := json.Marshal(tt.body)
				req, err = http.NewRequest(tt.method, tt.path, bytes.NewBuffer(bodyBytes))
				if err != nil {
					t.Fatalf("Failed to create request: %v", err)
				}
				req.Header.Set("Content-Type", "application/json")
			} else {
				req, err = http.NewRequest(tt.method, tt.path, nil)
				if err != nil {
					t.Fatalf("Failed to create request: %v", err)
				}
			}

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}

			if tt.checkResponse != nil {
				tt.checkResponse(t, rr.Body.Bytes())
			}
		})
	}

	// No render was scheduled, so the jobs dir stays empty
	entries, err := os.ReadDir(cfg.JobsDir())
	if err != nil {
		t.Fatalf("Failed to read jobs dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no job workspaces, found %d", len(entries))
	}
}
