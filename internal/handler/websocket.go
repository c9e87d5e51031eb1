package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/scenerunr/api/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// jobWatcher pushes status snapshots for one job over a WebSocket
type jobWatcher struct {
	conn   *websocket.Conn
	logger *logrus.Entry
	mutex  sync.Mutex
	closed bool
}

// WatchJob serves the job status feed over a WebSocket. It carries the
// same snapshots as the SSE stream and closes once a terminal status
// has been delivered.
func (h *Handler) WatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	watcher := &jobWatcher{
		conn: conn,
		logger: h.logger.WithFields(logrus.Fields{
			"component": "websocket",
			"job_id":    jobID,
		}),
	}

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	// Drain client frames so close handshakes and pongs are processed
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	watcher.run(r, h, jobID, readerGone)
}

// run polls the job and pushes snapshots until it reaches a terminal
// status or the client goes away.
func (watcher *jobWatcher) run(r *http.Request, h *Handler, jobID string, readerGone <-chan struct{}) {
	last, ok := h.lookup(r.Context(), jobID)
	if !ok {
		watcher.send(types.ErrorResponse{Message: "Job not found", Code: http.StatusNotFound})
		watcher.close(4004, "Job not found")
		return
	}

	if err := watcher.send(last); err != nil {
		watcher.close(websocket.CloseAbnormalClosure, "Write failed")
		return
	}
	if last.Status.Terminal() {
		watcher.close(websocket.CloseNormalClosure, "Job finished")
		return
	}

	poll := time.NewTicker(h.config.StreamPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(h.config.StreamKeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			watcher.close(websocket.CloseGoingAway, "Server shutting down")
			return

		case <-readerGone:
			watcher.close(websocket.CloseNormalClosure, "Client closed")
			return

		case <-ping.C:
			watcher.ping()

		case <-poll.C:
			current, ok := h.lookup(r.Context(), jobID)
			if !ok {
				watcher.send(types.ErrorResponse{Message: "Job not found", Code: http.StatusNotFound})
				watcher.close(4004, "Job not found")
				return
			}

			if current == last {
				continue
			}

			if err := watcher.send(current); err != nil {
				watcher.close(websocket.CloseAbnormalClosure, "Write failed")
				return
			}
			last = current

			if current.Status.Terminal() {
				watcher.close(websocket.CloseNormalClosure, "Job finished")
				return
			}
		}
	}
}

// send writes one JSON message to the client
func (watcher *jobWatcher) send(v interface{}) error {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	if watcher.closed {
		return websocket.ErrCloseSent
	}

	watcher.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := watcher.conn.WriteJSON(v); err != nil {
		watcher.logger.WithError(err).Error("Failed to send WebSocket message")
		return err
	}
	return nil
}

// ping keeps the connection alive through proxies
func (watcher *jobWatcher) ping() {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	if watcher.closed {
		return
	}

	if err := watcher.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
		watcher.logger.WithError(err).Warn("Failed to ping WebSocket client")
	}
}

// close closes the WebSocket connection
func (watcher *jobWatcher) close(code int, message string) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	if watcher.closed {
		return
	}
	watcher.closed = true

	watcher.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(time.Second))

	watcher.conn.Close()
}
