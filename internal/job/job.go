// Package job owns the render execution pipeline: claiming a
// concurrency slot, preparing the job workspace, supervising the engine
// process and recording every outcome in the registry.
package job

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scenerunr/api/internal/config"
	"github.com/scenerunr/api/internal/engine"
	"github.com/scenerunr/api/internal/registry"
	"github.com/scenerunr/api/internal/types"
)

const (
	sceneFileName  = "scene.py"
	publishTimeout = 2 * time.Minute
)

// Publisher stores a rendered artifact somewhere durable and returns
// the stable reference recorded on the completed job.
type Publisher interface {
	Publish(ctx context.Context, localPath string, job types.RenderJob, format string) (string, error)
}

// Manager executes render jobs
type Manager struct {
	config    *config.Config
	registry  registry.Registry
	engine    *engine.Manager
	publisher Publisher
	launcher  Launcher
	logger    *logrus.Entry

	slotMutex      sync.Mutex
	slotCondition  *sync.Cond
	remainingSlots int
}

// NewManager creates a new job manager
func NewManager(cfg *config.Config, reg registry.Registry, eng *engine.Manager, pub Publisher, launcher Launcher) *Manager {
	m := &Manager{
		config:         cfg,
		registry:       reg,
		engine:         eng,
		publisher:      pub,
		launcher:       launcher,
		logger:         logrus.WithField("component", "job"),
		remainingSlots: cfg.MaxConcurrentJobs,
	}
	m.slotCondition = sync.NewCond(&m.slotMutex)
	return m
}

// Params carries everything needed to execute one accepted render job
type Params struct {
	JobID     string
	Code      string
	SceneName string
	Quality   string
	Format    string
	Timeout   time.Duration
}

// Schedule runs the job in the background and returns immediately
func (m *Manager) Schedule(p Params) {
	go m.execute(p)
}

func (m *Manager) execute(p Params) {
	log := m.logger.WithField("job_id", p.JobID)

	m.waitForSlot(log)
	defer m.releaseSlot()

	// Every job that reached the executor leaves the registry after the
	// grace period, including jobs cancelled before they could start.
	defer m.scheduleEviction(p.JobID)

	// Claiming the running state doubles as the pre-start cancellation
	// check: a job cancelled while queued cannot transition to running.
	if _, err := m.registry.Transition(p.JobID, types.StatusRunning, registry.Update{
		Message:  "Starting render...",
		Progress: intp(10),
	}); err != nil {
		log.WithError(err).Info("Job is not runnable, skipping launch")
		return
	}

	workdir := filepath.Join(m.config.JobsDir(), p.JobID)
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			log.WithError(err).Warn("Failed to remove job workspace")
		}
	}()

	if err := os.MkdirAll(workdir, 0755); err != nil {
		m.fail(p.JobID, "Internal error occurred", fmt.Sprintf("failed to create job workspace: %v", err))
		return
	}

	codeFile := filepath.Join(workdir, sceneFileName)
	if err := os.WriteFile(codeFile, []byte(p.Code), 0644); err != nil {
		m.fail(p.JobID, "Internal error occurred", fmt.Sprintf("failed to write scene code: %v", err))
		return
	}

	inv := m.engine.BuildInvocation(workdir, codeFile, p.SceneName, p.JobID, p.Quality, p.Format)
	log.WithField("scene", p.SceneName).Info("Launching rendering engine")

	proc, err := m.launcher.Launch(inv)
	if err != nil {
		m.fail(p.JobID, "Failed to start rendering engine", err.Error())
		return
	}

	if err := m.registry.AttachProcess(p.JobID, proc); err != nil {
		log.WithError(err).Warn("Failed to attach process handle")
	}

	m.progress(p.JobID, 20, "Executing engine...")

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	select {
	case <-proc.Done():
		m.finish(p, workdir, codeFile, proc)

	case <-timer.C:
		log.Warnf("Render exceeded %s, terminating process group", p.Timeout)
		m.reap(proc, log)
		m.transition(p.JobID, types.StatusTimeout, registry.Update{
			Message:      fmt.Sprintf("Render timed out after %d seconds", int(p.Timeout.Seconds())),
			ErrorDetails: "Execution exceeded maximum allowed time",
		})

	case <-m.registry.CancelChan(p.JobID):
		log.Info("Cancellation requested, terminating process group")
		m.reap(proc, log)
		m.transition(p.JobID, types.StatusCancelled, registry.Update{
			Message: "Job cancelled by user",
		})
	}
}

// finish handles a process that exited on its own
func (m *Manager) finish(p Params, workdir, codeFile string, proc Process) {
	log := m.logger.WithField("job_id", p.JobID)
	exit := proc.Exit()

	if exit.Code != 0 {
		m.transition(p.JobID, types.StatusError, registry.Update{
			Message: "Rendering engine execution failed",
			ErrorDetails: fmt.Sprintf("Return code: %d\nstdout: %s\nstderr: %s",
				exit.Code, proc.Stdout(), proc.Stderr()),
		})
		return
	}

	m.progress(p.JobID, 80, "Processing output...")

	output, err := m.locateOutput(workdir, codeFile, p)
	if err != nil {
		m.transition(p.JobID, types.StatusError, registry.Update{
			Message:      "Output file not found",
			ErrorDetails: fmt.Sprintf("stdout: %s\nstderr: %s\n%s", proc.Stdout(), proc.Stderr(), err),
		})
		return
	}

	snapshot, ok := m.registry.Get(p.JobID)
	if !ok {
		log.Warn("Job disappeared before publishing")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	ref, err := m.publisher.Publish(ctx, output, snapshot, p.Format)
	if err != nil {
		m.transition(p.JobID, types.StatusError, registry.Update{
			Message:      "Failed to publish rendered artifact",
			ErrorDetails: err.Error(),
		})
		return
	}

	m.transition(p.JobID, types.StatusCompleted, registry.Update{
		Message:         "Rendering completed successfully",
		Progress:        intp(100),
		OutputReference: ref,
	})
	log.WithField("output_reference", ref).Info("Render completed")
}

// locateOutput finds the rendered file: first at the path the engine
// was told to use, then with a single recursive search of the
// workspace for older engine layouts.
func (m *Manager) locateOutput(workdir, codeFile string, p Params) (string, error) {
	expected := m.engine.ExpectedOutput(workdir, codeFile, p.JobID, p.Quality, p.Format)
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}

	suffix := "." + p.Format
	var found string
	_ = filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if found != "" {
		return found, nil
	}

	return "", fmt.Errorf("no %s file under %s\nFiles created: %s",
		p.Format, workdir, strings.Join(listFiles(workdir), ", "))
}

// listFiles returns every file below root, for failure diagnostics
func listFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// reap stops a process group: a graceful signal first, then a hard kill
// when the grace period lapses.
func (m *Manager) reap(proc Process, log *logrus.Entry) {
	if err := proc.Terminate(); err != nil {
		log.WithError(err).Warn("Failed to signal process group")
	}

	select {
	case <-proc.Done():
		return
	case <-time.After(m.config.KillGracePeriod):
	}

	if err := proc.Kill(); err != nil {
		log.WithError(err).Warn("Failed to kill process group")
	}

	select {
	case <-proc.Done():
	case <-time.After(m.config.KillGracePeriod):
		log.WithField("pid", proc.PID()).Error("Process did not exit after SIGKILL")
	}
}

// scheduleEviction drops the job from the registry after the grace
// period. The mirrored snapshot answers any status reads after that.
func (m *Manager) scheduleEviction(jobID string) {
	time.AfterFunc(m.config.EvictionGrace, func() {
		m.registry.Evict(jobID)
	})
}

func (m *Manager) transition(jobID string, status types.JobStatus, upd registry.Update) {
	if _, err := m.registry.Transition(jobID, status, upd); err != nil {
		m.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to record job outcome")
	}
}

func (m *Manager) fail(jobID, message, details string) {
	m.transition(jobID, types.StatusError, registry.Update{Message: message, ErrorDetails: details})
}

func (m *Manager) progress(jobID string, pct int, message string) {
	m.transition(jobID, types.StatusRunning, registry.Update{Progress: intp(pct), Message: message})
}

// waitForSlot blocks until a concurrency slot is free and claims it
func (m *Manager) waitForSlot(log *logrus.Entry) {
	m.slotMutex.Lock()
	defer m.slotMutex.Unlock()

	for m.remainingSlots <= 0 {
		log.Info("Waiting for available render slot")
		m.slotCondition.Wait()
	}

	m.remainingSlots--
}

// releaseSlot releases a render slot. The signal must be sent with the
// mutex held, or it can land between a waiter's count check and its
// wait and be lost.
func (m *Manager) releaseSlot() {
	m.slotMutex.Lock()
	m.remainingSlots++
	m.slotCondition.Signal()
	m.slotMutex.Unlock()
}

func intp(v int) *int { return &v }
