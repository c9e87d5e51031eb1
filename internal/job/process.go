package job

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/scenerunr/api/internal/engine"
)

// ProcExit describes how an engine process ended
type ProcExit struct {
	Code int
	Err  error
}

// Process is a live engine process under supervision. Terminate and
// Kill signal the whole process group, so helpers forked by the engine
// die with it. Exit, Stdout and Stderr are valid once Done is closed.
type Process interface {
	Done() <-chan struct{}
	Exit() ProcExit
	Stdout() string
	Stderr() string
	Terminate() error
	Kill() error
	PID() int
}

// Launcher starts engine processes for the job manager to supervise
type Launcher interface {
	Launch(inv engine.Invocation) (Process, error)
}

// OSLauncher launches real engine processes, each in its own process
// group with size-capped output capture.
type OSLauncher struct {
	outputMaxSize int
}

// NewOSLauncher creates a launcher capping captured output at max bytes
// per stream.
func NewOSLauncher(outputMaxSize int) *OSLauncher {
	return &OSLauncher{outputMaxSize: outputMaxSize}
}

// Launch starts the invocation and returns a handle to supervise it
func (l *OSLauncher) Launch(inv engine.Invocation) (Process, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCappedBuffer(l.outputMaxSize)
	stderr := newCappedBuffer(l.outputMaxSize)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	p := &osProcess{
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		p.exit = ProcExit{Code: cmd.ProcessState.ExitCode(), Err: err}
		close(p.done)
	}()

	return p, nil
}

// osProcess wraps a started command. exit is written before done is
// closed, so waiting on Done orders the read.
type osProcess struct {
	cmd    *exec.Cmd
	pgid   int
	stdout *cappedBuffer
	stderr *cappedBuffer
	done   chan struct{}
	exit   ProcExit
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Exit() ProcExit { return p.exit }

func (p *osProcess) Stdout() string { return p.stdout.String() }

func (p *osProcess) Stderr() string { return p.stderr.String() }

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

// Terminate asks the process group to shut down gracefully
func (p *osProcess) Terminate() error {
	return syscall.Kill(-p.pgid, syscall.SIGTERM)
}

// Kill forcefully ends the process group
func (p *osProcess) Kill() error {
	return syscall.Kill(-p.pgid, syscall.SIGKILL)
}

// cappedBuffer collects stream output up to a fixed size and drops the
// rest, so a chatty engine cannot exhaust memory.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}

	// Report full consumption so the engine never sees a write error.
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
