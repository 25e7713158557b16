// Package process supervises the autonomous agent child process. Its
// liveness is what hands environment control to the agent.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("agent already running")
	ErrNotRunning     = errors.New("agent not running")
)

const defaultStopTimeout = 5 * time.Second

type Supervisor struct {
	name        string
	args        []string
	stopTimeout time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	stopping bool
}

func NewSupervisor(command []string) *Supervisor {
	s := &Supervisor{stopTimeout: defaultStopTimeout}
	if len(command) > 0 {
		s.name = command[0]
		s.args = command[1:]
	}
	return s
}

// Start launches the agent process.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() || s.stopping {
		return ErrAlreadyRunning
	}
	if s.name == "" {
		return errors.New("no agent command configured")
	}

	cmd := exec.Command(s.name, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		slog.Info("agent process exited", "pid", cmd.Process.Pid, "error", err)
		close(exited)
	}()

	s.cmd = cmd
	s.exited = exited
	slog.Info("agent process started", "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the agent, killing it if it has not exited within the stop
// timeout. The lock is released while waiting so liveness checks keep
// answering; the agent counts as alive until it has actually exited.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.runningLocked() || s.stopping {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.stopping = true
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("terminate agent", "error", err)
	}
	select {
	case <-exited:
	case <-time.After(s.stopTimeout):
		slog.Warn("agent did not exit, killing", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		<-exited
	}

	s.mu.Lock()
	s.stopping = false
	s.cmd = nil
	s.exited = nil
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// AgentAlive makes the supervisor a control source.
func (s *Supervisor) AgentAlive() bool {
	return s.Running()
}

func (s *Supervisor) runningLocked() bool {
	if s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}
