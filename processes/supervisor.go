package processes

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExitResult describes how a supervised subprocess exited.
type ExitResult struct {
	Code int   // Exit code, or -1 if the process was killed or never exited normally.
	Err  error // The error returned by Wait, if any.
}

// Supervisor owns one child process: it starts the process with the right
// environment and working directory, exposes its lifecycle, and guarantees
// termination within a bound.
//
// The child is always started with PYTHONUNBUFFERED=1 so its output arrives
// line-by-line without coalescing delay; live streaming depends on this.
type Supervisor struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger

	doneCh chan struct{}

	mu         sync.Mutex
	exitResult ExitResult
}

// StartSupervisor spawns the given command in workDir with the provided
// extra environment variables layered over the parent environment. Spawn
// failures are reported synchronously; post-spawn exits are discovered via
// Wait or Poll.
func StartSupervisor(command []string, workDir string, env map[string]string, logger *slog.Logger) (*Supervisor, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	// Force line-buffered output from common interpreters. Without this the
	// child coalesces writes and log lines arrive seconds late.
	cmd.Env = append(cmd.Env, "PYTHONUNBUFFERED=1")
	for key, value := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("failed to start subprocess: %w", err)
	}

	s := &Supervisor{
		cmd:    cmd,
		stdout: stdoutPipe,
		stderr: stderrPipe,
		logger: logger.With("component", "Supervisor", "pid", cmd.Process.Pid),
		doneCh: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		s.mu.Lock()
		s.exitResult = ExitResult{Code: code, Err: err}
		s.mu.Unlock()
		close(s.doneCh)
	}()

	return s, nil
}

// PID returns the process ID of the child.
func (s *Supervisor) PID() int {
	return s.cmd.Process.Pid
}

// Stdout returns the child's stdout pipe. It is drained by the capturer and
// must not be read from anywhere else.
func (s *Supervisor) Stdout() io.Reader { return s.stdout }

// Stderr returns the child's stderr pipe.
func (s *Supervisor) Stderr() io.Reader { return s.stderr }

// Done returns a channel that is closed once the child has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// Wait blocks until the child exits and returns its exit result.
func (s *Supervisor) Wait() ExitResult {
	<-s.doneCh
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitResult
}

// Poll reports whether the child has exited, without blocking. The returned
// ExitResult is only meaningful when exited is true.
func (s *Supervisor) Poll() (result ExitResult, exited bool) {
	select {
	case <-s.doneCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitResult, true
	default:
		return ExitResult{}, false
	}
}

// Terminate sends a graceful stop signal, waits up to gracePeriod, and
// force-kills the child if it has not exited. It always returns within the
// grace period plus the time for the OS to reap a killed process, regardless
// of process cooperation.
func (s *Supervisor) Terminate(gracePeriod time.Duration) ExitResult {
	select {
	case <-s.doneCh:
		return s.Wait()
	default:
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		s.logger.Warn("Failed to send interrupt to process", "error", err)
	}

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()

	select {
	case <-s.doneCh:
	case <-timer.C:
		s.logger.Warn("Process did not exit gracefully, sending SIGKILL")
		if err := s.cmd.Process.Kill(); err != nil {
			s.logger.Error("Failed to kill process", "error", err)
		}
		<-s.doneCh
	}

	return s.Wait()
}
