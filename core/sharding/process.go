package sharding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/codewandler/clstr-sharder/core/launch"
)

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, p launch.Params) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, p launch.Params) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, p launch.Params) (Process, error) { return f(ctx, p) }

// Process is a running worker.
type Process interface {
	// Wait blocks until the process exited. It is called exactly once.
	Wait() (ExitStatus, error)
	// Kill terminates the process. Killing an exited process is not an error.
	Kill() error
}

// ExitStatus describes how a worker exited.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was terminated by a signal.
	Code int
	Desc string
}

func (s ExitStatus) String() string {
	if s.Desc != "" {
		return s.Desc
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// ExecLauncher runs workers as child processes of the current binary or of
// Path. The launch parameters are passed through the environment.
type ExecLauncher struct {
	Log  *slog.Logger
	Path string
	Args []string
	Dir  string

	// Stdout and Stderr default to the orchestrator's own.
	Stdout io.Writer
	Stderr io.Writer
}

func (l *ExecLauncher) Launch(_ context.Context, p launch.Params) (Process, error) {
	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}
	environ, err := p.Environ()
	if err != nil {
		return nil, err
	}

	// not bound to ctx: the worker outlives the spawn call
	cmd := exec.Command(path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), environ...)
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("worker started",
		slog.Int("cluster", p.ClusterID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("path", path),
	)
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1}, err
	}
	ps := p.cmd.ProcessState
	return ExitStatus{Code: ps.ExitCode(), Desc: ps.String()}, nil
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

var _ Launcher = (*ExecLauncher)(nil)
