// Package supervisor starts worker processes by re-executing the current
// binary with a descriptor layout and a worker identity in the environment.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/turtacn/Cohort/internal/ipc"
	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/logger"
)

// Spawner launches worker processes.
type Spawner struct {
	// Path is the binary to run. Defaults to the running executable.
	Path string
	// Args are passed before any per-spawn arguments, e.g. "worker".
	Args []string
	// Env is appended to the current environment of every child.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// New creates a Spawner re-executing the current binary with args.
func New(args ...string) (*Spawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.New(errors.ErrCodeSpawnFailed, "New", "cannot resolve executable", err)
	}
	return &Spawner{Path: exe, Args: args, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

// Spec describes one worker to start.
type Spec struct {
	Index    int
	MasterID int
	Layout   *ipc.Layout
}

// Process is a started worker.
type Process struct {
	cmd *exec.Cmd
}

// Start launches a worker. Descriptors in spec.Layout become ExtraFiles and
// are described to the child through COHORT_WORKER_FDS; nothing else leaks
// across exec.
func (s *Spawner) Start(spec Spec) (*Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		consts.EnvWorkerIndex+"="+strconv.Itoa(spec.Index),
		consts.EnvMasterID+"="+strconv.Itoa(spec.MasterID),
	)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	if spec.Layout != nil {
		cmd.ExtraFiles = spec.Layout.ExtraFiles()
		cmd.Env = append(cmd.Env, spec.Layout.Env())
	}

	logger.Log.Info("Supervisor: Spawning worker", "index", spec.Index, "path", s.Path)
	if err := cmd.Start(); err != nil {
		return nil, errors.New(errors.ErrCodeSpawnFailed, "Start", fmt.Sprintf("worker %d", spec.Index), err)
	}
	return &Process{cmd: cmd}, nil
}

// Pid is the operating system id of the worker process.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop sends SIGTERM to initiate a graceful shutdown.
func (p *Process) Stop() error {
	logger.Log.Info("Supervisor: Sending SIGTERM", "pid", p.Pid())
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill terminates the worker with SIGKILL.
func (p *Process) Kill() error {
	logger.Log.Warn("Supervisor: Sending SIGKILL", "pid", p.Pid())
	return p.cmd.Process.Kill()
}

// Wait waits for the worker to exit.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Release gives up the handle without waiting. The caller becomes
// responsible for reaping the pid.
func (p *Process) Release() error {
	return p.cmd.Process.Release()
}

// Personal.AI order the ending
