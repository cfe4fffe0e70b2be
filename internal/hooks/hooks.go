// Package hooks runs the lifecycle hooks of a worker: in-process functions
// registered by the embedding application and external commands from the
// configuration file.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/logger"
	"github.com/turtacn/Cohort/pkg/protocol"
)

// Name identifies a lifecycle point at which hooks run.
type Name string

const (
	BeforeWorkerBoot     Name = "before_worker_boot"
	BeforeRefork         Name = "before_refork"
	BeforeWorkerShutdown Name = "before_worker_shutdown"
	BeforeWorkerFork     Name = "before_worker_fork"
	AfterWorkerFork      Name = "after_worker_fork"
)

// NoIndex is passed to hooks that are not bound to a worker slot.
const NoIndex = -1

// Func is an in-process hook. events is the sink hooks report through.
type Func func(ctx context.Context, index int, events logger.Logger) error

// Runner runs every hook registered under a name, functions first, then
// configured commands, stopping at the first failure.
type Runner struct {
	mu       sync.RWMutex
	funcs    map[Name][]Func
	commands map[Name][]protocol.Hook
	done     func(Name, time.Duration)
}

// NewRunner builds a Runner with the shell commands configured in cfg.
func NewRunner(cfg protocol.HooksConfig) *Runner {
	return &Runner{
		funcs: make(map[Name][]Func),
		commands: map[Name][]protocol.Hook{
			BeforeWorkerBoot:     cfg.BeforeWorkerBoot,
			BeforeRefork:         cfg.BeforeRefork,
			BeforeWorkerShutdown: cfg.BeforeWorkerShutdown,
			BeforeWorkerFork:     cfg.BeforeWorkerFork,
			AfterWorkerFork:      cfg.AfterWorkerFork,
		},
	}
}

// Register adds fn to the hooks run under name. Functions run in
// registration order, before any configured command.
func (r *Runner) Register(name Name, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = append(r.funcs[name], fn)
}

// OnComplete registers fn to receive the total duration of every Run.
func (r *Runner) OnComplete(fn func(Name, time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = fn
}

// Run executes the hooks for name and waits for them to finish.
func (r *Runner) Run(ctx context.Context, name Name, index int, events logger.Logger) error {
	r.mu.RLock()
	funcs := append([]Func(nil), r.funcs[name]...)
	commands := append([]protocol.Hook(nil), r.commands[name]...)
	done := r.done
	r.mu.RUnlock()

	if len(funcs) == 0 && len(commands) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		if done != nil {
			done(name, time.Since(start))
		}
	}()

	for _, fn := range funcs {
		if err := fn(ctx, index, events); err != nil {
			return errors.New(errors.ErrCodeHookFailed, string(name), "hook function failed", err)
		}
	}
	for _, h := range commands {
		if err := runCommand(ctx, name, h, index, events); err != nil {
			return err
		}
	}
	return nil
}

func runCommand(ctx context.Context, name Name, h protocol.Hook, index int, events logger.Logger) error {
	if len(h.Command) == 0 {
		return errors.New(errors.ErrCodeConfigInvalid, string(name), fmt.Sprintf("hook %q has no command", h.Name), nil)
	}

	timeout := protocol.DurationOr(h.Timeout, consts.DefaultHookTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idx := ""
	if index != NoIndex {
		idx = strconv.Itoa(index)
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Env = append(os.Environ(),
		consts.EnvHookName+"="+string(name),
		consts.EnvWorkerIndex+"="+idx,
	)

	events.Info("Running hook", "hook", name, "name", h.Name, "index", index)
	out, err := cmd.CombinedOutput()
	if s := strings.TrimSpace(string(out)); s != "" {
		events.Info("Hook output", "hook", name, "name", h.Name, "output", s)
	}
	if err != nil {
		return errors.New(errors.ErrCodeHookFailed, string(name), fmt.Sprintf("hook %q failed", h.Name), err)
	}
	return nil
}

// Personal.AI order the ending
