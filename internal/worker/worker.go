// Package worker implements the lifecycle of one cluster worker process:
// boot, serve loop, termination, and in fork-worker mode the supervision of
// the siblings spawned from the origin worker.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/turtacn/Cohort/internal/engine"
	"github.com/turtacn/Cohort/internal/hooks"
	"github.com/turtacn/Cohort/internal/ipc"
	"github.com/turtacn/Cohort/internal/monitor"
	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/fsm"
	"github.com/turtacn/Cohort/pkg/logger"
	"github.com/turtacn/Cohort/pkg/protocol"
)

// Launcher is the environment a worker boots in: it runs lifecycle hooks,
// builds the serving engine and receives user-facing events.
type Launcher interface {
	StartEngine(ctx context.Context) (engine.Engine, error)
	RunHooks(ctx context.Context, name hooks.Name, index int) error
	Events() logger.Logger
}

// Options are the per-worker settings derived from the cluster config.
type Options struct {
	Index    int
	MasterID int
	Tag      string

	// ForkWorker enables the sub-supervisor on the worker with index 0.
	ForkWorker bool
	// CompactBeforeFork returns freed heap to the OS after a StopServer
	// command so that spawned siblings start from a smaller image.
	CompactBeforeFork bool

	StatsInterval    time.Duration
	WatchdogInterval time.Duration
}

const (
	evServe     fsm.Event = "serve"
	evCycleDone fsm.Event = "cycle_done"
	evStop      fsm.Event = "stop"
	evTerminate fsm.Event = "terminate"
)

// Worker is the single worker of the current process.
type Worker struct {
	opts     Options
	pid      int
	launcher Launcher
	pipes    ipc.Pipes
	status   *ipc.StatusWriter
	engine   engine.Engine
	spawner  ChildSpawner
	metrics  *monitor.Metrics
	log      logger.Logger
	state    *fsm.StateMachine
	restart  *restartQueue

	signals signalSource
	exit    func(code int)
	stderr  io.Writer
}

// Option customizes a Worker built by New.
type Option func(*Worker)

// WithEngine hands the worker an already-booted engine, skipping
// Launcher.StartEngine.
func WithEngine(e engine.Engine) Option {
	return func(w *Worker) { w.engine = e }
}

// WithSpawner sets how the origin worker starts siblings.
func WithSpawner(s ChildSpawner) Option {
	return func(w *Worker) { w.spawner = s }
}

// WithMetrics records serve cycles, child churn and status traffic on m.
func WithMetrics(m *monitor.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New builds the worker for opts.Index. Zero intervals take the package
// defaults. Nothing runs until Run is called.
func New(opts Options, launcher Launcher, pipes ipc.Pipes, options ...Option) *Worker {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = consts.WorkerCheckInterval
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = consts.WatchdogPollInterval
	}

	w := &Worker{
		opts:     opts,
		pid:      os.Getpid(),
		launcher: launcher,
		pipes:    pipes,
		status:   ipc.NewStatusWriter(pipes.Status),
		log:      launcher.Events().With("worker", opts.Index),
		restart:  newRestartQueue(),
		signals:  osSignals{},
		exit:     os.Exit,
		stderr:   os.Stderr,
	}
	for _, o := range options {
		o(w)
	}

	w.state = newLifecycle()
	w.state.Observe(func(from, to fsm.State, ev fsm.Event) {
		w.log.Debug("Worker state changed", "from", from, "to", to, "event", ev)
	})
	if w.metrics != nil {
		m := w.metrics
		w.status.OnSend(func(t protocol.Tag) {
			m.StatusMessages.WithLabelValues(t.String()).Inc()
		})
	}
	return w
}

func newLifecycle() *fsm.StateMachine {
	booting := fsm.State(consts.StateBooting)
	serving := fsm.State(consts.StateServing)
	pending := fsm.State(consts.StateRestartPending)
	stopping := fsm.State(consts.StateStopping)
	terminated := fsm.State(consts.StateTerminated)

	m := fsm.New(booting)
	m.AddTransition(booting, serving, evServe, nil)
	m.AddTransition(pending, serving, evServe, nil)
	m.AddTransition(serving, pending, evCycleDone, nil)
	m.AddTransition(booting, stopping, evStop, nil)
	m.AddTransition(pending, stopping, evStop, nil)
	for _, s := range []fsm.State{booting, serving, pending, stopping} {
		m.AddTransition(s, terminated, evTerminate, nil)
	}
	return m
}

// Index is the worker's slot in the cluster.
func (w *Worker) Index() int { return w.opts.Index }

// State reports the current lifecycle state.
func (w *Worker) State() fsm.State { return w.state.Current() }

func (w *Worker) fire(ev fsm.Event) {
	if err := w.state.Fire(ev); err != nil {
		w.log.Debug("Ignored lifecycle event", "event", ev, "err", err)
	}
}

func (w *Worker) forkMode() bool {
	return w.opts.ForkWorker && w.opts.Index == 0
}

// Run boots the worker, serves until told to stop and shuts down. Hook and
// engine errors are returned after Terminated has been emitted. A status pipe
// that is already closed at boot ends the run without serving and without
// an error.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var tasks sync.WaitGroup

	termCh := make(chan os.Signal, 1)
	defer func() {
		cancel()
		// Unblocks the fork command reader, which is not part of tasks.
		if w.pipes.Fork != nil {
			w.pipes.Fork.Close()
		}
		tasks.Wait()
		w.status.Send(protocol.Terminated(w.pid))
		w.status.Close()
		w.signals.Stop(termCh)
		w.fire(evTerminate)
		w.log.Info("Worker terminated")
	}()

	title := processTitle(w.opts.Index, w.opts.MasterID, w.opts.Tag)
	setProcessTitle(title)
	w.log.Info("Worker booting", "title", title, "pid", w.pid)

	w.signals.Ignore(os.Interrupt)
	w.signals.Reset(syscall.SIGCHLD)

	if w.pipes.Check != nil {
		go watchParent(ctx, w.pipes.Check, w.opts.WatchdogInterval, w.log, func() { w.exit(1) })
	}

	if err := w.launcher.RunHooks(ctx, hooks.BeforeWorkerBoot, w.opts.Index); err != nil {
		return err
	}

	if w.engine == nil {
		e, err := w.launcher.StartEngine(ctx)
		if err != nil {
			return err
		}
		w.engine = e
	}

	w.restart.Push(true)
	w.restart.Push(false)

	if w.forkMode() {
		w.restart.Clear()
		w.startForkSupervisor(ctx, &tasks)
	}

	w.signals.Notify(termCh, syscall.SIGTERM)
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		w.handleTerm(ctx, termCh)
	}()

	if err := w.status.Send(protocol.Booted(w.pid, w.opts.Index)); err != nil {
		fmt.Fprintln(w.stderr, "Master seems to have exited, exiting.")
		return nil
	}

	tasks.Add(1)
	go func() {
		defer tasks.Done()
		w.reportStats(ctx)
	}()

	for {
		cycle, ok := w.restart.PopCycle(ctx)
		if !ok {
			break
		}
		w.fire(evServe)
		err := w.engine.Serve(cycle)
		w.restart.EndCycle()
		if err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.ServeCycles.Inc()
		}
		w.fire(evCycleDone)
	}
	w.fire(evStop)

	return w.launcher.RunHooks(context.WithoutCancel(ctx), hooks.BeforeWorkerShutdown, w.opts.Index)
}

// handleTerm drains SIGTERM deliveries. Its body only does non-blocking
// work: a best-effort status write, an engine stop and a queue push.
func (w *Worker) handleTerm(ctx context.Context, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			w.log.Info("Received SIGTERM, stopping")
			w.status.Send(protocol.Errored(w.pid))
			w.engine.Stop()
			w.restart.Push(false)
		}
	}
}

// Personal.AI order the ending
