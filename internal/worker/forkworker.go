package worker

import (
	"bufio"
	"context"
	"os"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Cohort/internal/engine"
	"github.com/turtacn/Cohort/internal/hooks"
	"github.com/turtacn/Cohort/internal/ipc"
	"github.com/turtacn/Cohort/pkg/protocol"
)

// ChildSpawner starts a sibling worker process that shares the origin's
// check and status pipes and serves under index. origin is the engine of the
// spawning worker; implementations may hand its state to the child.
type ChildSpawner interface {
	SpawnChild(ctx context.Context, index int, pipes ipc.Pipes, origin engine.Engine) (pid int, err error)
}

// forkSupervisor runs on the origin worker in fork-worker mode. A single
// goroutine consumes fork commands and reap requests in arrival order, and
// it alone touches children.
type forkSupervisor struct {
	w        *Worker
	children map[int]int // pid -> index
	reap     chan os.Signal
}

func (w *Worker) startForkSupervisor(ctx context.Context, tasks *sync.WaitGroup) {
	fs := &forkSupervisor{
		w:        w,
		children: make(map[int]int),
		reap:     make(chan os.Signal, 1),
	}
	// os/signal sends without blocking, so a burst of SIGCHLD collapses into
	// one pending sweep.
	w.signals.Notify(fs.reap, syscall.SIGCHLD)

	cmds := make(chan protocol.ForkCommand)
	if w.pipes.Fork != nil {
		go fs.readCommands(ctx, cmds)
	}

	tasks.Add(1)
	go func() {
		defer tasks.Done()
		defer w.signals.Stop(fs.reap)
		fs.loop(ctx, cmds)
	}()
}

// readCommands turns fork pipe lines into commands. It is not waited for:
// Run closes the fork pipe on the way out, which ends the read.
func (fs *forkSupervisor) readCommands(ctx context.Context, out chan<- protocol.ForkCommand) {
	defer close(out)

	scanner := bufio.NewScanner(fs.w.pipes.Fork)
	for scanner.Scan() {
		cmd, err := protocol.ParseForkCommand(scanner.Text())
		if err != nil {
			fs.w.log.Warn("Ignored fork command", "err", err)
			continue
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fs.w.log.Warn("Fork pipe read failed", "err", err)
	}
}

func (fs *forkSupervisor) loop(ctx context.Context, cmds <-chan protocol.ForkCommand) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			fs.handle(ctx, cmd)
		case <-fs.reap:
			fs.sweep()
		}
	}
}

func (fs *forkSupervisor) handle(ctx context.Context, cmd protocol.ForkCommand) {
	w := fs.w
	w.log.Debug("Fork command", "command", cmd)

	switch {
	case cmd.IsSpawn():
		fs.spawn(ctx, cmd.Index())
	case cmd == protocol.StopServer:
		// A queued serve token would restart the engine right after the drain.
		// Draining also ends a cycle that was popped but has not reached the
		// engine yet.
		if n := w.restart.Drain(); n > 0 {
			w.log.Debug("Dropped pending restart tokens", "count", n)
		}
		w.engine.BeginRestart()
		if err := w.launcher.RunHooks(ctx, hooks.BeforeRefork, hooks.NoIndex); err != nil {
			w.log.Error("before_refork hook failed", "err", err)
		}
		if w.opts.CompactBeforeFork {
			w.compact()
		}
	case cmd == protocol.RestartServer:
		w.restart.Push(true)
		w.restart.Push(false)
	}
}

func (fs *forkSupervisor) spawn(ctx context.Context, index int) {
	w := fs.w
	if err := w.launcher.RunHooks(ctx, hooks.BeforeWorkerFork, index); err != nil {
		w.log.Error("before_worker_fork hook failed, not spawning", "index", index, "err", err)
		return
	}
	if w.spawner == nil {
		w.log.Error("No spawner configured, not spawning", "index", index)
		return
	}

	pid, err := w.spawner.SpawnChild(ctx, index, w.pipes, w.engine)
	if err != nil {
		w.log.Error("! Complete inability to spawn new workers detected", "index", index, "err", err)
		w.log.Error("! Seppuku is the only choice.")
		w.exit(1)
		return
	}

	if err := w.launcher.RunHooks(ctx, hooks.AfterWorkerFork, index); err != nil {
		w.log.Error("after_worker_fork hook failed", "index", index, "err", err)
	}
	fs.children[pid] = index
	if w.metrics != nil {
		w.metrics.ChildrenSpawned.Inc()
	}
	w.log.Info("Spawned worker", "index", index, "pid", pid)
	w.status.Send(protocol.Forked(pid, index))
}

// sweep collects every exited child without blocking. A pid the kernel no
// longer knows about was already collected elsewhere and is dropped too.
func (fs *forkSupervisor) sweep() {
	w := fs.w
	removed := 0
	for pid, index := range fs.children {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR || (err == nil && wpid == 0) {
			continue
		}
		delete(fs.children, pid)
		removed++
		if err != nil {
			w.log.Debug("Child already reaped", "pid", pid, "index", index, "err", err)
		} else {
			w.log.Info("Reaped worker", "pid", pid, "index", index, "status", ws.ExitStatus())
		}
	}
	if removed == 0 {
		return
	}
	if w.metrics != nil {
		w.metrics.ChildrenReaped.Add(float64(removed))
	}
	if err := ipc.Wakeup(w.pipes.Wakeup); err != nil {
		w.log.Debug("Wakeup write failed", "err", err)
	}
}

// compact returns freed memory to the OS before siblings are spawned.
func (w *Worker) compact() {
	before := rss(w.pid)
	debug.FreeOSMemory()
	w.log.Info("Compacted heap before fork", "rss_before", before, "rss_after", rss(w.pid))
}

func rss(pid int) uint64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0
	}
	return mem.RSS
}

// Personal.AI order the ending
