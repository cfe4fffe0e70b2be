// Package cluster is the master side of a worker cluster: it spawns the
// workers, follows them over the status pipe and drives refork and shutdown.
package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/turtacn/Cohort/internal/ipc"
	"github.com/turtacn/Cohort/internal/resource"
	"github.com/turtacn/Cohort/internal/supervisor"
	"github.com/turtacn/Cohort/pkg/consts"
	cerrors "github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/fsm"
	"github.com/turtacn/Cohort/pkg/logger"
	"github.com/turtacn/Cohort/pkg/protocol"
)

const (
	evBoot     fsm.Event = "boot"
	evRunning  fsm.Event = "running"
	evRefork   fsm.Event = "refork"
	evReforked fsm.Event = "reforked"
	evStop     fsm.Event = "stop"
	evStopped  fsm.Event = "stopped"
)

type member struct {
	pid    int
	index  int
	booted bool
	stats  json.RawMessage
}

// Cluster is the master process.
type Cluster struct {
	cfg      *protocol.Config
	fsm      *fsm.StateMachine
	sockets  *resource.SocketManager
	spawner  *supervisor.Spawner
	masterID int

	// Master ends. checkW is never written; closing it tells every worker
	// that the master is gone.
	checkW  *os.File
	statusR *os.File
	forkW   io.Writer
	wakeR   *os.File

	mu                sync.Mutex
	members           map[int]*member
	procs             []*supervisor.Process // started by the master, reaped in finish
	siblingsRequested bool

	kill func(pid int, sig syscall.Signal) error
}

func New(cfg *protocol.Config, spawner *supervisor.Spawner) *Cluster {
	c := &Cluster{
		cfg:      cfg,
		fsm:      fsm.New(fsm.State(consts.ClusterPending)),
		sockets:  resource.NewSocketManager(),
		spawner:  spawner,
		masterID: os.Getpid(),
		members:  make(map[int]*member),
		kill:     syscall.Kill,
	}
	c.setupFSM()
	return c
}

func (c *Cluster) setupFSM() {
	pending := fsm.State(consts.ClusterPending)
	booting := fsm.State(consts.ClusterBooting)
	running := fsm.State(consts.ClusterRunning)
	reforking := fsm.State(consts.ClusterReforking)
	stopping := fsm.State(consts.ClusterStopping)
	stopped := fsm.State(consts.ClusterStopped)

	c.fsm.AddTransition(pending, booting, evBoot, c.onBoot)
	c.fsm.AddTransition(booting, running, evRunning, nil)

	// Refork: the origin drains, its siblings are replaced from its image.
	c.fsm.AddTransition(running, reforking, evRefork, c.onRefork)
	c.fsm.AddTransition(reforking, running, evReforked, nil)

	for _, s := range []fsm.State{booting, running, reforking} {
		c.fsm.AddTransition(s, stopping, evStop, c.onStop)
	}
	c.fsm.AddTransition(stopping, stopped, evStopped, nil)
}

func (c *Cluster) State() fsm.State { return c.fsm.Current() }

func (c *Cluster) forkMode() bool {
	return c.cfg.Cluster.ForkWorker && c.cfg.Cluster.Workers > 1
}

// Run boots the cluster and follows it until every worker has reported
// Terminated or closed its status pipe. SIGINT and SIGTERM stop the
// cluster, SIGUSR1 reforks it.
func (c *Cluster) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	if err := c.fsm.Fire(evBoot); err != nil {
		return err
	}

	msgs := make(chan protocol.StatusMessage, 16)
	go c.readStatus(msgs)
	wakeups := make(chan struct{}, 1)
	if c.wakeR != nil {
		go c.readWakeups(wakeups)
	}

	done := ctx.Done()
	var deadline <-chan time.Time
	for {
		select {
		case <-done:
			done = nil
			deadline = c.stop()
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				c.refork()
				continue
			}
			logger.Log.Info("Cluster: Stop received", "signal", sig)
			if deadline == nil {
				deadline = c.stop()
			}
		case m, ok := <-msgs:
			if !ok {
				c.finish()
				return nil
			}
			c.handle(m)
		case <-wakeups:
			logger.Log.Debug("Cluster: Origin reaped a worker", "workers", c.memberCount())
		case <-deadline:
			logger.Log.Warn("Cluster: Workers did not terminate in time, killing", "workers", c.memberCount())
			c.signalAll(syscall.SIGKILL)
			c.finish()
			return nil
		}
	}
}

// onBoot binds the listeners, creates the pipes and starts the workers. In
// fork-worker mode only the origin is started here.
func (c *Cluster) onBoot(event fsm.Event, args ...interface{}) error {
	logger.Log.Info("Cluster: Booting", "workers", c.cfg.Cluster.Workers, "fork_worker", c.forkMode())

	if _, err := c.sockets.EnsureListener(c.cfg.Server.Bind); err != nil {
		return err
	}

	checkR, checkW, err := os.Pipe()
	if err != nil {
		return cerrors.New(cerrors.ErrCodeSpawnFailed, "Boot", "check pipe", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return cerrors.New(cerrors.ErrCodeSpawnFailed, "Boot", "status pipe", err)
	}
	c.checkW, c.statusR = checkW, statusR
	shared := ipc.Pipes{Check: checkR, Status: statusW}

	origin := shared
	if c.forkMode() {
		forkR, forkW, err := os.Pipe()
		if err != nil {
			return cerrors.New(cerrors.ErrCodeSpawnFailed, "Boot", "fork pipe", err)
		}
		wakeR, wakeW, err := os.Pipe()
		if err != nil {
			return cerrors.New(cerrors.ErrCodeSpawnFailed, "Boot", "wakeup pipe", err)
		}
		c.forkW, c.wakeR = forkW, wakeR
		origin.Fork, origin.Wakeup = forkR, wakeW
		defer forkR.Close()
		defer wakeW.Close()
	}
	// The workers hold the only write ends of the status pipe once these
	// close, so the master reads EOF when the last worker is gone.
	defer checkR.Close()
	defer statusW.Close()

	if err := c.spawn(0, origin); err != nil {
		return err
	}
	if c.forkMode() {
		return nil
	}
	for i := 1; i < c.cfg.Cluster.Workers; i++ {
		if err := c.spawn(i, shared); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) spawn(index int, pipes ipc.Pipes) error {
	layout := (&ipc.Layout{}).AddPipes(pipes)
	for _, f := range c.sockets.GetFiles() {
		layout.Add(ipc.FDListener, f)
	}

	proc, err := c.spawner.Start(supervisor.Spec{Index: index, MasterID: c.masterID, Layout: layout})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.members[proc.Pid()] = &member{pid: proc.Pid(), index: index}
	c.procs = append(c.procs, proc)
	c.mu.Unlock()
	return nil
}

func (c *Cluster) readStatus(out chan<- protocol.StatusMessage) {
	defer close(out)

	dec := protocol.NewDecoder(c.statusR)
	for {
		m, err := dec.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			if cerrors.Is(err, cerrors.ErrCodeProtocol) {
				logger.Log.Warn("Cluster: Bad status line", "err", err)
				continue
			}
			logger.Log.Error("Cluster: Status pipe failed", "err", err)
			return
		}
		out <- m
	}
}

func (c *Cluster) readWakeups(out chan<- struct{}) {
	r := bufio.NewReader(c.wakeR)
	for {
		if _, err := r.ReadByte(); err != nil {
			return
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
}

// handle applies one status message to the member table.
func (c *Cluster) handle(m protocol.StatusMessage) {
	c.mu.Lock()
	mem, ok := c.members[m.PID]
	if !ok && m.Tag != protocol.TagTerminated {
		mem = &member{pid: m.PID, index: -1}
		c.members[m.PID] = mem
	}

	spawnSiblings := false
	switch m.Tag {
	case protocol.TagBooted:
		mem.index = m.Index
		mem.booted = true
		if c.forkMode() && m.Index == 0 && !c.siblingsRequested {
			c.siblingsRequested = true
			spawnSiblings = true
		}
	case protocol.TagForked:
		mem.index = m.Index
	case protocol.TagStats:
		mem.stats = m.Stats
	case protocol.TagTerminated:
		delete(c.members, m.PID)
	}
	booted := c.bootedCountLocked()
	c.mu.Unlock()

	switch m.Tag {
	case protocol.TagBooted:
		logger.Log.Info("Cluster: Worker booted", "pid", m.PID, "index", m.Index)
	case protocol.TagForked:
		logger.Log.Info("Cluster: Worker spawned by origin", "pid", m.PID, "index", m.Index)
	case protocol.TagErrored:
		logger.Log.Info("Cluster: Worker stopping", "pid", m.PID)
	case protocol.TagTerminated:
		logger.Log.Info("Cluster: Worker terminated", "pid", m.PID)
	case protocol.TagStats:
		logger.Log.Debug("Cluster: Worker stats", "pid", m.PID, "stats", string(m.Stats))
	}

	if spawnSiblings {
		c.requestSiblings()
	}
	if c.fsm.Current() == fsm.State(consts.ClusterBooting) && booted >= c.cfg.Cluster.Workers {
		c.fsm.Fire(evRunning)
		logger.Log.Info("Cluster: All workers booted")
	}
}

func (c *Cluster) bootedCountLocked() int {
	n := 0
	for _, m := range c.members {
		if m.booted {
			n++
		}
	}
	return n
}

func (c *Cluster) memberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// requestSiblings asks the origin to spawn workers 1..N-1 and to serve.
func (c *Cluster) requestSiblings() {
	for i := 1; i < c.cfg.Cluster.Workers; i++ {
		c.command(protocol.SpawnChild(i))
	}
	c.command(protocol.RestartServer)
}

func (c *Cluster) command(cmd protocol.ForkCommand) {
	if c.forkW == nil {
		return
	}
	if _, err := c.forkW.Write(cmd.Encode()); err != nil {
		logger.Log.Warn("Cluster: Fork command not delivered", "command", cmd, "err", err)
	}
}

func (c *Cluster) refork() {
	if !c.forkMode() {
		logger.Log.Warn("Cluster: Refork needs cluster.fork_worker and more than one worker")
		return
	}
	if err := c.fsm.Fire(evRefork); err != nil {
		logger.Log.Warn("Cluster: Refork ignored", "state", c.fsm.Current(), "err", err)
	}
}

// onRefork drains the origin, stops its siblings and has the origin spawn
// fresh ones before it resumes serving.
func (c *Cluster) onRefork(event fsm.Event, args ...interface{}) error {
	logger.Log.Info("Cluster: Reforking from worker 0")

	c.command(protocol.StopServer)
	c.mu.Lock()
	var siblings []int
	for pid, m := range c.members {
		if m.index > 0 {
			siblings = append(siblings, pid)
		}
	}
	c.mu.Unlock()
	for _, pid := range siblings {
		if err := c.kill(pid, syscall.SIGTERM); err != nil {
			logger.Log.Warn("Cluster: Cannot stop worker", "pid", pid, "err", err)
		}
	}
	c.requestSiblings()
	return c.fsm.Fire(evReforked)
}

// stop starts the shutdown and returns the deadline for the workers.
func (c *Cluster) stop() <-chan time.Time {
	if err := c.fsm.Fire(evStop); err != nil {
		logger.Log.Debug("Cluster: Already stopping", "err", err)
	}
	return time.After(c.cfg.Cluster.ShutdownTimeout())
}

func (c *Cluster) onStop(event fsm.Event, args ...interface{}) error {
	logger.Log.Info("Cluster: Stopping workers", "workers", c.memberCount())
	c.signalAll(syscall.SIGTERM)
	return nil
}

func (c *Cluster) signalAll(sig syscall.Signal) {
	c.mu.Lock()
	pids := make([]int, 0, len(c.members))
	for pid := range c.members {
		pids = append(pids, pid)
	}
	c.mu.Unlock()

	for _, pid := range pids {
		if err := c.kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Log.Warn("Cluster: Signal failed", "pid", pid, "signal", sig, "err", err)
		}
	}
}

// finish reaps the workers the master started and releases its ends.
func (c *Cluster) finish() {
	c.mu.Lock()
	procs := c.procs
	c.procs = nil
	c.members = make(map[int]*member)
	c.mu.Unlock()

	for _, p := range procs {
		p.Wait()
	}
	if c.checkW != nil {
		c.checkW.Close()
	}
	if f, ok := c.forkW.(io.Closer); ok {
		f.Close()
	}
	c.sockets.Close()
	if c.fsm.Current() != fsm.State(consts.ClusterStopping) {
		c.fsm.Fire(evStop)
	}
	c.fsm.Fire(evStopped)
	logger.Log.Info("Cluster: Stopped")
}

// Personal.AI order the ending
