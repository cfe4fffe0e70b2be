package cluster

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/turtacn/Cohort/internal/supervisor"
	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/fsm"
	"github.com/turtacn/Cohort/pkg/protocol"
)

type killRecorder struct {
	mu    sync.Mutex
	calls map[syscall.Signal][]int
}

func (k *killRecorder) kill(pid int, sig syscall.Signal) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls[sig] = append(k.calls[sig], pid)
	return nil
}

func (k *killRecorder) pids(sig syscall.Signal) []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	pids := append([]int(nil), k.calls[sig]...)
	sort.Ints(pids)
	return pids
}

func testCluster(workers int, forkWorker bool, state consts.ClusterState) (*Cluster, *bytes.Buffer, *killRecorder) {
	cfg := &protocol.Config{
		Cluster: protocol.ClusterConfig{Workers: workers, ForkWorker: forkWorker},
		Server:  protocol.ServerConfig{Bind: "127.0.0.1:0"},
	}
	c := New(cfg, nil)
	c.fsm = fsm.New(fsm.State(state))
	c.setupFSM()

	buf := &bytes.Buffer{}
	c.forkW = buf
	k := &killRecorder{calls: make(map[syscall.Signal][]int)}
	c.kill = k.kill
	return c, buf, k
}

func TestNew(t *testing.T) {
	c := New(&protocol.Config{}, nil)
	if c.State() != fsm.State(consts.ClusterPending) {
		t.Errorf("Expected state %v, got %v", consts.ClusterPending, c.State())
	}
	if c.masterID == 0 {
		t.Error("Expected master id to be set")
	}
}

func TestHandle_ForkModeRequestsSiblingsOnce(t *testing.T) {
	c, buf, _ := testCluster(3, true, consts.ClusterBooting)

	c.handle(protocol.Booted(100, 0))
	if got := buf.String(); got != "1\n2\n0\n" {
		t.Fatalf("Expected spawn and restart commands, got %q", got)
	}

	c.handle(protocol.Booted(100, 0))
	if got := buf.String(); got != "1\n2\n0\n" {
		t.Errorf("Expected no further commands, got %q", got)
	}
}

func TestHandle_RunningOnceAllBooted(t *testing.T) {
	c, _, _ := testCluster(3, true, consts.ClusterBooting)

	c.handle(protocol.Booted(100, 0))
	c.handle(protocol.Forked(101, 1))
	c.handle(protocol.Forked(102, 2))
	c.handle(protocol.Booted(101, 1))
	if c.State() != fsm.State(consts.ClusterBooting) {
		t.Fatalf("Expected BOOTING with 2 of 3 booted, got %v", c.State())
	}

	c.handle(protocol.Booted(102, 2))
	if c.State() != fsm.State(consts.ClusterRunning) {
		t.Errorf("Expected RUNNING, got %v", c.State())
	}
	if c.memberCount() != 3 {
		t.Errorf("Expected 3 members, got %d", c.memberCount())
	}
}

func TestHandle_StatsAndTermination(t *testing.T) {
	c, _, _ := testCluster(2, false, consts.ClusterRunning)

	c.handle(protocol.Booted(200, 0))
	c.handle(protocol.Stats(200, []byte(`{"running":1}`)))
	if got := string(c.members[200].stats); got != `{"running":1}` {
		t.Errorf("Expected stats to be kept, got %q", got)
	}

	c.handle(protocol.Errored(200))
	c.handle(protocol.Terminated(200))
	c.handle(protocol.Terminated(999)) // unknown pid
	if c.memberCount() != 0 {
		t.Errorf("Expected no members, got %d", c.memberCount())
	}
}

func TestRefork(t *testing.T) {
	c, buf, k := testCluster(3, true, consts.ClusterRunning)
	c.handle(protocol.Booted(100, 0))
	buf.Reset()
	c.handle(protocol.Booted(101, 1))
	c.handle(protocol.Booted(102, 2))

	c.refork()

	if got := buf.String(); got != "-1\n1\n2\n0\n" {
		t.Errorf("Expected stop, spawn and restart commands, got %q", got)
	}
	if got := k.pids(syscall.SIGTERM); len(got) != 2 || got[0] != 101 || got[1] != 102 {
		t.Errorf("Expected siblings 101 and 102 stopped, got %v", got)
	}
	if c.State() != fsm.State(consts.ClusterRunning) {
		t.Errorf("Expected RUNNING after refork, got %v", c.State())
	}
}

func TestRefork_RequiresForkWorker(t *testing.T) {
	c, buf, k := testCluster(3, false, consts.ClusterRunning)
	c.handle(protocol.Booted(101, 1))

	c.refork()

	if buf.Len() != 0 {
		t.Errorf("Expected no fork commands, got %q", buf.String())
	}
	if len(k.pids(syscall.SIGTERM)) != 0 {
		t.Error("Expected no worker to be stopped")
	}
}

func TestStop_SignalsEveryWorker(t *testing.T) {
	c, _, k := testCluster(2, true, consts.ClusterRunning)
	c.handle(protocol.Booted(100, 0))
	c.handle(protocol.Forked(101, 1))

	c.stop()

	if got := k.pids(syscall.SIGTERM); len(got) != 2 {
		t.Errorf("Expected 2 workers signalled, got %v", got)
	}
	if c.State() != fsm.State(consts.ClusterStopping) {
		t.Errorf("Expected STOPPING, got %v", c.State())
	}
}

// Workers here are shell scripts speaking the status protocol on fd 4.
func TestRun_WorkersBootAndExit(t *testing.T) {
	script := `echo "b$$:${COHORT_WORKER_INDEX}" >&4; echo "t$$" >&4`
	cfg := &protocol.Config{
		Cluster: protocol.ClusterConfig{Workers: 2, WorkerShutdownTimeout: "5s"},
		Server:  protocol.ServerConfig{Bind: "127.0.0.1:0"},
	}
	c := New(cfg, &supervisor.Spawner{Path: "/bin/sh", Args: []string{"-c", script}})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the workers exited")
	}
	if c.State() != fsm.State(consts.ClusterStopped) {
		t.Errorf("Expected STOPPED, got %v", c.State())
	}
}

func TestRun_StopsWorkersOnCancel(t *testing.T) {
	script := `trap 'echo "t$$" >&4; exit 0' TERM; echo "b$$:${COHORT_WORKER_INDEX}" >&4; while :; do sleep 0.05; done`
	cfg := &protocol.Config{
		Cluster: protocol.ClusterConfig{Workers: 2, WorkerShutdownTimeout: "5s"},
		Server:  protocol.ServerConfig{Bind: "127.0.0.1:0"},
	}
	c := New(cfg, &supervisor.Spawner{Path: "/bin/sh", Args: []string{"-c", script}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for c.State() != fsm.State(consts.ClusterRunning) {
		if time.Now().After(deadline) {
			t.Fatalf("Cluster never reached RUNNING, state %v", c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.State() != fsm.State(consts.ClusterStopped) {
		t.Errorf("Expected STOPPED, got %v", c.State())
	}
}
