package supervisor

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/turtacn/Cohort/internal/ipc"
)

func TestSpawner_StartStop(t *testing.T) {
	s := &Spawner{Path: "sleep", Args: []string{"10"}}

	p, err := s.Start(Spec{Index: 1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.Pid() <= 0 {
		t.Fatal("Process should be started")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := p.Wait(); err == nil {
		t.Error("sleep should report termination by SIGTERM")
	}
}

func TestSpawner_Kill(t *testing.T) {
	s := &Spawner{Path: "sleep", Args: []string{"10"}}
	p, err := s.Start(Spec{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Errorf("Kill failed: %v", err)
	}
	if err := p.Wait(); err == nil {
		t.Errorf("Wait should have returned error for killed process")
	}
}

func TestSpawner_Identity(t *testing.T) {
	var out bytes.Buffer
	s := &Spawner{
		Path:   "sh",
		Args:   []string{"-c", `echo "$COHORT_WORKER_INDEX $COHORT_MASTER_ID $COHORT_WORKER_FDS $EXTRA"`},
		Env:    []string{"EXTRA=yes"},
		Stdout: &out,
	}

	f, _ := os.Open(os.DevNull)
	defer f.Close()
	var layout ipc.Layout
	layout.Add(ipc.FDCheck, f)

	p, err := s.Start(Spec{Index: 4, MasterID: 77, Layout: &layout})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if got := strings.TrimSpace(out.String()); got != "4 77 check=3 yes" {
		t.Errorf("unexpected child environment: %q", got)
	}
}

func TestSpawner_MissingBinary(t *testing.T) {
	s := &Spawner{Path: "/nonexistent/cohort"}
	if _, err := s.Start(Spec{}); err == nil {
		t.Error("Start should fail for a missing binary")
	}
}
