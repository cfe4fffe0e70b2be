package worker

import (
	"context"
	"os"

	"github.com/turtacn/Cohort/internal/engine"
	"github.com/turtacn/Cohort/internal/handoff"
	"github.com/turtacn/Cohort/internal/ipc"
	"github.com/turtacn/Cohort/internal/resource"
	"github.com/turtacn/Cohort/internal/supervisor"
	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/logger"
)

// ExecSpawner starts siblings by re-executing the binary. The child inherits
// the check and status pipes, every listening socket of the origin and, when
// the origin engine can snapshot itself, the loaded application over a
// handoff pipe.
type ExecSpawner struct {
	Spawner  *supervisor.Spawner
	Sockets  *resource.SocketManager
	MasterID int
}

// SpawnChild starts worker index and returns its pid. The process is
// released at once: the fork supervisor reaps it with wait4.
func (s *ExecSpawner) SpawnChild(_ context.Context, index int, pipes ipc.Pipes, origin engine.Engine) (int, error) {
	layout := &ipc.Layout{}
	layout.Add(ipc.FDCheck, pipes.Check).Add(ipc.FDStatus, pipes.Status)
	if s.Sockets != nil {
		// The origin may not have served yet, so unclaimed sockets count too.
		for _, f := range s.Sockets.AllFiles() {
			layout.Add(ipc.FDListener, f)
		}
	}

	var snapshot []byte
	if snap, ok := origin.(engine.Snapshotter); ok {
		b, err := snap.Snapshot()
		if err != nil {
			return 0, errors.New(errors.ErrCodeHandoffFailed, "SpawnChild", "snapshot engine", err)
		}
		snapshot = b
	}

	var hw *os.File
	if snapshot != nil {
		hr, w, err := os.Pipe()
		if err != nil {
			return 0, errors.New(errors.ErrCodeHandoffFailed, "SpawnChild", "handoff pipe", err)
		}
		defer hr.Close()
		layout.Add(ipc.FDHandoff, hr)
		hw = w
	}

	proc, err := s.Spawner.Start(supervisor.Spec{Index: index, MasterID: s.MasterID, Layout: layout})
	if err != nil {
		if hw != nil {
			hw.Close()
		}
		return 0, err
	}
	pid := proc.Pid()
	proc.Release()

	if hw != nil {
		go func() {
			if err := handoff.Send(hw, snapshot); err != nil {
				logger.Log.Warn("Snapshot handoff failed", "pid", pid, "index", index, "err", err)
			}
		}()
	}
	return pid, nil
}

// Personal.AI order the ending
