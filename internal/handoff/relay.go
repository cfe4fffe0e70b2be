// Package handoff carries an engine snapshot from the origin worker to a
// sibling it spawns, over a pipe inherited across exec.
package handoff

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/logger"
)

const envelopeVersion = 1

type envelope struct {
	Version   int             `json:"version"`
	OriginPID int             `json:"origin_pid"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

// Send writes the snapshot to w and closes it. The reader sees EOF after the
// document, so a crashed origin is distinguishable from an empty snapshot.
func Send(w io.WriteCloser, snapshot []byte) error {
	defer w.Close()

	env := envelope{Version: envelopeVersion, OriginPID: os.Getpid(), Snapshot: snapshot}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		return errors.New(errors.ErrCodeHandoffFailed, "Send", "write snapshot", err)
	}
	return nil
}

// Receive reads one snapshot from r. It gives up after timeout; the reading
// goroutine then finishes when the writer closes its end.
func Receive(r io.Reader, timeout time.Duration) ([]byte, error) {
	type result struct {
		env envelope
		err error
	}
	ch := make(chan result, 1)

	go func() {
		var env envelope
		err := json.NewDecoder(r).Decode(&env)
		ch <- result{env, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errors.New(errors.ErrCodeHandoffFailed, "Receive", "read snapshot", res.err)
		}
		if res.env.Version != envelopeVersion {
			return nil, errors.New(errors.ErrCodeHandoffFailed, "Receive", "unsupported snapshot version", nil)
		}
		logger.Log.Info("Snapshot received", "origin", res.env.OriginPID, "bytes", len(res.env.Snapshot))
		return res.env.Snapshot, nil
	case <-time.After(timeout):
		return nil, errors.New(errors.ErrCodeHandoffFailed, "Receive", "timed out waiting for snapshot", os.ErrDeadlineExceeded)
	}
}

// Personal.AI order the ending
