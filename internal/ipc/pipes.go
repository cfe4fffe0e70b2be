// Package ipc holds the descriptor bundle of a worker process and the
// best-effort writers used on it.
package ipc

import (
	"io"
	"os"
	"sync"

	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/protocol"
)

// Pipes is the descriptor bundle of one worker.
type Pipes struct {
	Check  *os.File // read end, reaches EOF when the master is gone
	Status *os.File // write end shared by every worker of the cluster
	Fork   *os.File // read end, origin worker in fork-worker mode only
	Wakeup *os.File // write end, origin worker in fork-worker mode only
}

// StatusWriter serializes messages onto the status pipe. Every message is a
// single Write so that concurrent writers in sibling processes never
// interleave. Send never panics; a broken or closed pipe is reported as an
// ErrCodePipeBroken error that callers are free to ignore.
type StatusWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
	sent   func(protocol.Tag)
}

func NewStatusWriter(w io.WriteCloser) *StatusWriter {
	return &StatusWriter{w: w}
}

// OnSend registers fn to be called after every successful write.
func (s *StatusWriter) OnSend(fn func(protocol.Tag)) {
	s.mu.Lock()
	s.sent = fn
	s.mu.Unlock()
}

func (s *StatusWriter) Send(m protocol.StatusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.w == nil {
		return errors.New(errors.ErrCodePipeBroken, "StatusWrite", "status pipe closed", os.ErrClosed)
	}
	if _, err := s.w.Write(m.Encode()); err != nil {
		return errors.New(errors.ErrCodePipeBroken, "StatusWrite", "observer gone", err)
	}
	if s.sent != nil {
		s.sent(m.Tag)
	}
	return nil
}

// Close closes the underlying pipe end. It is safe to call more than once.
func (s *StatusWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.w == nil {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// Wakeup pokes the observer with a single byte. A nil pipe is a no-op.
func Wakeup(f *os.File) error {
	if f == nil {
		return nil
	}
	if _, err := f.Write([]byte{'!'}); err != nil {
		return errors.New(errors.ErrCodePipeBroken, "Wakeup", "observer gone", err)
	}
	return nil
}

// Personal.AI order the ending
