package worker

import (
	"context"
	"sync"
)

// restartQueue is the RestartSignal: a FIFO of serve-loop decisions. true
// runs one more serve cycle, false ends the loop. Push never blocks, so it is
// safe from signal handling goroutines; Pop has a single consumer.
//
// The queue also owns the context of the open serve cycle, so that a Drain
// racing the start of Serve still ends the cycle it was aimed at.
type restartQueue struct {
	mu      sync.Mutex
	items   []bool
	ready   chan struct{}
	endOpen context.CancelFunc
}

func newRestartQueue(preload ...bool) *restartQueue {
	return &restartQueue{
		items: append([]bool(nil), preload...),
		ready: make(chan struct{}, 1),
	}
}

func (q *restartQueue) Push(v bool) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop blocks until a token is available. A cancelled context reads as false.
func (q *restartQueue) Pop(ctx context.Context) bool {
	_, ok := q.pop(ctx, false)
	return ok
}

// PopCycle is Pop for the serve loop. A true token opens a cycle whose
// context is derived from ctx and cancelled by Drain or EndCycle.
func (q *restartQueue) PopCycle(ctx context.Context) (context.Context, bool) {
	return q.pop(ctx, true)
}

func (q *restartQueue) pop(ctx context.Context, open bool) (context.Context, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			var cycle context.Context
			if v && open {
				cycle, q.endOpen = context.WithCancel(ctx)
			}
			q.mu.Unlock()
			return cycle, v
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// EndCycle releases the context of the cycle opened by PopCycle.
func (q *restartQueue) EndCycle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.endOpen != nil {
		q.endOpen()
		q.endOpen = nil
	}
}

// Drain drops every queued token and ends the open cycle, if any. It
// returns the number of tokens dropped.
func (q *restartQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	if q.endOpen != nil {
		q.endOpen()
		q.endOpen = nil
	}
	return n
}

func (q *restartQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *restartQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Personal.AI order the ending
