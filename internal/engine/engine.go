// Package engine defines the request-serving collaborator a worker embeds and
// provides the default implementation: an HTTP server for a preloaded static
// application.
package engine

import (
	"context"
	"time"
)

// Engine is driven by the worker's serve loop.
type Engine interface {
	// Serve runs one serve cycle. It blocks until the engine is stopped or a
	// restart has begun, and returns once in-flight requests have drained.
	// Serve on a stopped engine returns immediately.
	Serve(ctx context.Context) error
	// Stop requests a final shutdown. It never blocks.
	Stop()
	// BeginRestart ends the current serve cycle gracefully. It never blocks.
	BeginRestart()
	// Stats returns a JSON-marshalable snapshot of the engine counters.
	Stats() Stats
}

// Snapshotter is implemented by engines whose loaded application can be
// handed to a freshly spawned sibling so that it skips loading from disk.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

type Stats struct {
	StartedAt     time.Time `json:"started_at"`
	ServeCycles   int64     `json:"serve_cycles"`
	Running       int64     `json:"running"` // requests in flight
	RequestsCount int64     `json:"requests_count"`
	Assets        int       `json:"assets"`
	RSSBytes      uint64    `json:"rss_bytes,omitempty"`
}

// Personal.AI order the ending
