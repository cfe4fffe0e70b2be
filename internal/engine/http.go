package engine

import (
	"context"
	"encoding/json"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/turtacn/Cohort/internal/monitor"
	"github.com/turtacn/Cohort/internal/resource"
	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/logger"
)

// Options configure an HTTPEngine. Grace bounds how long a drain waits for
// in-flight requests before connections are closed.
type Options struct {
	Bind    string
	Grace   time.Duration
	Metrics *monitor.Metrics
}

// HTTPEngine serves Assets over HTTP on a socket owned by a SocketManager.
// Every serve cycle runs a fresh http.Server on a duplicate of that socket.
type HTTPEngine struct {
	opts    Options
	sockets *resource.SocketManager
	assets  *Assets
	handler http.Handler
	proc    *process.Process
	started time.Time

	mu      sync.Mutex
	cur     *cycle
	stopped bool

	cycles   atomic.Int64
	running  atomic.Int64
	requests atomic.Int64
}

type cycle struct {
	srv     *http.Server
	once    sync.Once
	drained chan struct{}
}

func NewHTTPEngine(opts Options, sockets *resource.SocketManager, assets *Assets) *HTTPEngine {
	if opts.Grace <= 0 {
		opts.Grace = consts.DefaultShutdownGrace
	}
	if assets == nil {
		assets = &Assets{Files: make(map[string][]byte)}
	}
	e := &HTTPEngine{
		opts:    opts,
		sockets: sockets,
		assets:  assets,
		started: time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		e.proc = p
	}
	e.handler = e.routes()
	return e
}

func (e *HTTPEngine) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(e.track)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(e.Stats())
	})
	if e.opts.Metrics != nil {
		r.Handle("/metrics", e.opts.Metrics.Handler())
	}
	r.Get("/*", e.serveAsset)
	return r
}

func (e *HTTPEngine) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.running.Add(1)
		e.requests.Add(1)
		defer e.running.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (e *HTTPEngine) serveAsset(w http.ResponseWriter, r *http.Request) {
	data, name, ok := e.assets.Lookup(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Write(data)
}

// Handler exposes the router, mostly for tests.
func (e *HTTPEngine) Handler() http.Handler {
	return e.handler
}

// Serve runs one serve cycle and blocks until it has drained. The cycle ends
// on Stop, on BeginRestart, or when ctx is cancelled. After Stop, Serve
// returns nil at once.
func (e *HTTPEngine) Serve(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	ln, err := e.sockets.EnsureListener(e.opts.Bind)
	if err != nil {
		e.mu.Unlock()
		return errors.New(errors.ErrCodeEngineFailed, "Serve", "cannot listen", err)
	}
	c := &cycle{
		srv: &http.Server{
			Handler:           e.handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		drained: make(chan struct{}),
	}
	e.cur = c
	e.mu.Unlock()
	defer context.AfterFunc(ctx, func() { e.drain(c) })()

	e.cycles.Add(1)
	logger.Log.Debug("Engine serving", "addr", ln.Addr().String())
	err = c.srv.Serve(ln)

	e.mu.Lock()
	if e.cur == c {
		e.cur = nil
	}
	e.mu.Unlock()

	if err == http.ErrServerClosed {
		<-c.drained
		return nil
	}
	return errors.New(errors.ErrCodeEngineFailed, "Serve", "server failed", err)
}

// Stop drains the running cycle and makes later Serve calls return at once.
func (e *HTTPEngine) Stop() {
	e.mu.Lock()
	e.stopped = true
	c := e.cur
	e.mu.Unlock()

	if c != nil {
		go e.drain(c)
	}
}

// BeginRestart drains the running cycle without waiting for it. With no
// cycle running it does nothing; cancel the context given to Serve to end a
// cycle that has not registered yet.
func (e *HTTPEngine) BeginRestart() {
	e.mu.Lock()
	c := e.cur
	e.mu.Unlock()

	if c != nil {
		go e.drain(c)
	}
}

func (e *HTTPEngine) drain(c *cycle) {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.Grace)
		defer cancel()
		if err := c.srv.Shutdown(ctx); err != nil {
			logger.Log.Warn("Graceful drain timed out, closing connections", "err", err)
			c.srv.Close()
		}
		close(c.drained)
	})
}

func (e *HTTPEngine) Stats() Stats {
	s := Stats{
		StartedAt:     e.started,
		ServeCycles:   e.cycles.Load(),
		Running:       e.running.Load(),
		RequestsCount: e.requests.Load(),
		Assets:        len(e.assets.Files),
	}
	if e.proc != nil {
		if mem, err := e.proc.MemoryInfo(); err == nil {
			s.RSSBytes = mem.RSS
		}
	}
	return s
}

func (e *HTTPEngine) Snapshot() ([]byte, error) {
	return e.assets.Snapshot()
}

// Personal.AI order the ending
