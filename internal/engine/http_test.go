package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Cohort/internal/monitor"
	"github.com/turtacn/Cohort/internal/resource"
)

func writeSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>home</h1>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "site.css"), []byte("body{}"), 0o644))
	return root
}

func newTestEngine(t *testing.T, assets *Assets) (*HTTPEngine, *resource.SocketManager) {
	t.Helper()
	sockets := resource.NewSocketManager()
	t.Cleanup(sockets.Close)
	e := NewHTTPEngine(Options{Bind: "127.0.0.1:0", Grace: time.Second, Metrics: monitor.NewMetrics("0")}, sockets, assets)
	return e, sockets
}

func TestHTTPEngine_Routes(t *testing.T) {
	assets, err := LoadAssets(writeSite(t))
	require.NoError(t, err)
	e, _ := newTestEngine(t, assets)

	get := func(p string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", p, nil))
		return rec
	}

	rec := get("/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>home</h1>", rec.Body.String())

	rec = get("/css/site.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")

	assert.Equal(t, http.StatusNotFound, get("/missing").Code)
	assert.Equal(t, "ok\n", get("/healthz").Body.String())
	assert.Contains(t, get("/metrics").Body.String(), "cohort_serve_cycles_total")

	var st Stats
	require.NoError(t, json.Unmarshal(get("/stats").Body.Bytes(), &st))
	assert.Equal(t, 2, st.Assets)
	assert.GreaterOrEqual(t, st.RequestsCount, int64(5))
}

func serveAsync(e *HTTPEngine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Serve(context.Background()) }()
	return done
}

func waitServing(t *testing.T, sockets *resource.SocketManager) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		addrs := sockets.Addrs()
		if len(addrs) == 0 {
			return false
		}
		addr = addrs[0]
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return addr
}

func TestHTTPEngine_RestartThenStop(t *testing.T) {
	e, sockets := newTestEngine(t, nil)

	done := serveAsync(e)
	addr := waitServing(t, sockets)

	e.BeginRestart()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after BeginRestart")
	}

	// The socket survives the restart; a second cycle serves on the same address.
	done = serveAsync(e)
	assert.Equal(t, addr, waitServing(t, sockets))
	assert.Equal(t, int64(2), e.Stats().ServeCycles)

	e.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	// A stopped engine never serves again.
	require.NoError(t, e.Serve(context.Background()))
	assert.Equal(t, int64(2), e.Stats().ServeCycles)
}

func TestHTTPEngine_StopBeforeServe(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Stop()
	e.BeginRestart() // no cycle running: no-op

	require.NoError(t, e.Serve(context.Background()))
	assert.Zero(t, e.Stats().ServeCycles)
}

func TestHTTPEngine_CycleEndsWithContext(t *testing.T) {
	e, sockets := newTestEngine(t, nil)

	// A cycle whose context is already done drains as soon as it registers.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve ignored a cancelled context")
	}
	assert.Equal(t, int64(1), e.Stats().ServeCycles)

	// Cancelling mid-cycle drains it too, and the socket stays bound.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- e.Serve(ctx) }()
	waitServing(t, sockets)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.Len(t, sockets.Addrs(), 1)
}

func TestAssets_SnapshotRoundTrip(t *testing.T) {
	assets, err := LoadAssets(writeSite(t))
	require.NoError(t, err)

	b, err := assets.Snapshot()
	require.NoError(t, err)
	restored, err := AssetsFromSnapshot(b)
	require.NoError(t, err)
	assert.Equal(t, assets.Files, restored.Files)

	data, name, ok := restored.Lookup("/css/../")
	require.True(t, ok)
	assert.Equal(t, "/index.html", name)
	assert.Equal(t, "<h1>home</h1>", string(data))

	_, err = AssetsFromSnapshot([]byte("{"))
	assert.Error(t, err)
}

func TestLoadAssets_EmptyRoot(t *testing.T) {
	a, err := LoadAssets("")
	require.NoError(t, err)
	assert.Empty(t, a.Files)

	_, err = LoadAssets(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
