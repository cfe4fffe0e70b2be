package resource

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func isNonblocking(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

func TestSocketManager_ReusesSocketAcrossCycles(t *testing.T) {
	sm := NewSocketManager()
	defer sm.Close()

	l1, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	addr := l1.Addr().String()
	require.NoError(t, l1.Close())

	// Closing one serve cycle's listener must leave the socket usable.
	l2, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, addr, l2.Addr().String())

	go func() {
		if c, err := l2.Accept(); err == nil {
			c.Close()
		}
	}()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	assert.Len(t, sm.GetFiles(), 1)
}

func TestSocketManager_CanonicalAlias(t *testing.T) {
	sm := NewSocketManager()
	defer sm.Close()

	l1, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	defer l1.Close()

	l2, err := sm.EnsureListener(l1.Addr().String())
	require.NoError(t, err, "canonical address must not bind again")
	defer l2.Close()

	assert.Equal(t, l1.Addr().String(), l2.Addr().String())
	assert.Equal(t, []string{l1.Addr().String()}, sm.Addrs())
}

func TestSocketManager_GetFilesOrderDeterministic(t *testing.T) {
	sm := NewSocketManager()
	defer sm.Close()

	for i := 0; i < 4; i++ {
		l, err := sm.EnsureListener("127.0.0.1:0")
		require.NoError(t, err)
		l.Close()
		// Each distinct request gets its own alias; force new binds.
		sm.mu.Lock()
		delete(sm.aliases, "127.0.0.1:0")
		sm.mu.Unlock()
	}

	first := sm.GetFiles()
	require.Len(t, first, 4)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, sm.GetFiles())
	}
}

func TestSocketManager_AdoptInherited(t *testing.T) {
	parent := NewSocketManager()
	defer parent.Close()

	pl, err := parent.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	addr := pl.Addr().String()
	pl.Close()

	files := parent.GetFiles()
	require.Len(t, files, 1)
	dup, err := unix.Dup(int(files[0].Fd()))
	require.NoError(t, err)

	child := NewSocketManager()
	defer child.Close()
	child.Adopt([]*os.File{os.NewFile(uintptr(dup), "listener")})

	// Port 0 on the same host claims the inherited socket instead of binding.
	cl, err := child.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	defer cl.Close()
	assert.Equal(t, addr, cl.Addr().String())

	raw, err := cl.(*net.TCPListener).SyscallConn()
	require.NoError(t, err)
	var nonblocking bool
	raw.Control(func(fd uintptr) { nonblocking, _ = isNonblocking(fd) })
	assert.True(t, nonblocking)
}

func TestSocketManager_AllFilesIncludesUnclaimed(t *testing.T) {
	parent := NewSocketManager()
	defer parent.Close()

	pl, err := parent.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	pl.Close()
	dup, err := unix.Dup(int(parent.GetFiles()[0].Fd()))
	require.NoError(t, err)

	child := NewSocketManager()
	defer child.Close()
	child.Adopt([]*os.File{os.NewFile(uintptr(dup), "listener")})

	// Nothing claimed yet: only AllFiles sees the adopted socket.
	assert.Empty(t, child.GetFiles())
	require.Len(t, child.AllFiles(), 1)

	cl, err := child.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	cl.Close()

	// Claiming moves it, it is not listed twice.
	assert.Len(t, child.GetFiles(), 1)
	assert.Len(t, child.AllFiles(), 1)
}

func TestSocketManager_AdoptSkipsNonSockets(t *testing.T) {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)

	sm := NewSocketManager()
	defer sm.Close()
	sm.Adopt([]*os.File{f})

	sm.mu.Lock()
	assert.Empty(t, sm.inherited)
	sm.mu.Unlock()
	f.Close()
}

func TestSameAddr(t *testing.T) {
	assert.True(t, sameAddr("127.0.0.1:8080", "127.0.0.1:8080"))
	assert.True(t, sameAddr(":8080", "[::]:8080"))
	assert.True(t, sameAddr("0.0.0.0:8080", "[::]:8080"))
	assert.True(t, sameAddr("127.0.0.1:0", "127.0.0.1:41234"))
	assert.False(t, sameAddr("127.0.0.1:8080", "127.0.0.1:8081"))
	assert.False(t, sameAddr("127.0.0.1:8080", "[::]:8080"))
	assert.False(t, sameAddr("garbage", "[::]:8080"))
}
