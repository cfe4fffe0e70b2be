// Package resource owns the listening sockets of a worker and hands them
// across exec to spawned siblings.
package resource

import (
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/logger"
)

// SocketManager keeps one listening socket per address. Callers receive
// independent net.Listener duplicates, so closing a listener at the end of a
// serve cycle never closes the shared socket.
type SocketManager struct {
	mu sync.Mutex

	// Listening sockets keyed by canonical address
	files map[string]*os.File
	// Requested address -> canonical address
	aliases map[string]string
	// Adopted from the parent but not yet claimed
	inherited map[string]*os.File
}

func NewSocketManager() *SocketManager {
	return &SocketManager{
		files:     make(map[string]*os.File),
		aliases:   make(map[string]string),
		inherited: make(map[string]*os.File),
	}
}

func isSocket(fd uintptr) bool {
	var stat syscall.Stat_t
	if err := syscall.Fstat(int(fd), &stat); err != nil {
		return false
	}
	return (stat.Mode & syscall.S_IFMT) == syscall.S_IFSOCK
}

func setNonblock(l net.Listener) {
	sc, ok := l.(syscall.Conn)
	if !ok {
		return
	}
	if rawConn, err := sc.SyscallConn(); err == nil {
		rawConn.Control(func(fd uintptr) {
			_ = syscall.SetNonblock(int(fd), true)
		})
	}
}

// Adopt registers listening sockets received from the parent process.
// Descriptors that are not sockets are logged and skipped.
func (sm *SocketManager) Adopt(files []*os.File) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, f := range files {
		if !isSocket(f.Fd()) {
			logger.Log.Warn("Inherited descriptor is not a socket, skipping", "fd", f.Fd())
			continue
		}
		l, err := net.FileListener(f)
		if err != nil {
			logger.Log.Error("Failed to create listener from inherited descriptor", "fd", f.Fd(), "err", err)
			continue
		}
		addr := l.Addr().String()
		l.Close()

		sm.inherited[addr] = f
		logger.Log.Debug("Adopted inherited socket", "addr", addr, "fd", f.Fd())
	}
}

// EnsureListener returns a fresh listener on addr. The socket is claimed from
// the inherited set when one matches, otherwise it is bound once and reused by
// later calls.
func (sm *SocketManager) EnsureListener(addr string) (net.Listener, error) {
	f, err := sm.ensureFile(addr)
	if err != nil {
		return nil, err
	}
	l, err := net.FileListener(f)
	if err != nil {
		return nil, errors.New(errors.ErrCodeListenFailed, "EnsureListener", addr, err)
	}
	setNonblock(l)
	return l, nil
}

func (sm *SocketManager) ensureFile(addr string) (*os.File, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if canonical, ok := sm.aliases[addr]; ok {
		return sm.files[canonical], nil
	}
	if f, ok := sm.files[addr]; ok {
		return f, nil
	}

	for canonical, f := range sm.inherited {
		if !sameAddr(addr, canonical) {
			continue
		}
		logger.Log.Info("Claiming inherited socket", "addr", canonical)
		delete(sm.inherited, canonical)
		sm.files[canonical] = f
		sm.aliases[addr] = canonical
		return f, nil
	}

	logger.Log.Info("Binding new listener", "addr", addr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.New(errors.ErrCodeListenFailed, "EnsureListener", addr, err)
	}
	defer l.Close()

	tcpL, ok := l.(*net.TCPListener)
	if !ok {
		return nil, errors.New(errors.ErrCodeListenFailed, "EnsureListener", fmt.Sprintf("%s is not a TCP listener", addr), nil)
	}
	f, err := tcpL.File()
	if err != nil {
		return nil, errors.New(errors.ErrCodeListenFailed, "EnsureListener", addr, err)
	}

	canonical := l.Addr().String()
	sm.files[canonical] = f
	sm.aliases[addr] = canonical
	return f, nil
}

// sameAddr reports whether an inherited socket bound at canonical satisfies a
// request for addr. Port 0 matches any port on the same host, and the
// unspecified hosts are interchangeable.
func sameAddr(addr, canonical string) bool {
	if addr == canonical {
		return true
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	cHost, cPort, err := net.SplitHostPort(canonical)
	if err != nil {
		return false
	}
	if port != "0" && port != cPort {
		return false
	}
	if host == cHost {
		return true
	}
	return isUnspecified(host) && isUnspecified(cHost)
}

func isUnspecified(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// GetFiles returns every claimed socket, sorted by address so that the
// descriptor order handed to children is deterministic.
func (sm *SocketManager) GetFiles() []*os.File {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	addrs := make([]string, 0, len(sm.files))
	for addr := range sm.files {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	files := make([]*os.File, 0, len(addrs))
	for _, addr := range addrs {
		files = append(files, sm.files[addr])
	}
	return files
}

// AllFiles returns the claimed sockets followed by the adopted ones nobody
// has claimed yet. A worker hands this set to the siblings it spawns, which
// may happen before its own first serve cycle claims anything.
func (sm *SocketManager) AllFiles() []*os.File {
	files := sm.GetFiles()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	addrs := make([]string, 0, len(sm.inherited))
	for addr := range sm.inherited {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		files = append(files, sm.inherited[addr])
	}
	return files
}

// Addrs returns the canonical addresses of the claimed sockets.
func (sm *SocketManager) Addrs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	addrs := make([]string, 0, len(sm.files))
	for addr := range sm.files {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (sm *SocketManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, f := range sm.files {
		f.Close()
	}
	for _, f := range sm.inherited {
		f.Close()
	}
	sm.files = make(map[string]*os.File)
	sm.aliases = make(map[string]string)
	sm.inherited = make(map[string]*os.File)
}

// Personal.AI order the ending
