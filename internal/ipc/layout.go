package ipc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Cohort/pkg/consts"
)

// Descriptor names used in the layout handed to worker processes.
const (
	FDCheck    = "check"
	FDStatus   = "status"
	FDFork     = "fork"
	FDWakeup   = "wakeup"
	FDListener = "listener"
	FDHandoff  = "handoff"
)

// firstExtraFD is the descriptor number of exec.Cmd.ExtraFiles[0] in the child.
const firstExtraFD = 3

// Layout names the descriptors passed to a re-executed worker. The order of
// Add calls is the order of ExtraFiles.
type Layout struct {
	names []string
	files []*os.File
}

// Add appends f under name. Nil files are skipped. A name may repeat.
func (l *Layout) Add(name string, f *os.File) *Layout {
	if f == nil {
		return l
	}
	l.names = append(l.names, name)
	l.files = append(l.files, f)
	return l
}

// AddPipes adds every non-nil pipe of p.
func (l *Layout) AddPipes(p Pipes) *Layout {
	return l.Add(FDCheck, p.Check).Add(FDStatus, p.Status).Add(FDFork, p.Fork).Add(FDWakeup, p.Wakeup)
}

func (l *Layout) ExtraFiles() []*os.File {
	return l.files
}

// Env returns the KEY=VALUE entry describing the layout, e.g.
// COHORT_WORKER_FDS=check=3,status=4,listener=5.
func (l *Layout) Env() string {
	parts := make([]string, len(l.names))
	for i, name := range l.names {
		parts[i] = fmt.Sprintf("%s=%d", name, firstExtraFD+i)
	}
	return consts.EnvWorkerFDs + "=" + strings.Join(parts, ",")
}

// Inherited maps descriptor names to the files a worker received.
type Inherited map[string][]*os.File

// ParseLayout decodes a layout value into name -> descriptor numbers.
func ParseLayout(v string) (map[string][]int, error) {
	out := make(map[string][]int)
	if v == "" {
		return out, nil
	}
	for _, part := range strings.Split(v, ",") {
		name, num, ok := strings.Cut(part, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed descriptor entry %q", part)
		}
		fd, err := strconv.Atoi(num)
		if err != nil || fd < firstExtraFD {
			return nil, fmt.Errorf("bad descriptor number in %q", part)
		}
		out[name] = append(out[name], fd)
	}
	return out, nil
}

// InheritFromEnv opens the descriptors listed in the environment and clears
// the variable so that grandchildren do not see a stale layout.
func InheritFromEnv() (Inherited, error) {
	fds, err := ParseLayout(os.Getenv(consts.EnvWorkerFDs))
	if err != nil {
		return nil, err
	}
	os.Unsetenv(consts.EnvWorkerFDs)

	in := make(Inherited)
	for name, nums := range fds {
		for _, fd := range nums {
			if name == FDFork {
				// Only this process reads the fork pipe. In non-blocking mode
				// the runtime poller owns it and Close interrupts a pending read.
				if err := unix.SetNonblock(fd, true); err != nil {
					return nil, fmt.Errorf("descriptor %d (%s): %w", fd, name, err)
				}
			}
			f := os.NewFile(uintptr(fd), name)
			if f == nil {
				return nil, fmt.Errorf("descriptor %d (%s) is not open", fd, name)
			}
			in[name] = append(in[name], f)
		}
	}
	return in, nil
}

// File returns the first file under name, or nil.
func (in Inherited) File(name string) *os.File {
	if fs := in[name]; len(fs) > 0 {
		return fs[0]
	}
	return nil
}

func (in Inherited) Pipes() Pipes {
	return Pipes{
		Check:  in.File(FDCheck),
		Status: in.File(FDStatus),
		Fork:   in.File(FDFork),
		Wakeup: in.File(FDWakeup),
	}
}

// Personal.AI order the ending
