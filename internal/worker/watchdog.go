package worker

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Cohort/pkg/logger"
)

// watchParent blocks on the check pipe. The master never writes to it, so
// the read end becoming ready means the write end closed: the master is
// gone. died is then called once. The poll is bounded by interval so the
// task notices cancellation.
func watchParent(ctx context.Context, check *os.File, interval time.Duration, log logger.Logger, died func()) {
	rc, err := check.SyscallConn()
	if err != nil {
		log.Error("Watchdog: check pipe unusable", "err", err)
		return
	}
	fd := -1
	rc.Control(func(f uintptr) { fd = int(f) })

	timeout := int(interval / time.Millisecond)
	for ctx.Err() == nil {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Error("Watchdog: poll failed", "err", err)
			return
		}
		if n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			log.Error("! Detected parent died, dying")
			died()
			return
		}
	}
}

// Personal.AI order the ending
