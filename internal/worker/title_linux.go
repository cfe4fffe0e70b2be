//go:build linux

package worker

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessTitle sets the kernel comm name. The kernel truncates it to 15
// bytes, so this is diagnostic only; the full title is logged at boot.
func setProcessTitle(title string) {
	b, err := unix.BytePtrFromString(title)
	if err != nil {
		return
	}
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0)
}

// Personal.AI order the ending
