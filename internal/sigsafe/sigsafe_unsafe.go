package sigsafe

import (
	"syscall"
	"unsafe"
)

// Write emits msg to fd via a raw write(2) syscall, retrying on EINTR. It
// performs no formatting, buffering, or locking, and must not allocate on
// its success path so it stays safe to call from a signal handler or
// between fork() and execve().
func Write(fd int, msg []byte) {
	for len(msg) > 0 {
		n, _, errno := syscall.RawSyscall(syscall.SYS_WRITE, uintptr(fd), uintptr(unsafe.Pointer(&msg[0])), uintptr(len(msg)))
		if errno != 0 {
			if errno == syscall.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			return
		}
		msg = msg[n:]
	}
}
