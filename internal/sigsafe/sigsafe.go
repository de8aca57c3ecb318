// Package sigsafe writes diagnostics directly to a file descriptor via the
// write(2) syscall, bypassing buffered stdio and the logging package's own
// locks and allocations so a message can still be emitted from a signal
// handler or from the narrow window between fork() and execve() in a
// sandboxee. It is grounded on the raw syscall.RawSyscall style the
// teacher's ptrace platform code uses for its own signal-sensitive paths
// (subprocess_linux_unsafe.go's unmaskAllSignals), generalized here to a
// one-shot, allocation-free integer/string writer.
package sigsafe

import (
	"syscall"
)

// Stderr is the fd conventionally used for async-signal-safe diagnostics;
// Write accepts any fd so callers can redirect to a status pipe instead.
const Stderr = 2

// digits holds the decimal alphabet used by appendInt; declared once so
// Write never allocates on its hot path.
var digits = [10]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9'}

// WriteString is Write for a string argument, matching the sandboxee's
// typical call site (a constant message, no formatting needed).
func WriteString(fd int, s string) {
	Write(fd, []byte(s))
}

// Logger emits fixed-prefix lines through Write; it is the async-signal-safe
// counterpart to the logrus entries the rest of the engine uses once past
// the fork/exec boundary.
type Logger struct {
	fd     int
	prefix string
}

// New returns a Logger writing to fd, prefixing every line with prefix
// (typically a subsystem tag like "sandboxee: ").
func New(fd int, prefix string) Logger {
	return Logger{fd: fd, prefix: prefix}
}

// Error writes prefix + msg + "\n" to the logger's fd.
func (l Logger) Error(msg string) {
	WriteString(l.fd, l.prefix)
	WriteString(l.fd, msg)
	WriteString(l.fd, "\n")
}

// ErrorErrno writes prefix + msg + ": errno " + errno + "\n", formatting the
// integer without fmt (fmt is not async-signal-safe: it allocates and can
// take locks internally).
func (l Logger) ErrorErrno(msg string, errno syscall.Errno) {
	WriteString(l.fd, l.prefix)
	WriteString(l.fd, msg)
	WriteString(l.fd, ": errno ")
	var buf [20]byte
	Write(l.fd, appendInt(buf[:0], int64(errno)))
	WriteString(l.fd, "\n")
}

// appendInt renders v in decimal without allocating beyond the caller's
// backing array.
func appendInt(dst []byte, v int64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = digits[v%10]
		v /= 10
	}
	if neg {
		dst = append(dst, '-')
	}
	return append(dst, tmp[i:]...)
}
