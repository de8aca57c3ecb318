package monitor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// byteOrder is host-native: return addresses are read directly out of the
// sandboxee's own (same-architecture) memory image.
var byteOrder = binary.NativeEndian

// maxStackFrames bounds how many return addresses captureStackTrace will
// unwind before giving up; a sandboxee with a corrupted or cyclic stack
// should not make this loop forever.
const maxStackFrames = 64

// captureStackTrace attaches to pid with PTRACE_ATTACH, walks its stack
// from the current instruction/frame pointer, and detaches again. It is
// a best-effort, non-destructive diagnostic: any failure is returned to
// the caller to log, and never changes the monitor's FinalStatus.
//
// Symbolization is out of scope here (it would need the sandboxee's own
// debug info, unavailable to the supervisor in the general case), so every
// frame that can't be resolved to a symbol falls back to its raw address
// formatted as "0x<addr>", matching spec.md's stack_trace field shape.
func captureStackTrace(pid int) ([]string, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("monitor: ptrace attach for stack capture: %w", err)
	}
	defer unix.PtraceDetach(pid)

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("monitor: waiting for stop after ptrace attach: %w", err)
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return nil, fmt.Errorf("monitor: ptrace getregs: %w", err)
	}

	frames := []string{formatFrame(regs.Rip)}
	bp := regs.Rbp
	buf := make([]byte, 8)
	for i := 0; i < maxStackFrames && bp != 0; i++ {
		if _, err := unix.PtracePeekData(pid, uintptr(bp+8), buf); err != nil {
			break
		}
		retAddr := byteOrder.Uint64(buf)
		if retAddr == 0 {
			break
		}
		frames = append(frames, formatFrame(retAddr))

		if _, err := unix.PtracePeekData(pid, uintptr(bp), buf); err != nil {
			break
		}
		bp = byteOrder.Uint64(buf)
	}
	return frames, nil
}

// formatFrame renders an unresolved return address the way every frame in
// this engine's stack traces is rendered, since supervisor-side
// symbolization of the sandboxee's address space is not implemented.
func formatFrame(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}
