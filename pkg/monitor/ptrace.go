package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"sandbox2/internal/sigsafe"
	"sandbox2/pkg/seccomp"
)

// ptraceOptions matches PTRACE_O_TRACESECCOMP | TRACEEXIT | TRACECLONE |
// TRACEFORK | TRACEVFORK | TRACEEXEC | EXITKILL, the option set spec.md
// §4.4 requires PTRACE_SEIZE to install.
const ptraceOptions = unix.PTRACE_O_TRACESECCOMP |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_EXITKILL

// PtraceMonitor supervises a sandboxee via PTRACE_SEIZE, routing any
// syscall tagged seccomp.ActionTrace through Decide.
type PtraceMonitor struct {
	*Base

	// Decide is called for every traced syscall; returning true continues
	// the sandboxee, false marks a violation and kills it.
	Decide func(sysno uintptr, pid int) bool

	tracees          map[int]bool
	activeMonitoring bool
	wakeEventFD      int
}

// NewPtraceMonitor seizes the sandboxee's main pid and arms the event
// loop. decide classifies each PTRACE_EVENT_SECCOMP stop.
func NewPtraceMonitor(s *Sandboxee, decide func(sysno uintptr, pid int) bool) (*PtraceMonitor, error) {
	if err := unix.PtraceSeize(s.PID, ptraceOptions); err != nil {
		return nil, fmt.Errorf("monitor: PTRACE_SEIZE on pid %d: %w", s.PID, err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("monitor: creating self-wake eventfd: %w", err)
	}
	m := &PtraceMonitor{
		Base:        NewBase(s),
		Decide:      decide,
		tracees:     map[int]bool{s.PID: true},
		wakeEventFD: efd,
	}
	return m, nil
}

// Poke wakes the event loop immediately instead of waiting for its next
// natural timer tick; callers should call this after SetDeadline,
// RequestKill, or RequestDumpStack.
func (m *PtraceMonitor) Poke() {
	one := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	unix.Write(m.wakeEventFD, one)
}

// Run is the PTRACE_EVENT_SECCOMP / exit / clone / fork / vfork / exec
// event dispatch loop described in spec.md §4.4. It returns once Finish
// has been called (directly, or as a side effect of the sandboxee
// terminating).
func (m *PtraceMonitor) Run() {
	const wakePeriod = 500 * time.Millisecond
	pollFDs := []unix.PollFd{{Fd: int32(m.wakeEventFD), Events: unix.POLLIN}}

	for {
		unix.Poll(pollFDs, int(wakePeriod/time.Millisecond))
		if pollFDs[0].Revents&unix.POLLIN != 0 {
			drain := make([]byte, 8)
			unix.Read(m.wakeEventFD, drain)
		}

		for {
			var ws unix.WaitStatus
			pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WALL, nil)
			if err != nil || pid <= 0 {
				break
			}
			if m.handleEvent(pid, ws) {
				return
			}
		}

		if m.checkAsyncConditions() {
			return
		}
	}
}

// handleEvent dispatches one reaped wait status. Returns true once Finish
// has been called and Run should stop.
func (m *PtraceMonitor) handleEvent(pid int, ws unix.WaitStatus) bool {
	switch {
	case ws.Exited():
		if pid == m.Sandboxee.PID {
			m.Finish(Result{FinalStatus: StatusOK, ExitCode: ws.ExitStatus()})
			return true
		}
		delete(m.tracees, pid)
		return false

	case ws.Signaled():
		if pid == m.Sandboxee.PID {
			m.Finish(Result{FinalStatus: StatusSignaled, Signal: int(ws.Signal())})
			return true
		}
		delete(m.tracees, pid)
		return false

	case ws.Stopped():
		return m.handleStop(pid, ws)
	}
	return false
}

func (m *PtraceMonitor) handleStop(pid int, ws unix.WaitStatus) bool {
	sig := ws.StopSignal()
	trapCause := ws.TrapCause()

	switch {
	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_SECCOMP:
		return m.handleSeccompTrace(pid)

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXIT:
		unix.PtraceCont(pid, 0)
		return false

	case sig == unix.SIGTRAP && (trapCause == unix.PTRACE_EVENT_CLONE ||
		trapCause == unix.PTRACE_EVENT_FORK || trapCause == unix.PTRACE_EVENT_VFORK):
		if newPID, err := unix.PtraceGetEventMsg(pid); err == nil {
			m.tracees[int(newPID)] = true
		}
		unix.PtraceCont(pid, 0)
		return false

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXEC:
		m.activeMonitoring = true
		unix.PtraceCont(pid, 0)
		return false

	case sig == unix.SIGSTOP || sig == unix.SIGTSTP || sig == unix.SIGTTIN || sig == unix.SIGTTOU:
		// Group-stop: try PTRACE_LISTEN first (seize semantics), fall
		// back to PTRACE_CONT if the kernel rejects it.
		if err := unix.PtraceListen(pid); err != nil {
			unix.PtraceCont(pid, 0)
		}
		return false

	default:
		unix.PtraceCont(pid, int(sig))
		return false
	}
}

func (m *PtraceMonitor) handleSeccompTrace(pid int) bool {
	if !m.activeMonitoring {
		// Still running the dynamic loader under the parent's
		// credentials; spec.md §4.4 suppresses violations here.
		unix.PtraceCont(pid, 0)
		return false
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		// A kernel API we rely on to classify the trapped syscall just
		// failed; spec.md's "unexpected kernel return" case. Letting the
		// syscall through here would mean failing open on a
		// confinement decision, so kill instead of continuing.
		logger.WithError(err).Error("PTRACE_GETREGS failed on seccomp trace stop, killing sandboxee")
		m.killLocked()
		m.Finish(Result{
			FinalStatus:      StatusInternalError,
			ViolationMessage: fmt.Sprintf("PTRACE_GETREGS failed: %v", err),
		})
		return true
	}
	sysno := syscallNumberFromRegs(&regs)

	if m.Decide == nil || m.Decide(sysno, pid) {
		unix.PtraceCont(pid, 0)
		return false
	}

	m.killLocked()
	m.Finish(Result{
		FinalStatus:      StatusSandboxeeViolation,
		ViolatingSyscall: sysno,
		ViolationMessage: formatViolation(sysno, seccomp.SyscallName),
	})
	return true
}

// checkAsyncConditions implements the non-event-driven part of the §4.3
// priority list: network-policy violation, external kill, deadline,
// dump-stack.
func (m *PtraceMonitor) checkAsyncConditions() bool {
	now := time.Now()
	netViolated, netTarget := m.NetworkViolation()
	switch m.classifyWake(false, netViolated, now) {
	case wakeViolation:
		m.killLocked()
		m.Finish(Result{
			FinalStatus:      StatusSandboxeeViolation,
			ReasonCode:       "network_policy",
			ViolationMessage: fmt.Sprintf("disallowed connect() target: %s", netTarget),
		})
		return true
	case wakeExternalKill:
		m.killLocked()
		m.Finish(Result{FinalStatus: StatusExternalKill})
		return true
	case wakeTimeout:
		m.killLocked()
		m.Finish(Result{FinalStatus: StatusTimeout})
		return true
	case wakeDumpStack:
		if frames, err := captureStackTrace(m.Sandboxee.PID); err != nil {
			logger.WithError(err).Warn("stack trace capture failed")
		} else {
			m.RecordStackTrace(frames)
		}
	}
	return false
}

// killLocked kills the sandboxee's main pid, retrying with SIGKILL if it
// hasn't been reaped within a bounded window, per spec.md §4.4. The retry
// shape mirrors the teacher's own wait-for-process-death loop in
// runsc/container/container.go's waitForStopped.
func (m *PtraceMonitor) killLocked() bool {
	pid := m.Sandboxee.PID
	unix.Kill(pid, unix.SIGKILL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), ctx)

	reaped := false
	op := func() error {
		var ws unix.WaitStatus
		p, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if p == pid && (ws.Exited() || ws.Signaled()) {
			reaped = true
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("monitor: pid %d not yet reaped", pid)
	}
	backoff.Retry(op, b)
	if reaped {
		return true
	}

	sigsafe.WriteString(sigsafe.Stderr, "monitor: sandboxee did not reap after SIGKILL retries\n")
	return unix.Kill(pid, unix.SIGKILL) == nil
}

// syscallNumberFromRegs extracts the syscall number the same way the
// teacher's ptrace platform code reads orig_rax out of PtraceRegs on
// amd64.
func syscallNumberFromRegs(regs *unix.PtraceRegs) uintptr {
	return uintptr(regs.Orig_rax)
}
