package monitor

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"sandbox2/pkg/seccomp"
)

// seccomp_notif_sizes queried via SECCOMP_GET_NOTIF_SIZES; mirrors
// include/uapi/linux/seccomp.h.
type notifSizes struct {
	NotifSize    uint16
	NotifRespSiz uint16
	DataSize     uint16
}

// Layout offsets within struct seccomp_notif on the reference (x86_64)
// ABI: { __u64 id; __u32 pid; __u32 flags; struct seccomp_data data; }.
const (
	notifOffID     = 0
	notifOffPID    = 8
	notifOffData   = 16
	notifDataOffNR = 0
)

// Layout of struct seccomp_notif_resp: { __u64 id; __s64 val; __s32
// error; __u32 flags; }.
const (
	respOffID    = 0
	respOffVal   = 8
	respOffError = 16
	respOffFlags = 20
	respSize     = 24
)

const userNotifFlagContinue = 0x00000001

// Decision is what a UnotifyMonitor's Decide callback returns for one
// notification.
type Decision struct {
	// Continue re-executes the syscall in the sandboxee with no further
	// supervisor intervention (SECCOMP_USER_NOTIF_FLAG_CONTINUE).
	Continue bool
	// Val/Errno are used when Continue is false: the syscall appears to
	// the sandboxee to have returned Val, or failed with Errno (errno
	// takes precedence when non-zero, matching the kernel's own
	// seccomp_notif_resp semantics).
	Val   int64
	Errno int32
	// Violation, if true, additionally marks the sandboxee for killing
	// once this response has been sent.
	Violation bool
}

// UnotifyMonitor supervises a sandboxee whose policy routes some syscalls
// to SECCOMP_RET_USER_NOTIF.
type UnotifyMonitor struct {
	*Base

	Decide func(sysno uintptr, pid int) Decision

	notifFD     int
	statusPipeR int
	wakeEventFD int
	sizes       notifSizes
}

// NewUnotifyMonitor takes ownership of notifFD (received from the
// sandboxee over comms after it installs its policy) and statusPipeR (the
// read end of a pipe the sandboxee's exit handler writes its exit code
// to).
func NewUnotifyMonitor(s *Sandboxee, notifFD, statusPipeR int, decide func(uintptr, int) Decision) (*UnotifyMonitor, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("monitor: creating self-wake eventfd: %w", err)
	}
	m := &UnotifyMonitor{
		Base:        NewBase(s),
		Decide:      decide,
		notifFD:     notifFD,
		statusPipeR: statusPipeR,
		wakeEventFD: efd,
	}
	if err := m.querySizes(); err != nil {
		return nil, err
	}
	return m, nil
}

// querySizes fills m.sizes with seccomp(SECCOMP_GET_NOTIF_SIZES, 0, &sizes).
func (m *UnotifyMonitor) querySizes() error {
	const seccompGetNotifSizes = 3
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompGetNotifSizes, 0,
		uintptr(unsafe.Pointer(&m.sizes)))
	if errno != 0 {
		return fmt.Errorf("monitor: SECCOMP_GET_NOTIF_SIZES: %w", errno)
	}
	return nil
}

// seccompIoctlNotifRecv/Send/IDValid mirror the ioctl request codes in
// include/uapi/linux/seccomp.h.
const (
	seccompIoctlNotifRecv    = 0xc0502100
	seccompIoctlNotifSend    = 0xc0182101
	seccompIoctlNotifIDValid = 0x40082102
)

// Poke wakes the event loop immediately.
func (m *UnotifyMonitor) Poke() {
	one := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	unix.Write(m.wakeEventFD, one)
}

// Run is the poll({notif, wake, status pipe}) loop described in spec.md
// §4.5.
func (m *UnotifyMonitor) Run() {
	const wakePeriod = 500 * time.Millisecond
	pollFDs := []unix.PollFd{
		{Fd: int32(m.notifFD), Events: unix.POLLIN},
		{Fd: int32(m.wakeEventFD), Events: unix.POLLIN},
		{Fd: int32(m.statusPipeR), Events: unix.POLLIN},
	}

	for {
		unix.Poll(pollFDs, int(wakePeriod/time.Millisecond))

		if pollFDs[1].Revents&unix.POLLIN != 0 {
			drain := make([]byte, 8)
			unix.Read(m.wakeEventFD, drain)
		}

		if pollFDs[2].Revents&unix.POLLIN != 0 {
			if m.handleStatusPipe() {
				return
			}
		}

		if pollFDs[0].Revents&unix.POLLIN != 0 {
			if m.handleNotification() {
				return
			}
		}

		if m.checkAsyncConditions() {
			return
		}
	}
}

func (m *UnotifyMonitor) handleStatusPipe() bool {
	buf := make([]byte, 4)
	n, err := unix.Read(m.statusPipeR, buf)
	if err != nil || n != 4 {
		return false
	}
	exitCode := int(binary.NativeEndian.Uint32(buf))
	m.Finish(Result{FinalStatus: StatusOK, ExitCode: exitCode})
	return true
}

func (m *UnotifyMonitor) handleNotification() bool {
	req := make([]byte, m.sizes.NotifSize)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(m.notifFD),
		seccompIoctlNotifRecv, uintptr(unsafe.Pointer(&req[0])))
	if errno != 0 {
		if errno == unix.EINTR || errno == unix.EAGAIN {
			return false
		}
		// ENOENT here means the target thread died before we read its
		// notification; nothing to respond to.
		return false
	}

	id := binary.NativeEndian.Uint64(req[notifOffID:])
	pid := binary.NativeEndian.Uint32(req[notifOffPID:])
	sysno := uintptr(int32(binary.NativeEndian.Uint32(req[notifOffData+notifDataOffNR:])))

	var decision Decision
	if m.Decide != nil {
		decision = m.Decide(sysno, int(pid))
	}

	if !m.stillValid(id) {
		// Stale id: the thread unwound or died already.
		return false
	}

	resp := make([]byte, respSize)
	binary.NativeEndian.PutUint64(resp[respOffID:], id)
	if decision.Continue {
		binary.NativeEndian.PutUint32(resp[respOffFlags:], userNotifFlagContinue)
	} else {
		binary.NativeEndian.PutUint64(resp[respOffVal:], uint64(decision.Val))
		binary.NativeEndian.PutUint32(resp[respOffError:], uint32(-decision.Errno))
	}

	unix.Syscall(unix.SYS_IOCTL, uintptr(m.notifFD), seccompIoctlNotifSend, uintptr(unsafe.Pointer(&resp[0])))

	if decision.Violation {
		m.killByPID(int(pid))
		m.Finish(Result{
			FinalStatus:      StatusSandboxeeViolation,
			ViolatingSyscall: sysno,
			ViolationMessage: formatViolation(sysno, seccomp.SyscallName),
		})
		return true
	}
	return false
}

func (m *UnotifyMonitor) stillValid(id uint64) bool {
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint64(buf, id)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(m.notifFD),
		seccompIoctlNotifIDValid, uintptr(unsafe.Pointer(&buf[0])))
	return errno == 0
}

func (m *UnotifyMonitor) killByPID(pid int) {
	unix.Kill(pid, unix.SIGKILL)
	// Drain any remaining notifications with CONTINUE responses so
	// threads blocked on this monitor unwind instead of hanging forever,
	// per spec.md §4.5's termination contract.
	for i := 0; i < 16; i++ {
		req := make([]byte, m.sizes.NotifSize)
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(m.notifFD), seccompIoctlNotifRecv, uintptr(unsafe.Pointer(&req[0])))
		if errno != 0 {
			return
		}
		id := binary.NativeEndian.Uint64(req[notifOffID:])
		resp := make([]byte, respSize)
		binary.NativeEndian.PutUint64(resp[respOffID:], id)
		binary.NativeEndian.PutUint32(resp[respOffFlags:], userNotifFlagContinue)
		unix.Syscall(unix.SYS_IOCTL, uintptr(m.notifFD), seccompIoctlNotifSend, uintptr(unsafe.Pointer(&resp[0])))
	}
}

func (m *UnotifyMonitor) checkAsyncConditions() bool {
	now := time.Now()
	netViolated, netTarget := m.NetworkViolation()
	switch m.classifyWake(false, netViolated, now) {
	case wakeViolation:
		m.killByPID(m.Sandboxee.PID)
		m.Finish(Result{
			FinalStatus:      StatusSandboxeeViolation,
			ReasonCode:       "network_policy",
			ViolationMessage: fmt.Sprintf("disallowed connect() target: %s", netTarget),
		})
		return true
	case wakeExternalKill:
		m.killByPID(m.Sandboxee.PID)
		m.Finish(Result{FinalStatus: StatusExternalKill})
		return true
	case wakeTimeout:
		m.killByPID(m.Sandboxee.PID)
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
