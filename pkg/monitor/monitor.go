// Package monitor implements the supervisor side of a running sandboxee:
// launching it, feeding it its compiled policy, and running the
// variant-specific event loop (ptrace-based or seccomp-user-notification-
// based) that decides what happens to each supervised syscall. The shared
// base contract here (atomic deadline, kill/dump-stack request flags, a
// one-shot completion signal) mirrors the way the teacher's sentry platform
// code threads cooperative cancellation through a long-running event loop,
// generalized to this package's sandboxee/monitor split.
package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sandbox2/pkg/comms"
	"sandbox2/pkg/seccomp"
)

var logger = logrus.WithField("component", "monitor")

// Status is the terminal disposition of a monitored sandboxee.
type Status int

const (
	StatusUnset Status = iota
	StatusOK
	StatusSetupError
	StatusSandboxeeViolation
	StatusExternalKill
	StatusTimeout
	StatusSignaled
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSetupError:
		return "SETUP_ERROR"
	case StatusSandboxeeViolation:
		return "VIOLATION"
	case StatusExternalKill:
		return "EXTERNAL_KILL"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusSignaled:
		return "SIGNALED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNSET"
	}
}

// Result is the outcome of AwaitResult(WithTimeout). ReasonCode is
// "network_policy" for a violation reported by the network proxy and empty
// otherwise; a kill by the filter's default action and one by an explicit
// KillSyscall rule are not told apart here. StackTrace holds the most
// recent capture made for a RequestDumpStack call, if any.
type Result struct {
	ID               string
	FinalStatus      Status
	ExitCode         int
	Signal           int
	ViolatingSyscall uintptr
	ReasonCode       string
	ViolationMessage string
	StackTrace       []string
}

// Sandboxee is the minimal view a Monitor needs of the process it
// supervises: its main pid, the comms channel connecting to it, and a
// per-run correlation id an operator can grep a log stream by.
type Sandboxee struct {
	ID     string
	PID    int
	Comms  *comms.Channel
	Policy *seccomp.Policy
}

// NewSandboxee wraps pid/ch/policy with a freshly generated correlation id.
func NewSandboxee(pid int, ch *comms.Channel, policy *seccomp.Policy) *Sandboxee {
	return &Sandboxee{ID: uuid.NewString(), PID: pid, Comms: ch, Policy: policy}
}

// Base holds the state every monitor variant shares: the atomic deadline,
// the external kill/dump-stack request latches, and the one-shot
// completion signal AwaitResult blocks on.
type Base struct {
	Sandboxee *Sandboxee

	deadlineMillis      atomic.Int64
	killRequested       atomic.Bool
	dumpStackLatched    atomic.Bool
	netViolationLatched atomic.Bool
	netViolationMsg     atomic.Value // string

	once   sync.Once
	done   chan struct{}
	result Result
	resMu  sync.Mutex

	// capturedStack holds the most recent RequestDumpStack capture, kept
	// separate from result so a later Finish(Result{...}) literal can't
	// silently wipe it out before AwaitResult reads it.
	capturedStack []string
}

// NewBase wires a Base around an already-launched sandboxee.
func NewBase(s *Sandboxee) *Base {
	return &Base{Sandboxee: s, done: make(chan struct{})}
}

// RecordStackTrace stashes a captured stack trace so the next Finish call
// carries it on the final Result, regardless of what else that Result
// literal sets.
func (b *Base) RecordStackTrace(frames []string) {
	b.resMu.Lock()
	b.capturedStack = frames
	b.resMu.Unlock()
}

// SetDeadline arms (or disarms, with the zero Time) a wall-clock deadline.
// Safe to call concurrently with the event loop; implementations should
// poke their self-wake mechanism after calling this so a newly-tightened
// deadline takes effect without waiting for the next natural wake-up.
func (b *Base) SetDeadline(t time.Time) {
	if t.IsZero() {
		b.deadlineMillis.Store(0)
		return
	}
	b.deadlineMillis.Store(t.UnixMilli())
}

// DeadlineExceeded reports whether the armed deadline, if any, has passed.
func (b *Base) DeadlineExceeded(now time.Time) bool {
	d := b.deadlineMillis.Load()
	return d != 0 && now.UnixMilli() >= d
}

// RequestKill asks the event loop to kill the sandboxee at its next wake.
func (b *Base) RequestKill() { b.killRequested.Store(true) }

// KillRequested reports whether RequestKill was called.
func (b *Base) KillRequested() bool { return b.killRequested.Load() }

// RequestDumpStack asks the event loop to capture a non-destructive stack
// trace at its next wake, if the current state permits it.
func (b *Base) RequestDumpStack() { b.dumpStackLatched.Store(true) }

// DumpStackRequested reports and clears the dump-stack latch.
func (b *Base) DumpStackRequested() bool { return b.dumpStackLatched.Swap(false) }

// RecordNetworkViolation latches a disallowed connect() target observed by
// pkg/netproxy, folded into the event loop's next wake the same way
// RequestKill is. Only the first call's message is kept.
func (b *Base) RecordNetworkViolation(target string) {
	if b.netViolationLatched.CompareAndSwap(false, true) {
		b.netViolationMsg.Store(target)
	}
}

// NetworkViolation reports whether RecordNetworkViolation was called, and
// with what target.
func (b *Base) NetworkViolation() (bool, string) {
	if !b.netViolationLatched.Load() {
		return false, ""
	}
	msg, _ := b.netViolationMsg.Load().(string)
	return true, msg
}

// Finish records the final result and releases every AwaitResult* waiter.
// Only the first call has an effect.
func (b *Base) Finish(r Result) {
	b.once.Do(func() {
		b.resMu.Lock()
		if r.StackTrace == nil {
			r.StackTrace = b.capturedStack
		}
		if r.ID == "" {
			r.ID = b.Sandboxee.ID
		}
		b.result = r
		b.resMu.Unlock()
		close(b.done)
	})
}

// AwaitResult blocks until the monitor's event loop calls Finish.
func (b *Base) AwaitResult() Result {
	<-b.done
	b.resMu.Lock()
	defer b.resMu.Unlock()
	return b.result
}

// AwaitResultWithTimeout is AwaitResult bounded by timeout. If the
// deadline fires first, the returned ok is false and the monitor is left
// running (the caller should RequestKill if it wants to give up entirely).
func (b *Base) AwaitResultWithTimeout(timeout time.Duration) (Result, bool) {
	select {
	case <-b.done:
		b.resMu.Lock()
		defer b.resMu.Unlock()
		return b.result, true
	case <-time.After(timeout):
		return Result{}, false
	}
}

// classifyWake is the fixed-priority check every event loop iteration
// performs, shared between PtraceMonitor and UnotifyMonitor: exit observed
// beats violation, which beats external kill, which beats timeout, which
// beats a pending stack dump (spec's §4.3 event-loop contract).
type wakeReason int

const (
	wakeNone wakeReason = iota
	wakeExit
	wakeViolation
	wakeExternalKill
	wakeTimeout
	wakeDumpStack
)

func (b *Base) classifyWake(exited bool, violated bool, now time.Time) wakeReason {
	switch {
	case exited:
		return wakeExit
	case violated:
		return wakeViolation
	case b.KillRequested():
		return wakeExternalKill
	case b.DeadlineExceeded(now):
		return wakeTimeout
	case b.DumpStackRequested():
		return wakeDumpStack
	default:
		return wakeNone
	}
}

func formatViolation(sysno uintptr, name func(uintptr) string) string {
	return fmt.Sprintf("sandboxee issued a disallowed syscall: %s (%d)", name(sysno), sysno)
}
