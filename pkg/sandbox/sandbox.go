// Package sandbox assembles a compiled policy, a spawn collaborator, and a
// monitor variant into the single object spec.md's data-flow section calls
// a Sandbox: client builds a Policy, constructs an Executor describing how
// to spawn the sandboxee, and Sandbox ties the two to a Monitor and runs
// the launch sequence (send policy, await readiness, apply rlimits, start
// the event loop).
package sandbox

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"sandbox2/pkg/bpf"
	"sandbox2/pkg/comms"
	"sandbox2/pkg/monitor"
	"sandbox2/pkg/netproxy"
	"sandbox2/pkg/seccomp"
)

var logger = logrus.WithField("component", "sandbox")

// ForkServer is the one interface this package consumes from its spawn
// collaborator: produce a stopped, traced child with commsFD attached
// (dup'd to the sandboxee ABI's well-known descriptor), and return its
// pid. Everything about how that child comes to exist — namespaces,
// re-exec tricks, an actual fork-server process pool — is the
// collaborator's business; spec.md §1 keeps that protocol out of scope.
type ForkServer func(argv, env []string, commsFD int) (pid int, err error)

// Variant selects which Monitor implementation a Sandbox runs: ptrace-based
// (§4.4) or seccomp-user-notification-based (§4.5).
type Variant int

const (
	PtraceVariant Variant = iota
	UnotifyVariant
)

// Executor is the spawn descriptor spec.md's data flow builds before
// assembling a Sandbox: what to run, with what environment, via which
// ForkServer collaborator.
type Executor struct {
	Argv       []string
	Env        []string
	ForkServer ForkServer
}

// Config is everything Sandbox.Launch needs beyond the Policy and Executor
// already threaded through New.
type Config struct {
	Policy   *seccomp.Policy
	Executor *Executor
	Variant  Variant

	// PtraceDecide classifies a PTRACE_EVENT_SECCOMP stop; required when
	// Variant is PtraceVariant.
	PtraceDecide func(sysno uintptr, pid int) bool
	// UnotifyDecide classifies a SECCOMP_RET_USER_NOTIF notification;
	// required when Variant is UnotifyVariant.
	UnotifyDecide func(sysno uintptr, pid int) monitor.Decision

	// Deadline, if non-zero, is armed before the event loop starts.
	Deadline time.Time
}

// runner is the subset of PtraceMonitor/UnotifyMonitor's surface Sandbox
// needs; both satisfy it through their embedded *monitor.Base plus their
// own Run/Poke methods.
type runner interface {
	Run()
	Poke()
	AwaitResult() monitor.Result
	AwaitResultWithTimeout(time.Duration) (monitor.Result, bool)
	RequestKill()
	RequestDumpStack()
	SetDeadline(time.Time)
	RecordNetworkViolation(target string)
}

// setupFailureRunner satisfies runner for a sandboxee that never reached
// its event loop: Run and Poke are no-ops, since there is no loop to start
// or wake, but AwaitResult and friends work normally against the embedded
// Base once killSetupFailure has called Finish on it.
type setupFailureRunner struct {
	*monitor.Base
}

func (setupFailureRunner) Run()  {}
func (setupFailureRunner) Poke() {}

// Sandbox owns one sandboxee run end to end.
type Sandbox struct {
	cfg   Config
	comms *comms.Channel
	mon   runner
}

// commsFDInChild is the sandboxee ABI's default well-known descriptor
// number (spec.md §6); SANDBOX2_COMMS_FD overrides it on the sandboxee
// side, which this package has no need to know about.
const commsFDInChild = 1023

// New validates cfg and returns a Sandbox ready for Launch.
func New(cfg Config) (*Sandbox, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("sandbox: Config.Policy is required")
	}
	if cfg.Executor == nil || cfg.Executor.ForkServer == nil {
		return nil, fmt.Errorf("sandbox: Config.Executor.ForkServer is required")
	}
	switch cfg.Variant {
	case PtraceVariant:
		if cfg.PtraceDecide == nil {
			return nil, fmt.Errorf("sandbox: PtraceVariant requires Config.PtraceDecide")
		}
	case UnotifyVariant:
		if cfg.UnotifyDecide == nil {
			return nil, fmt.Errorf("sandbox: UnotifyVariant requires Config.UnotifyDecide")
		}
	default:
		return nil, fmt.Errorf("sandbox: unknown Variant %d", cfg.Variant)
	}
	return &Sandbox{cfg: cfg}, nil
}

// Launch runs the steps of spec.md §4.3's launch sequence: obtain a child
// from the fork-server collaborator, send it the compiled policy, await its
// SandboxReady token, apply rlimits, then start the variant's event loop on
// its own goroutine. Launch returns once the event loop is running;
// terminal outcomes are observed through AwaitResult.
func (s *Sandbox) Launch() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		err = fmt.Errorf("sandbox: socketpair: %w", err)
		s.killSetupFailure(0, err)
		return err
	}
	supervisorEnd, sandboxeeEnd := fds[0], fds[1]

	pid, err := s.cfg.Executor.ForkServer(s.cfg.Executor.Argv, s.cfg.Executor.Env, sandboxeeEnd)
	unix.Close(sandboxeeEnd)
	if err != nil {
		unix.Close(supervisorEnd)
		err = fmt.Errorf("sandbox: fork-server: %w", err)
		s.killSetupFailure(pid, err)
		return err
	}

	ch := comms.NewFromFD(supervisorEnd, fmt.Sprintf("sandboxee-%d", pid))
	s.comms = ch

	if err := s.sendPolicy(); err != nil {
		s.killSetupFailure(pid, err)
		return err
	}
	if err := s.awaitReady(); err != nil {
		s.killSetupFailure(pid, err)
		return err
	}
	if err := s.applyRlimits(pid); err != nil {
		s.killSetupFailure(pid, err)
		return err
	}

	sandboxee := monitor.NewSandboxee(pid, ch, s.cfg.Policy)
	r, err := s.newRunner(sandboxee)
	if err != nil {
		s.killSetupFailure(pid, err)
		return err
	}
	s.mon = r

	if err := s.startNetworkProxy(); err != nil {
		s.killSetupFailure(pid, err)
		return err
	}

	if !s.cfg.Deadline.IsZero() {
		r.SetDeadline(s.cfg.Deadline)
	}

	go r.Run()
	return nil
}

// startNetworkProxy gives the sandboxee a second comms channel dedicated to
// proxied connect() requests — mirroring the original implementation's
// separate "sb2_networkproxy" fd, kept distinct from the main policy/ready
// comms channel — and runs a netproxy.Server against the supervisor end on
// its own goroutine. A disallowed target kills the sandboxee and turns the
// eventual Result into spec.md §4.6's network-policy violation, the same
// way a disallowed syscall does for the variant's own Decide callback.
func (s *Sandbox) startNetworkProxy() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("sandbox: netproxy socketpair: %w", err)
	}
	supervisorEnd, sandboxeeEnd := fds[0], fds[1]

	if err := s.comms.SendFD(sandboxeeEnd); err != nil {
		unix.Close(supervisorEnd)
		unix.Close(sandboxeeEnd)
		return fmt.Errorf("sandbox: sending netproxy fd: %w", err)
	}
	unix.Close(sandboxeeEnd)

	ch := comms.NewFromFD(supervisorEnd, "netproxy")
	srv := netproxy.New(ch, s.cfg.Policy.Network, func(target string) {
		s.mon.RecordNetworkViolation(target)
		s.RequestKill()
	})
	go srv.Run()
	return nil
}

func (s *Sandbox) newRunner(sandboxee *monitor.Sandboxee) (runner, error) {
	switch s.cfg.Variant {
	case PtraceVariant:
		return monitor.NewPtraceMonitor(sandboxee, s.cfg.PtraceDecide)
	case UnotifyVariant:
		notifFD, statusPipeR, err := s.recvUnotifyHandles()
		if err != nil {
			return nil, err
		}
		return monitor.NewUnotifyMonitor(sandboxee, notifFD, statusPipeR, s.cfg.UnotifyDecide)
	default:
		return nil, fmt.Errorf("sandbox: unknown Variant %d", s.cfg.Variant)
	}
}

// recvUnotifyHandles receives the notification fd and status-pipe read end
// the sandboxee sends once it has installed its SECCOMP_RET_USER_NOTIF
// filter, over the same comms channel used for the policy handshake.
func (s *Sandbox) recvUnotifyHandles() (notifFD, statusPipeR int, err error) {
	notifFD, err = s.comms.RecvFD()
	if err != nil {
		return -1, -1, fmt.Errorf("sandbox: receiving notif fd: %w", err)
	}
	statusPipeR, err = s.comms.RecvFD()
	if err != nil {
		unix.Close(notifFD)
		return -1, -1, fmt.Errorf("sandbox: receiving status pipe fd: %w", err)
	}
	return notifFD, statusPipeR, nil
}

// sendPolicy ships the compiled BPF program as a bytes TLV, the wire shape
// spec.md §6 documents ("raw struct sock_filter[] sent as a bytes TLV").
func (s *Sandbox) sendPolicy() error {
	raw := bpf.MarshalSockFilter(s.cfg.Policy.Program)
	if err := s.comms.SendBytes(raw); err != nil {
		return fmt.Errorf("sandbox: sending policy: %w", err)
	}
	return nil
}

// awaitReady blocks for the SandboxReady token spec.md §4.3 step 3
// describes, modeled as a single boolean TLV.
func (s *Sandbox) awaitReady() error {
	ready, err := s.comms.RecvBool()
	if err != nil {
		return fmt.Errorf("sandbox: awaiting SandboxReady: %w", err)
	}
	if !ready {
		return fmt.Errorf("sandbox: sandboxee reported not ready")
	}
	return nil
}

// resourceLimits maps the Rlimit map's string keys onto RLIMIT_* constants.
var resourceLimits = map[string]int{
	"AS":      unix.RLIMIT_AS,
	"CPU":     unix.RLIMIT_CPU,
	"FSIZE":   unix.RLIMIT_FSIZE,
	"NOFILE":  unix.RLIMIT_NOFILE,
	"CORE":    unix.RLIMIT_CORE,
	"NPROC":   unix.RLIMIT_NPROC,
	"STACK":   unix.RLIMIT_STACK,
	"RSS":     unix.RLIMIT_RSS,
	"MEMLOCK": unix.RLIMIT_MEMLOCK,
}

// applyRlimits enforces Policy.Rlimits on the sandboxee via prlimit64,
// spec.md §4.3 step 4.
func (s *Sandbox) applyRlimits(pid int) error {
	for name, rl := range s.cfg.Policy.Rlimits {
		resource, ok := resourceLimits[name]
		if !ok {
			return fmt.Errorf("sandbox: unknown rlimit resource %q", name)
		}
		newLimit := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Prlimit(pid, resource, &newLimit, nil); err != nil {
			return fmt.Errorf("sandbox: prlimit64(%s): %w", name, err)
		}
	}
	return nil
}

// killSetupFailure is the §7 "setup error" contract: any launch-sequence
// failure kills the sandboxee if it is alive, then gives Sandbox a
// runner backed by a fresh monitor.Base that never had an event loop,
// Finished with StatusSetupError on the spot. That way AwaitResult and
// AwaitResultWithTimeout observe SETUP_ERROR instead of blocking forever
// (or nil-dereferencing) against a Sandbox whose real runner never started.
func (s *Sandbox) killSetupFailure(pid int, cause error) {
	if pid > 0 {
		unix.Kill(pid, unix.SIGKILL)
	}
	logger.WithField("pid", pid).WithError(cause).Warn("sandbox: setup failed, sandboxee killed")

	base := monitor.NewBase(monitor.NewSandboxee(pid, nil, nil))
	base.Finish(monitor.Result{
		FinalStatus:      monitor.StatusSetupError,
		ViolationMessage: cause.Error(),
	})
	s.mon = setupFailureRunner{base}
}

// AwaitResult blocks until the sandboxee's run is complete.
func (s *Sandbox) AwaitResult() monitor.Result {
	return s.mon.AwaitResult()
}

// AwaitResultWithTimeout bounds AwaitResult by timeout.
func (s *Sandbox) AwaitResultWithTimeout(timeout time.Duration) (monitor.Result, bool) {
	return s.mon.AwaitResultWithTimeout(timeout)
}

// RequestKill asks the monitor to kill the sandboxee at its next wake and
// pokes the event loop so that happens without waiting for the next
// natural tick.
func (s *Sandbox) RequestKill() {
	s.mon.RequestKill()
	s.mon.Poke()
}

// RequestDumpStack asks the monitor to capture a non-destructive stack
// trace at its next wake.
func (s *Sandbox) RequestDumpStack() {
	s.mon.RequestDumpStack()
	s.mon.Poke()
}

// SetDeadline arms or disarms the sandboxee's wall-clock deadline.
func (s *Sandbox) SetDeadline(t time.Time) {
	s.mon.SetDeadline(t)
	s.mon.Poke()
}
