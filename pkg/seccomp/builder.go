package seccomp

import (
	"fmt"
	"runtime"
)

// Builder is a fluent, declarative policy builder. Its methods never fail
// synchronously: invalid input (a non-canonical path, an empty syscall set
// for AddPolicyOnSyscalls or BlockSyscallsWithErrno, an invalid CIDR) is
// recorded and returned by Build(), which also rejects a second call.
// Rules accumulate into the builder, matching the teacher's SyscallRules.AddRule/
// Merge accumulation style (pkg/seccomp/seccomp_rules.go) adapted to this
// engine's ordered, first-match-wins rule shape.
type Builder struct {
	bySyscall map[uintptr][]ruleEntry
	// allowed tracks plain AllowSyscall calls so repeats are size
	// idempotent (spec.md §4.2 invariant (iv)); AddPolicyOnSyscall
	// entries are never deduplicated.
	allowed map[uintptr]bool

	hostArch Arch

	paths    []PathRule
	pathSeen map[string]bool

	mounts       []MountDescriptor
	capabilities []string
	rlimits      map[string]Rlimit
	network      NetworkPolicy
	nsFlags      NamespaceFlags

	buildErr error
	built    bool
}

// NewBuilder returns a Builder targeting the host's architecture.
func NewBuilder() *Builder {
	return &Builder{
		bySyscall: make(map[uintptr][]ruleEntry),
		allowed:   make(map[uintptr]bool),
		pathSeen:  make(map[string]bool),
		rlimits:   make(map[string]Rlimit),
		hostArch:  hostArch(),
	}
}

func hostArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ArchARM64
	case "ppc64le":
		return ArchPPC64LE
	default:
		return ArchX8664
	}
}

// WithHostArch overrides the architecture the compiled prologue checks
// against; primarily useful in tests that want to exercise the "wrong
// arch traps to KILL" path (spec.md scenario 2) deterministically across
// build machines.
func (b *Builder) WithHostArch(a Arch) *Builder {
	b.hostArch = a
	return b
}

func (b *Builder) fail(err error) {
	if b.buildErr == nil {
		b.buildErr = err
	}
}

// AllowSyscall unconditionally allows sysno. Repeated calls are
// size-idempotent: the compiled program gains at most one ALLOW rule per
// syscall no matter how many times this is called.
func (b *Builder) AllowSyscall(sysno uintptr) *Builder {
	if b.allowed[sysno] {
		return b
	}
	b.allowed[sysno] = true
	b.append(sysno, ruleEntry{rule: Rule{}, action: ActionAllow, kind: "allow"})
	return b
}

// AllowSyscalls allows every syscall in sysnos.
func (b *Builder) AllowSyscalls(sysnos ...uintptr) *Builder {
	for _, s := range sysnos {
		b.AllowSyscall(s)
	}
	return b
}

// BlockSyscallWithErrno makes sysno fail with errno instead of executing.
// If an unconditional AllowSyscall for the same syscall was registered
// earlier, that rule wins and this one compiles to unreachable code,
// per spec.md §4.2(d) — the builder does not try to detect or warn about
// this, matching the documented "first wins, second is silently shadowed"
// behavior.
func (b *Builder) BlockSyscallWithErrno(sysno uintptr, errno uint16) *Builder {
	b.append(sysno, ruleEntry{rule: Rule{}, action: Errno(errno), kind: "block-errno"})
	return b
}

// BlockSyscallsWithErrno is BlockSyscallWithErrno over a set of syscalls.
func (b *Builder) BlockSyscallsWithErrno(sysnos []uintptr, errno uint16) *Builder {
	if len(sysnos) == 0 {
		b.fail(fmt.Errorf("seccomp: BlockSyscallsWithErrno called with an empty syscall list"))
		return b
	}
	for _, s := range sysnos {
		b.BlockSyscallWithErrno(s, errno)
	}
	return b
}

// KillSyscall explicitly kills the process on sysno. It compiles to the same
// KILL_PROCESS return as the implicit default for a syscall with no rule;
// the two are told apart only by the rule kind in Build()'s debug log, not
// in the monitor's Result (SPEC_FULL.md supplemented feature).
func (b *Builder) KillSyscall(sysno uintptr) *Builder {
	b.append(sysno, ruleEntry{rule: Rule{}, action: ActionKillProcess, kind: "explicit-kill"})
	return b
}

// TraceSyscall routes sysno through the ptrace monitor's event loop
// (SECCOMP_RET_TRACE) instead of allowing or blocking it outright.
func (b *Builder) TraceSyscall(sysno uintptr) *Builder {
	b.append(sysno, ruleEntry{rule: Rule{}, action: Trace(uint16(sysno)), kind: "trace"})
	return b
}

// UserNotifySyscall routes sysno through the unotify monitor
// (SECCOMP_RET_USER_NOTIF).
func (b *Builder) UserNotifySyscall(sysno uintptr) *Builder {
	b.append(sysno, ruleEntry{rule: Rule{}, action: UserNotif(), kind: "user-notif"})
	return b
}

// AddPolicyOnSyscall appends a guarded rule for sysno. Unlike
// AllowSyscall, repeated calls always grow the compiled program
// (spec.md §4.2 invariant (iv)), even with an identical rule/action.
func (b *Builder) AddPolicyOnSyscall(sysno uintptr, rule Rule, action Action) *Builder {
	b.append(sysno, ruleEntry{rule: rule, action: action, kind: "custom"})
	return b
}

// AddPolicyOnSyscalls is AddPolicyOnSyscall over a set of syscalls. An
// empty set is rejected at Build() time (spec.md §4.2(b)).
func (b *Builder) AddPolicyOnSyscalls(sysnos []uintptr, rule Rule, action Action) *Builder {
	if len(sysnos) == 0 {
		b.fail(fmt.Errorf("seccomp: AddPolicyOnSyscalls called with an empty syscall list"))
		return b
	}
	for _, s := range sysnos {
		b.AddPolicyOnSyscall(s, rule, action)
	}
	return b
}

func (b *Builder) append(sysno uintptr, e ruleEntry) {
	b.bySyscall[sysno] = append(b.bySyscall[sysno], e)
}

// AllowPath allowlists path for NamespaceSetup's mount tree and any
// path-aware syscall guard. path must already be in canonical form
// (spec.md §3(b)); a non-canonical path is rejected at Build() time.
func (b *Builder) AllowPath(path string) *Builder {
	if err := ValidatePath(path); err != nil {
		b.fail(err)
		return b
	}
	if b.pathSeen[path] {
		return b
	}
	b.pathSeen[path] = true
	b.paths = append(b.paths, PathRule{Path: path})
	return b
}

// AllowPaths is AllowPath over a set of paths.
func (b *Builder) AllowPaths(paths ...string) *Builder {
	for _, p := range paths {
		b.AllowPath(p)
	}
	return b
}

// AddBindMount adds a bind-mount mount descriptor.
func (b *Builder) AddBindMount(source, dest string, writable bool) *Builder {
	if err := ValidatePath(dest); err != nil {
		b.fail(err)
		return b
	}
	b.mounts = append(b.mounts, MountDescriptor{Kind: MountBind, Source: source, Dest: dest, Writable: writable})
	return b
}

// AddTmpfs adds a tmpfs mount descriptor at dest.
func (b *Builder) AddTmpfs(dest string) *Builder {
	if err := ValidatePath(dest); err != nil {
		b.fail(err)
		return b
	}
	b.mounts = append(b.mounts, MountDescriptor{Kind: MountTmpfs, Dest: dest})
	return b
}

// SetCapabilities replaces the retained capability set (e.g. "CAP_NET_RAW").
func (b *Builder) SetCapabilities(caps []string) *Builder {
	b.capabilities = append([]string(nil), caps...)
	return b
}

// SetRlimit sets a soft/hard resource limit, named after its RLIMIT_*
// suffix (e.g. "AS", "CPU", "FSIZE", "NOFILE").
func (b *Builder) SetRlimit(resource string, soft, hard uint64) *Builder {
	b.rlimits[resource] = Rlimit{Soft: soft, Hard: hard}
	return b
}

// SetNetworkAllowlist restricts sandboxee connect() calls to the given
// CIDR ranges, proxied through pkg/netproxy.
func (b *Builder) SetNetworkAllowlist(cidrs []string) *Builder {
	np, err := NewNetworkPolicy(cidrs)
	if err != nil {
		b.fail(err)
		return b
	}
	b.network = np
	return b
}

// AllowAllNetwork disables the network proxy's allowlist check entirely.
func (b *Builder) AllowAllNetwork() *Builder {
	b.network = NetworkPolicy{AllowAll: true}
	return b
}

// SetNamespaceFlags selects which namespaces NamespaceSetup creates.
func (b *Builder) SetNamespaceFlags(flags NamespaceFlags) *Builder {
	b.nsFlags = flags
	return b
}

// AllowStaticStartup allows the small set of syscalls a statically linked
// binary issues before main() runs (mmap/mprotect/arch_prctl/etc.), the
// "built-in foundations" step of spec.md §4.2's compilation order.
func (b *Builder) AllowStaticStartup() *Builder {
	return b.AllowSyscalls(
		SysMmap, SysMprotect, SysMunmap, SysBrk,
		SysArchPrctl, SysRtSigaction, SysRtSigprocmask,
		SysAccess, SysOpenat, SysClose, SysRead,
	)
}

// AllowExit allows the process/thread exit syscalls and rt_sigreturn,
// without which no sandboxee could ever terminate cleanly.
func (b *Builder) AllowExit() *Builder {
	return b.AllowSyscalls(SysExit, SysExitGroup, SysRtSigreturn)
}

// Build compiles the accumulated rules into an immutable Policy. A Builder
// may only be built once (spec.md §3 invariant); a second call returns a
// precondition error without attempting to recompile.
func (b *Builder) Build() (*Policy, error) {
	if b.built {
		return nil, fmt.Errorf("seccomp: Builder.Build called a second time; a policy may only be built once")
	}
	b.built = true

	if b.buildErr != nil {
		return nil, b.buildErr
	}

	logPolicyBuild(b.bySyscall)

	program, err := compile(b.bySyscall, b.hostArch, ActionKillProcess)
	if err != nil {
		return nil, fmt.Errorf("seccomp: compiling policy: %w", err)
	}

	rlimits := make(map[string]Rlimit, len(b.rlimits))
	for k, v := range b.rlimits {
		rlimits[k] = v
	}

	return &Policy{
		Program:        program,
		HostArch:       b.hostArch,
		Paths:          append([]PathRule(nil), b.paths...),
		Mounts:         append([]MountDescriptor(nil), b.mounts...),
		Capabilities:   append([]string(nil), b.capabilities...),
		Rlimits:        rlimits,
		Network:        b.network,
		NamespaceFlags: b.nsFlags,
		defaultAction:  ActionKillProcess,
	}, nil
}
