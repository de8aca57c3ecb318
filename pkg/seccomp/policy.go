package seccomp

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"sandbox2/pkg/bpf"
)

// ruleEntry is one accumulated (guard-set, action) pair for a syscall, in
// the order it was added to the builder. kind exists only for logging: it
// lets an operator tell an implicit default-KILL apart from an explicit
// KillSyscall, per SPEC_FULL.md's stack-trace/reason_code supplement.
type ruleEntry struct {
	rule Rule
	action Action
	kind   string
}

// PathRule is a single allowlisted, canonicalized filesystem path.
type PathRule struct {
	Path string
}

// MountKind distinguishes the two mount descriptor shapes NamespaceSetup
// understands.
type MountKind int

const (
	// MountBind bind-mounts Source onto Dest, read-only unless Writable.
	MountBind MountKind = iota
	// MountTmpfs mounts a fresh tmpfs at Dest, ignoring Source.
	MountTmpfs
)

// MountDescriptor is one entry of the policy's mount tree, consumed by
// pkg/namespace when constructing the sandboxee's filesystem view.
type MountDescriptor struct {
	Kind     MountKind
	Source   string
	Dest     string
	Writable bool
}

// Rlimit is a soft/hard resource limit pair, named after the RLIMIT_*
// constant it applies to (e.g. "AS", "CPU", "FSIZE", "NOFILE").
type Rlimit struct {
	Soft uint64
	Hard uint64
}

// NamespaceFlags selects which Linux namespaces NamespaceSetup creates for
// the sandboxee.
type NamespaceFlags struct {
	User bool
	PID  bool
	Net  bool
	Mount bool
	IPC   bool
	UTS   bool
}

// Policy is the immutable, compiled output of a PolicyBuilder. A Policy is
// produced exactly once by Builder.Build and is safe to share by reference
// across goroutines and monitor runs.
type Policy struct {
	// Program is the final seccomp-BPF program, ready to hand to the
	// sandboxee for installation via SECCOMP_SET_MODE_FILTER.
	Program []bpf.Instruction

	// HostArch is the architecture the program's prologue checks
	// seccomp_data.arch against; syscalls tagged with any other arch
	// token trap to KILL_PROCESS per spec.md §4.2 step 1.
	HostArch Arch

	Paths           []PathRule
	Mounts          []MountDescriptor
	Capabilities    []string
	Rlimits         map[string]Rlimit
	Network         NetworkPolicy
	NamespaceFlags  NamespaceFlags

	// defaultAction is what an unmatched syscall resolves to; always
	// ActionKillProcess in this engine (spec.md §4.2 step 5), kept as a
	// field so Builder tests can assert on it without recompiling.
	defaultAction Action
}

// DefaultAction is the action applied to any syscall that matched no rule.
func (p *Policy) DefaultAction() Action { return p.defaultAction }

// compile builds the seccomp-BPF program for the given accumulated rule
// table. See SPEC_FULL.md's "Open questions" entry: conflicting rules on a
// syscall compile in insertion order, first match wins, later entries
// remain in the program as unreachable instructions.
func compile(bySyscall map[uintptr][]ruleEntry, hostArch Arch, defaultAction Action) ([]bpf.Instruction, error) {
	p := bpf.NewProgramBuilder()

	// 1. Architecture prologue (spec.md §4.2 step 1).
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetArch)
	p.AddJump(bpf.Jmp|bpf.Jeq|bpf.K, uint32(hostArch), 1, 0)
	p.AddStmt(bpf.Ret|bpf.K, uint32(ActionKillProcess))

	if len(bySyscall) == 0 {
		p.AddStmt(bpf.Ret|bpf.K, uint32(defaultAction))
		return p.Instructions()
	}

	// 2. Syscall loader (spec.md §4.2 step 2).
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, dataOffsetNR)

	syscalls := make([]uintptr, 0, len(bySyscall))
	for sysno := range bySyscall {
		syscalls = append(syscalls, sysno)
	}
	sort.Slice(syscalls, func(i, j int) bool { return syscalls[i] < syscalls[j] })

	// 3. Dispatch chain: "nr == syscalls[i] ? goto body_i : fallthrough",
	// the last entry's false branch reaching the default action at the
	// bottom of the program (a forward jump, since the assembler only
	// supports those).
	for i, sysno := range syscalls {
		bodyLabel := fmt.Sprintf("body_%d", sysno)
		if i == len(syscalls)-1 {
			p.AddJumpTrueLabel(bpf.Jmp|bpf.Jeq|bpf.K, uint32(sysno), bodyLabel, 0)
			p.AddDirectJumpLabel(defaultLabel)
		} else {
			p.AddJumpTrueLabel(bpf.Jmp|bpf.Jeq|bpf.K, uint32(sysno), bodyLabel, 0)
		}
	}

	// 4. User rule bodies, one block per syscall, in sorted syscall
	// order (insertion order is preserved *within* each block).
	for _, sysno := range syscalls {
		if err := p.AddLabel(fmt.Sprintf("body_%d", sysno)); err != nil {
			return nil, err
		}
		if err := compileSyscallBody(p, sysno, bySyscall[sysno]); err != nil {
			return nil, err
		}
	}

	// 5. Default action.
	if err := p.AddLabel(defaultLabel); err != nil {
		return nil, err
	}
	p.AddStmt(bpf.Ret|bpf.K, uint32(defaultAction))

	return p.Instructions()
}

const defaultLabel = "default_action"

// compileSyscallBody emits entries[0..] in order; each entry either matches
// unconditionally (terminal RET, everything emitted after for this syscall
// becomes dead code, deliberately) or falls through to the next entry (or
// to the program-wide default) when its guards don't match.
func compileSyscallBody(p *bpf.ProgramBuilder, sysno uintptr, entries []ruleEntry) error {
	for i, e := range entries {
		nextLabel := defaultLabel
		isLast := i == len(entries)-1
		if !isLast {
			nextLabel = fmt.Sprintf("next_%d_%d", sysno, i)
		}
		if e.rule.unconditional() {
			p.AddStmt(bpf.Ret|bpf.K, uint32(e.action))
		} else {
			if err := emitGuards(p, sysno, i, e.rule, nextLabel); err != nil {
				return err
			}
			p.AddStmt(bpf.Ret|bpf.K, uint32(e.action))
		}
		if !isLast && !e.rule.unconditional() {
			if err := p.AddLabel(nextLabel); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitGuards emits the comparisons for every non-nil guard in rule,
// jumping to failLabel as soon as one does not match.
func emitGuards(p *bpf.ProgramBuilder, sysno uintptr, ruleIdx int, rule Rule, failLabel string) error {
	for argIdx, g := range rule.Args {
		if g == nil {
			continue
		}
		offLow := dataOffsetArgLow(argIdx)
		offHigh := dataOffsetArgHigh(argIdx)
		if argIdx == ArgIP {
			offLow, offHigh = dataOffsetIPLow, dataOffsetIPHigh
		}
		tag := fmt.Sprintf("%d_%d_%d", sysno, ruleIdx, argIdx)
		switch a := g.(type) {
		case MatchAny:
			continue
		case EqualTo:
			emitEqual64(p, offLow, offHigh, uint64(a), failLabel)
		case NotEqual:
			emitNotEqual64(p, offLow, offHigh, uint64(a), failLabel, tag)
		case GreaterThan:
			emit64Ordered(p, offLow, offHigh, uint64(a), failLabel, tag, true, false)
		case GreaterThanOrEqual:
			emit64Ordered(p, offLow, offHigh, uint64(a), failLabel, tag, false, false)
		case LessThan:
			// a < x  <=>  !(a >= x)
			emit64Ordered(p, offLow, offHigh, uint64(a), failLabel, tag, false, true)
		case LessThanOrEqual:
			// a <= x <=> !(a > x)
			emit64Ordered(p, offLow, offHigh, uint64(a), failLabel, tag, true, true)
		case maskedEqual:
			emitMaskedEqual64(p, offLow, offHigh, a.mask, a.value, failLabel)
		default:
			return fmt.Errorf("seccomp: unsupported guard %T on syscall %s rule %d", g, SyscallName(sysno), ruleIdx)
		}
	}
	return nil
}

// The BPF VM compares 32-bit values; each 64-bit guard below is split into
// two 32-bit checks against the low/high halves of the argument, matching
// the technique in the teacher's pkg/seccomp addSyscallArgsCheck.

func emitEqual64(p *bpf.ProgramBuilder, offLow, offHigh uint32, v uint64, failLabel string) {
	low, high := uint32(v), uint32(v>>32)
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offLow)
	p.AddJumpFalseLabel(bpf.Jmp|bpf.Jeq|bpf.K, low, 0, failLabel)
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offHigh)
	p.AddJumpFalseLabel(bpf.Jmp|bpf.Jeq|bpf.K, high, 0, failLabel)
}

// emitNotEqual64 fails (jumps to failLabel) only if both halves equal v;
// succeeds if either half differs.
func emitNotEqual64(p *bpf.ProgramBuilder, offLow, offHigh uint32, v uint64, failLabel, tag string) {
	low, high := uint32(v), uint32(v>>32)
	okLabel := "neq_ok_" + tag
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offLow)
	p.AddJumpFalseLabel(bpf.Jmp|bpf.Jeq|bpf.K, low, 0, okLabel)
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offHigh)
	p.AddJumpTrueLabel(bpf.Jmp|bpf.Jeq|bpf.K, high, failLabel, 0)
	_ = p.AddLabel(okLabel)
}

// emit64Ordered implements GreaterThan/GreaterThanOrEqual/LessThan/
// LessThanOrEqual by comparing high dwords first, falling back to the low
// dword only when the high dwords are equal. strict selects '>' vs '>=';
// invert flips the pass/fail sense to get '<'/'<=' from the same ladder.
func emit64Ordered(p *bpf.ProgramBuilder, offLow, offHigh uint32, v uint64, failLabel, tag string, strict, invert bool) {
	low, high := uint32(v), uint32(v>>32)
	passLabel := "ord_pass_" + tag
	lowCheckLabel := "ord_lowcheck_" + tag

	realPass, realFail := passLabel, failLabel
	if invert {
		realPass, realFail = failLabel, passLabel
	}

	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offHigh)
	// arg_high > v_high => satisfies '>' and '>=' outright.
	p.AddJumpTrueLabel(bpf.Jmp|bpf.Jgt|bpf.K, high, realPass, 0)
	// arg_high == v_high => must inspect the low dword.
	p.AddJumpTrueLabel(bpf.Jmp|bpf.Jeq|bpf.K, high, lowCheckLabel, 0)
	// arg_high < v_high => fails both '>' and '>='.
	p.AddDirectJumpLabel(realFail)

	_ = p.AddLabel(lowCheckLabel)
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offLow)
	lowOp := uint16(bpf.Jge)
	if strict {
		lowOp = bpf.Jgt
	}
	p.AddJumpTrueLabel(bpf.Jmp|lowOp|bpf.K, low, realPass, 0)
	p.AddDirectJumpLabel(realFail)

	_ = p.AddLabel(passLabel)
}

func emitMaskedEqual64(p *bpf.ProgramBuilder, offLow, offHigh uint32, mask, value uint64, failLabel string) {
	maskLow, maskHigh := uint32(mask), uint32(mask>>32)
	valLow, valHigh := uint32(value), uint32(value>>32)
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offLow)
	p.AddStmt(bpf.Alu|bpf.And|bpf.K, maskLow)
	p.AddJumpFalseLabel(bpf.Jmp|bpf.Jeq|bpf.K, valLow, 0, failLabel)
	p.AddStmt(bpf.Ld|bpf.Abs|bpf.W, offHigh)
	p.AddStmt(bpf.Alu|bpf.And|bpf.K, maskHigh)
	p.AddJumpFalseLabel(bpf.Jmp|bpf.Jeq|bpf.K, valHigh, 0, failLabel)
}

var logger = logrus.WithField("component", "seccomp")

func logPolicyBuild(rules map[uintptr][]ruleEntry) {
	if !logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	for sysno, entries := range rules {
		for _, e := range entries {
			logger.WithFields(logrus.Fields{
				"syscall": SyscallName(sysno),
				"action":  e.action.String(),
				"kind":    e.kind,
			}).Debug("compiling syscall rule")
		}
	}
}
