// Package seccomp compiles a declarative syscall policy into a seccomp-BPF
// program. It mirrors the approach in the teacher's pkg/seccomp (a
// bpf.ProgramBuilder driving per-syscall rule fragments) but follows this
// engine's own rule shape: ordered, first-match-wins rules per syscall,
// explicit idempotence rules for AllowSyscall, and an auxiliary path/network
// rule table carried alongside the compiled program.
package seccomp

import "fmt"

// Action is the terminal disposition of a matched syscall rule.
type Action uint32

// The seccomp return actions this engine's rules compile to. Values mirror
// the kernel's SECCOMP_RET_* constants (include/uapi/linux/seccomp.h) so
// BPF programs built here install unmodified via SECCOMP_SET_MODE_FILTER.
const (
	ActionKillProcess Action = 0x80000000
	ActionKillThread  Action = 0x00000000
	ActionTrap        Action = 0x00030000
	ActionErrno       Action = 0x00050000
	ActionTrace       Action = 0x7ff00000
	ActionUserNotif   Action = 0x7fc00000
	ActionLog         Action = 0x7ffc0000
	ActionAllow       Action = 0x7fff0000

	retDataMask = 0x0000ffff
)

// Errno builds the ERRNO(e) action from spec §3's action grammar.
func Errno(errno uint16) Action {
	return ActionErrno | Action(errno)
}

// Trace builds a TRACE(msg) action; msg is surfaced to the ptrace monitor
// via PTRACE_EVENT_SECCOMP's accompanying data value.
func Trace(msg uint16) Action {
	return ActionTrace | Action(msg)
}

// UserNotif is the USER_NOTIF action requesting SECCOMP_RET_USER_NOTIF
// handling from the unotify monitor.
func UserNotif() Action {
	return ActionUserNotif
}

func (a Action) String() string {
	switch a & 0xffff0000 {
	case ActionKillProcess:
		return "KILL_PROCESS"
	case ActionTrap:
		return "TRAP"
	case ActionErrno:
		return fmt.Sprintf("ERRNO(%d)", uint16(a&retDataMask))
	case ActionTrace:
		return fmt.Sprintf("TRACE(%d)", uint16(a&retDataMask))
	case ActionUserNotif:
		return "USER_NOTIF"
	case ActionLog:
		return "LOG"
	case ActionAllow:
		return "ALLOW"
	default:
		if a == ActionKillThread {
			return "KILL_THREAD"
		}
		return fmt.Sprintf("UNKNOWN(%#x)", uint32(a))
	}
}

// Arch identifies the audit architecture token the kernel reports in
// seccomp_data.arch (include/uapi/linux/audit.h AUDIT_ARCH_*).
type Arch uint32

const (
	// ArchX8664 is AUDIT_ARCH_X86_64.
	ArchX8664 Arch = 0xc000003e
	// ArchX86 is AUDIT_ARCH_I386, the 32-bit syscall ABI reachable from a
	// 64-bit process via int 0x80 or a compat entry point. A filter built
	// for ArchX8664 traps any syscall arriving tagged with this arch, per
	// spec.md scenario 2.
	ArchX86 Arch = 0x40000003
	// ArchARM64 is AUDIT_ARCH_AARCH64.
	ArchARM64 Arch = 0xc00000b7
	// ArchPPC64LE is AUDIT_ARCH_PPC64LE.
	ArchPPC64LE Arch = 0xc0000015
)

// seccomp_data field byte offsets (include/uapi/linux/seccomp.h):
//
//	struct seccomp_data {
//		int nr;
//		__u32 arch;
//		__u64 instruction_pointer;
//		__u64 args[6];
//	};
const (
	dataOffsetNR     = 0
	dataOffsetArch   = 4
	dataOffsetIPLow  = 8
	dataOffsetIPHigh = 12
	dataOffsetArgs   = 16
)

func dataOffsetArgLow(i int) uint32  { return uint32(dataOffsetArgs + i*8) }
func dataOffsetArgHigh(i int) uint32 { return dataOffsetArgLow(i) + 4 }
