package seccomp

// SyscallName gives names to system calls, purely for logging. Tests and
// callers may override it (e.g. to plug in a full per-arch table); the
// default covers the syscalls this package's own helpers and test
// scenarios reference.
var SyscallName = func(sysno uintptr) string {
	if name, ok := amd64SyscallNames[sysno]; ok {
		return name
	}
	return "syscall_" + itoa(sysno)
}

var nameToSyscall map[string]uintptr

// SyscallNumberByName reverses SyscallName's default table, letting
// on-disk policy files name syscalls symbolically instead of numerically.
func SyscallNumberByName(name string) (uintptr, bool) {
	if nameToSyscall == nil {
		nameToSyscall = make(map[string]uintptr, len(amd64SyscallNames))
		for sysno, n := range amd64SyscallNames {
			nameToSyscall[n] = sysno
		}
	}
	sysno, ok := nameToSyscall[name]
	return sysno, ok
}

func itoa(v uintptr) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Host syscall numbers for linux/amd64, the engine's reference
// architecture. A full multi-arch build would carry one such table per
// GOARCH (as the teacher's pkg/abi/linux does); this engine supports only
// the amd64 table, which is sufficient for every policy helper and test
// scenario in spec.md.
const (
	SysRead         uintptr = 0
	SysWrite        uintptr = 1
	SysClose        uintptr = 3
	SysMmap         uintptr = 9
	SysMprotect     uintptr = 10
	SysMunmap       uintptr = 11
	SysBrk          uintptr = 12
	SysRtSigaction  uintptr = 13
	SysRtSigprocmask uintptr = 14
	SysRtSigreturn  uintptr = 15
	SysIoctl        uintptr = 16
	SysAccess       uintptr = 21
	SysConnect      uintptr = 42
	SysClone        uintptr = 56
	SysFork         uintptr = 57
	SysVfork        uintptr = 58
	SysExecve       uintptr = 59
	SysExit         uintptr = 60
	SysWait4        uintptr = 61
	SysPtrace       uintptr = 101
	SysGetpid       uintptr = 39
	SysSocket       uintptr = 41
	SysArchPrctl    uintptr = 158
	SysExitGroup    uintptr = 231
	SysSeccomp      uintptr = 317
	SysBpf          uintptr = 321
	SysOpenat       uintptr = 257
	SysPrlimit64    uintptr = 302
)

var amd64SyscallNames = map[uintptr]string{
	SysRead:          "read",
	SysWrite:         "write",
	SysClose:         "close",
	SysMmap:          "mmap",
	SysMprotect:      "mprotect",
	SysMunmap:        "munmap",
	SysBrk:           "brk",
	SysRtSigaction:   "rt_sigaction",
	SysRtSigprocmask: "rt_sigprocmask",
	SysRtSigreturn:   "rt_sigreturn",
	SysIoctl:         "ioctl",
	SysAccess:        "access",
	SysConnect:       "connect",
	SysClone:         "clone",
	SysFork:          "fork",
	SysVfork:         "vfork",
	SysExecve:        "execve",
	SysExit:          "exit",
	SysWait4:         "wait4",
	SysPtrace:        "ptrace",
	SysGetpid:        "getpid",
	SysSocket:        "socket",
	SysArchPrctl:     "arch_prctl",
	SysExitGroup:     "exit_group",
	SysSeccomp:       "seccomp",
	SysBpf:           "bpf",
	SysOpenat:        "openat",
	SysPrlimit64:     "prlimit64",
}

// CloneUntraced is the CLONE_UNTRACED flag; a sandboxee passing it attempts
// to escape ptrace supervision, which spec.md scenario 5 flags as a
// violation regardless of the configured clone() rule.
const CloneUntraced = 0x00800000
