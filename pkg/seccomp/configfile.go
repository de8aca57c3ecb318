package seccomp

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// configFile is the on-disk shape of a --policy-file, decoded with
// BurntSushi/toml the way the wider pack's config files do. Every syscall
// list is symbolic (syscall names, not numbers) so policy files stay
// portable across the syscall table's own internal numbering.
type configFile struct {
	Allow        []string               `toml:"allow"`
	Kill         []string               `toml:"kill"`
	Trace        []string               `toml:"trace"`
	UserNotify   []string               `toml:"user_notify"`
	Block        []blockEntry           `toml:"block"`
	Paths        []string               `toml:"allow_paths"`
	Mounts       []mountEntry           `toml:"mounts"`
	Capabilities []string               `toml:"capabilities"`
	Rlimits      map[string]rlimitEntry `toml:"rlimits"`
	Network      networkEntry           `toml:"network"`
	Namespaces   namespaceEntry         `toml:"namespaces"`
}

type blockEntry struct {
	Syscalls []string `toml:"syscalls"`
	Errno    uint16   `toml:"errno"`
}

type mountEntry struct {
	Kind     string `toml:"kind"`
	Source   string `toml:"source"`
	Dest     string `toml:"dest"`
	Writable bool   `toml:"writable"`
}

type rlimitEntry struct {
	Soft uint64 `toml:"soft"`
	Hard uint64 `toml:"hard"`
}

type networkEntry struct {
	AllowAll bool     `toml:"allow_all"`
	CIDRs    []string `toml:"cidrs"`
}

type namespaceEntry struct {
	User  bool `toml:"user"`
	PID   bool `toml:"pid"`
	Net   bool `toml:"net"`
	Mount bool `toml:"mount"`
	IPC   bool `toml:"ipc"`
	UTS   bool `toml:"uts"`
}

// LoadPolicyFile decodes a TOML policy file and replays it onto a fresh
// Builder, returning the compiled Policy. This is the file-based
// counterpart to PolicyBuilder's programmatic API: every section below maps
// onto exactly one Builder method.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seccomp: reading policy file %q: %w", path, err)
	}

	var cf configFile
	if _, err := toml.Decode(string(data), &cf); err != nil {
		return nil, fmt.Errorf("seccomp: decoding policy file %q: %w", path, err)
	}

	b := NewBuilder()

	allow, err := resolveNames(cf.Allow)
	if err != nil {
		return nil, err
	}
	b.AllowSyscalls(allow...)

	kill, err := resolveNames(cf.Kill)
	if err != nil {
		return nil, err
	}
	for _, sysno := range kill {
		b.KillSyscall(sysno)
	}

	trace, err := resolveNames(cf.Trace)
	if err != nil {
		return nil, err
	}
	for _, sysno := range trace {
		b.TraceSyscall(sysno)
	}

	notify, err := resolveNames(cf.UserNotify)
	if err != nil {
		return nil, err
	}
	for _, sysno := range notify {
		b.UserNotifySyscall(sysno)
	}

	for _, blk := range cf.Block {
		sysnos, err := resolveNames(blk.Syscalls)
		if err != nil {
			return nil, err
		}
		b.BlockSyscallsWithErrno(sysnos, blk.Errno)
	}

	b.AllowPaths(cf.Paths...)

	for _, m := range cf.Mounts {
		switch m.Kind {
		case "bind", "":
			b.AddBindMount(m.Source, m.Dest, m.Writable)
		case "tmpfs":
			b.AddTmpfs(m.Dest)
		default:
			return nil, fmt.Errorf("seccomp: policy file %q: unknown mount kind %q", path, m.Kind)
		}
	}

	b.SetCapabilities(cf.Capabilities)

	for resource, rl := range cf.Rlimits {
		b.SetRlimit(resource, rl.Soft, rl.Hard)
	}

	if cf.Network.AllowAll {
		b.AllowAllNetwork()
	} else {
		b.SetNetworkAllowlist(cf.Network.CIDRs)
	}

	b.SetNamespaceFlags(NamespaceFlags{
		User:  cf.Namespaces.User,
		PID:   cf.Namespaces.PID,
		Net:   cf.Namespaces.Net,
		Mount: cf.Namespaces.Mount,
		IPC:   cf.Namespaces.IPC,
		UTS:   cf.Namespaces.UTS,
	})

	return b.Build()
}

func resolveNames(names []string) ([]uintptr, error) {
	sysnos := make([]uintptr, 0, len(names))
	for _, n := range names {
		sysno, ok := SyscallNumberByName(n)
		if !ok {
			return nil, fmt.Errorf("seccomp: unknown syscall name %q in policy file", n)
		}
		sysnos = append(sysnos, sysno)
	}
	return sysnos, nil
}
