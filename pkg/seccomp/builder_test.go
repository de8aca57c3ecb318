package seccomp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAllowSyscallIsIdempotent(t *testing.T) {
	b := NewBuilder()
	b.AllowSyscall(SysRead)
	b.AllowSyscall(SysRead)
	b.AllowSyscall(SysRead)

	if got := len(b.bySyscall[SysRead]); got != 1 {
		t.Fatalf("AllowSyscall called 3 times produced %d rule entries, want 1", got)
	}
}

func TestAllowSyscallsDeduplicatesAcrossCalls(t *testing.T) {
	b := NewBuilder()
	b.AllowSyscalls(SysRead, SysWrite)
	b.AllowSyscall(SysRead)

	if got := len(b.bySyscall[SysRead]); got != 1 {
		t.Fatalf("got %d entries for SysRead, want 1", got)
	}
	if got := len(b.bySyscall[SysWrite]); got != 1 {
		t.Fatalf("got %d entries for SysWrite, want 1", got)
	}
}

func TestAddPolicyOnSyscallGrowsMonotonically(t *testing.T) {
	b := NewBuilder()
	rule := Rule{Args: [7]Guard{0: EqualTo(5)}}
	b.AddPolicyOnSyscall(SysIoctl, rule, Errno(1))
	b.AddPolicyOnSyscall(SysIoctl, rule, Errno(1))

	if got := len(b.bySyscall[SysIoctl]); got != 2 {
		t.Fatalf("AddPolicyOnSyscall called twice with identical args produced %d entries, want 2", got)
	}
}

func TestAddPolicyOnSyscallsRejectsEmptySet(t *testing.T) {
	b := NewBuilder()
	b.AddPolicyOnSyscalls(nil, Rule{}, ActionAllow)
	if _, err := b.Build(); err == nil {
		t.Fatal("AddPolicyOnSyscalls with an empty syscall list should have failed Build")
	}
}

func TestBlockSyscallsWithErrnoRejectsEmptySet(t *testing.T) {
	b := NewBuilder()
	b.BlockSyscallsWithErrno(nil, 1)
	if _, err := b.Build(); err == nil {
		t.Fatal("BlockSyscallsWithErrno with an empty syscall list should have failed Build")
	}
}

func TestFirstRuleWinsOnConflict(t *testing.T) {
	b := NewBuilder()
	b.AllowSyscall(SysConnect)
	b.KillSyscall(SysConnect)

	entries := b.bySyscall[SysConnect]
	if len(entries) != 2 {
		t.Fatalf("expected both the allow and the kill rule to remain in the builder, got %d entries", len(entries))
	}
	if entries[0].action != ActionAllow {
		t.Fatalf("first rule on the syscall should still be the ALLOW entered first, got %v", entries[0].action)
	}
	if entries[1].action != ActionKillProcess {
		t.Fatalf("second, shadowed rule should remain present (as dead code) in the builder state, got %v", entries[1].action)
	}
}

func TestBuildIsSingleShot(t *testing.T) {
	b := NewBuilder()
	b.AllowSyscall(SysRead)

	if _, err := b.Build(); err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("second Build call should have failed")
	}
}

func TestBuildProducesNonEmptyProgram(t *testing.T) {
	b := NewBuilder()
	b.AllowSyscalls(SysRead, SysWrite, SysExit, SysExitGroup)

	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(policy.Program) == 0 {
		t.Fatal("compiled program is empty")
	}
	if policy.DefaultAction() != ActionKillProcess {
		t.Fatalf("default action = %v, want KILL_PROCESS", policy.DefaultAction())
	}
}

func TestBuildWithNoRulesStillKillsByDefault(t *testing.T) {
	b := NewBuilder()
	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(policy.Program) == 0 {
		t.Fatal("expected at least the arch-check and default RET instructions")
	}
}

func TestAllowPathRejectsNonCanonicalPaths(t *testing.T) {
	cases := []struct {
		path  string
		valid bool
	}{
		{"/etc/passwd", true},
		{"/", true},
		{"etc/passwd", false},
		{"/etc/passwd/", false},
		{"/etc/../passwd", false},
		{"/etc//passwd", false},
		{"/./etc", false},
	}
	for _, c := range cases {
		b := NewBuilder()
		b.AllowPath(c.path)
		_, err := b.Build()
		if c.valid && err != nil {
			t.Errorf("AllowPath(%q): unexpected error: %v", c.path, err)
		}
		if !c.valid && err == nil {
			t.Errorf("AllowPath(%q): expected an error, got none", c.path)
		}
	}
}

func TestAllowPathDeduplicates(t *testing.T) {
	b := NewBuilder()
	b.AllowPath("/etc/passwd")
	b.AllowPath("/etc/passwd")

	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(policy.Paths) != 1 {
		t.Fatalf("got %d path entries, want 1", len(policy.Paths))
	}
}

func TestSetNetworkAllowlistRejectsInvalidCIDR(t *testing.T) {
	b := NewBuilder()
	b.SetNetworkAllowlist([]string{"not-a-cidr"})
	if _, err := b.Build(); err == nil {
		t.Fatal("expected an error for an invalid CIDR")
	}
}

func TestAllowAllNetworkAllowsEverything(t *testing.T) {
	b := NewBuilder()
	b.AllowAllNetwork()
	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !policy.Network.AllowAll {
		t.Fatal("expected AllowAll to be set")
	}
}

func TestWithHostArchOverridesCompiledPrologue(t *testing.T) {
	b := NewBuilder().WithHostArch(ArchARM64)
	b.AllowSyscall(SysRead)
	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if policy.HostArch != ArchARM64 {
		t.Fatalf("HostArch = %#x, want %#x", policy.HostArch, ArchARM64)
	}
}

func TestMountDescriptorsSurviveBuild(t *testing.T) {
	b := NewBuilder()
	b.AddBindMount("/host/lib", "/lib", false)
	b.AddTmpfs("/tmp")

	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []MountDescriptor{
		{Kind: MountBind, Source: "/host/lib", Dest: "/lib", Writable: false},
		{Kind: MountTmpfs, Dest: "/tmp"},
	}
	if diff := cmp.Diff(want, policy.Mounts); diff != "" {
		t.Errorf("policy.Mounts mismatch (-want +got):\n%s", diff)
	}
}

func TestRlimitsSurviveBuild(t *testing.T) {
	b := NewBuilder()
	b.SetRlimit("AS", 1<<20, 1<<30)

	policy, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, ok := policy.Rlimits["AS"]
	if !ok {
		t.Fatal("expected an AS rlimit entry")
	}
	if got.Soft != 1<<20 || got.Hard != 1<<30 {
		t.Fatalf("got %+v, want Soft=%d Hard=%d", got, 1<<20, 1<<30)
	}
}

func TestBuilderMutatorsReturnThemselvesForChaining(t *testing.T) {
	b := NewBuilder()
	got := b.AllowSyscall(SysRead).AllowPath("/etc/passwd").AllowAllNetwork()
	if got != b {
		t.Fatal("fluent methods must return the same *Builder for chaining")
	}
}
