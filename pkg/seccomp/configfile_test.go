package seccomp

import (
	"os"
	"path/filepath"
	"testing"
)

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadPolicyFileAppliesAllowAndKill(t *testing.T) {
	path := writePolicyFile(t, `
allow = ["read", "write", "close"]
kill = ["ptrace"]

[network]
allow_all = false
cidrs = ["10.0.0.0/8"]
`)
	policy, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if policy.Network.AllowAll {
		t.Fatal("expected AllowAll to be false")
	}
}

func TestLoadPolicyFileRejectsUnknownSyscallName(t *testing.T) {
	path := writePolicyFile(t, `allow = ["not_a_real_syscall"]`)
	if _, err := LoadPolicyFile(path); err == nil {
		t.Fatal("expected an error for an unknown syscall name")
	}
}

func TestLoadPolicyFileAppliesMountsAndRlimits(t *testing.T) {
	path := writePolicyFile(t, `
allow = ["read"]

[[mounts]]
kind = "bind"
source = "/lib"
dest = "/lib"
writable = false

[[mounts]]
kind = "tmpfs"
dest = "/tmp"

[rlimits.NOFILE]
soft = 64
hard = 64
`)
	policy, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if len(policy.Mounts) != 2 {
		t.Fatalf("len(Mounts) = %d, want 2", len(policy.Mounts))
	}
	if rl, ok := policy.Rlimits["NOFILE"]; !ok || rl.Soft != 64 {
		t.Fatalf("Rlimits[NOFILE] = %+v, ok=%v, want {64 64}, true", rl, ok)
	}
}

func TestLoadPolicyFileRejectsUnknownMountKind(t *testing.T) {
	path := writePolicyFile(t, `
allow = ["read"]

[[mounts]]
kind = "overlay"
dest = "/x"
`)
	if _, err := LoadPolicyFile(path); err == nil {
		t.Fatal("expected an error for an unknown mount kind")
	}
}

func TestLoadPolicyFileMissingFile(t *testing.T) {
	if _, err := LoadPolicyFile("/nonexistent/policy.toml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
