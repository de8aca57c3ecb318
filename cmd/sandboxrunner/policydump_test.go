package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	fn()
	os.Stdout = orig
	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func flagSetWith(name, value string) *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String(name, value, "")
	return fs
}

func TestPolicyDumpRequiresPolicyFileFlag(t *testing.T) {
	cmd := &policyDumpCmd{}
	fs := flag.NewFlagSet("policy-dump", flag.ContinueOnError)
	fs.Usage = func() {}
	status := cmd.Execute(context.Background(), fs)
	if status != subcommands.ExitUsageError {
		t.Fatalf("Execute() = %v, want ExitUsageError", status)
	}
}

func TestPolicyDumpReportsMissingFile(t *testing.T) {
	cmd := &policyDumpCmd{policyFile: "/nonexistent/policy.toml"}
	fs := flag.NewFlagSet("policy-dump", flag.ContinueOnError)
	status := cmd.Execute(context.Background(), fs)
	if status != subcommands.ExitFailure {
		t.Fatalf("Execute() = %v, want ExitFailure", status)
	}
}

func TestPolicyDumpPrintsSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	if err := os.WriteFile(path, []byte(`
allow = ["read", "write"]

[network]
allow_all = true
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := &policyDumpCmd{policyFile: path}
	fs := flag.NewFlagSet("policy-dump", flag.ContinueOnError)
	var status subcommands.ExitStatus
	out := captureStdout(t, func() {
		status = cmd.Execute(context.Background(), fs)
	})
	if status != subcommands.ExitSuccess {
		t.Fatalf("Execute() = %v, want ExitSuccess", status)
	}
	if !strings.Contains(out, "network allow-all: true") {
		t.Fatalf("output missing network summary:\n%s", out)
	}
}
