package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"sandbox2/pkg/seccomp"
)

type policyDumpCmd struct {
	policyFile string
}

func (*policyDumpCmd) Name() string     { return "policy-dump" }
func (*policyDumpCmd) Synopsis() string { return "load a TOML policy file and print a summary" }
func (*policyDumpCmd) Usage() string {
	return `policy-dump -policy-file <path>:
  Compiles <path> and prints the resulting Policy without running anything.
`
}

func (p *policyDumpCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.policyFile, "policy-file", "", "TOML policy file (required)")
}

func (p *policyDumpCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if p.policyFile == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	policy, err := seccomp.LoadPolicyFile(p.policyFile)
	if err != nil {
		fmt.Println("error:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("host arch:        %v\n", policy.HostArch)
	fmt.Printf("default action:   %v\n", policy.DefaultAction())
	fmt.Printf("program length:   %d instructions\n", len(policy.Program))
	fmt.Printf("allowed paths:    %d\n", len(policy.Paths))
	for _, path := range policy.Paths {
		fmt.Printf("  %s\n", path.Path)
	}
	fmt.Printf("mounts:           %d\n", len(policy.Mounts))
	for _, m := range policy.Mounts {
		fmt.Printf("  kind=%v source=%s dest=%s writable=%v\n", m.Kind, m.Source, m.Dest, m.Writable)
	}
	fmt.Printf("capabilities:     %v\n", policy.Capabilities)
	fmt.Printf("rlimits:\n")
	for name, rl := range policy.Rlimits {
		fmt.Printf("  %s: soft=%d hard=%d\n", name, rl.Soft, rl.Hard)
	}
	fmt.Printf("network allow-all: %v\n", policy.Network.AllowAll)
	fmt.Printf("namespaces:       %+v\n", policy.NamespaceFlags)
	return subcommands.ExitSuccess
}
