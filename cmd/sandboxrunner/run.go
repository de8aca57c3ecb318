package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"sandbox2/pkg/monitor"
	"sandbox2/pkg/sandbox"
	"sandbox2/pkg/seccomp"
)

// commsFDEnv tells a cooperating sandboxee where to find its comms socket.
// A real fork-server dups the socket to the sandboxee ABI's well-known
// descriptor instead of relying on an inherited-fd/env-var pair; this demo
// takes the simpler os/exec.Cmd.ExtraFiles route on purpose.
const commsFDEnv = "SANDBOX2_COMMS_FD"

type runCmd struct {
	policyFile string
	unotify    bool
	timeout    time.Duration
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a command under a seccomp-BPF sandbox" }
func (*runCmd) Usage() string {
	return `run -policy-file <path> [-unotify] [-timeout duration] -- <command> [args...]:
  Launches <command> under the sandboxing engine, blocks until it
  terminates or the policy kills it, and prints the result.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.policyFile, "policy-file", "", "TOML policy file (required)")
	f.BoolVar(&r.unotify, "unotify", false, "supervise traced syscalls via seccomp user notification instead of ptrace")
	f.DurationVar(&r.timeout, "timeout", 0, "kill the sandboxee if it runs longer than this (0 disables)")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if r.policyFile == "" || f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	policy, err := seccomp.LoadPolicyFile(r.policyFile)
	if err != nil {
		logrus.WithError(err).Error("loading policy file")
		return subcommands.ExitFailure
	}

	cfg := sandbox.Config{
		Policy: policy,
		Executor: &sandbox.Executor{
			Argv:       f.Args(),
			Env:        os.Environ(),
			ForkServer: execForkServer,
		},
	}
	if r.unotify {
		cfg.Variant = sandbox.UnotifyVariant
		cfg.UnotifyDecide = denyAllTracedUnotify
	} else {
		cfg.Variant = sandbox.PtraceVariant
		cfg.PtraceDecide = denyAllTracedPtrace
	}
	if r.timeout > 0 {
		cfg.Deadline = time.Now().Add(r.timeout)
	}

	sbx, err := sandbox.New(cfg)
	if err != nil {
		logrus.WithError(err).Error("constructing sandbox")
		return subcommands.ExitFailure
	}
	if err := sbx.Launch(); err != nil {
		logrus.WithError(err).Error("launching sandboxee")
		return subcommands.ExitFailure
	}

	result := sbx.AwaitResult()
	printResult(result)
	if result.FinalStatus != monitor.StatusOK {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// denyAllTracedPtrace and denyAllTracedUnotify are the demo's Decide
// callbacks: every syscall a policy routes to TraceSyscall is treated as a
// violation. A real embedder replaces these with policy-specific logic
// (rewriting arguments, allowing after inspection, and so on).
func denyAllTracedPtrace(sysno uintptr, pid int) bool { return false }

func denyAllTracedUnotify(sysno uintptr, pid int) monitor.Decision {
	return monitor.Decision{Continue: false, Errno: 1, Violation: true}
}

// execForkServer is a trivial os/exec-based stand-in for the real
// fork-server protocol (process pool, re-exec tricks, namespace setup at
// clone time), which spec.md keeps out of scope. It starts argv[0]
// directly with commsFD inherited as an extra file descriptor; only a
// sandboxee binary that knows to read SANDBOX2_COMMS_FD and speak the
// comms handshake will ever get past sendPolicy/awaitReady.
func execForkServer(argv, env []string, commsFD int) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("execForkServer: empty argv")
	}
	commsFile := os.NewFile(uintptr(commsFD), "sandbox-comms")
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.ExtraFiles = []*os.File{commsFile}
	cmd.Env = append(append([]string{}, env...), commsFDEnv+"="+strconv.Itoa(3))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("execForkServer: starting %q: %w", argv[0], err)
	}
	return cmd.Process.Pid, nil
}

func printResult(r monitor.Result) {
	fmt.Printf("id:      %s\n", r.ID)
	fmt.Printf("status:  %s\n", r.FinalStatus)
	if r.FinalStatus == monitor.StatusOK {
		fmt.Printf("exit:    %d\n", r.ExitCode)
	}
	if r.Signal != 0 {
		fmt.Printf("signal:  %d\n", r.Signal)
	}
	if r.ViolationMessage != "" {
		fmt.Printf("reason:  %s (code %s)\n", r.ViolationMessage, r.ReasonCode)
	}
	for _, frame := range r.StackTrace {
		fmt.Printf("  at %s\n", frame)
	}
}
