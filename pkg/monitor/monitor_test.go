package monitor

import (
	"testing"
	"time"
)

func TestDeadlineDisarmedByDefault(t *testing.T) {
	b := NewBase(&Sandboxee{})
	if b.DeadlineExceeded(time.Now().Add(time.Hour)) {
		t.Fatal("a disarmed deadline (0) should never be exceeded")
	}
}

func TestDeadlineExceeded(t *testing.T) {
	b := NewBase(&Sandboxee{})
	b.SetDeadline(time.Now().Add(-time.Second))
	if !b.DeadlineExceeded(time.Now()) {
		t.Fatal("a deadline in the past should be exceeded")
	}
}

func TestSetDeadlineZeroTimeDisarms(t *testing.T) {
	b := NewBase(&Sandboxee{})
	b.SetDeadline(time.Now().Add(-time.Second))
	b.SetDeadline(time.Time{})
	if b.DeadlineExceeded(time.Now()) {
		t.Fatal("setting the zero Time should disarm the deadline")
	}
}

func TestRequestKillLatches(t *testing.T) {
	b := NewBase(&Sandboxee{})
	if b.KillRequested() {
		t.Fatal("kill should not be requested initially")
	}
	b.RequestKill()
	if !b.KillRequested() {
		t.Fatal("expected KillRequested to be true after RequestKill")
	}
}

func TestDumpStackRequestedClearsLatch(t *testing.T) {
	b := NewBase(&Sandboxee{})
	b.RequestDumpStack()
	if !b.DumpStackRequested() {
		t.Fatal("expected the first DumpStackRequested call to observe the latch")
	}
	if b.DumpStackRequested() {
		t.Fatal("DumpStackRequested should clear the latch after reading it")
	}
}

func TestFinishIsSingleShot(t *testing.T) {
	b := NewBase(&Sandboxee{})
	b.Finish(Result{FinalStatus: StatusOK, ExitCode: 0})
	b.Finish(Result{FinalStatus: StatusTimeout})

	got := b.AwaitResult()
	if got.FinalStatus != StatusOK {
		t.Fatalf("FinalStatus = %v, want the first Finish call's status OK", got.FinalStatus)
	}
}

func TestRecordStackTraceSurvivesFinish(t *testing.T) {
	b := NewBase(&Sandboxee{})
	b.RecordStackTrace([]string{"0x1", "0x2"})
	b.Finish(Result{FinalStatus: StatusTimeout})

	got := b.AwaitResult()
	if len(got.StackTrace) != 2 {
		t.Fatalf("StackTrace = %v, want the recorded frames to survive a Finish literal that didn't set StackTrace", got.StackTrace)
	}
}

func TestFinishExplicitStackTraceWins(t *testing.T) {
	b := NewBase(&Sandboxee{})
	b.RecordStackTrace([]string{"0xold"})
	b.Finish(Result{FinalStatus: StatusSandboxeeViolation, StackTrace: []string{"0xnew"}})

	got := b.AwaitResult()
	if len(got.StackTrace) != 1 || got.StackTrace[0] != "0xnew" {
		t.Fatalf("StackTrace = %v, want the explicitly set trace to take priority", got.StackTrace)
	}
}

func TestAwaitResultWithTimeoutTimesOut(t *testing.T) {
	b := NewBase(&Sandboxee{})
	_, ok := b.AwaitResultWithTimeout(10 * time.Millisecond)
	if ok {
		t.Fatal("expected AwaitResultWithTimeout to time out before Finish is called")
	}
}

func TestAwaitResultWithTimeoutReturnsResult(t *testing.T) {
	b := NewBase(&Sandboxee{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Finish(Result{FinalStatus: StatusOK})
	}()
	got, ok := b.AwaitResultWithTimeout(time.Second)
	if !ok || got.FinalStatus != StatusOK {
		t.Fatalf("AwaitResultWithTimeout = %v, %v, want StatusOK, true", got, ok)
	}
}

func TestClassifyWakePriority(t *testing.T) {
	b := NewBase(&Sandboxee{})
	now := time.Now()

	if got := b.classifyWake(true, true, now); got != wakeExit {
		t.Errorf("exit should win over everything else, got %v", got)
	}
	if got := b.classifyWake(false, true, now); got != wakeViolation {
		t.Errorf("violation should win over kill/timeout, got %v", got)
	}

	b.RequestKill()
	if got := b.classifyWake(false, false, now); got != wakeExternalKill {
		t.Errorf("external kill should win over timeout/dump-stack, got %v", got)
	}

	b2 := NewBase(&Sandboxee{})
	b2.SetDeadline(now.Add(-time.Second))
	b2.RequestDumpStack()
	if got := b2.classifyWake(false, false, now); got != wakeTimeout {
		t.Errorf("timeout should win over dump-stack, got %v", got)
	}

	b3 := NewBase(&Sandboxee{})
	b3.RequestDumpStack()
	if got := b3.classifyWake(false, false, now); got != wakeDumpStack {
		t.Errorf("dump-stack should fire when nothing higher-priority is pending, got %v", got)
	}

	b4 := NewBase(&Sandboxee{})
	if got := b4.classifyWake(false, false, now); got != wakeNone {
		t.Errorf("expected wakeNone with no conditions set, got %v", got)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusUnset:              "UNSET",
		StatusOK:                 "OK",
		StatusSetupError:         "SETUP_ERROR",
		StatusSandboxeeViolation: "VIOLATION",
		StatusExternalKill:       "EXTERNAL_KILL",
		StatusTimeout:            "TIMEOUT",
		StatusSignaled:           "SIGNALED",
		StatusInternalError:      "INTERNAL_ERROR",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

func TestNetworkViolationLatchesFirstMessageOnly(t *testing.T) {
	b := NewBase(&Sandboxee{})
	if ok, _ := b.NetworkViolation(); ok {
		t.Fatal("no network violation should be latched initially")
	}
	b.RecordNetworkViolation("10.0.0.1:80")
	b.RecordNetworkViolation("10.0.0.2:80")
	ok, msg := b.NetworkViolation()
	if !ok || msg != "10.0.0.1:80" {
		t.Fatalf("NetworkViolation() = %v, %q, want true, %q (first message wins)", ok, msg, "10.0.0.1:80")
	}
}

func TestClassifyWakeNetworkViolationActsAsViolation(t *testing.T) {
	b := NewBase(&Sandboxee{})
	now := time.Now()
	b.RecordNetworkViolation("10.0.0.1:80")
	netViolated, _ := b.NetworkViolation()
	if got := b.classifyWake(false, netViolated, now); got != wakeViolation {
		t.Errorf("classifyWake with a network violation = %v, want wakeViolation", got)
	}
}

func TestFormatViolationIncludesSyscallNameAndNumber(t *testing.T) {
	got := formatViolation(59, func(uintptr) string { return "execve" })
	want := "sandboxee issued a disallowed syscall: execve (59)"
	if got != want {
		t.Fatalf("formatViolation = %q, want %q", got, want)
	}
}

func TestFormatFrameFallsBackToRawAddress(t *testing.T) {
	got := formatFrame(0xdeadbeef)
	want := "0xdeadbeef"
	if got != want {
		t.Fatalf("formatFrame = %q, want %q", got, want)
	}
}
