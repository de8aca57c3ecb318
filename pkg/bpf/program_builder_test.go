package bpf

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validate(p *ProgramBuilder, expected []Instruction) error {
	instructions, err := p.Instructions()
	if err != nil {
		return fmt.Errorf("Instructions() failed: %v", err)
	}
	got, err := DecodeProgram(instructions)
	if err != nil {
		return fmt.Errorf("DecodeProgram('instructions') failed: %v", err)
	}
	expectedDecoded, err := DecodeProgram(expected)
	if err != nil {
		return fmt.Errorf("DecodeProgram('expected') failed: %v", err)
	}
	if got != expectedDecoded {
		return fmt.Errorf("DecodeProgram() mismatch, expected:\n%q\ngot:\n%q", expectedDecoded, got)
	}
	return nil
}

func TestProgramBuilderSimple(t *testing.T) {
	p := NewProgramBuilder()
	p.AddStmt(Ld|Abs|W, 10)
	p.AddJump(Jmp|Ja, 10, 0, 0)

	expected := []Instruction{
		Stmt(Ld|Abs|W, 10),
		Jump(Jmp|Ja, 10, 0, 0),
	}
	if err := validate(p, expected); err != nil {
		t.Error(err)
	}
}

func TestProgramBuilderLabels(t *testing.T) {
	p := NewProgramBuilder()
	p.AddJumpTrueLabel(Jmp|Jeq|K, 11, "label_1", 0)
	p.AddJumpFalseLabel(Jmp|Jeq|K, 12, 0, "label_2")
	p.AddJumpLabels(Jmp|Jeq|K, 13, "label_3", "label_4")
	if err := p.AddLabel("label_1"); err != nil {
		t.Fatalf("AddLabel(label_1): %v", err)
	}
	p.AddStmt(Ld|Abs|W, 1)
	if err := p.AddLabel("label_3"); err != nil {
		t.Fatalf("AddLabel(label_3): %v", err)
	}
	p.AddJumpLabels(Jmp|Jeq|K, 14, "label_4", "label_2")
	if err := p.AddLabel("label_2"); err != nil {
		t.Fatalf("AddLabel(label_2): %v", err)
	}
	if err := p.AddLabel("label_4"); err != nil {
		t.Fatalf("AddLabel(label_4): %v", err)
	}
	p.AddStmt(Ret|K, 0)

	instrs, err := p.Instructions()
	if err != nil {
		t.Fatalf("Instructions(): %v", err)
	}
	if len(instrs) != 6 {
		t.Fatalf("expected 6 instructions, got %d: %v", len(instrs), instrs)
	}
}

func TestProgramBuilderUnusedLabel(t *testing.T) {
	p := NewProgramBuilder()
	if err := p.AddLabel("never_referenced"); err == nil {
		t.Fatalf("AddLabel on an unreferenced label should fail")
	}
}

func TestProgramBuilderDoubleSetLabel(t *testing.T) {
	p := NewProgramBuilder()
	p.AddJumpTrueLabel(Jmp|Jeq|K, 1, "l", 0)
	if err := p.AddLabel("l"); err != nil {
		t.Fatalf("AddLabel(l) #1: %v", err)
	}
	p.AddStmt(Ret|K, 0)
	if err := p.AddLabel("l"); err == nil {
		t.Fatalf("setting the same label twice should fail")
	}
}

func TestProgramBuilderBackwardsJumpRejected(t *testing.T) {
	p := NewProgramBuilder()
	if err := p.AddLabel("here"); err != nil {
		// "here" hasn't been referenced yet so this should fail, by
		// design there is no way to construct a backwards jump.
		return
	}
	t.Fatalf("expected AddLabel to reject an unreferenced label")
}

// TestProgramBuilderLongJumpTrampoline exercises the span-exceeds-255
// trampoline-chaining path: a conditional jump whose target sits more than
// 255 instructions away must still resolve, via an inserted unconditional
// jump.
func TestProgramBuilderLongJumpTrampoline(t *testing.T) {
	p := NewProgramBuilder()
	p.AddJumpTrueLabel(Jmp|Jeq|K, 42, "far", 0)
	for i := 0; i < 400; i++ {
		p.AddStmt(Ld|Abs|W, uint32(i))
	}
	if err := p.AddLabel("far"); err != nil {
		t.Fatalf("AddLabel(far): %v", err)
	}
	p.AddStmt(Ret|K, 0)

	instrs, err := p.Instructions()
	if err != nil {
		t.Fatalf("Instructions(): %v", err)
	}
	// One extra trampoline instruction beyond the 402 emitted above.
	if len(instrs) != 403 {
		t.Fatalf("expected 403 instructions (402 + 1 trampoline), got %d", len(instrs))
	}
	if instrs[0].JumpIfTrue != 0 {
		t.Fatalf("conditional jump should target the adjacent trampoline (offset 0), got %d", instrs[0].JumpIfTrue)
	}
	trampoline := instrs[1]
	if trampoline.OpCode != Jmp|Ja {
		t.Fatalf("expected trampoline to be an unconditional Ja, got opcode %#x", trampoline.OpCode)
	}
	if int(trampoline.K) != 400 {
		t.Fatalf("trampoline should skip the 400 filler instructions, got K=%d", trampoline.K)
	}
}

func TestProgramBuilderManyChainedTrampolines(t *testing.T) {
	p := NewProgramBuilder()
	// Three independent long jumps landing on the same far label: each
	// needs its own trampoline since trampolines are local to their
	// source instruction.
	p.AddJumpTrueLabel(Jmp|Jeq|K, 1, "far", 0)
	p.AddJumpFalseLabel(Jmp|Jeq|K, 2, 0, "far")
	for i := 0; i < 300; i++ {
		p.AddStmt(Ld|Abs|W, uint32(i))
	}
	p.AddJumpTrueLabel(Jmp|Jeq|K, 3, "far", 0)
	for i := 0; i < 300; i++ {
		p.AddStmt(Ld|Abs|W, uint32(i))
	}
	if err := p.AddLabel("far"); err != nil {
		t.Fatalf("AddLabel(far): %v", err)
	}
	p.AddStmt(Ret|K, 0)

	if _, err := p.Instructions(); err != nil {
		t.Fatalf("Instructions(): %v", err)
	}
}

func TestMarshalUnmarshalSockFilterRoundTrip(t *testing.T) {
	prog := []Instruction{
		Stmt(Ld|Abs|W, 4),
		Jump(Jmp|Jeq|K, 59, 1, 0),
		StmtTerminal(0x7fff0000),
		StmtTerminal(0),
	}
	buf := MarshalSockFilter(prog)
	if len(buf) != len(prog)*8 {
		t.Fatalf("len(buf) = %d, want %d", len(buf), len(prog)*8)
	}
	got := UnmarshalSockFilter(buf)
	if diff := cmp.Diff(prog, got); diff != "" {
		t.Fatalf("UnmarshalSockFilter(MarshalSockFilter(prog)) mismatch:\n%s", diff)
	}
}
