// Copyright 2018 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bpf

import (
	"fmt"
	"math"
)

const (
	labelTarget       = math.MaxUint8
	labelDirectTarget = math.MaxUint32

	// maxTrampolinePasses bounds the number of chained trampolines the
	// assembler will insert while resolving a single program. In
	// practice a policy needs at most a handful.
	maxTrampolinePasses = 4096
)

// ProgramBuilder assists with building a BPF program with jump labels that
// are resolved to their proper offsets, inserting trampoline jumps when a
// conditional jump (8-bit jt/jf) would otherwise need to skip more than 255
// instructions.
type ProgramBuilder struct {
	// labels maps label names to label objects.
	labels map[string]*label

	// instructions is the BPF program built so far.
	instructions []Instruction
}

// NewProgramBuilder creates a new ProgramBuilder instance.
func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{labels: map[string]*label{}}
}

// label contains information to resolve a label to an offset.
type label struct {
	// sources is the set of locations that reference the label.
	sources []source

	// target is the program line where the label is located, or -1 if
	// not yet set.
	target int
}

type jmpType int

const (
	jDirect jmpType = iota
	jTrue
	jFalse
)

// source is a single reference to a label.
type source struct {
	// line is the program line where the label reference lives.
	line int

	// jt indicates which field of the jump instruction holds the
	// reference (the direct Ja target, or JumpIfTrue/JumpIfFalse).
	jt jmpType
}

// AddStmt adds a new statement to the program.
func (b *ProgramBuilder) AddStmt(code uint16, k uint32) {
	b.instructions = append(b.instructions, Stmt(code, k))
}

// AddJump adds a new jump to the program.
func (b *ProgramBuilder) AddJump(code uint16, k uint32, jt, jf uint8) {
	b.instructions = append(b.instructions, Jump(code, k, jt, jf))
}

// AddDirectJumpLabel adds a new unconditional jump to the program whose
// target is a label.
func (b *ProgramBuilder) AddDirectJumpLabel(labelName string) {
	b.addLabelSourceAt(labelName, jDirect, len(b.instructions))
	b.AddJump(Jmp|Ja, labelDirectTarget, 0, 0)
}

// AddJumpTrueLabel adds a new jump where 'jump if true' targets a label.
func (b *ProgramBuilder) AddJumpTrueLabel(code uint16, k uint32, jtLabel string, jf uint8) {
	b.addLabelSourceAt(jtLabel, jTrue, len(b.instructions))
	b.AddJump(code, k, labelTarget, jf)
}

// AddJumpFalseLabel adds a new jump where 'jump if false' targets a label.
func (b *ProgramBuilder) AddJumpFalseLabel(code uint16, k uint32, jt uint8, jfLabel string) {
	b.addLabelSourceAt(jfLabel, jFalse, len(b.instructions))
	b.AddJump(code, k, jt, labelTarget)
}

// AddJumpLabels adds a new jump where both jump targets are labels.
func (b *ProgramBuilder) AddJumpLabels(code uint16, k uint32, jtLabel, jfLabel string) {
	b.addLabelSourceAt(jtLabel, jTrue, len(b.instructions))
	b.addLabelSourceAt(jfLabel, jFalse, len(b.instructions))
	b.AddJump(code, k, labelTarget, labelTarget)
}

// AddLabel sets the given label name at the current location. The next
// instruction added is executed when code jumps to this label. More than
// one label may alias the same location.
func (b *ProgramBuilder) AddLabel(name string) error {
	l, ok := b.labels[name]
	if !ok {
		// Catches jump-backwards attempts: a label that is never
		// referenced before being set can't be a forward jump target.
		return fmt.Errorf("adding a label that hasn't been used is not allowed: %v", name)
	}
	if l.target != -1 {
		return fmt.Errorf("label %q target already set: %v", name, l.target)
	}
	l.target = len(b.instructions)
	return nil
}

// Instructions returns the program with all labels resolved, inserting
// trampolines for any conditional jump whose span exceeds 255
// instructions. Returns a partial program alongside the error so callers
// can dump it for debugging.
func (b *ProgramBuilder) Instructions() ([]Instruction, error) {
	if err := b.resolveLabels(); err != nil {
		return b.instructions, err
	}
	return b.instructions, nil
}

func (b *ProgramBuilder) addLabelSourceAt(labelName string, t jmpType, line int) {
	l, ok := b.labels[labelName]
	if !ok {
		l = &label{sources: make([]source, 0), target: -1}
		b.labels[labelName] = l
	}
	l.sources = append(l.sources, source{line: line, jt: t})
}

// resolveLabels first removes every out-of-range conditional jump by
// chaining in trampolines, then assigns final numeric jt/jf/K values.
func (b *ProgramBuilder) resolveLabels() error {
	for pass := 0; ; pass++ {
		fixed, err := b.fixOneLongJump()
		if err != nil {
			return err
		}
		if !fixed {
			break
		}
		if pass >= maxTrampolinePasses {
			return fmt.Errorf("exceeded %d trampoline insertion passes; program too large or cyclic", maxTrampolinePasses)
		}
	}
	return b.finalizeOffsets()
}

// fixOneLongJump finds the first conditional (jTrue/jFalse) reference whose
// resolved offset would not fit in 8 bits and redirects it through a
// trampoline: an unconditional Ja jump inserted immediately after the
// conditional jump, which performs the real (32-bit offset) jump to the
// original target. Returns whether a fix was applied.
func (b *ProgramBuilder) fixOneLongJump() (bool, error) {
	for key, l := range b.labels {
		if l.target == -1 {
			return false, fmt.Errorf("label target not set: %v", key)
		}
		for i, s := range l.sources {
			if s.jt == jDirect {
				continue
			}
			if s.line >= l.target {
				return false, fmt.Errorf("cannot jump backwards (label %q)", key)
			}
			offset := l.target - s.line - 1
			if offset <= labelTarget {
				continue
			}

			trampolineIdx := s.line + 1
			b.insertAt(trampolineIdx, Jump(Jmp|Ja, labelDirectTarget, 0, 0))

			// Shift every label target and source line at or after
			// the insertion point.
			for _, lb := range b.labels {
				if lb.target >= trampolineIdx {
					lb.target++
				}
				for j := range lb.sources {
					if lb.sources[j].line >= trampolineIdx {
						lb.sources[j].line++
					}
				}
			}

			// Remove the fixed-up source from its original label
			// (its line was just shifted by the loop above only if
			// >= trampolineIdx; s.line < trampolineIdx always, so it
			// is untouched) and point the conditional jump itself at
			// the trampoline, zero instructions away. A numeric offset
			// on the other branch grows by one to step over the
			// trampoline; a label on it is resolved from the shifted
			// target later.
			l.sources = append(l.sources[:i:i], l.sources[i+1:]...)
			inst := &b.instructions[s.line]
			if s.jt == jTrue {
				inst.JumpIfTrue = 0
				if inst.JumpIfFalse != labelTarget {
					inst.JumpIfFalse++
				}
			} else {
				inst.JumpIfFalse = 0
				if inst.JumpIfTrue != labelTarget {
					inst.JumpIfTrue++
				}
			}

			// The trampoline's Ja now targets the original label.
			b.addLabelSourceAt(key, jDirect, trampolineIdx)
			return true, nil
		}
	}
	return false, nil
}

// insertAt inserts inst into the instruction stream at index idx.
func (b *ProgramBuilder) insertAt(idx int, inst Instruction) {
	b.instructions = append(b.instructions, Instruction{})
	copy(b.instructions[idx+1:], b.instructions[idx:])
	b.instructions[idx] = inst
}

func (b *ProgramBuilder) finalizeOffsets() error {
	for key, v := range b.labels {
		if v.target == -1 {
			return fmt.Errorf("label target not set: %v", key)
		}
		if v.target >= len(b.instructions) {
			return fmt.Errorf("target is beyond end of program: %v", key)
		}
		for _, s := range v.sources {
			inst := b.instructions[s.line]
			if s.line >= v.target {
				return fmt.Errorf("cannot jump backwards")
			}
			offset := v.target - s.line - 1
			switch s.jt {
			case jDirect:
				if offset > labelDirectTarget {
					return fmt.Errorf("jump offset to label %q is too large: %v, inst: %v, lineno: %v", key, offset, inst, s.line)
				}
				if inst.K != labelDirectTarget {
					return fmt.Errorf("jump target is not a label")
				}
				inst.K = uint32(offset)
			case jTrue:
				if offset > labelTarget {
					return fmt.Errorf("jump offset to label %q is too large: %v, inst: %v, lineno: %v", key, offset, inst, s.line)
				}
				if inst.JumpIfTrue != labelTarget {
					return fmt.Errorf("jump target is not a label")
				}
				inst.JumpIfTrue = uint8(offset)
			case jFalse:
				if offset > labelTarget {
					return fmt.Errorf("jump offset to label %q is too large: %v, inst: %v, lineno: %v", key, offset, inst, s.line)
				}
				if inst.JumpIfFalse != labelTarget {
					return fmt.Errorf("jump target is not a label")
				}
				inst.JumpIfFalse = uint8(offset)
			}
			b.instructions[s.line] = inst
		}
	}
	b.labels = map[string]*label{}
	return nil
}
