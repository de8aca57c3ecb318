package seccomp

import "fmt"

// Guard is an argument predicate compiled into one or more BPF comparisons.
// The concrete types below are the only implementations; Guard exists so
// Rule can hold a fixed-size array of heterogeneous predicates the way the
// teacher's seccomp.Rule does.
type Guard interface {
	fmt.Stringer
	isGuard()
}

// MatchAny accepts any value; a nil entry in Rule.Args has the same effect
// and is preferred for readability, but MatchAny is kept for parity with
// explicit rule literals.
type MatchAny struct{}

func (MatchAny) isGuard()      {}
func (MatchAny) String() string { return "*" }

// EqualTo matches an argument strictly equal to the given value.
type EqualTo uint64

func (EqualTo) isGuard()          {}
func (a EqualTo) String() string { return fmt.Sprintf("== %#x", uint64(a)) }

// NotEqual matches an argument strictly not equal to the given value.
type NotEqual uint64

func (NotEqual) isGuard()          {}
func (a NotEqual) String() string { return fmt.Sprintf("!= %#x", uint64(a)) }

// GreaterThan matches an argument strictly greater than the given value.
type GreaterThan uint64

func (GreaterThan) isGuard()          {}
func (a GreaterThan) String() string { return fmt.Sprintf("> %#x", uint64(a)) }

// GreaterThanOrEqual matches an argument greater than or equal to value.
type GreaterThanOrEqual uint64

func (GreaterThanOrEqual) isGuard() {}
func (a GreaterThanOrEqual) String() string {
	return fmt.Sprintf(">= %#x", uint64(a))
}

// LessThan matches an argument strictly less than the given value.
type LessThan uint64

func (LessThan) isGuard()          {}
func (a LessThan) String() string { return fmt.Sprintf("< %#x", uint64(a)) }

// LessThanOrEqual matches an argument less than or equal to the given value.
type LessThanOrEqual uint64

func (LessThanOrEqual) isGuard() {}
func (a LessThanOrEqual) String() string {
	return fmt.Sprintf("<= %#x", uint64(a))
}

// maskedEqual matches (argument & mask) == value; used to check that an
// argument's flags are a subset of an approved set.
type maskedEqual struct {
	mask, value uint64
}

func (maskedEqual) isGuard() {}
func (a maskedEqual) String() string {
	return fmt.Sprintf("& %#x == %#x", a.mask, a.value)
}

// MaskedEqual builds a Guard that matches when (argument & mask) == value.
func MaskedEqual(mask, value uint64) Guard {
	return maskedEqual{mask: mask, value: value}
}

// ArgIP is the pseudo-argument index selecting the syscall instruction
// pointer instead of one of the 6 syscall arguments, mirroring spec.md's
// syscall tuple which carries ip alongside args[6].
const ArgIP = 6

// Rule is a single ordered entry in a syscall's rule chain: it matches when
// every non-nil Args[i] guard accepts the corresponding syscall argument (or
// the instruction pointer, for Args[ArgIP]). An all-nil Rule matches
// unconditionally.
type Rule struct {
	Args [7]Guard
}

func (r Rule) String() string {
	s := "("
	any := false
	for _, g := range r.Args {
		if g != nil {
			s += " " + g.String()
			any = true
		}
	}
	if !any {
		return "(*)"
	}
	return s + " )"
}

// unconditional reports whether the rule matches every call to its syscall,
// i.e. has no guards at all.
func (r Rule) unconditional() bool {
	for _, g := range r.Args {
		if g != nil {
			return false
		}
	}
	return true
}
