package stub

import (
	"fmt"

	"ilpunpack/internal/il"
)

// MinBodyStubLen is the shortest instruction stream a body stub can have.
const MinBodyStubLen = 9

// Kind is the kind of a matched stub.
type Kind uint8

const (
	BodyStub Kind = iota
	StringStub
)

func (k Kind) String() string {
	if k == BodyStub {
		return "body"
	}
	return "string"
}

// Match is one recognized stub call site. Instructions[Start:End] form the
// stub; Index is the embedded provider index.
type Match struct {
	Kind  Kind
	Start int
	End   int
	Index int32
}

func (m Match) String() string {
	return fmt.Sprintf("%s stub [%d,%d) index %d", m.Kind, m.Start, m.End, m.Index)
}

// Matcher recognizes stubs against a resolved helper set. Operands are
// compared by identity with the helper set's rows.
type Matcher struct {
	Helpers  *HelperSet
	Registry *Registry
}

// NewMatcher returns a matcher for h that records delegate types in reg.
func NewMatcher(h *HelperSet, reg *Registry) *Matcher {
	return &Matcher{Helpers: h, Registry: reg}
}

// BodyStub reports whether b is a body stub:
//
//	0: ldsfld   <body field>
//	1: ldc.i4   <index>
//	2: callvirt <body delegate>::Invoke
//	3: ...      <generated delegate type>
//
// with at least MinBodyStubLen instructions. Once instructions 0 and 2 match,
// the TypeDef operand of instruction 3 is recorded in the registry whatever
// the rest of the shape looks like.
func (m *Matcher) BodyStub(b *il.Body) (Match, bool) {
	insts := b.Instructions
	if len(insts) < MinBodyStubLen {
		return Match{}, false
	}
	if !insts[0].Is(il.Ldsfld, m.Helpers.BodyField) {
		return Match{}, false
	}
	if !insts[2].Is(il.Callvirt, m.Helpers.BodyInvoke) {
		return Match{}, false
	}
	if dt, ok := insts[3].Operand.(*il.TypeDef); ok {
		m.Registry.Add(dt)
	}
	idx, ok := insts[1].LdcI4Value()
	if !ok {
		return Match{}, false
	}
	return Match{Kind: BodyStub, Start: 0, End: len(insts), Index: idx}, true
}

// StringStubAt reports whether a string stub ends at instruction i:
//
//	i-2: ldsfld   <string field>
//	i-1: ldc.i4   <index>
//	i:   callvirt <string delegate>::Invoke
func (m *Matcher) StringStubAt(b *il.Body, i int) (Match, bool) {
	if !m.Helpers.HasStrings() || i < 2 || i >= len(b.Instructions) {
		return Match{}, false
	}
	insts := b.Instructions
	if !insts[i].Is(il.Callvirt, m.Helpers.StringInvoke) {
		return Match{}, false
	}
	if !insts[i-2].Is(il.Ldsfld, m.Helpers.StringField) {
		return Match{}, false
	}
	idx, ok := insts[i-1].LdcI4Value()
	if !ok {
		return Match{}, false
	}
	return Match{Kind: StringStub, Start: i - 2, End: i + 1, Index: idx}, true
}

// StringStubs returns every string stub in b in ascending order.
func (m *Matcher) StringStubs(b *il.Body) []Match {
	var out []Match
	for i := 2; i < len(b.Instructions); i++ {
		if sm, ok := m.StringStubAt(b, i); ok {
			out = append(out, sm)
		}
	}
	return out
}
