package modfile

import (
	"fmt"
	"sort"

	"ilpunpack/internal/il"
)

// Validate returns every problem that would make m unwritable: malformed
// bodies, references to rows that are no longer in the module, and, when
// tokens are preserved, duplicate tokens.
func Validate(m *il.Module, preserve bool) []string {
	var probs []string

	present := make(map[any]bool)
	seen := make(map[il.Token]string)
	note := func(row any, tok il.Token, name string) {
		present[row] = true
		if !preserve {
			return
		}
		if prev, dup := seen[tok]; dup {
			probs = append(probs, fmt.Sprintf("token %s used by both %s and %s", tok, prev, name))
			return
		}
		seen[tok] = name
	}

	if g := m.GlobalType(); g == nil || g.Name != il.GlobalTypeName {
		probs = append(probs, "first type is not "+il.GlobalTypeName)
	}
	for _, t := range m.AllTypes() {
		note(t, t.Token, t.FullName())
		for _, f := range t.Fields {
			note(f, f.Token, f.FullName())
		}
		for _, md := range t.Methods {
			note(md, md.Token, md.FullName())
			if md.Body == nil {
				continue
			}
			for _, p := range il.Check(md.Body) {
				probs = append(probs, fmt.Sprintf("%s: %s", md.FullName(), p))
			}
		}
	}
	for _, r := range m.TypeRefs {
		note(r, r.Token, r.FullName())
	}
	for _, r := range m.MemberRefs {
		note(r, r.Token, r.FullName())
	}

	var dangling []string
	for row := range (il.RefScan{}).Collect(m) {
		if present[row] {
			continue
		}
		switch v := row.(type) {
		case *il.ImportRef:
			dangling = append(dangling, fmt.Sprintf("reference %s was never imported", v))
		case interface{ FullName() string }:
			dangling = append(dangling, fmt.Sprintf("reference to %s, which is not in the module", v.FullName()))
		default:
			dangling = append(dangling, fmt.Sprintf("reference to unknown row %v", v))
		}
	}
	sort.Strings(dangling)
	return append(probs, dangling...)
}
