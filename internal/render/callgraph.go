package render

import (
	"fmt"
	"sort"
	"strings"

	"ilpunpack/internal/il"
)

// Call kinds, by the opcode that references the callee.
const (
	KindCall     = "call"
	KindVirtual  = "callvirt"
	KindNewobj   = "newobj"
	KindFtn      = "ldftn"
	KindExternal = "external"
)

// Edge is one call-like reference from a method body.
type Edge struct {
	From string
	To   string
	Kind string
}

// ClassifyCall returns the edge for in, or false if in does not reference a
// method. References to members of other assemblies are KindExternal.
func ClassifyCall(from string, in *il.Instruction) (Edge, bool) {
	var kind string
	switch in.OpCode.Code {
	case il.Call:
		kind = KindCall
	case il.Callvirt:
		kind = KindVirtual
	case il.Newobj:
		kind = KindNewobj
	case il.Ldftn, il.Ldvirtftn:
		kind = KindFtn
	default:
		return Edge{}, false
	}
	m, ok := in.Operand.(il.Method)
	if !ok {
		return Edge{}, false
	}
	if _, ref := m.(*il.MemberRef); ref {
		kind = KindExternal
	}
	return Edge{From: from, To: m.FullName(), Kind: kind}, true
}

// Edges collects the call edges of every method with a body.
func Edges(methods []*il.MethodDef) []Edge {
	var out []Edge
	for _, md := range methods {
		if md.Body == nil {
			continue
		}
		from := md.FullName()
		for _, in := range md.Body.Instructions {
			if e, ok := ClassifyCall(from, in); ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// edgeColor returns the DOT color for an edge kind.
func edgeColor(kind string, t Theme) string {
	switch kind {
	case KindVirtual:
		return t.EdgeVirtual
	case KindNewobj:
		return t.EdgeNewobj
	case KindFtn:
		return t.EdgeFtn
	case KindExternal:
		return t.EdgeExternal
	default:
		return t.EdgeCall
	}
}

// edgeStyle returns dot style attributes for an edge kind.
func edgeStyle(kind string) string {
	switch kind {
	case KindFtn:
		return "dotted"
	case KindExternal:
		return "dashed"
	default:
		return "solid"
	}
}

// CallgraphDOT renders the call graph of methods as DOT. Methods are
// clustered by declaring type; callees outside methods are shown as
// plaintext nodes. maxNodes limits the number of method nodes rendered
// (0 = all).
func CallgraphDOT(methods []*il.MethodDef, title string, t Theme, maxNodes int) string {
	type edgeKey struct {
		from, to, kind string
	}
	counts := make(map[edgeKey]int)
	var order []edgeKey
	for _, e := range Edges(methods) {
		k := edgeKey{e.From, e.To, e.Kind}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}

	shown := methods
	if maxNodes > 0 && len(shown) > maxNodes {
		shown = shown[:maxNodes]
	}
	methodSet := make(map[string]bool, len(shown))
	for _, md := range shown {
		methodSet[md.FullName()] = true
	}

	var external []string
	seenExt := make(map[string]bool)
	for _, k := range order {
		if methodSet[k.from] && !methodSet[k.to] && !seenExt[k.to] {
			seenExt[k.to] = true
			external = append(external, k.to)
		}
	}

	var owners []string
	ownerMethods := make(map[string][]*il.MethodDef)
	var noOwner []*il.MethodDef
	for _, md := range shown {
		if md.DeclaringType == nil || md.DeclaringType.IsGlobalModuleType() {
			noOwner = append(noOwner, md)
			continue
		}
		owner := md.DeclaringType.FullName()
		if _, ok := ownerMethods[owner]; !ok {
			owners = append(owners, owner)
		}
		ownerMethods[owner] = append(ownerMethods[owner], md)
	}

	var b strings.Builder
	b.WriteString("digraph callgraph {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  compound=true;\n")
	b.WriteString("  splines=true;\n")
	b.WriteString("  nodesep=0.4;\n")
	b.WriteString("  ranksep=0.6;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Helvetica Neue,Helvetica,Arial\", fontsize=9, fontcolor=%q, height=0.3, margin=\"0.12,0.06\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.5, arrowsize=0.5, arrowhead=vee];\n")
	if title != "" {
		fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
		fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"8\" color=\"%s\">%s</font>>;\n",
			t.TextColor, dotEscape(title))
	}
	b.WriteByte('\n')

	for _, owner := range owners {
		inOwner := ownerMethods[owner]
		if len(inOwner) < 2 {
			// Singletons go at top level.
			noOwner = append(noOwner, inOwner...)
			continue
		}
		fmt.Fprintf(&b, "  subgraph %s {\n", "cluster_"+dotID(owner))
		fmt.Fprintf(&b, "    label=<<font point-size=\"8\" color=\"%s\">%s</font>>;\n",
			t.ClusterLabel, dotEscape(owner))
		fmt.Fprintf(&b, "    style=dotted; color=%q; penwidth=0.3;\n", t.ClusterBorder)
		for _, md := range inOwner {
			label := truncLabel(stripMethodName(md.FullName()), 50)
			fmt.Fprintf(&b, "    %s [label=%q];\n", dotID(md.FullName()), label)
		}
		fmt.Fprintf(&b, "  }\n")
	}

	for _, md := range noOwner {
		fmt.Fprintf(&b, "  %s [label=%q];\n", dotID(md.FullName()), truncLabel(md.FullName(), 60))
	}
	b.WriteByte('\n')

	for _, name := range external {
		fmt.Fprintf(&b, "  %s [label=%q, shape=plaintext, style=\"\", fillcolor=none, fontcolor=%q, fontsize=8];\n",
			dotID(name), truncLabel(name, 50), t.ExternalText)
	}
	b.WriteByte('\n')

	for _, k := range order {
		if !methodSet[k.from] {
			continue
		}
		color := edgeColor(k.kind, t)
		attrs := fmt.Sprintf("color=%q, style=%q", color, edgeStyle(k.kind))
		if n := counts[k]; n > 1 {
			attrs += fmt.Sprintf(", penwidth=%.1f", 0.5+float64(n)*0.1)
			if n > 2 {
				attrs += fmt.Sprintf(", label=<<font point-size=\"7\" color=\"%s\">%dx</font>>", color, n)
			}
		}
		fmt.Fprintf(&b, "  %s -> %s [%s];\n", dotID(k.from), dotID(k.to), attrs)
	}

	b.WriteString("}\n")
	return b.String()
}

// CallgraphStats summarizes the call edges of a set of methods.
type CallgraphStats struct {
	TotalMethods int            `json:"total_methods"`
	TotalEdges   int            `json:"total_edges"`
	KindCounts   map[string]int `json:"kind_counts"`
	TopCallers   []NameCount    `json:"top_callers,omitempty"`
	TopCallees   []NameCount    `json:"top_callees,omitempty"`
}

// NameCount pairs a name with a count.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ComputeStats computes call graph statistics for methods.
func ComputeStats(methods []*il.MethodDef) CallgraphStats {
	stats := CallgraphStats{
		TotalMethods: len(methods),
		KindCounts:   make(map[string]int),
	}
	callerCount := make(map[string]int)
	calleeCount := make(map[string]int)
	for _, e := range Edges(methods) {
		stats.TotalEdges++
		stats.KindCounts[e.Kind]++
		callerCount[e.From]++
		calleeCount[e.To]++
	}
	stats.TopCallers = topNMap(callerCount, 20)
	stats.TopCallees = topNMap(calleeCount, 20)
	return stats
}

// topNMap returns the top N entries from a map, sorted descending by count
// then by name.
func topNMap(m map[string]int, n int) []NameCount {
	entries := make([]NameCount, 0, len(m))
	for name, count := range m {
		entries = append(entries, NameCount{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
