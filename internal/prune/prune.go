// Package prune removes the protection layer's bootstrap code and the
// helpers, delegate types and resources it depends on.
package prune

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"ilpunpack/internal/diag"
	"ilpunpack/internal/il"
	"ilpunpack/internal/stub"
)

// Full names of the interop calls that bracket the bootstrap sequence.
const (
	AcquireIUnknown = "System.IntPtr System.Runtime.InteropServices.Marshal::GetIUnknownForObject(System.Object)"
	ReleaseIUnknown = "System.Int32 System.Runtime.InteropServices.Marshal::Release(System.IntPtr)"
)

// Options configures the pruner.
type Options struct {
	// Acquire and Release list the member-ref full names accepted as the
	// first and last call of the bootstrap sequence.
	Acquire []string
	Release []string

	// RuntimeModuleName is the module name of the protection runtime. Its
	// native loader resources are kept because it uses them itself.
	RuntimeModuleName string
}

// DefaultOptions matches the protection layer's own bootstrap.
var DefaultOptions = Options{
	Acquire:           []string{AcquireIUnknown},
	Release:           []string{ReleaseIUnknown},
	RuntimeModuleName: "ILProtector.exe",
}

// Result lists what a Prune call removed.
type Result struct {
	Initializer *il.MethodDef // set when the bootstrap window was removed
	Window      int           // instructions removed from the initializer
	Chain       *Chain        // nil unless a native loader chain was located
	Methods     []*il.MethodDef
	Types       []*il.TypeDef
	Fields      []*il.FieldDef
	Resources   []*il.Resource
}

// Empty reports whether nothing was removed.
func (r *Result) Empty() bool {
	return r.Window == 0 && len(r.Methods) == 0 && len(r.Types) == 0 &&
		len(r.Fields) == 0 && len(r.Resources) == 0
}

// Pruner removes protection scaffolding from a module after every stub has
// been spliced.
type Pruner struct {
	Module   *il.Module
	Helpers  *stub.HelperSet
	Registry *stub.Registry
	Options  Options
	Log      log.FieldLogger
}

// New returns a pruner for m.
func New(m *il.Module, h *stub.HelperSet, reg *stub.Registry, opts Options, logger log.FieldLogger) *Pruner {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Pruner{Module: m, Helpers: h, Registry: reg, Options: opts, Log: logger}
}

// Prune removes the bootstrap window, the helpers it calls, the delegate
// fields and the registered delegate types. A precondition miss is added to
// d as a structural mismatch and only skips the affected step; nothing is
// changed by a skipped step. Calling Prune again on the same module removes
// nothing.
func (p *Pruner) Prune(d *diag.Diags) *Result {
	res := &Result{}

	pl, err := p.planBootstrap(d)
	if err != nil {
		p.mismatch(d, p.initializerName(), err)
	} else {
		p.commit(pl, res)
	}

	p.pruneFields(res)
	p.pruneTypes(res)
	return res
}

type plan struct {
	cctor     *il.MethodDef
	body      *il.Body
	window    int
	chain     *Chain
	methods   []*il.MethodDef
	types     []*il.TypeDef
	resources []*il.Resource
}

func (p *Pruner) planBootstrap(d *diag.Diags) (*plan, error) {
	global := p.Module.GlobalType()
	if global == nil {
		return nil, fmt.Errorf("module has no global type")
	}
	cctor := global.FindStaticConstructor()
	if cctor == nil || cctor.Body == nil {
		return nil, fmt.Errorf("no module initializer")
	}
	insts := cctor.Body.Instructions

	acq := findCall(insts, p.Options.Acquire)
	if acq < 0 {
		return nil, fmt.Errorf("acquire call not found")
	}
	rel := findCall(insts, p.Options.Release)
	if rel < 0 {
		return nil, fmt.Errorf("release call not found")
	}
	start, end := acq-2, rel+2
	if start < 0 || end >= len(insts) || start >= end {
		return nil, fmt.Errorf("bootstrap window [%d,%d] out of range", start, end)
	}

	var bound *il.Instruction
	if end+1 < len(insts) {
		bound = insts[end+1]
	}
	hi := -1
	for i, h := range cctor.Body.Handlers {
		if h.HandlerEnd == bound {
			hi = i
			break
		}
	}
	if hi < 0 {
		return nil, fmt.Errorf("no exception handler ends after the bootstrap window")
	}
	handler := cctor.Body.Handlers[hi]

	platform := platformCalls(cctor.Body, handler)
	if len(platform) < 2 {
		return nil, fmt.Errorf("found %d platform helpers in the protected region, want 2", len(platform))
	}

	pl := &plan{cctor: cctor, window: end - start + 1}
	if platform[0].PInvoke && platform[1].PInvoke {
		pl.methods = []*il.MethodDef{platform[0], platform[1]}
		pl.chain = &Chain{Platform: [2]*il.MethodDef{platform[0], platform[1]}, Native: true}
	} else if c, err := p.locateChain(platform[0], platform[1]); err != nil {
		p.mismatch(d, platform[0].FullName(), fmt.Errorf("native loader chain: %w", err))
	} else {
		pl.chain = c
		pl.methods = c.Methods()
		if c.Delegate != nil {
			pl.types = []*il.TypeDef{c.Delegate}
		}
		pl.resources = c.Resources
	}

	work := cctor.Body.Clone()
	work.Handlers = append(work.Handlers[:hi:hi], work.Handlers[hi+1:]...)
	work.DropHandlersWithin(start, end+1)
	if err := work.Splice(start, end+1, nil); err != nil {
		return nil, fmt.Errorf("remove bootstrap window: %w", err)
	}
	if err := il.Verify(work); err != nil {
		return nil, fmt.Errorf("edited initializer rejected: %w", err)
	}
	pl.body = work

	if len(pl.methods) > 0 || len(pl.types) > 0 {
		if what := p.stillReferenced(pl); what != "" {
			p.mismatch(d, cctor.FullName(), fmt.Errorf("helper %s is still referenced, keeping helpers", what))
			pl.chain, pl.methods, pl.types, pl.resources = nil, nil, nil, nil
		}
	}
	return pl, nil
}

// stillReferenced returns the name of a planned removal that something
// outside the plan still refers to, or "".
func (p *Pruner) stillReferenced(pl *plan) string {
	gone := make(map[*il.MethodDef]bool, len(pl.methods))
	for _, md := range pl.methods {
		gone[md] = true
	}
	goneType := make(map[*il.TypeDef]bool, len(pl.types))
	for _, t := range pl.types {
		goneType[t] = true
	}
	refs := il.RefScan{
		SkipType:   func(t *il.TypeDef) bool { return goneType[t] },
		SkipMethod: func(md *il.MethodDef) bool { return gone[md] },
		Body: func(md *il.MethodDef) *il.Body {
			if md == pl.cctor {
				return pl.body
			}
			return md.Body
		},
	}.Collect(p.Module)

	for _, md := range pl.methods {
		if refs[md] {
			return md.FullName()
		}
	}
	for _, t := range pl.types {
		if typeReferenced(refs, t) {
			return t.FullName()
		}
	}
	return ""
}

func (p *Pruner) commit(pl *plan, res *Result) {
	pl.cctor.Body = pl.body
	res.Initializer = pl.cctor
	res.Window = pl.window
	res.Chain = pl.chain

	for _, md := range pl.methods {
		if md.DeclaringType != nil && md.DeclaringType.RemoveMethod(md) {
			res.Methods = append(res.Methods, md)
		}
	}
	for _, t := range pl.types {
		if p.Module.RemoveType(t) {
			res.Types = append(res.Types, t)
		}
	}
	for _, r := range pl.resources {
		if p.Module.RemoveResource(r) {
			res.Resources = append(res.Resources, r)
		}
	}
	p.Log.WithField("method", pl.cctor.FullName()).Debugf(
		"removed bootstrap window of %d instructions, %d helpers, %d resources",
		pl.window, len(res.Methods), len(res.Resources))
}

func (p *Pruner) pruneFields(res *Result) {
	global := p.Module.GlobalType()
	if global == nil || p.Helpers == nil {
		return
	}
	refs := il.RefScan{}.Collect(p.Module)
	for _, f := range []*il.FieldDef{p.Helpers.BodyField, p.Helpers.StringField} {
		if f == nil || f.DeclaringType != global {
			continue
		}
		if refs[f] {
			p.Log.WithField("field", f.FullName()).Debug("delegate field still referenced, keeping it")
			continue
		}
		if global.RemoveField(f) {
			res.Fields = append(res.Fields, f)
		}
	}
}

func (p *Pruner) pruneTypes(res *Result) {
	if p.Registry == nil {
		return
	}
	present := make(map[*il.TypeDef]bool)
	for _, t := range p.Module.AllTypes() {
		present[t] = true
	}
	for _, t := range p.Registry.Types() {
		if !present[t] {
			continue
		}
		refs := il.RefScan{SkipType: func(x *il.TypeDef) bool { return x == t }}.Collect(p.Module)
		if typeReferenced(refs, t) {
			p.Log.WithField("type", t.FullName()).Debug("delegate type still referenced, keeping it")
			continue
		}
		if p.Module.RemoveType(t) {
			res.Types = append(res.Types, t)
		}
	}
}

func (p *Pruner) mismatch(d *diag.Diags, method string, err error) {
	p.Log.WithField("method", method).Warnf("cleanup skipped: %v", err)
	if d != nil {
		d.Add(diag.StructuralMismatch, method, err.Error())
	}
}

func (p *Pruner) initializerName() string {
	if g := p.Module.GlobalType(); g != nil {
		if c := g.FindStaticConstructor(); c != nil {
			return c.FullName()
		}
		return g.FullName()
	}
	return ""
}

// typeReferenced reports whether t or anything it declares is in refs.
func typeReferenced(refs map[any]bool, t *il.TypeDef) bool {
	if refs[t] {
		return true
	}
	for _, f := range t.Fields {
		if refs[f] {
			return true
		}
	}
	for _, md := range t.Methods {
		if refs[md] {
			return true
		}
	}
	for _, n := range t.Nested {
		if typeReferenced(refs, n) {
			return true
		}
	}
	return false
}

// findCall returns the index of the first call to a MemberRef whose full name
// is in names, or -1.
func findCall(insts []*il.Instruction, names []string) int {
	for i, in := range insts {
		if in.OpCode.Code != il.Call {
			continue
		}
		r, ok := in.Operand.(*il.MemberRef)
		if !ok {
			continue
		}
		full := r.FullName()
		for _, n := range names {
			if full == n {
				return i
			}
		}
	}
	return -1
}

// platformCalls returns the first two calls inside h's try range to global
// methods shaped bool(int32, native int).
func platformCalls(b *il.Body, h *il.ExceptionHandler) []*il.MethodDef {
	from := b.IndexOf(h.TryStart)
	to := len(b.Instructions)
	if h.TryEnd != nil {
		to = b.IndexOf(h.TryEnd)
	}
	if from < 0 || to < 0 {
		return nil
	}
	var out []*il.MethodDef
	for _, in := range b.Instructions[from:to] {
		if in.OpCode.Code != il.Call {
			continue
		}
		md, ok := in.Operand.(*il.MethodDef)
		if !ok || !isPlatformVariant(md) {
			continue
		}
		out = append(out, md)
		if len(out) == 2 {
			break
		}
	}
	return out
}

func isPlatformVariant(md *il.MethodDef) bool {
	s := md.Sig
	return isGlobal(md) && s.Ret.Elem == il.ElemBoolean && len(s.Params) == 2 &&
		s.Params[0].Elem == il.ElemI4 && s.Params[1].Elem == il.ElemI
}

func isGlobal(md *il.MethodDef) bool {
	return md.DeclaringType != nil && md.DeclaringType.IsGlobalModuleType()
}
