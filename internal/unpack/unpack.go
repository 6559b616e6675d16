// Package unpack restores the method bodies and strings of a protected
// module and strips the protection scaffolding.
package unpack

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ilpunpack/internal/diag"
	"ilpunpack/internal/il"
	"ilpunpack/internal/prune"
	"ilpunpack/internal/splice"
	"ilpunpack/internal/stub"
)

// Provider supplies the original body or string literal for a stub index.
type Provider interface {
	OriginalBody(index int) (*il.Body, error)
	OriginalString(index int) (string, error)
}

// Options configures an unpack run.
type Options struct {
	NoCleanup bool
	Fields    stub.FieldNames
	Prune     prune.Options

	// ExpectedCLRMajor is the runtime major version the module should
	// target; 0 disables the check.
	ExpectedCLRMajor int
}

// DefaultOptions returns the options the protection layer's defaults need.
func DefaultOptions() Options {
	return Options{
		Fields:           stub.DefaultFieldNames,
		Prune:            prune.DefaultOptions,
		ExpectedCLRMajor: 4,
	}
}

// Result summarizes a run.
type Result struct {
	RunID            string        `json:"run_id"`
	Module           string        `json:"module"`
	Input            string        `json:"input,omitempty"`
	Output           string        `json:"output,omitempty"`
	MethodsRestored  int           `json:"methods_restored"`
	StringsDecrypted int           `json:"strings_decrypted"`
	Warnings         []string      `json:"warnings,omitempty"`
	Diags            []diag.Diag   `json:"diagnostics,omitempty"`
	Pruned           *prune.Result `json:"-"`

	// Restored lists the methods whose bodies were spliced, in order.
	Restored []*il.MethodDef `json:"-"`
}

// Unpacker runs one unpack over a loaded module. The module is owned by the
// unpacker for the duration of Run.
type Unpacker struct {
	Module   *il.Module
	Provider Provider
	Options  Options
	Log      log.FieldLogger

	runID    string
	helpers  *stub.HelperSet
	registry *stub.Registry
	matcher  *stub.Matcher
	importer *il.Importer
	diags    diag.Diags
	res      *Result
}

// New returns an unpacker for m. Every run gets a fresh run ID which is
// attached to the logger.
func New(m *il.Module, p Provider, opts Options, logger log.FieldLogger) *Unpacker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	id := uuid.New().String()
	return &Unpacker{
		Module:   m,
		Provider: p,
		Options:  opts,
		Log:      logger.WithField("run", id),
		runID:    id,
	}
}

// Registry returns the delegate types recorded so far.
func (u *Unpacker) Registry() *stub.Registry { return u.registry }

// Run restores every stub in the module and, unless cleanup is disabled,
// prunes the scaffolding. Per-method problems are reported in the result;
// an error means the module could not be processed at all. A panic inside
// the run is returned as an error.
func (u *Unpacker) Run() (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, errors.Errorf("unpack: internal error: %v", r)
		}
	}()

	u.res = &Result{RunID: u.runID, Module: u.Module.Name}
	u.checkRuntime()

	u.Log.Debug("resolving fields")
	u.registry = stub.NewRegistry()
	u.helpers, err = stub.Resolve(u.Module, u.Options.Fields, u.registry)
	if err != nil {
		return nil, errors.Wrap(err, "unpack")
	}
	if !u.helpers.HasStrings() {
		u.Log.Debug("string protection not found")
	}
	u.matcher = stub.NewMatcher(u.helpers, u.registry)
	u.importer = il.NewImporter(u.Module)

	u.Log.Info("processing methods")
	for _, t := range u.Module.AllTypes() {
		for _, md := range t.Methods {
			if md.HasBody() {
				u.method(md)
			}
		}
	}

	if !u.Options.NoCleanup {
		u.Log.Info("cleaning up")
		pr := prune.New(u.Module, u.helpers, u.registry, u.Options.Prune, u.Log)
		u.res.Pruned = pr.Prune(&u.diags)
	}

	u.res.Diags = u.diags.Items()
	u.Log.Infof("restored %d method bodies and decrypted %d strings",
		u.res.MethodsRestored, u.res.StringsDecrypted)
	return u.res, nil
}

func (u *Unpacker) method(md *il.MethodDef) {
	lg := u.Log.WithField("method", md.FullName())
	if m, ok := u.matcher.BodyStub(md.Body); ok {
		u.restore(md, m, lg)
	}
	if u.helpers.HasStrings() {
		u.decryptStrings(md, lg)
	}
}

func (u *Unpacker) restore(md *il.MethodDef, m stub.Match, lg log.FieldLogger) {
	repl, err := u.Provider.OriginalBody(int(m.Index))
	if err != nil {
		u.report(md, diag.ProviderFailure, err, lg)
		return
	}
	if err := splice.Body(md, m, repl, u.importer); err != nil {
		u.report(md, diag.StructuralMismatch, err, lg)
		return
	}
	u.res.MethodsRestored++
	u.res.Restored = append(u.res.Restored, md)
	lg.Debugf("restored body %d", m.Index)
}

func (u *Unpacker) decryptStrings(md *il.MethodDef, lg log.FieldLogger) {
	for _, m := range u.matcher.StringStubs(md.Body) {
		s, err := u.Provider.OriginalString(int(m.Index))
		if err != nil {
			u.report(md, diag.ProviderFailure, err, lg)
			continue
		}
		if err := splice.String(md.Body, m, s); err != nil {
			u.report(md, diag.StructuralMismatch, err, lg)
			continue
		}
		u.res.StringsDecrypted++
	}
}

// report records a non-fatal problem. Errors tagged with a diag kind keep
// it; others get kind.
func (u *Unpacker) report(md *il.MethodDef, kind diag.Kind, err error, lg log.FieldLogger) {
	if k := diag.KindOf(err); k != "" {
		kind = k
	}
	lg.WithField("kind", string(kind)).Warn(err)
	u.diags.Add(kind, md.FullName(), err.Error())
}

func (u *Unpacker) checkRuntime() {
	warn := func(msg string) {
		u.Log.Warn(msg)
		u.res.Warnings = append(u.res.Warnings, msg)
	}
	if u.Module.IsCLR1x() {
		warn("CLR 1.x is not supported, results may be wrong")
		return
	}
	want := u.Options.ExpectedCLRMajor
	if want == 0 {
		return
	}
	if got, ok := runtimeMajor(u.Module.RuntimeVersion); ok && got != want {
		warn("CLR mismatch: module targets " + u.Module.RuntimeVersion + ", expected v" + strconv.Itoa(want))
	}
}

// runtimeMajor parses the major version out of a metadata version string
// such as "v4.0.30319".
func runtimeMajor(v string) (int, bool) {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}
