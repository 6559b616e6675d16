// Package diag provides the shared diagnostic types for non-fatal unpacking
// conditions.
package diag

import (
	"errors"
	"fmt"
)

// Kind classifies a diagnostic message.
type Kind string

const (
	StructuralMismatch  Kind = "structural_mismatch"
	UnresolvableOperand Kind = "unresolvable_operand"
	ProviderFailure     Kind = "provider_failure"
	FatalIOOrFormat     Kind = "fatal_io_format"
)

// Diag records a non-fatal issue encountered while unpacking.
type Diag struct {
	Kind   Kind   `json:"kind"`
	Method string `json:"method,omitempty"`
	Msg    string `json:"msg"`
}

func (d Diag) String() string {
	if d.Method == "" {
		return fmt.Sprintf("[%s] %s", d.Kind, d.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Kind, d.Method, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(kind Kind, method, msg string) {
	d.items = append(d.items, Diag{Kind: kind, Method: method, Msg: msg})
}

func (d *Diags) Addf(kind Kind, method, format string, args ...any) {
	d.items = append(d.items, Diag{Kind: kind, Method: method, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Count returns the number of diagnostics of the given kind.
func (d *Diags) Count(kind Kind) int {
	n := 0
	for _, it := range d.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

// Error is a non-fatal condition carried as an error value between
// components. The orchestrator turns it into a Diag.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Mismatch returns a StructuralMismatch error.
func Mismatch(format string, args ...any) error {
	return &Error{Kind: StructuralMismatch, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind carried by err, or "" if err is not a diag error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
