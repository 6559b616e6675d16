// Package stub recognizes the call sites the protection layer leaves in
// place of method bodies and string literals.
package stub

import (
	"errors"
	"fmt"

	"ilpunpack/internal/il"
)

var ErrNotProtected = errors.New("stub: body delegate field not found")

// FieldNames names the static fields on <Module> that hold the delegates.
type FieldNames struct {
	Body   string
	String string
}

// DefaultFieldNames are the names the protection layer emits.
var DefaultFieldNames = FieldNames{Body: "Invoke", String: "String"}

// HelperSet is the pair of delegate fields and their Invoke methods,
// resolved once per module.
type HelperSet struct {
	BodyField    *il.FieldDef
	BodyInvoke   *il.MethodDef
	StringField  *il.FieldDef
	StringInvoke *il.MethodDef
}

// HasStrings reports whether string protection was found.
func (h *HelperSet) HasStrings() bool {
	return h.StringField != nil && h.StringInvoke != nil
}

// Resolve looks up the helper set on m's global type. Both delegate types are
// recorded in reg. It returns ErrNotProtected if the body field or its
// Invoke method is missing; string protection is optional.
func Resolve(m *il.Module, names FieldNames, reg *Registry) (*HelperSet, error) {
	global := m.GlobalType()
	if global == nil {
		return nil, fmt.Errorf("%w: module has no global type", ErrNotProtected)
	}

	h := &HelperSet{
		BodyField:   global.FindField(names.Body),
		StringField: global.FindField(names.String),
	}
	if h.BodyField != nil {
		if dt := h.BodyField.Type.TypeDef(); dt != nil {
			reg.Add(dt)
			h.BodyInvoke = dt.FindMethod("Invoke")
		}
	}
	if h.StringField != nil {
		if dt := h.StringField.Type.TypeDef(); dt != nil {
			reg.Add(dt)
			h.StringInvoke = dt.FindMethod("Invoke")
		}
	}

	if h.BodyField == nil || h.BodyInvoke == nil {
		return nil, fmt.Errorf("%w: <Module>::%s", ErrNotProtected, names.Body)
	}
	return h, nil
}
