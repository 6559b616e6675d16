package il

// ElementType is the CLI element type of a signature.
type ElementType uint8

const (
	ElemVoid ElementType = iota
	ElemBoolean
	ElemChar
	ElemI1
	ElemU1
	ElemI2
	ElemU2
	ElemI4
	ElemU4
	ElemI8
	ElemU8
	ElemR4
	ElemR8
	ElemString
	ElemObject
	ElemI // native int
	ElemU // native uint
	ElemClass
	ElemValueType
	ElemSZArray
)

var elemNames = [...]string{
	ElemVoid:      "void",
	ElemBoolean:   "bool",
	ElemChar:      "char",
	ElemI1:        "i1",
	ElemU1:        "u1",
	ElemI2:        "i2",
	ElemU2:        "u2",
	ElemI4:        "i4",
	ElemU4:        "u4",
	ElemI8:        "i8",
	ElemU8:        "u8",
	ElemR4:        "r4",
	ElemR8:        "r8",
	ElemString:    "string",
	ElemObject:    "object",
	ElemI:         "i",
	ElemU:         "u",
	ElemClass:     "class",
	ElemValueType: "valuetype",
	ElemSZArray:   "szarray",
}

func (e ElementType) String() string {
	if int(e) < len(elemNames) {
		return elemNames[e]
	}
	return "unknown"
}

// ParseElementType is the inverse of ElementType.String.
func ParseElementType(s string) (ElementType, bool) {
	for i, n := range elemNames {
		if n == s {
			return ElementType(i), true
		}
	}
	return 0, false
}

var primitiveNames = map[ElementType]string{
	ElemVoid:    "System.Void",
	ElemBoolean: "System.Boolean",
	ElemChar:    "System.Char",
	ElemI1:      "System.SByte",
	ElemU1:      "System.Byte",
	ElemI2:      "System.Int16",
	ElemU2:      "System.UInt16",
	ElemI4:      "System.Int32",
	ElemU4:      "System.UInt32",
	ElemI8:      "System.Int64",
	ElemU8:      "System.UInt64",
	ElemR4:      "System.Single",
	ElemR8:      "System.Double",
	ElemString:  "System.String",
	ElemObject:  "System.Object",
	ElemI:       "System.IntPtr",
	ElemU:       "System.UIntPtr",
}

// TypeSig is a type as it appears in a signature.
type TypeSig struct {
	Elem ElementType
	Type TypeDefOrRef // ElemClass / ElemValueType
	Next *TypeSig     // ElemSZArray element
}

// Prim returns the signature of a primitive element type.
func Prim(e ElementType) TypeSig { return TypeSig{Elem: e} }

// ClassSig returns a class signature referring to t.
func ClassSig(t TypeDefOrRef) TypeSig { return TypeSig{Elem: ElemClass, Type: t} }

// ArraySig returns a single-dimensional zero-based array of elem.
func ArraySig(elem TypeSig) TypeSig { return TypeSig{Elem: ElemSZArray, Next: &elem} }

// FullName renders the signature the way member full names spell it.
func (s TypeSig) FullName() string {
	switch s.Elem {
	case ElemClass, ElemValueType:
		if s.Type == nil {
			return "?"
		}
		return s.Type.FullName()
	case ElemSZArray:
		if s.Next == nil {
			return "?[]"
		}
		return s.Next.FullName() + "[]"
	}
	if n, ok := primitiveNames[s.Elem]; ok {
		return n
	}
	return "?"
}

// TypeDef returns the TypeDef a class/valuetype signature refers to, or nil.
func (s TypeSig) TypeDef() *TypeDef {
	td, _ := s.Type.(*TypeDef)
	return td
}
