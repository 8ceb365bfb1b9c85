package code

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedDescriptor = errors.New("malformed descriptor")

// Kind is the category of a value type.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
	KindArray
)

var primitives = map[byte]Kind{
	'V': KindVoid,
	'Z': KindBoolean,
	'B': KindByte,
	'C': KindChar,
	'S': KindShort,
	'I': KindInt,
	'J': KindLong,
	'F': KindFloat,
	'D': KindDouble,
}

var kindNames = [...]string{"void", "boolean", "byte", "char", "short", "int", "long", "float", "double"}

// Type is a parsed field descriptor.
type Type struct {
	Kind  Kind
	Class string // internal class name for KindObject
	Elem  *Type  // element type for KindArray
}

func (t Type) IsPrimitive() bool {
	return t.Kind < KindObject
}

func (t Type) IsReference() bool {
	return t.Kind == KindObject || t.Kind == KindArray
}

// Dims returns the number of array dimensions.
func (t Type) Dims() int {
	n := 0
	for e := &t; e.Kind == KindArray; e = e.Elem {
		n++
	}
	return n
}

func (t Type) Descriptor() string {
	switch t.Kind {
	case KindObject:
		return "L" + t.Class + ";"
	case KindArray:
		return "[" + t.Elem.Descriptor()
	}
	for c, k := range primitives {
		if k == t.Kind {
			return string(c)
		}
	}
	return "?"
}

// String renders t the way it appears in a parameter description, e.g.
// "int", "java.lang.String", "long[][]".
func (t Type) String() string {
	switch t.Kind {
	case KindObject:
		return strings.ReplaceAll(t.Class, "/", ".")
	case KindArray:
		return t.Elem.String() + "[]"
	}
	if int(t.Kind) < len(kindNames) {
		return kindNames[t.Kind]
	}
	return "?"
}

// Zero is the default value of a field or array element of type t.
func (t Type) Zero() any {
	switch t.Kind {
	case KindBoolean:
		return false
	case KindByte:
		return int8(0)
	case KindChar:
		return uint16(0)
	case KindShort:
		return int16(0)
	case KindInt:
		return int32(0)
	case KindLong:
		return int64(0)
	case KindFloat:
		return float32(0)
	case KindDouble:
		return float64(0)
	}
	return nil
}

// ParseType parses a single field descriptor such as "I", "[J" or
// "Ljava/lang/String;".
func ParseType(desc string) (Type, error) {
	t, n, err := parseType(desc, 0)
	if err != nil {
		return Type{}, err
	}
	if n != len(desc) {
		return Type{}, errors.Wrapf(ErrMalformedDescriptor, "trailing data in %q", desc)
	}
	if t.Kind == KindVoid {
		return Type{}, errors.Wrapf(ErrMalformedDescriptor, "void is not a field type: %q", desc)
	}
	return t, nil
}

func parseType(desc string, i int) (Type, int, error) {
	if i >= len(desc) {
		return Type{}, i, errors.Wrapf(ErrMalformedDescriptor, "unexpected end of %q", desc)
	}
	c := desc[i]
	if k, ok := primitives[c]; ok {
		return Type{Kind: k}, i + 1, nil
	}
	switch c {
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end <= 1 {
			return Type{}, i, errors.Wrapf(ErrMalformedDescriptor, "bad class type at %d in %q", i, desc)
		}
		return Type{Kind: KindObject, Class: desc[i+1 : i+end]}, i + end + 1, nil
	case '[':
		elem, n, err := parseType(desc, i+1)
		if err != nil {
			return Type{}, n, err
		}
		if elem.Kind == KindVoid {
			return Type{}, n, errors.Wrapf(ErrMalformedDescriptor, "array of void in %q", desc)
		}
		return Type{Kind: KindArray, Elem: &elem}, n, nil
	}
	return Type{}, i, errors.Wrapf(ErrMalformedDescriptor, "unknown type %q at %d in %q", c, i, desc)
}

// MethodType is a parsed method descriptor.
type MethodType struct {
	Params []Type
	Return Type
}

func ParseMethodDescriptor(desc string) (MethodType, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return MethodType{}, errors.Wrapf(ErrMalformedDescriptor, "%q", desc)
	}
	var mt MethodType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, n, err := parseType(desc, i)
		if err != nil {
			return MethodType{}, err
		}
		if t.Kind == KindVoid {
			return MethodType{}, errors.Wrapf(ErrMalformedDescriptor, "void parameter in %q", desc)
		}
		mt.Params = append(mt.Params, t)
		i = n
	}
	if i >= len(desc) {
		return MethodType{}, errors.Wrapf(ErrMalformedDescriptor, "missing ')' in %q", desc)
	}
	ret, n, err := parseType(desc, i+1)
	if err != nil {
		return MethodType{}, err
	}
	if n != len(desc) {
		return MethodType{}, errors.Wrapf(ErrMalformedDescriptor, "trailing data in %q", desc)
	}
	mt.Return = ret
	return mt, nil
}

func (mt MethodType) IsVoid() bool {
	return mt.Return.Kind == KindVoid
}

// ParameterDescription is the human readable parameter list, e.g.
// "(int, java.lang.String)".
func (mt MethodType) ParameterDescription() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range mt.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func (mt MethodType) Descriptor() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, p := range mt.Params {
		sb.WriteString(p.Descriptor())
	}
	sb.WriteByte(')')
	sb.WriteString(mt.Return.Descriptor())
	return sb.String()
}
