package model

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrTypeNotFound is returned when a key does not resolve to a definition
	ErrTypeNotFound = errors.New("type not found")
	// ErrCyclicType is returned when a type's size depends on itself
	ErrCyclicType = errors.New("cyclic type")
	// ErrUnsized is returned for types that have no size (function prototypes)
	ErrUnsized = errors.New("type has no size")
	// ErrNotAFunctionType is returned when a prototype was expected
	ErrNotAFunctionType = errors.New("not a function type")
)

// QualifierKind distinguishes qualifiers
type QualifierKind int

const (
	InvalidQualifier QualifierKind = iota
	PointerQualifier
	ArrayQualifier
	ConstQualifier
)

var qualifierNames = []string{"Invalid", "Pointer", "Array", "Const"}

func (k QualifierKind) String() string {
	if k < 0 || int(k) >= len(qualifierNames) {
		return "Invalid"
	}
	return qualifierNames[k]
}

func (k QualifierKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

func (k *QualifierKind) UnmarshalYAML(node *yaml.Node) error {
	for i := 1; i < len(qualifierNames); i++ {
		if qualifierNames[i] == node.Value {
			*k = QualifierKind(i)
			return nil
		}
	}
	return fmt.Errorf("line %d: unknown qualifier %q", node.Line, node.Value)
}

// Qualifier wraps a type. Size is the pointer width for pointers and the
// element count for arrays.
type Qualifier struct {
	Kind QualifierKind `yaml:"Kind"`
	Size uint64        `yaml:"Size,omitempty"`
}

// PointerOf returns a pointer qualifier for the given architecture
func PointerOf(arch Architecture) Qualifier {
	return Qualifier{Kind: PointerQualifier, Size: arch.PointerSize()}
}

// ArrayOf returns an array qualifier with the given element count
func ArrayOf(count uint64) Qualifier {
	return Qualifier{Kind: ArrayQualifier, Size: count}
}

// Const is the const qualifier
func Const() Qualifier {
	return Qualifier{Kind: ConstQualifier}
}

// QualifiedType is a reference to a type definition wrapped in qualifiers.
// Qualifiers[0] is the outermost one.
type QualifiedType struct {
	Type       TypeKey     `yaml:"Type"`
	Qualifiers []Qualifier `yaml:"Qualifiers,omitempty"`
}

// Unqualified returns a reference to the definition with no qualifiers
func Unqualified(key TypeKey) QualifiedType {
	return QualifiedType{Type: key}
}

// PointerTo returns a pointer to qt
func (qt QualifiedType) PointerTo(arch Architecture) QualifiedType {
	qualifiers := make([]Qualifier, 0, len(qt.Qualifiers)+1)
	qualifiers = append(qualifiers, PointerOf(arch))
	qualifiers = append(qualifiers, qt.Qualifiers...)
	return QualifiedType{Type: qt.Type, Qualifiers: qualifiers}
}

// StripPointer removes the outermost pointer qualifier (and any const above it)
func (qt QualifiedType) StripPointer() (QualifiedType, bool) {
	for i, q := range qt.Qualifiers {
		switch q.Kind {
		case ConstQualifier:
			continue
		case PointerQualifier:
			return QualifiedType{Type: qt.Type, Qualifiers: append([]Qualifier(nil), qt.Qualifiers[i+1:]...)}, true
		}
		return qt, false
	}
	return qt, false
}

// IsPointer reports whether the outermost non-const qualifier is a pointer
func (qt QualifiedType) IsPointer() bool {
	_, ok := qt.StripPointer()
	return ok
}

// Equal reports whether two qualified types are identical
func (qt QualifiedType) Equal(other QualifiedType) bool {
	if qt.Type != other.Type || len(qt.Qualifiers) != len(other.Qualifiers) {
		return false
	}
	for i := range qt.Qualifiers {
		if qt.Qualifiers[i] != other.Qualifiers[i] {
			return false
		}
	}
	return true
}

func (qt QualifiedType) String() string {
	var b strings.Builder
	b.WriteString(qt.Type.String())
	for i := len(qt.Qualifiers) - 1; i >= 0; i-- {
		switch q := qt.Qualifiers[i]; q.Kind {
		case PointerQualifier:
			b.WriteString(" *")
		case ArrayQualifier:
			fmt.Fprintf(&b, "[%d]", q.Size)
		case ConstQualifier:
			b.WriteString(" const")
		}
	}
	return b.String()
}

// TypeResolver resolves type keys to their definitions
type TypeResolver interface {
	Type(key TypeKey) (Type, error)
}

// onlyConst reports whether qt carries no qualifiers other than const
func (qt QualifiedType) onlyConst() bool {
	for _, q := range qt.Qualifiers {
		if q.Kind != ConstQualifier {
			return false
		}
	}
	return true
}

// underlying follows typedefs until a non-typedef definition or a non-const
// qualifier is reached
func underlying(r TypeResolver, qt QualifiedType) (QualifiedType, Type, error) {
	seen := map[TypeKey]bool{}
	for {
		if !qt.onlyConst() {
			return qt, nil, nil
		}
		t, err := r.Type(qt.Type)
		if err != nil {
			return qt, nil, err
		}
		td, ok := t.(*TypedefType)
		if !ok {
			return qt, t, nil
		}
		if seen[qt.Type] {
			return qt, nil, fmt.Errorf("%w: %s", ErrCyclicType, qt.Type)
		}
		seen[qt.Type] = true
		qt = td.UnderlyingType
	}
}

// IsVoid reports whether qt is (a typedef of) void
func IsVoid(r TypeResolver, qt QualifiedType) bool {
	_, t, err := underlying(r, qt)
	if err != nil || t == nil {
		return false
	}
	p, ok := t.(*PrimitiveType)
	return ok && p.PrimitiveKind == Void
}

// IsFloat reports whether qt is (a typedef of) a floating point primitive
func IsFloat(r TypeResolver, qt QualifiedType) bool {
	_, t, err := underlying(r, qt)
	if err != nil || t == nil {
		return false
	}
	p, ok := t.(*PrimitiveType)
	return ok && p.PrimitiveKind == Float
}

// IsScalar reports whether qt is a pointer, a primitive, an enum or a typedef
// of one of those
func IsScalar(r TypeResolver, qt QualifiedType) bool {
	resolved, t, err := underlying(r, qt)
	if err != nil {
		return false
	}
	if t == nil {
		return resolved.IsPointer()
	}
	switch t.(type) {
	case *PrimitiveType, *EnumType:
		return true
	}
	return false
}

// Size computes the size of qt in bytes
func Size(r TypeResolver, qt QualifiedType) (uint64, error) {
	return sizeOf(r, qt, map[TypeKey]bool{})
}

func sizeOf(r TypeResolver, qt QualifiedType, visiting map[TypeKey]bool) (uint64, error) {
	for i, q := range qt.Qualifiers {
		switch q.Kind {
		case PointerQualifier:
			return q.Size, nil
		case ArrayQualifier:
			element := QualifiedType{Type: qt.Type, Qualifiers: qt.Qualifiers[i+1:]}
			size, err := sizeOf(r, element, visiting)
			if err != nil {
				return 0, err
			}
			return size * q.Size, nil
		case ConstQualifier:
			continue
		default:
			return 0, fmt.Errorf("invalid qualifier in %s", qt)
		}
	}

	if visiting[qt.Type] {
		return 0, fmt.Errorf("%w: %s", ErrCyclicType, qt.Type)
	}
	t, err := r.Type(qt.Type)
	if err != nil {
		return 0, err
	}
	visiting[qt.Type] = true
	defer delete(visiting, qt.Type)

	switch v := t.(type) {
	case *PrimitiveType:
		return v.Size, nil
	case *EnumType:
		return sizeOf(r, v.UnderlyingType, visiting)
	case *TypedefType:
		return sizeOf(r, v.UnderlyingType, visiting)
	case *StructType:
		return v.Size, nil
	case *UnionType:
		var largest uint64
		for _, f := range v.Fields {
			size, err := sizeOf(r, f.Type, visiting)
			if err != nil {
				return 0, err
			}
			if size > largest {
				largest = size
			}
		}
		return largest, nil
	case *CABIFunctionType, *RawFunctionType:
		return 0, fmt.Errorf("%w: %s", ErrUnsized, qt.Type)
	}
	return 0, fmt.Errorf("unsupported type %s", qt.Type)
}
