package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TypeKind distinguishes the type definitions stored in a Binary
type TypeKind int

const (
	InvalidTypeKind TypeKind = iota
	PrimitiveTypeKind
	EnumTypeKind
	TypedefTypeKind
	StructTypeKind
	UnionTypeKind
	CABIFunctionTypeKind
	RawFunctionTypeKind
)

var typeKindNames = []string{
	"Invalid", "PrimitiveType", "EnumType", "TypedefType", "StructType",
	"UnionType", "CABIFunctionType", "RawFunctionType",
}

func (k TypeKind) String() string {
	if k < 0 || int(k) >= len(typeKindNames) {
		return "Invalid"
	}
	return typeKindNames[k]
}

func parseTypeKind(name string) (TypeKind, error) {
	for i := 1; i < len(typeKindNames); i++ {
		if typeKindNames[i] == name {
			return TypeKind(i), nil
		}
	}
	return InvalidTypeKind, fmt.Errorf("unknown type kind %q", name)
}

// PrimitiveKind is the flavor of a primitive type
type PrimitiveKind int

const (
	Void PrimitiveKind = iota
	Generic
	PointerOrNumber
	Number
	Unsigned
	Signed
	Float
)

var primitiveKindNames = []string{"Void", "Generic", "PointerOrNumber", "Number", "Unsigned", "Signed", "Float"}

func (k PrimitiveKind) String() string {
	if k < 0 || int(k) >= len(primitiveKindNames) {
		return "Invalid"
	}
	return primitiveKindNames[k]
}

func (k PrimitiveKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

func (k *PrimitiveKind) UnmarshalYAML(node *yaml.Node) error {
	for i, name := range primitiveKindNames {
		if name == node.Value {
			*k = PrimitiveKind(i)
			return nil
		}
	}
	return fmt.Errorf("line %d: unknown primitive kind %q", node.Line, node.Value)
}

// TypeKey uniquely identifies a type definition inside a Binary.
// The zero value refers to no type.
type TypeKey struct {
	ID   uint64
	Kind TypeKind
}

// IsEmpty reports whether k refers to no type
func (k TypeKey) IsEmpty() bool {
	return k.Kind == InvalidTypeKind
}

func (k TypeKey) String() string {
	if k.IsEmpty() {
		return ""
	}
	return fmt.Sprintf("%d-%s", k.ID, k.Kind)
}

// ParseTypeKey parses the "<id>-<kind>" form produced by String
func ParseTypeKey(s string) (TypeKey, error) {
	if s == "" {
		return TypeKey{}, nil
	}
	id, kind, ok := strings.Cut(s, "-")
	if !ok {
		return TypeKey{}, fmt.Errorf("malformed type key %q", s)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return TypeKey{}, fmt.Errorf("malformed type key %q: %w", s, err)
	}
	k, err := parseTypeKind(kind)
	if err != nil {
		return TypeKey{}, err
	}
	return TypeKey{ID: n, Kind: k}, nil
}

func (k TypeKey) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

func (k *TypeKey) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseTypeKey(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*k = parsed
	return nil
}

// primitiveID derives the stable ID every primitive type of a given shape
// uses: the kind in the thousands, the size in bytes below.
// Signed 4-byte integers are "5004-PrimitiveType".
func primitiveID(kind PrimitiveKind, size uint64) uint64 {
	return uint64(kind)*1000 + size
}

// PrimitiveKey returns the key of the primitive type with the given shape
func PrimitiveKey(kind PrimitiveKind, size uint64) TypeKey {
	return TypeKey{ID: primitiveID(kind, size), Kind: PrimitiveTypeKind}
}

// Metadata is shared by every type definition
type Metadata struct {
	ID           uint64 `yaml:"ID"`
	CustomName   string `yaml:"CustomName,omitempty"`
	OriginalName string `yaml:"OriginalName,omitempty"`
}

func (m *Metadata) meta() *Metadata { return m }

// CopyMetadata copies the user-visible names from one type to another
func CopyMetadata(to, from Type) {
	to.meta().CustomName = from.meta().CustomName
	to.meta().OriginalName = from.meta().OriginalName
}

// Type is the interface for all type definitions
type Type interface {
	implType()
	meta() *Metadata
	Key() TypeKey
	String() string
	// visitKeys calls fn with a pointer to every type reference held by the definition
	visitKeys(fn func(*TypeKey))
}

// PrimitiveType represents void, integers, floats and untyped register-sized blobs
type PrimitiveType struct {
	Metadata      `yaml:",inline"`
	PrimitiveKind PrimitiveKind `yaml:"PrimitiveKind"`
	Size          uint64        `yaml:"Size"`
}

// EnumEntry is a single enumerator
type EnumEntry struct {
	Value      uint64 `yaml:"Value"`
	CustomName string `yaml:"CustomName,omitempty"`
}

// EnumType represents an enumeration over an integer type
type EnumType struct {
	Metadata       `yaml:",inline"`
	UnderlyingType QualifiedType `yaml:"UnderlyingType"`
	Entries        []EnumEntry   `yaml:"Entries,omitempty"`
}

// TypedefType gives a new name to an existing type
type TypedefType struct {
	Metadata       `yaml:",inline"`
	UnderlyingType QualifiedType `yaml:"UnderlyingType"`
}

// StructField is a field of a struct, keyed by its byte offset
type StructField struct {
	Offset     uint64        `yaml:"Offset"`
	CustomName string        `yaml:"CustomName,omitempty"`
	Type       QualifiedType `yaml:"Type"`
}

// StructType represents a struct; Fields are kept sorted by offset
type StructType struct {
	Metadata `yaml:",inline"`
	Size     uint64        `yaml:"Size"`
	Fields   []StructField `yaml:"Fields,omitempty"`
}

// UnionField is a member of a union
type UnionField struct {
	Index      uint64        `yaml:"Index"`
	CustomName string        `yaml:"CustomName,omitempty"`
	Type       QualifiedType `yaml:"Type"`
}

// UnionType represents a union
type UnionType struct {
	Metadata `yaml:",inline"`
	Fields   []UnionField `yaml:"Fields,omitempty"`
}

// Argument is a positional argument of a CABIFunctionType
type Argument struct {
	Index      uint64        `yaml:"Index"`
	CustomName string        `yaml:"CustomName,omitempty"`
	Type       QualifiedType `yaml:"Type"`
}

// CABIFunctionType is a C-like prototype realized through a calling convention
type CABIFunctionType struct {
	Metadata   `yaml:",inline"`
	ABI        ABI           `yaml:"ABI"`
	ReturnType QualifiedType `yaml:"ReturnType"`
	Arguments  []Argument    `yaml:"Arguments,omitempty"`
}

// NamedTypedRegister is a register carrying a typed value
type NamedTypedRegister struct {
	Location   Register      `yaml:"Location"`
	CustomName string        `yaml:"CustomName,omitempty"`
	Type       QualifiedType `yaml:"Type"`
}

// RawFunctionType is a prototype stated directly in registers and stack bytes.
// Arguments and ReturnValues are kept sorted by register.
type RawFunctionType struct {
	Metadata           `yaml:",inline"`
	Arguments          []NamedTypedRegister `yaml:"Arguments,omitempty"`
	ReturnValues       []NamedTypedRegister `yaml:"ReturnValues,omitempty"`
	PreservedRegisters []Register           `yaml:"PreservedRegisters,omitempty"`
	FinalStackOffset   uint64               `yaml:"FinalStackOffset"`
	StackArgumentsType TypeKey              `yaml:"StackArgumentsType,omitempty"`
}

// Marker methods for Type interface
func (*PrimitiveType) implType()    {}
func (*EnumType) implType()         {}
func (*TypedefType) implType()      {}
func (*StructType) implType()       {}
func (*UnionType) implType()        {}
func (*CABIFunctionType) implType() {}
func (*RawFunctionType) implType()  {}

func (t *PrimitiveType) Key() TypeKey    { return TypeKey{t.ID, PrimitiveTypeKind} }
func (t *EnumType) Key() TypeKey         { return TypeKey{t.ID, EnumTypeKind} }
func (t *TypedefType) Key() TypeKey      { return TypeKey{t.ID, TypedefTypeKind} }
func (t *StructType) Key() TypeKey       { return TypeKey{t.ID, StructTypeKind} }
func (t *UnionType) Key() TypeKey        { return TypeKey{t.ID, UnionTypeKind} }
func (t *CABIFunctionType) Key() TypeKey { return TypeKey{t.ID, CABIFunctionTypeKind} }
func (t *RawFunctionType) Key() TypeKey  { return TypeKey{t.ID, RawFunctionTypeKind} }

func (t *PrimitiveType) String() string {
	switch t.PrimitiveKind {
	case Void:
		return "void"
	case Generic:
		return fmt.Sprintf("generic%d_t", t.Size*8)
	case PointerOrNumber:
		return fmt.Sprintf("pointer_or_number%d_t", t.Size*8)
	case Number:
		return fmt.Sprintf("number%d_t", t.Size*8)
	case Unsigned:
		return fmt.Sprintf("uint%d_t", t.Size*8)
	case Signed:
		return fmt.Sprintf("int%d_t", t.Size*8)
	case Float:
		return fmt.Sprintf("float%d_t", t.Size*8)
	}
	return "?"
}

func displayName(m Metadata, kind TypeKind) string {
	if m.CustomName != "" {
		return m.CustomName
	}
	return fmt.Sprintf("%s_%d", strings.TrimSuffix(kind.String(), "Type"), m.ID)
}

func (t *EnumType) String() string         { return "enum " + displayName(t.Metadata, EnumTypeKind) }
func (t *TypedefType) String() string      { return displayName(t.Metadata, TypedefTypeKind) }
func (t *StructType) String() string       { return "struct " + displayName(t.Metadata, StructTypeKind) }
func (t *UnionType) String() string        { return "union " + displayName(t.Metadata, UnionTypeKind) }
func (t *CABIFunctionType) String() string { return displayName(t.Metadata, CABIFunctionTypeKind) }
func (t *RawFunctionType) String() string  { return displayName(t.Metadata, RawFunctionTypeKind) }

func (t *PrimitiveType) visitKeys(func(*TypeKey)) {}

func (t *EnumType) visitKeys(fn func(*TypeKey)) { fn(&t.UnderlyingType.Type) }

func (t *TypedefType) visitKeys(fn func(*TypeKey)) { fn(&t.UnderlyingType.Type) }

func (t *StructType) visitKeys(fn func(*TypeKey)) {
	for i := range t.Fields {
		fn(&t.Fields[i].Type.Type)
	}
}

func (t *UnionType) visitKeys(fn func(*TypeKey)) {
	for i := range t.Fields {
		fn(&t.Fields[i].Type.Type)
	}
}

func (t *CABIFunctionType) visitKeys(fn func(*TypeKey)) {
	fn(&t.ReturnType.Type)
	for i := range t.Arguments {
		fn(&t.Arguments[i].Type.Type)
	}
}

func (t *RawFunctionType) visitKeys(fn func(*TypeKey)) {
	for i := range t.Arguments {
		fn(&t.Arguments[i].Type.Type)
	}
	for i := range t.ReturnValues {
		fn(&t.ReturnValues[i].Type.Type)
	}
	if !t.StackArgumentsType.IsEmpty() {
		fn(&t.StackArgumentsType)
	}
}

// AddField inserts a field keeping Fields sorted by offset.
// A field already present at the same offset is replaced.
func (t *StructType) AddField(f StructField) {
	i := sort.Search(len(t.Fields), func(i int) bool { return t.Fields[i].Offset >= f.Offset })
	if i < len(t.Fields) && t.Fields[i].Offset == f.Offset {
		t.Fields[i] = f
		return
	}
	t.Fields = append(t.Fields, StructField{})
	copy(t.Fields[i+1:], t.Fields[i:])
	t.Fields[i] = f
}

// Argument returns the argument with the given index
func (t *CABIFunctionType) Argument(index uint64) (Argument, bool) {
	for _, a := range t.Arguments {
		if a.Index == index {
			return a, true
		}
	}
	return Argument{}, false
}

// SortArguments orders the arguments by index
func (t *CABIFunctionType) SortArguments() {
	sort.SliceStable(t.Arguments, func(i, j int) bool { return t.Arguments[i].Index < t.Arguments[j].Index })
}

func insertRegister(list []NamedTypedRegister, r NamedTypedRegister) []NamedTypedRegister {
	i := sort.Search(len(list), func(i int) bool { return list[i].Location >= r.Location })
	if i < len(list) && list[i].Location == r.Location {
		list[i] = r
		return list
	}
	list = append(list, NamedTypedRegister{})
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}

// AddArgument inserts a register argument keeping Arguments sorted
func (t *RawFunctionType) AddArgument(r NamedTypedRegister) {
	t.Arguments = insertRegister(t.Arguments, r)
}

// AddReturnValue inserts a return value register keeping ReturnValues sorted
func (t *RawFunctionType) AddReturnValue(r NamedTypedRegister) {
	t.ReturnValues = insertRegister(t.ReturnValues, r)
}

// FindArgument returns the argument living in the given register
func (t *RawFunctionType) FindArgument(r Register) (NamedTypedRegister, bool) {
	for _, a := range t.Arguments {
		if a.Location == r {
			return a, true
		}
	}
	return NamedTypedRegister{}, false
}

// FindReturnValue returns the return value living in the given register
func (t *RawFunctionType) FindReturnValue(r Register) (NamedTypedRegister, bool) {
	for _, a := range t.ReturnValues {
		if a.Location == r {
			return a, true
		}
	}
	return NamedTypedRegister{}, false
}

// Normalize restores the ordering invariants after a definition was decoded
func Normalize(t Type) {
	switch v := t.(type) {
	case *StructType:
		sort.SliceStable(v.Fields, func(i, j int) bool { return v.Fields[i].Offset < v.Fields[j].Offset })
	case *UnionType:
		sort.SliceStable(v.Fields, func(i, j int) bool { return v.Fields[i].Index < v.Fields[j].Index })
	case *CABIFunctionType:
		v.SortArguments()
	case *RawFunctionType:
		sort.SliceStable(v.Arguments, func(i, j int) bool { return v.Arguments[i].Location < v.Arguments[j].Location })
		sort.SliceStable(v.ReturnValues, func(i, j int) bool { return v.ReturnValues[i].Location < v.ReturnValues[j].Location })
		SortRegisters(v.PreservedRegisters)
	}
}

func newTypeOfKind(kind TypeKind) (Type, error) {
	switch kind {
	case PrimitiveTypeKind:
		return &PrimitiveType{}, nil
	case EnumTypeKind:
		return &EnumType{}, nil
	case TypedefTypeKind:
		return &TypedefType{}, nil
	case StructTypeKind:
		return &StructType{}, nil
	case UnionTypeKind:
		return &UnionType{}, nil
	case CABIFunctionTypeKind:
		return &CABIFunctionType{}, nil
	case RawFunctionTypeKind:
		return &RawFunctionType{}, nil
	}
	return nil, fmt.Errorf("cannot create a type of kind %s", kind)
}
