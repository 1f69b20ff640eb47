package model

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Function is an entry point of the binary together with its prototype
type Function struct {
	Entry      string  `yaml:"Entry"`
	CustomName string  `yaml:"CustomName,omitempty"`
	Prototype  TypeKey `yaml:"Prototype,omitempty"`
}

// Binary owns the type table and the functions referencing it.
// It is not safe for concurrent mutation.
type Binary struct {
	Architecture Architecture
	DefaultABI   ABI
	Functions    []Function

	types  map[TypeKey]Type
	nextID uint64
}

// NewBinary creates an empty binary for the given architecture
func NewBinary(arch Architecture, defaultABI ABI) *Binary {
	return &Binary{
		Architecture: arch,
		DefaultABI:   defaultABI,
		types:        make(map[TypeKey]Type),
		nextID:       1,
	}
}

// Type returns the definition with the given key
func (b *Binary) Type(key TypeKey) (Type, error) {
	if t, ok := b.types[key]; ok {
		return t, nil
	}
	if key.Kind == PrimitiveTypeKind {
		// primitives exist implicitly
		kind := PrimitiveKind(key.ID / 1000)
		if kind >= Void && kind <= Float {
			return &PrimitiveType{Metadata: Metadata{ID: key.ID}, PrimitiveKind: kind, Size: key.ID % 1000}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, key)
}

// Has reports whether a definition with the given key is recorded
func (b *Binary) Has(key TypeKey) bool {
	_, ok := b.types[key]
	return ok
}

// Types returns every recorded definition ordered by key
func (b *Binary) Types() []Type {
	result := make([]Type, 0, len(b.types))
	for _, t := range b.types {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return lessKey(result[i].Key(), result[j].Key()) })
	return result
}

func lessKey(a, b TypeKey) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.ID < b.ID
}

// PrimitiveType records (if needed) and returns the primitive of the given shape
func (b *Binary) PrimitiveType(kind PrimitiveKind, size uint64) TypeKey {
	key := PrimitiveKey(kind, size)
	if _, ok := b.types[key]; !ok {
		b.types[key] = &PrimitiveType{Metadata: Metadata{ID: key.ID}, PrimitiveKind: kind, Size: size}
	}
	return key
}

// MakeType records a new definition, assigning it a fresh ID
func (b *Binary) MakeType(t Type) TypeKey {
	if p, ok := t.(*PrimitiveType); ok {
		return b.PrimitiveType(p.PrimitiveKind, p.Size)
	}
	t.meta().ID = b.nextID
	b.nextID++
	b.types[t.Key()] = t
	return t.Key()
}

// record inserts a definition keeping its ID
func (b *Binary) record(t Type) {
	b.types[t.Key()] = t
	if t.Key().Kind != PrimitiveTypeKind && t.Key().ID >= b.nextID {
		b.nextID = t.Key().ID + 1
	}
}

// Erase removes a definition
func (b *Binary) Erase(key TypeKey) {
	delete(b.types, key)
}

// ReplaceAllUsesWith rewrites every reference to old into a reference to
// replacement and returns how many references were rewritten
func (b *Binary) ReplaceAllUsesWith(old, replacement TypeKey) int {
	count := 0
	rewrite := func(k *TypeKey) {
		if *k == old {
			*k = replacement
			count++
		}
	}
	for i := range b.Functions {
		rewrite(&b.Functions[i].Prototype)
	}
	for _, t := range b.types {
		t.visitKeys(rewrite)
	}
	return count
}

// Size computes the size of qt in bytes
func (b *Binary) Size(qt QualifiedType) (uint64, error) {
	return Size(b, qt)
}

// FunctionTypes returns the keys of every prototype definition ordered by key
func (b *Binary) FunctionTypes() []TypeKey {
	var result []TypeKey
	for _, t := range b.Types() {
		switch t.(type) {
		case *CABIFunctionType, *RawFunctionType:
			result = append(result, t.Key())
		}
	}
	return result
}

// CheckReferences makes sure every reference in the binary resolves
func (b *Binary) CheckReferences() error {
	var err error
	check := func(k *TypeKey) {
		if err != nil || k.IsEmpty() {
			return
		}
		if _, lookupErr := b.Type(*k); lookupErr != nil {
			err = lookupErr
		}
	}
	for i := range b.Functions {
		check(&b.Functions[i].Prototype)
	}
	for _, t := range b.Types() {
		t.visitKeys(check)
		if err != nil {
			return fmt.Errorf("in %s: %w", t.Key(), err)
		}
	}
	return err
}

type typeNode struct {
	Type Type
}

func (n typeNode) MarshalYAML() (interface{}, error) {
	var node yaml.Node
	if err := node.Encode(n.Type); err != nil {
		return nil, err
	}
	kind := []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "Kind"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: n.Type.Key().Kind.String()},
	}
	node.Content = append(kind, node.Content...)
	return &node, nil
}

func (n *typeNode) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Kind string `yaml:"Kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	kind, err := parseTypeKind(head.Kind)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	t, err := newTypeOfKind(kind)
	if err != nil {
		return err
	}
	if err := node.Decode(t); err != nil {
		return err
	}
	Normalize(t)
	n.Type = t
	return nil
}

type binaryDocument struct {
	Architecture Architecture `yaml:"Architecture"`
	DefaultABI   ABI          `yaml:"DefaultABI,omitempty"`
	Functions    []Function   `yaml:"Functions,omitempty"`
	Types        []typeNode   `yaml:"Types,omitempty"`
}

func (b *Binary) MarshalYAML() (interface{}, error) {
	doc := binaryDocument{
		Architecture: b.Architecture,
		DefaultABI:   b.DefaultABI,
		Functions:    b.Functions,
	}
	for _, t := range b.Types() {
		doc.Types = append(doc.Types, typeNode{t})
	}
	return doc, nil
}

func (b *Binary) UnmarshalYAML(node *yaml.Node) error {
	var doc binaryDocument
	if err := node.Decode(&doc); err != nil {
		return err
	}
	*b = *NewBinary(doc.Architecture, doc.DefaultABI)
	b.Functions = doc.Functions
	for _, n := range doc.Types {
		if b.Has(n.Type.Key()) {
			return fmt.Errorf("duplicate type %s", n.Type.Key())
		}
		b.record(n.Type)
	}
	return nil
}

// Parse decodes a binary from its YAML form
func Parse(data []byte) (*Binary, error) {
	var b Binary
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding binary: %w", err)
	}
	if err := b.CheckReferences(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Load reads a binary from a YAML file
func Load(path string) (*Binary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Serialize encodes the binary as YAML
func (b *Binary) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the binary to a YAML file
func (b *Binary) Save(path string) error {
	data, err := b.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
