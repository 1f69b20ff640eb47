package abi

import (
	"fmt"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

// AlignmentCache memoizes the alignment of type definitions for a single
// definition and binary. The zero value is not usable, see NewAlignmentCache.
type AlignmentCache struct {
	known    map[model.TypeKey]uint64
	visiting map[model.TypeKey]bool
}

// NewAlignmentCache creates an empty cache
func NewAlignmentCache() *AlignmentCache {
	return &AlignmentCache{
		known:    make(map[model.TypeKey]uint64),
		visiting: make(map[model.TypeKey]bool),
	}
}

func (d *Definition) primitiveAlignment(p *model.PrimitiveType) (uint64, bool) {
	if p.PrimitiveKind == model.Void {
		// void has no size, hence no alignment
		if p.Size != 0 {
			return 0, false
		}
		return 0, true
	}
	if p.PrimitiveKind == model.Float {
		for _, rule := range d.FloatingPointTypeSpecific {
			if rule.Size == p.Size {
				return rule.AlignAt, true
			}
		}
	}
	for _, rule := range d.TypeSpecific {
		if rule.Size == p.Size {
			return rule.AlignAt, true
		}
	}
	// primitives the convention does not mention are register aligned
	return d.PointerSize(), true
}

func (d *Definition) naturalAlignment(r model.TypeResolver, qt model.QualifiedType, cache *AlignmentCache) (uint64, bool) {
	for i, q := range qt.Qualifiers {
		switch q.Kind {
		case model.PointerQualifier:
			// whatever it points to
			return d.primitiveAlignment(&model.PrimitiveType{PrimitiveKind: model.PointerOrNumber, Size: q.Size})
		case model.ArrayQualifier:
			element := model.QualifiedType{Type: qt.Type, Qualifiers: qt.Qualifiers[i+1:]}
			return d.naturalAlignment(r, element, cache)
		case model.ConstQualifier:
			continue
		default:
			return 0, false
		}
	}
	return d.definitionAlignment(r, qt.Type, cache)
}

func (d *Definition) definitionAlignment(r model.TypeResolver, key model.TypeKey, cache *AlignmentCache) (uint64, bool) {
	if alignment, ok := cache.known[key]; ok {
		return alignment, true
	}
	if cache.visiting[key] {
		return 0, false
	}
	t, err := r.Type(key)
	if err != nil {
		return 0, false
	}
	cache.visiting[key] = true
	defer delete(cache.visiting, key)

	var alignment uint64
	var ok bool
	switch v := t.(type) {
	case *model.CABIFunctionType, *model.RawFunctionType:
		// prototypes have no size
		alignment, ok = 0, true
	case *model.PrimitiveType:
		alignment, ok = d.primitiveAlignment(v)
	case *model.EnumType:
		alignment, ok = d.naturalAlignment(r, v.UnderlyingType, cache)
	case *model.TypedefType:
		alignment, ok = d.naturalAlignment(r, v.UnderlyingType, cache)
	case *model.StructType:
		types := make([]model.QualifiedType, len(v.Fields))
		for i, f := range v.Fields {
			types[i] = f.Type
		}
		alignment, ok = d.strictestAlignment(r, types, cache)
	case *model.UnionType:
		types := make([]model.QualifiedType, len(v.Fields))
		for i, f := range v.Fields {
			types[i] = f.Type
		}
		alignment, ok = d.strictestAlignment(r, types, cache)
	}
	if !ok {
		return 0, false
	}
	cache.known[key] = alignment
	return alignment, true
}

func (d *Definition) strictestAlignment(r model.TypeResolver, types []model.QualifiedType, cache *AlignmentCache) (uint64, bool) {
	var result uint64
	for _, qt := range types {
		alignment, ok := d.naturalAlignment(r, qt, cache)
		if !ok {
			return 0, false
		}
		result = max(result, alignment)
	}
	return result, true
}

// Alignment computes the natural alignment of qt. Types without an
// alignment (void, prototypes) and malformed or cyclic types report false.
func (d *Definition) Alignment(r model.TypeResolver, qt model.QualifiedType) (uint64, bool) {
	return d.AlignmentWithCache(r, qt, NewAlignmentCache())
}

// AlignmentWithCache is Alignment reusing the results memoized in cache
func (d *Definition) AlignmentWithCache(r model.TypeResolver, qt model.QualifiedType, cache *AlignmentCache) (uint64, bool) {
	alignment, ok := d.naturalAlignment(r, qt, cache)
	if !ok || alignment == 0 {
		return 0, false
	}
	return alignment, true
}

// HasNaturalAlignment reports whether every component of qt sits at an
// offset that is a multiple of its own alignment, and every aggregate size
// is a multiple of the aggregate's alignment. Packed and over-aligned
// structs are not naturally aligned. The second result is false when the
// alignment cannot be computed.
func (d *Definition) HasNaturalAlignment(r model.TypeResolver, qt model.QualifiedType) (bool, bool) {
	return d.HasNaturalAlignmentWithCache(r, qt, NewAlignmentCache())
}

// HasNaturalAlignmentWithCache is HasNaturalAlignment reusing cache
func (d *Definition) HasNaturalAlignmentWithCache(r model.TypeResolver, qt model.QualifiedType, cache *AlignmentCache) (bool, bool) {
	return d.isNaturallyAligned(r, qt, cache, map[model.TypeKey]bool{})
}

func (d *Definition) isNaturallyAligned(r model.TypeResolver, qt model.QualifiedType, cache *AlignmentCache, visiting map[model.TypeKey]bool) (bool, bool) {
	for i, q := range qt.Qualifiers {
		switch q.Kind {
		case model.PointerQualifier:
			return true, true
		case model.ArrayQualifier:
			element := model.QualifiedType{Type: qt.Type, Qualifiers: qt.Qualifiers[i+1:]}
			return d.isNaturallyAligned(r, element, cache, visiting)
		case model.ConstQualifier:
			continue
		default:
			return false, false
		}
	}

	if visiting[qt.Type] {
		return false, false
	}
	t, err := r.Type(qt.Type)
	if err != nil {
		return false, false
	}
	visiting[qt.Type] = true
	defer delete(visiting, qt.Type)

	switch v := t.(type) {
	case *model.TypedefType:
		return d.isNaturallyAligned(r, v.UnderlyingType, cache, visiting)
	case *model.StructType:
		alignment, ok := d.definitionAlignment(r, qt.Type, cache)
		if !ok {
			return false, false
		}
		if alignment != 0 && v.Size%alignment != 0 {
			return false, true
		}
		for _, f := range v.Fields {
			fieldAlignment, ok := d.naturalAlignment(r, f.Type, cache)
			if !ok {
				return false, false
			}
			if fieldAlignment != 0 && f.Offset%fieldAlignment != 0 {
				return false, true
			}
			natural, ok := d.isNaturallyAligned(r, f.Type, cache, visiting)
			if !ok || !natural {
				return natural, ok
			}
		}
		return true, true
	case *model.UnionType:
		for _, f := range v.Fields {
			natural, ok := d.isNaturallyAligned(r, f.Type, cache, visiting)
			if !ok || !natural {
				return natural, ok
			}
		}
		return true, true
	}
	if _, ok := d.definitionAlignment(r, qt.Type, cache); !ok {
		return false, false
	}
	return true, true
}

// AlignedOffset rounds offset up to the alignment of qt. qt must have one.
func (d *Definition) AlignedOffset(offset uint64, r model.TypeResolver, qt model.QualifiedType) uint64 {
	alignment, ok := d.Alignment(r, qt)
	if !ok {
		panic(fmt.Sprintf("%s: no alignment for %s", d.Name(), qt))
	}
	return alignUp(offset, alignment)
}
