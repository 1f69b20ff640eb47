package abi

import (
	"testing"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

type alignmentFixture struct {
	binary    *model.Binary
	padded    model.TypeKey
	packed    model.TypeKey
	truncated model.TypeKey
	union     model.TypeKey
	typedef   model.TypeKey
	enum      model.TypeKey
	prototype model.TypeKey
	cyclic    model.TypeKey
	nested    model.TypeKey
}

func newAlignmentFixture() alignmentFixture {
	b := model.NewBinary(model.X86_64, model.SystemV_x86_64)
	i8 := model.Unqualified(model.PrimitiveKey(model.Signed, 1))
	i32 := model.Unqualified(model.PrimitiveKey(model.Signed, 4))
	i64 := model.Unqualified(model.PrimitiveKey(model.Signed, 8))
	f64 := model.Unqualified(model.PrimitiveKey(model.Float, 8))

	var f alignmentFixture
	f.binary = b
	f.padded = b.MakeType(&model.StructType{Size: 16, Fields: []model.StructField{
		{Offset: 0, Type: i8},
		{Offset: 8, Type: i64},
	}})
	f.packed = b.MakeType(&model.StructType{Size: 9, Fields: []model.StructField{
		{Offset: 0, Type: i8},
		{Offset: 1, Type: i64},
	}})
	f.truncated = b.MakeType(&model.StructType{Size: 12, Fields: []model.StructField{
		{Offset: 0, Type: i64},
	}})
	f.union = b.MakeType(&model.UnionType{Fields: []model.UnionField{
		{Index: 0, Type: i32},
		{Index: 1, Type: f64},
	}})
	f.typedef = b.MakeType(&model.TypedefType{UnderlyingType: model.Unqualified(f.padded)})
	f.enum = b.MakeType(&model.EnumType{UnderlyingType: model.Unqualified(model.PrimitiveKey(model.Unsigned, 2))})
	f.prototype = b.MakeType(&model.CABIFunctionType{ABI: model.SystemV_x86_64, ReturnType: i32})

	first := &model.TypedefType{}
	f.cyclic = b.MakeType(first)
	second := b.MakeType(&model.TypedefType{UnderlyingType: model.Unqualified(f.cyclic)})
	first.UnderlyingType = model.Unqualified(second)

	f.nested = b.MakeType(&model.StructType{Size: 24, Fields: []model.StructField{
		{Offset: 0, Type: model.Unqualified(f.packed)},
		{Offset: 16, Type: i64},
	}})
	return f
}

func TestAlignment(t *testing.T) {
	f := newAlignmentFixture()
	void := model.Unqualified(model.PrimitiveKey(model.Void, 0))

	tests := []struct {
		name string
		abi  model.ABI
		qt   model.QualifiedType
		want uint64
		ok   bool
	}{
		{"int32", model.SystemV_x86_64, model.Unqualified(model.PrimitiveKey(model.Signed, 4)), 4, true},
		{"void", model.SystemV_x86_64, void, 0, false},
		{"sized void", model.SystemV_x86_64, model.Unqualified(model.PrimitiveKey(model.Void, 4)), 0, false},
		{"pointer to void", model.SystemV_x86_64, void.PointerTo(model.X86_64), 8, true},
		{"array", model.SystemV_x86_64, model.QualifiedType{
			Type: model.PrimitiveKey(model.Signed, 2), Qualifiers: []model.Qualifier{model.ArrayOf(3)}}, 2, true},
		{"const", model.SystemV_x86_64, model.QualifiedType{
			Type: model.PrimitiveKey(model.Float, 8), Qualifiers: []model.Qualifier{model.Const()}}, 8, true},
		{"struct", model.SystemV_x86_64, model.Unqualified(f.padded), 8, true},
		{"union", model.SystemV_x86_64, model.Unqualified(f.union), 8, true},
		{"typedef", model.SystemV_x86_64, model.Unqualified(f.typedef), 8, true},
		{"enum", model.SystemV_x86_64, model.Unqualified(f.enum), 2, true},
		{"prototype", model.SystemV_x86_64, model.Unqualified(f.prototype), 0, false},
		{"cycle", model.SystemV_x86_64, model.Unqualified(f.cyclic), 0, false},
		{"missing", model.SystemV_x86_64, model.Unqualified(model.TypeKey{ID: 999, Kind: model.StructTypeKind}), 0, false},
		{"i386 double", model.SystemV_x86, model.Unqualified(model.PrimitiveKey(model.Float, 8)), 4, true},
		{"untabulated primitive", model.SystemV_x86, model.Unqualified(model.PrimitiveKey(model.Float, 10)), 4, true},
		{"s390x quad", model.SystemZ_s390x, model.Unqualified(model.PrimitiveKey(model.Float, 16)), 8, true},
		{"vectorcall i386 vector", model.Microsoft_x86_vectorcall, model.Unqualified(model.PrimitiveKey(model.Generic, 16)), 4, true},
		{"vectorcall x86-64 vector", model.Microsoft_x86_64_vectorcall, model.Unqualified(model.PrimitiveKey(model.Generic, 16)), 16, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Get(tt.abi).Alignment(f.binary, tt.qt)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Alignment() = %d, %v, want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAlignmentCacheReuse(t *testing.T) {
	f := newAlignmentFixture()
	d := Get(model.SystemV_x86_64)
	cache := NewAlignmentCache()
	for i := 0; i < 2; i++ {
		if got, ok := d.AlignmentWithCache(f.binary, model.Unqualified(f.nested), cache); !ok || got != 8 {
			t.Errorf("pass %d: Alignment() = %d, %v, want 8, true", i, got, ok)
		}
	}
	if len(cache.known) == 0 {
		t.Error("cache was not populated")
	}
}

func TestHasNaturalAlignment(t *testing.T) {
	f := newAlignmentFixture()
	d := Get(model.SystemV_x86_64)

	tests := []struct {
		name string
		key  model.TypeKey
		want bool
		ok   bool
	}{
		{"primitive", model.PrimitiveKey(model.Signed, 8), true, true},
		{"padded struct", f.padded, true, true},
		{"packed struct", f.packed, false, true},
		{"size not a multiple of alignment", f.truncated, false, true},
		{"typedef", f.typedef, true, true},
		{"union", f.union, true, true},
		{"packed member", f.nested, false, true},
		{"cycle", f.cyclic, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.HasNaturalAlignment(f.binary, model.Unqualified(tt.key))
			if got != tt.want || ok != tt.ok {
				t.Errorf("HasNaturalAlignment() = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAlignedOffset(t *testing.T) {
	f := newAlignmentFixture()
	d := Get(model.SystemV_x86_64)
	if got := d.AlignedOffset(4, f.binary, model.Unqualified(f.padded)); got != 8 {
		t.Errorf("AlignedOffset(4, struct) = %d, want 8", got)
	}
	if got := d.AlignedOffset(16, f.binary, model.Unqualified(model.PrimitiveKey(model.Signed, 4))); got != 16 {
		t.Errorf("AlignedOffset(16, int32) = %d, want 16", got)
	}
}
