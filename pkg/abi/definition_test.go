package abi

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

func regs(names ...string) []model.Register {
	result := make([]model.Register, len(names))
	for i, n := range names {
		result[i] = model.MustParseRegister(n)
	}
	return result
}

func TestBuiltinDefinitions(t *testing.T) {
	registry := NewRegistry(Builtin())
	for _, abi := range model.ABIs() {
		t.Run(abi.String(), func(t *testing.T) {
			d, err := registry.Load(abi)
			if err != nil {
				t.Fatalf("Load(%s) error: %v", abi, err)
			}
			if d.ABI != abi {
				t.Errorf("ABI = %s, want %s", d.ABI, abi)
			}
			if !d.Verify() {
				t.Error("Verify() = false")
			}
			again, _ := registry.Load(abi)
			if again != d {
				t.Error("definitions should be cached")
			}
		})
	}
}

func TestGetDefault(t *testing.T) {
	d := Get(model.SystemV_x86_64)
	if d.PointerSize() != 8 || d.Architecture() != model.X86_64 {
		t.Errorf("unexpected definition %s: pointer %d arch %s", d.Name(), d.PointerSize(), d.Architecture())
	}
	if got := d.GeneralPurposeArgumentRegisters[0].String(); got != "rdi_x86_64" {
		t.Errorf("first argument register = %s, want rdi_x86_64", got)
	}
}

func TestGetPanicsOnInvalidABI(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Get(InvalidABI) should panic")
		}
	}()
	Get(model.InvalidABI)
}

func TestVerifyRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"duplicate register", func(d *Definition) {
			d.GeneralPurposeArgumentRegisters = append(d.GeneralPurposeArgumentRegisters, d.GeneralPurposeArgumentRegisters[0])
		}},
		{"foreign register", func(d *Definition) {
			d.VectorArgumentRegisters = append(d.VectorArgumentRegisters, model.MustParseRegister("xmm0_x86"))
		}},
		{"vector return location", func(d *Definition) {
			d.ReturnValueLocationRegister = model.MustParseRegister("xmm0_x86_64")
		}},
		{"callee saved return location", func(d *Definition) {
			d.ReturnValueLocationRegister = model.MustParseRegister("rbx_x86_64")
		}},
		{"return location not first argument", func(d *Definition) {
			d.ReturnValueLocationRegister = model.MustParseRegister("rsi_x86_64")
		}},
		{"return location both in register and on stack", func(d *Definition) {
			d.ReturnValueLocationOnStack = true
		}},
		{"stack alignment not a power of two", func(d *Definition) {
			d.StackAlignment = 12
		}},
		{"zero primitive alignment", func(d *Definition) {
			d.TypeSpecific = append(d.TypeSpecific, AlignmentRule{Size: 32, AlignAt: 0})
		}},
		{"invalid ABI", func(d *Definition) {
			d.ABI = model.InvalidABI
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := *Get(model.SystemV_x86_64)
			d.GeneralPurposeArgumentRegisters = append([]model.Register(nil), d.GeneralPurposeArgumentRegisters...)
			d.VectorArgumentRegisters = append([]model.Register(nil), d.VectorArgumentRegisters...)
			d.TypeSpecific = append([]AlignmentRule(nil), d.TypeSpecific...)
			tt.mutate(&d)
			if d.Verify() {
				t.Error("Verify() = true, want false")
			}
		})
	}
}

func TestRegistryOverride(t *testing.T) {
	override := fstest.MapFS{
		"Pascal_x86.yml": {Data: []byte(`ABI: Pascal_x86
ArgumentsArePositionBased: false
OnlyStartDoubleArgumentsFromAnEvenRegister: false
ArgumentsCanBeSplitBetweenRegistersAndStack: false
UsePointerToCopyForStackArguments: false
CalleeIsResponsibleForStackCleanup: true
StackAlignment: 4
MaximumGPRsPerAggregateArgument: 0
MaximumGPRsPerAggregateReturnValue: 0
MaximumGPRsPerScalarArgument: 1
MaximumGPRsPerScalarReturnValue: 1
GeneralPurposeArgumentRegisters:
  - eax_x86
GeneralPurposeReturnValueRegisters:
  - eax_x86
ReturnValueLocationOnStack: true
TypeSpecific:
  - Size: 4
    AlignAt: 4
`)},
		"AAPCS.yml":   {Data: []byte("ABI: AAPCS\nStackAlignment: 3\n")},
		"AAPCS64.yml": {Data: []byte("ABI: AAPCS64\nStackAlignment: 16\nNotAField: 1\n")},
		"SystemV_x86.yml": {Data: []byte("ABI: AAPCS\nStackAlignment: 4\n")},
	}
	registry := NewRegistry(override, Builtin())

	pascal, err := registry.Load(model.Pascal_x86)
	if err != nil {
		t.Fatalf("Load(Pascal_x86) error: %v", err)
	}
	if diff := cmp.Diff(regs("eax_x86"), pascal.GeneralPurposeArgumentRegisters); diff != "" {
		t.Errorf("override not used (-want +got):\n%s", diff)
	}

	cdecl, err := registry.Load(model.Microsoft_x86_cdecl)
	if err != nil || cdecl.ABI != model.Microsoft_x86_cdecl {
		t.Errorf("fallback to builtin failed: %v", err)
	}

	if _, err := registry.Load(model.AAPCS); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("Load(AAPCS) error = %v, want ErrInvalidDefinition", err)
	}
	if _, err := registry.Load(model.AAPCS64); err == nil {
		t.Error("unknown fields should be rejected")
	}
	if _, err := registry.Load(model.SystemV_x86); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("Load(SystemV_x86) error = %v, want ErrInvalidDefinition", err)
	}

	empty := NewRegistry(fstest.MapFS{})
	if _, err := empty.Load(model.SystemV_x86_64); err == nil {
		t.Error("missing document should fail")
	}
}

func TestSetDefinitionsDirAfterUse(t *testing.T) {
	registry := Default()
	if err := SetDefinitionsDir(t.TempDir()); !errors.Is(err, ErrRegistryInUse) {
		t.Errorf("SetDefinitionsDir() after use = %v, want ErrRegistryInUse", err)
	}
	if err := SetDefinitionsDir(""); err != nil {
		t.Errorf("SetDefinitionsDir() with the current dir = %v, want nil", err)
	}
	if Default() != registry {
		t.Error("the default registry was replaced")
	}
}

func TestIsIncompatibleWith(t *testing.T) {
	d := Get(model.SystemV_x86_64)
	tests := []struct {
		name         string
		arguments    []string
		returnValues []string
		preserved    []string
		want         bool
	}{
		{"empty", nil, nil, nil, false},
		{"argument registers", []string{"rdi_x86_64", "xmm0_x86_64"}, []string{"rax_x86_64"}, []string{"rbx_x86_64"}, false},
		{"callee saved argument", []string{"rbx_x86_64"}, nil, nil, true},
		{"foreign argument", []string{"ecx_x86"}, nil, nil, true},
		{"bad return value", nil, []string{"rcx_x86_64"}, nil, true},
		{"vector return value", nil, []string{"xmm1_x86_64"}, nil, false},
		{"foreign preserved register", nil, nil, []string{"ebx_x86"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := &model.RawFunctionType{PreservedRegisters: regs(tt.preserved...)}
			for _, r := range regs(tt.arguments...) {
				raw.AddArgument(model.NamedTypedRegister{Location: r})
			}
			for _, r := range regs(tt.returnValues...) {
				raw.AddReturnValue(model.NamedTypedRegister{Location: r})
			}
			if got := d.IsIncompatibleWith(raw); got != tt.want {
				t.Errorf("IsIncompatibleWith() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortArguments(t *testing.T) {
	tests := []struct {
		name  string
		abi   model.ABI
		input []string
		want  []string
	}{
		{"class order", model.SystemV_x86_64,
			[]string{"xmm0_x86_64", "rsi_x86_64", "rdi_x86_64"},
			[]string{"rdi_x86_64", "rsi_x86_64", "xmm0_x86_64"}},
		{"position order", model.Microsoft_x86_64,
			[]string{"r8_x86_64", "xmm1_x86_64", "rcx_x86_64"},
			[]string{"rcx_x86_64", "xmm1_x86_64", "r8_x86_64"}},
		{"unknown registers last", model.SystemV_x86_64,
			[]string{"rbx_x86_64", "rdx_x86_64"},
			[]string{"rdx_x86_64", "rbx_x86_64"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Get(tt.abi).SortArguments(regs(tt.input...))
			if diff := cmp.Diff(regs(tt.want...), got); diff != "" {
				t.Errorf("SortArguments() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	got := Get(model.SystemV_x86_64).SortReturnValues(regs("xmm0_x86_64", "rdx_x86_64", "rax_x86_64"))
	if diff := cmp.Diff(regs("rax_x86_64", "rdx_x86_64", "xmm0_x86_64"), got); diff != "" {
		t.Errorf("SortReturnValues() mismatch (-want +got):\n%s", diff)
	}
}

func TestPaddedSizeOnStack(t *testing.T) {
	tests := []struct {
		abi  model.ABI
		size uint64
		want uint64
	}{
		{model.SystemV_x86_64, 1, 8},
		{model.SystemV_x86_64, 8, 8},
		{model.SystemV_x86_64, 9, 16},
		{model.SystemV_x86_64, 24, 24},
		{model.Microsoft_x86_cdecl, 2, 4},
		{model.Microsoft_x86_cdecl, 10, 12},
	}
	for _, tt := range tests {
		if got := Get(tt.abi).PaddedSizeOnStack(tt.size); got != tt.want {
			t.Errorf("%s.PaddedSizeOnStack(%d) = %d, want %d", tt.abi, tt.size, got, tt.want)
		}
	}
}
