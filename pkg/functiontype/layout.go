// Package functiontype lowers function prototypes: it computes where every
// argument and return value of a prototype lives and converts prototypes
// between their register-level and C-level forms.
package functiontype

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/Cvelth/revng-sub000/pkg/abi"
	"github.com/Cvelth/revng-sub000/pkg/model"
)

var (
	// ErrNotCABI is returned when a C-level prototype was expected
	ErrNotCABI = errors.New("not a CABI function type")
	// ErrNoBigReturnValues is returned for conventions that cannot return
	// values through memory
	ErrNoBigReturnValues = errors.New("calling convention does not support big return values")
)

// ArgumentKind tells how an argument is passed
type ArgumentKind int

const (
	Scalar ArgumentKind = iota
	PointerToCopy
	ReferenceToAggregate
	ShadowPointerToAggregateReturnValue
)

func (k ArgumentKind) String() string {
	switch k {
	case Scalar:
		return "Scalar"
	case PointerToCopy:
		return "PointerToCopy"
	case ReferenceToAggregate:
		return "ReferenceToAggregate"
	case ShadowPointerToAggregateReturnValue:
		return "ShadowPointerToAggregateReturnValue"
	}
	return "Invalid"
}

func (k ArgumentKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// ReturnMethod tells how a prototype hands its result back
type ReturnMethod int

const (
	ReturnVoid ReturnMethod = iota
	ReturnModelAggregate
	ReturnScalar
	ReturnRegisterSet
)

func (m ReturnMethod) String() string {
	switch m {
	case ReturnVoid:
		return "Void"
	case ReturnModelAggregate:
		return "ModelAggregate"
	case ReturnScalar:
		return "Scalar"
	case ReturnRegisterSet:
		return "RegisterSet"
	}
	return "Invalid"
}

func (m ReturnMethod) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// StackSpan is a byte range of the stack argument area
type StackSpan struct {
	Offset uint64 `yaml:"Offset"`
	Size   uint64 `yaml:"Size"`
}

// ReturnValue is a value handed back in registers
type ReturnValue struct {
	Type      model.QualifiedType `yaml:"Type"`
	Registers []model.Register    `yaml:"Registers,omitempty"`
}

// Argument is a value passed in registers, on the stack or both
type Argument struct {
	Type      model.QualifiedType `yaml:"Type"`
	Registers []model.Register    `yaml:"Registers,omitempty"`
	Stack     *StackSpan          `yaml:"Stack,omitempty"`
	Kind      ArgumentKind        `yaml:"Kind"`
}

// Layout is the placement of every argument and return value of a prototype
type Layout struct {
	Arguments            []Argument       `yaml:"Arguments,omitempty"`
	ReturnValues         []ReturnValue    `yaml:"ReturnValues,omitempty"`
	CalleeSavedRegisters []model.Register `yaml:"CalleeSavedRegisters,omitempty"`
	FinalStackOffset     uint64           `yaml:"FinalStackOffset"`

	types model.TypeResolver
}

// MakeLayout computes the layout of the prototype with the given key
func MakeLayout(types model.TypeResolver, key model.TypeKey) (Layout, error) {
	t, err := types.Type(key)
	if err != nil {
		return Layout{}, err
	}
	switch f := t.(type) {
	case *model.CABIFunctionType:
		return LayoutFromCABI(types, f)
	case *model.RawFunctionType:
		return LayoutFromRaw(types, f)
	}
	return Layout{}, fmt.Errorf("%w: %s", model.ErrNotAFunctionType, key)
}

// LayoutFromCABI distributes the return value and the arguments of f
// according to its calling convention
func LayoutFromCABI(types model.TypeResolver, f *model.CABIFunctionType) (Layout, error) {
	d, err := abi.Default().Load(f.ABI)
	if err != nil {
		return Layout{}, err
	}
	arch := d.Architecture()
	layout := Layout{types: types}
	var offset uint64

	// the return value goes first: it may need a leading argument
	rv, err := distributeReturnValue(d, types, f.ReturnType)
	if err != nil {
		return Layout{}, err
	}
	hasShadowPointer := rv.SizeOnStack != 0
	if !hasShadowPointer {
		if !model.IsVoid(types, f.ReturnType) && len(rv.Registers) != 0 {
			layout.ReturnValues = append(layout.ReturnValues, ReturnValue{
				Type:      f.ReturnType,
				Registers: rv.Registers,
			})
		}
	} else {
		pointer := f.ReturnType.PointerTo(arch)
		shadow := Argument{Type: pointer, Kind: ShadowPointerToAggregateReturnValue}
		switch {
		case d.ReturnValueLocationRegister != model.InvalidRegister:
			shadow.Registers = []model.Register{d.ReturnValueLocationRegister}
		case d.ReturnValueLocationOnStack:
			offset += d.PointerSize()
			shadow.Stack = &StackSpan{Offset: 0, Size: offset}
		default:
			return Layout{}, fmt.Errorf("%w: %s", ErrNoBigReturnValues, d.Name())
		}
		layout.Arguments = append(layout.Arguments, shadow)

		// the same pointer comes back through the usual return registers
		if len(d.GeneralPurposeReturnValueRegisters) != 0 {
			mirrored, err := distributeReturnValue(d, types, pointer)
			if err != nil {
				return Layout{}, err
			}
			layout.ReturnValues = append(layout.ReturnValues, ReturnValue{
				Type:      pointer,
				Registers: mirrored.Registers,
			})
		}
	}

	distributed, err := distributeArguments(d, types, f.Arguments, hasShadowPointer)
	if err != nil {
		return Layout{}, err
	}
	index := 0
	for _, value := range distributed {
		if value.RepresentsPadding {
			continue
		}
		original := f.Arguments[index].Type
		index++

		argument := Argument{Type: original, Registers: value.Registers}
		switch {
		case usesPointerToCopy(d, types, original):
			argument.Kind = PointerToCopy
		case model.IsScalar(types, original):
			argument.Kind = Scalar
		default:
			argument.Kind = ReferenceToAggregate
		}

		if value.SizeOnStack != 0 {
			passed := passedType(d, types, original)
			alignment, ok := d.Alignment(types, passed)
			if !ok {
				return Layout{}, fmt.Errorf("argument %d: %s has no alignment", index-1, passed)
			}
			offset = alignUp(offset, alignment)
			argument.Stack = &StackSpan{Offset: offset, Size: value.SizeOnStack}
			offset += value.SizeOnStack
		}
		layout.Arguments = append(layout.Arguments, argument)
	}

	layout.CalleeSavedRegisters = append([]model.Register(nil), d.CalleeSavedRegisters...)
	layout.FinalStackOffset = finalStackOffset(d, offset)
	return layout, nil
}

// LayoutFromRaw restates the explicit placement of a raw prototype
func LayoutFromRaw(types model.TypeResolver, f *model.RawFunctionType) (Layout, error) {
	layout := Layout{types: types}
	for _, r := range f.Arguments {
		layout.Arguments = append(layout.Arguments, Argument{
			Type:      r.Type,
			Registers: []model.Register{r.Location},
			Kind:      Scalar,
		})
	}
	for _, r := range f.ReturnValues {
		layout.ReturnValues = append(layout.ReturnValues, ReturnValue{
			Type:      r.Type,
			Registers: []model.Register{r.Location},
		})
	}

	if !f.StackArgumentsType.IsEmpty() {
		t, err := types.Type(f.StackArgumentsType)
		if err != nil {
			return Layout{}, err
		}
		stack, ok := t.(*model.StructType)
		if !ok {
			return Layout{}, fmt.Errorf("stack arguments of %s are not a struct", f.Key())
		}
		argument := Argument{
			Type: model.Unqualified(f.StackArgumentsType),
			Kind: ReferenceToAggregate,
		}
		if stack.Size != 0 {
			argument.Stack = &StackSpan{Offset: 0, Size: stack.Size}
		}
		layout.Arguments = append(layout.Arguments, argument)
	}

	layout.CalleeSavedRegisters = append([]model.Register(nil), f.PreservedRegisters...)
	layout.FinalStackOffset = f.FinalStackOffset
	return layout, nil
}

// Verify checks that no register is used twice within the arguments, the
// return values or the callee-saved registers, that all registers belong
// to one architecture and that the shadow pointer, if any, is well placed
func (l *Layout) Verify() bool {
	arch := model.InvalidArchitecture
	checkGroup := func(registers []model.Register) bool {
		if len(lo.Uniq(registers)) != len(registers) {
			return false
		}
		for _, r := range registers {
			if arch == model.InvalidArchitecture {
				arch = r.Architecture()
			} else if r.Architecture() != arch {
				return false
			}
		}
		return true
	}
	if !checkGroup(l.ArgumentRegisters()) || !checkGroup(l.ReturnValueRegisters()) || !checkGroup(l.CalleeSavedRegisters) {
		return false
	}

	for i, argument := range l.Arguments {
		if argument.Kind != ShadowPointerToAggregateReturnValue {
			continue
		}
		// only ever the first argument
		if i != 0 {
			return false
		}
		if argument.Stack != nil {
			if arch == model.InvalidArchitecture || len(argument.Registers) != 0 {
				return false
			}
			if argument.Stack.Offset != 0 || argument.Stack.Size != arch.PointerSize() {
				return false
			}
		} else if len(argument.Registers) != 1 {
			return false
		}
	}

	if len(l.ReturnValues) > 1 {
		for _, rv := range l.ReturnValues {
			if len(rv.Registers) > 1 {
				return false
			}
		}
	}
	return true
}

// HasShadowPointer reports whether the first argument points to the memory
// the return value is written to
func (l *Layout) HasShadowPointer() bool {
	return len(l.Arguments) != 0 && l.Arguments[0].Kind == ShadowPointerToAggregateReturnValue
}

// ReturnMethod tells how the result is handed back. A value spread over
// more than one register is a RegisterSet even if it is a single aggregate.
func (l *Layout) ReturnMethod() ReturnMethod {
	switch {
	case l.HasShadowPointer():
		return ReturnModelAggregate
	case len(l.ReturnValues) == 0:
		return ReturnVoid
	case l.ReturnValueRegisterCount() > 1:
		return ReturnRegisterSet
	case !model.IsScalar(l.types, l.ReturnValues[0].Type):
		return ReturnModelAggregate
	}
	return ReturnScalar
}

// ReturnValueAggregateType returns the aggregate a ReturnModelAggregate prototype
// returns
func (l *Layout) ReturnValueAggregateType() (model.QualifiedType, bool) {
	if l.HasShadowPointer() {
		return l.Arguments[0].Type.StripPointer()
	}
	if len(l.ReturnValues) == 1 && !model.IsScalar(l.types, l.ReturnValues[0].Type) {
		return l.ReturnValues[0].Type, true
	}
	return model.QualifiedType{}, false
}

// ArgumentRegisters lists the registers used by arguments in argument order
func (l *Layout) ArgumentRegisters() []model.Register {
	return lo.FlatMap(l.Arguments, func(a Argument, _ int) []model.Register { return a.Registers })
}

// ReturnValueRegisters lists the registers used by return values
func (l *Layout) ReturnValueRegisters() []model.Register {
	return lo.FlatMap(l.ReturnValues, func(rv ReturnValue, _ int) []model.Register { return rv.Registers })
}

func (l *Layout) ArgumentRegisterCount() int {
	return lo.SumBy(l.Arguments, func(a Argument) int { return len(a.Registers) })
}

func (l *Layout) ReturnValueRegisterCount() int {
	return lo.SumBy(l.ReturnValues, func(rv ReturnValue) int { return len(rv.Registers) })
}

// StackArgumentSize is the number of bytes of stack the arguments occupy
func (l *Layout) StackArgumentSize() uint64 {
	var result uint64
	for _, a := range l.Arguments {
		if a.Stack != nil {
			result = max(result, a.Stack.Offset+a.Stack.Size)
		}
	}
	return result
}

func alignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}
