package functiontype

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Cvelth/revng-sub000/pkg/abi"
	"github.com/Cvelth/revng-sub000/pkg/model"
)

// DistributedValue describes where a single value lives after distribution
type DistributedValue struct {
	Registers   []model.Register
	Size        uint64
	SizeOnStack uint64
	// RepresentsPadding marks registers skipped to satisfy the even-register rule
	RepresentsPadding bool
}

// distributor assigns values to registers and stack slots for one prototype
type distributor struct {
	abi   *abi.Definition
	types model.TypeResolver
	cache *abi.AlignmentCache

	usedGPRs      uint64
	usedVectors   uint64
	argumentIndex uint64
}

func newDistributor(d *abi.Definition, types model.TypeResolver) *distributor {
	return &distributor{abi: d, types: types, cache: abi.NewAlignmentCache()}
}

func (d *distributor) size(qt model.QualifiedType) (uint64, error) {
	size, err := model.Size(d.types, qt)
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", qt, err)
	}
	return size, nil
}

// usesPointerToCopy reports whether the convention passes qt through a
// pointer to a copy made by the caller
func usesPointerToCopy(d *abi.Definition, types model.TypeResolver, qt model.QualifiedType) bool {
	if !d.UsePointerToCopyForStackArguments || model.IsScalar(types, qt) {
		return false
	}
	size, err := model.Size(types, qt)
	return err == nil && size > d.PointerSize()
}

// passedType is the type that actually travels through registers or the stack
func passedType(d *abi.Definition, types model.TypeResolver, qt model.QualifiedType) model.QualifiedType {
	if usesPointerToCopy(d, types, qt) {
		return qt.PointerTo(d.Architecture())
	}
	return qt
}

// distribute places a value of type qt into registers (starting from index
// occupied, using at most limit of them) and the stack. It returns the
// distributed value, possibly preceded by padding, and the new count of
// occupied registers.
func (d *distributor) distribute(qt model.QualifiedType, registers []model.Register, occupied, limit uint64, forbidSplitting bool) ([]DistributedValue, uint64, error) {
	size, err := d.size(qt)
	if err != nil {
		return nil, 0, err
	}
	alignment, ok := d.abi.AlignmentWithCache(d.types, qt, d.cache)
	if !ok && size != 0 {
		return nil, 0, fmt.Errorf("%s has no alignment under %s", qt, d.abi.Name())
	}
	natural, ok := d.abi.HasNaturalAlignmentWithCache(d.types, qt, d.cache)
	if !ok && size != 0 {
		return nil, 0, fmt.Errorf("cannot tell whether %s is naturally aligned", qt)
	}

	count := uint64(len(registers))
	lastRegister := min(occupied+limit, count)
	considered := occupied
	var covered uint64
	accumulate := func() {
		for covered < size && considered < lastRegister {
			covered += registers[considered].Size()
			considered++
		}
	}
	accumulate()

	var result []DistributedValue
	start := occupied
	if d.abi.OnlyStartDoubleArgumentsFromAnEvenRegister {
		pointerSize := d.abi.PointerSize()
		multiAligned := size >= pointerSize && alignment > pointerSize
		if multiAligned && considered != occupied && occupied%2 != 0 {
			padding := DistributedValue{
				Registers:         []model.Register{registers[occupied]},
				Size:              registers[occupied].Size(),
				RepresentsPadding: true,
			}
			result = append(result, padding)
			covered -= padding.Size
			start++
			// the skipped register does not count against the value's limit
			lastRegister = min(lastRegister+1, count)
			accumulate()
		}
	}

	value := DistributedValue{Size: size}
	allowSplitting := !forbidSplitting && d.abi.ArgumentsCanBeSplitBetweenRegistersAndStack
	switch {
	case covered >= size && natural:
		value.Registers = append([]model.Register(nil), registers[start:considered]...)
	case allowSplitting && covered < size && considered == lastRegister && considered > start:
		value.Registers = append([]model.Register(nil), registers[start:considered]...)
		value.SizeOnStack = size - covered
	default:
		// stack only, the padding is not needed after all
		result = nil
		value.SizeOnStack = size
		if d.abi.NoRegisterArgumentsCanComeAfterStackOnes {
			considered = count
		} else {
			considered = occupied
		}
	}

	if value.SizeOnStack != 0 {
		value.SizeOnStack = d.abi.PaddedSizeOnStack(value.SizeOnStack)
	}

	Logger().Debug("distributed value",
		zap.String("abi", d.abi.Name()),
		zap.Stringer("type", qt),
		zap.Uint64("size", size),
		zap.Int("registers", len(value.Registers)),
		zap.Uint64("stack", value.SizeOnStack),
		zap.Bool("padded", len(result) != 0))

	return append(result, value), considered, nil
}

// syncCursors applies VectorArgumentsReplaceGenericOnes: both register
// classes advance together
func (d *distributor) syncCursors() {
	if d.abi.VectorArgumentsReplaceGenericOnes {
		shared := max(d.usedGPRs, d.usedVectors)
		d.usedGPRs, d.usedVectors = shared, shared
	}
}

func (d *distributor) positionBased(qt model.QualifiedType) ([]DistributedValue, error) {
	size, err := d.size(qt)
	if err != nil {
		return nil, err
	}
	// a position holds one argument whatever its class, so both register
	// classes already advance together and VectorArgumentsReplaceGenericOnes
	// changes nothing here
	index := d.argumentIndex
	value := DistributedValue{Size: size}

	if model.IsFloat(d.types, qt) {
		if index < uint64(len(d.abi.VectorArgumentRegisters)) {
			value.Registers = []model.Register{d.abi.VectorArgumentRegisters[index]}
		} else {
			value.SizeOnStack = d.abi.PaddedSizeOnStack(size)
		}
	} else {
		if index < uint64(len(d.abi.GeneralPurposeArgumentRegisters)) {
			value.Registers = []model.Register{d.abi.GeneralPurposeArgumentRegisters[index]}
		} else {
			value.SizeOnStack = d.abi.PaddedSizeOnStack(size)
		}
	}

	d.argumentIndex++
	return []DistributedValue{value}, nil
}

func (d *distributor) nonPositionBased(qt model.QualifiedType) ([]DistributedValue, error) {
	d.syncCursors()

	var registers []model.Register
	var counter *uint64
	var limit uint64
	forbidSplitting := false

	if model.IsFloat(d.types, qt) {
		registers = d.abi.VectorArgumentRegisters
		counter = &d.usedVectors
		if uint64(len(registers)) > *counter {
			// floats take at most a single vector register
			size, err := d.size(qt)
			if err != nil {
				return nil, err
			}
			value := DistributedValue{Registers: []model.Register{registers[*counter]}, Size: size}
			*counter++
			d.syncCursors()
			d.argumentIndex++
			return []DistributedValue{value}, nil
		}
		// no vector register left: the stack it is, never a GPR
		limit = 0
		forbidSplitting = true
	} else {
		registers = d.abi.GeneralPurposeArgumentRegisters
		counter = &d.usedGPRs
		if model.IsScalar(d.types, qt) {
			limit = d.abi.MaximumGPRsPerScalarArgument
		} else {
			limit = d.abi.MaximumGPRsPerAggregateArgument
		}
	}

	values, next, err := d.distribute(qt, registers, *counter, limit, forbidSplitting)
	if err != nil {
		return nil, err
	}
	if !d.plausibleNextRegister(*counter, next, limit, uint64(len(registers))) {
		Logger().Warn("unexpected register cursor after distribution",
			zap.String("abi", d.abi.Name()),
			zap.Uint64("current", *counter),
			zap.Uint64("next", next))
	}
	*counter = next
	d.syncCursors()
	d.argumentIndex++
	return values, nil
}

func (d *distributor) plausibleNextRegister(current, next, limit, count uint64) bool {
	switch {
	case current == next:
		return true
	case next >= current && next <= current+limit+1:
		// one extra register may hold padding
		return true
	case next == count:
		return d.abi.NoRegisterArgumentsCanComeAfterStackOnes
	}
	return false
}

// nextArgument distributes the next argument in declaration order
func (d *distributor) nextArgument(qt model.QualifiedType) ([]DistributedValue, error) {
	qt = passedType(d.abi, d.types, qt)
	if d.abi.ArgumentsArePositionBased {
		return d.positionBased(qt)
	}
	return d.nonPositionBased(qt)
}

// distributeArguments distributes a whole argument list. When the return
// value travels through a shadow pointer living in the first argument
// register, that register is not available to the arguments.
func distributeArguments(d *abi.Definition, types model.TypeResolver, arguments []model.Argument, hasShadowPointer bool) ([]DistributedValue, error) {
	dist := newDistributor(d, types)
	if hasShadowPointer {
		gprs := d.GeneralPurposeArgumentRegisters
		if len(gprs) != 0 && d.ReturnValueLocationRegister == gprs[0] {
			dist.usedGPRs = 1
			dist.argumentIndex = 1
		}
	}

	var result []DistributedValue
	for _, argument := range arguments {
		values, err := dist.nextArgument(argument.Type)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", argument.Index, err)
		}
		result = append(result, values...)
	}
	return result, nil
}

// distributeReturnValue decides how a value of type qt is returned. A
// value that does not fit the return registers is reported as living on
// the stack, which means it travels through a shadow pointer.
func distributeReturnValue(d *abi.Definition, types model.TypeResolver, qt model.QualifiedType) (DistributedValue, error) {
	if model.IsVoid(types, qt) {
		return DistributedValue{}, nil
	}

	var registers []model.Register
	var limit uint64
	if model.IsFloat(types, qt) {
		registers = d.VectorReturnValueRegisters
		// floats the convention cannot return (x87) are treated as void
		if len(registers) == 0 {
			Logger().Debug("dropping unsupported floating point return value",
				zap.String("abi", d.Name()), zap.Stringer("type", qt))
			return DistributedValue{}, nil
		}
		limit = 1
	} else {
		registers = d.GeneralPurposeReturnValueRegisters
		if model.IsScalar(types, qt) {
			limit = d.MaximumGPRsPerScalarReturnValue
		} else {
			limit = d.MaximumGPRsPerAggregateReturnValue
		}
	}

	values, _, err := newDistributor(d, types).distribute(qt, registers, 0, limit, true)
	if err != nil {
		return DistributedValue{}, fmt.Errorf("return value: %w", err)
	}
	if len(values) != 1 {
		return DistributedValue{}, fmt.Errorf("return value of type %s was padded", qt)
	}
	return values[0], nil
}

// finalStackOffset computes how far the stack pointer moves across a call
func finalStackOffset(d *abi.Definition, stackArgumentSize uint64) uint64 {
	result := d.Architecture().CallPushSize()
	if d.CalleeIsResponsibleForStackCleanup {
		result += stackArgumentSize
		result = (result + d.StackAlignment - 1) &^ (d.StackAlignment - 1)
	}
	return result
}
