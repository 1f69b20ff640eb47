package functiontype

import (
	"fmt"
	"math/bits"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Cvelth/revng-sub000/pkg/abi"
	"github.com/Cvelth/revng-sub000/pkg/model"
)

// Options tune the raw to CABI conversion
type Options struct {
	// Strict makes the register deductions enforce the convention instead
	// of failing when the prototype does not follow it
	Strict bool
}

// TryConvertToCABI replaces the raw prototype with the given key by an
// equivalent CABI prototype using the given calling convention. An
// InvalidABI means the binary's default. On failure the binary is left
// untouched and false is returned.
func TryConvertToCABI(b *model.Binary, key model.TypeKey, target model.ABI, opts Options) (model.TypeKey, bool) {
	log := Logger().With(zap.Stringer("prototype", key))

	t, err := b.Type(key)
	if err != nil {
		log.Debug("cannot resolve prototype", zap.Error(err))
		return model.TypeKey{}, false
	}
	f, ok := t.(*model.RawFunctionType)
	if !ok {
		return model.TypeKey{}, false
	}
	if target == model.InvalidABI {
		target = b.DefaultABI
	}
	d, err := abi.Default().Load(target)
	if err != nil {
		log.Debug("cannot load calling convention", zap.Error(err))
		return model.TypeKey{}, false
	}
	log = log.With(zap.String("abi", d.Name()))

	shadow, f := findShadowPointer(b, d, f)
	if d.IsIncompatibleWith(f) {
		log.Debug("prototype uses registers the convention never assigns")
		return model.TypeKey{}, false
	}
	if shadow != nil {
		log.Debug("return value travels through a shadow pointer", zap.Stringer("returns", shadow.returnType))
	}

	bucket := model.NewTypeBucket(b)
	converter := &cabiConverter{abi: d, bucket: bucket, function: f, strict: opts.Strict, shadow: shadow}
	cabi, err := converter.convert()
	if err != nil {
		bucket.Drop()
		log.Debug("conversion to CABI failed", zap.Error(err))
		return model.TypeKey{}, false
	}
	newKey := bucket.Make(cabi)
	bucket.Commit()

	rewritten := b.ReplaceAllUsesWith(key, newKey)
	b.Erase(key)
	log.Debug("converted prototype to CABI",
		zap.Stringer("to", newKey),
		zap.Int("references", rewritten))
	return newKey, true
}

type cabiConverter struct {
	abi      *abi.Definition
	bucket   *model.TypeBucket
	function *model.RawFunctionType
	strict   bool
	shadow   *shadowPointer
}

// shadowPointer is the pointer a raw prototype receives to the memory its
// return value is written to
type shadowPointer struct {
	returnType model.QualifiedType
	register   model.Register
	onStack    bool
}

// findShadowPointer recognizes the shadow pointer ConvertToRaw emits: a
// pointer to a value that cannot be returned in registers, in the return
// value location, mirrored in the first return register if there is one.
// The prototype it returns no longer mentions the pointer's registers.
func findShadowPointer(r model.TypeResolver, d *abi.Definition, f *model.RawFunctionType) (*shadowPointer, *model.RawFunctionType) {
	shadow := &shadowPointer{}
	var pointer model.QualifiedType
	switch {
	case d.ReturnValueLocationRegister != model.InvalidRegister:
		argument, found := f.FindArgument(d.ReturnValueLocationRegister)
		if !found {
			return nil, f
		}
		shadow.register = argument.Location
		pointer = argument.Type
	case d.ReturnValueLocationOnStack:
		field, found := firstStackField(r, f)
		if !found || field.Offset != 0 {
			return nil, f
		}
		shadow.onStack = true
		pointer = field.Type
	default:
		return nil, f
	}

	pointee, ok := pointer.StripPointer()
	if !ok {
		return nil, f
	}
	if rv, err := distributeReturnValue(d, r, pointee); err != nil || rv.SizeOnStack == 0 {
		return nil, f
	}
	if len(d.GeneralPurposeReturnValueRegisters) == 0 {
		if len(f.ReturnValues) != 0 {
			return nil, f
		}
	} else {
		if len(f.ReturnValues) != 1 {
			return nil, f
		}
		mirror := f.ReturnValues[0]
		if mirror.Location != d.GeneralPurposeReturnValueRegisters[0] || !mirror.Type.Equal(pointer) {
			return nil, f
		}
	}
	shadow.returnType = pointee

	view := *f
	view.ReturnValues = nil
	if !shadow.onStack {
		view.Arguments = lo.Reject(f.Arguments, func(a model.NamedTypedRegister, _ int) bool {
			return a.Location == shadow.register
		})
	}
	return shadow, &view
}

func firstStackField(r model.TypeResolver, f *model.RawFunctionType) (model.StructField, bool) {
	if f.StackArgumentsType.IsEmpty() {
		return model.StructField{}, false
	}
	t, err := r.Type(f.StackArgumentsType)
	if err != nil {
		return model.StructField{}, false
	}
	stack, ok := t.(*model.StructType)
	if !ok || len(stack.Fields) == 0 {
		return model.StructField{}, false
	}
	return stack.Fields[0], true
}

func (c *cabiConverter) convert() (*model.CABIFunctionType, error) {
	arguments, err := c.registerArguments()
	if err != nil {
		return nil, err
	}
	stackArguments, err := c.stackArguments(uint64(len(arguments)))
	if err != nil {
		return nil, err
	}
	arguments = append(arguments, stackArguments...)

	returnType, err := c.returnValue()
	if err != nil {
		return nil, err
	}

	result := &model.CABIFunctionType{
		ABI:        c.abi.ABI,
		ReturnType: returnType,
		Arguments:  arguments,
	}
	model.CopyMetadata(result, c.function)
	return result, nil
}

func (c *cabiConverter) deduceArguments(state abi.RegisterStateMap) (abi.RegisterStateMap, bool) {
	if c.strict {
		return c.abi.EnforceArgumentRegisterState(state), true
	}
	return c.abi.TryDeducingArgumentRegisterState(state)
}

func (c *cabiConverter) deduceReturnValues(state abi.RegisterStateMap) (abi.RegisterStateMap, bool) {
	if c.strict {
		return c.abi.EnforceReturnValueRegisterState(state), true
	}
	return c.abi.TryDeducingReturnValueRegisterState(state)
}

func (c *cabiConverter) registerArguments() ([]model.Argument, error) {
	used := make([]model.Register, 0, len(c.function.Arguments))
	for _, argument := range c.function.Arguments {
		used = append(used, argument.Location)
	}
	state, ok := c.deduceArguments(abi.StateOf(used))
	if !ok {
		return nil, fmt.Errorf("argument registers do not follow %s", c.abi.Name())
	}

	var result []model.Argument
	ordered := c.abi.SortArguments(state.Used())
	for i := 0; i < len(ordered); i++ {
		r := ordered[i]
		if c.shadow != nil && !c.shadow.onStack && r == c.shadow.register {
			continue
		}
		if pair, found := c.evenRegisterPair(ordered, i); found {
			pair.Index = uint64(len(result))
			result = append(result, pair)
			i += 2
			continue
		}

		argument := model.Argument{Index: uint64(len(result)), Type: genericRegisterType(c.bucket, r)}
		if existing, found := c.function.FindArgument(r); found {
			argument.CustomName = existing.CustomName
			if existing.Type.Type.IsEmpty() {
				argument.Type = defaultRegisterType(c.bucket, r)
			} else {
				argument.Type = existing.Type
			}
		}
		result = append(result, argument)
	}
	return result, nil
}

// evenRegisterPair recognizes a value the even register rule pushed past a
// register: an unnamed generic register at an odd position followed by two
// registers carrying the same argument name. The pair becomes one value and
// the skipped register is dropped, distributing that value skips it again.
func (c *cabiConverter) evenRegisterPair(ordered []model.Register, i int) (model.Argument, bool) {
	d := c.abi
	if !d.OnlyStartDoubleArgumentsFromAnEvenRegister || d.ArgumentsArePositionBased || i+2 >= len(ordered) {
		return model.Argument{}, false
	}
	gprs := d.GeneralPurposeArgumentRegisters
	position := lo.IndexOf(gprs, ordered[i])
	if position < 0 || position%2 == 0 || position+2 >= len(gprs) {
		return model.Argument{}, false
	}
	if ordered[i+1] != gprs[position+1] || ordered[i+2] != gprs[position+2] {
		return model.Argument{}, false
	}

	if skipped, found := c.function.FindArgument(ordered[i]); found {
		generic := skipped.Type.Type.IsEmpty() ||
			skipped.Type.Equal(model.Unqualified(model.PrimitiveKey(model.Generic, ordered[i].Size())))
		if skipped.CustomName != "" || !generic {
			return model.Argument{}, false
		}
	}
	first, found := c.function.FindArgument(ordered[i+1])
	if !found || first.CustomName == "" {
		return model.Argument{}, false
	}
	if second, found := c.function.FindArgument(ordered[i+2]); !found || second.CustomName != first.CustomName {
		return model.Argument{}, false
	}

	size := ordered[i+1].Size() + ordered[i+2].Size()
	return model.Argument{
		CustomName: first.CustomName,
		Type:       model.Unqualified(c.bucket.PrimitiveType(model.Generic, size)),
	}, true
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// stackArguments turns every field of the stack argument struct into an
// argument, checking that the fields are laid out the way the convention
// would push them
func (c *cabiConverter) stackArguments(firstIndex uint64) ([]model.Argument, error) {
	key := c.function.StackArgumentsType
	if key.IsEmpty() {
		return nil, nil
	}
	t, err := c.bucket.Type(key)
	if err != nil {
		return nil, err
	}
	stack, ok := t.(*model.StructType)
	if !ok {
		return nil, fmt.Errorf("stack arguments %s are not a struct", key)
	}
	if len(stack.Fields) == 0 {
		return nil, nil
	}
	if stack.Fields[0].Offset != 0 {
		return nil, fmt.Errorf("first stack argument starts at offset %d", stack.Fields[0].Offset)
	}

	cache := abi.NewAlignmentCache()
	var result []model.Argument
	index := firstIndex
	for i, field := range stack.Fields {
		size, err := model.Size(c.bucket, field.Type)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, fmt.Errorf("stack argument at offset %d has no size", field.Offset)
		}
		alignment, ok := c.abi.AlignmentWithCache(c.bucket, field.Type, cache)
		if !ok || !isPowerOfTwo(alignment) {
			return nil, fmt.Errorf("stack argument at offset %d has an invalid alignment", field.Offset)
		}

		if i+1 < len(stack.Fields) {
			next := stack.Fields[i+1]
			nextAlignment, ok := c.abi.AlignmentWithCache(c.bucket, next.Type, cache)
			if !ok || !isPowerOfTwo(nextAlignment) {
				return nil, fmt.Errorf("stack argument at offset %d has an invalid alignment", next.Offset)
			}
			// the next argument takes the first slot its alignment allows
			end, carry := bits.Add64(field.Offset, c.abi.PaddedSizeOnStack(size), 0)
			if carry != 0 || next.Offset < end || next.Offset-end >= nextAlignment || next.Offset%nextAlignment != 0 {
				return nil, fmt.Errorf("stack argument at offset %d is not where the convention puts it", next.Offset)
			}
		}

		if i == 0 && c.shadow != nil && c.shadow.onStack {
			continue
		}
		result = append(result, model.Argument{
			Index:      index,
			CustomName: field.CustomName,
			Type:       field.Type,
		})
		index++
	}

	if alignment, ok := c.abi.AlignmentWithCache(c.bucket, model.Unqualified(key), cache); !ok || !isPowerOfTwo(alignment) {
		return nil, fmt.Errorf("stack arguments %s have an invalid alignment", key)
	}
	return result, nil
}

func (c *cabiConverter) returnValue() (model.QualifiedType, error) {
	if c.shadow != nil {
		return c.shadow.returnType, nil
	}
	void := model.Unqualified(c.bucket.PrimitiveType(model.Void, 0))
	if len(c.function.ReturnValues) == 0 {
		return void, nil
	}

	used := make([]model.Register, 0, len(c.function.ReturnValues))
	for _, rv := range c.function.ReturnValues {
		used = append(used, rv.Location)
	}
	state, ok := c.deduceReturnValues(abi.StateOf(used))
	if !ok {
		return model.QualifiedType{}, fmt.Errorf("return value registers do not follow %s", c.abi.Name())
	}
	registers := c.abi.SortReturnValues(state.Used())

	switch len(registers) {
	case 0:
		return void, nil
	case 1:
		if existing, found := c.function.FindReturnValue(registers[0]); found && !existing.Type.Type.IsEmpty() {
			return existing.Type, nil
		}
		return defaultRegisterType(c.bucket, registers[0]), nil
	}
	if wide, ok := c.widePrimitive(registers); ok {
		return wide, nil
	}

	// several registers come back as the fields of a new struct
	cache := abi.NewAlignmentCache()
	result := &model.StructType{}
	var offset uint64
	for _, r := range registers {
		fieldType := genericRegisterType(c.bucket, r)
		if existing, found := c.function.FindReturnValue(r); found && !existing.Type.Type.IsEmpty() {
			fieldType = existing.Type
		}
		size, err := model.Size(c.bucket, fieldType)
		if err != nil {
			return model.QualifiedType{}, err
		}
		alignment, ok := c.abi.AlignmentWithCache(c.bucket, fieldType, cache)
		if !ok {
			return model.QualifiedType{}, fmt.Errorf("return value in %s has no alignment", r)
		}
		offset = alignUp(result.Size, alignment)
		result.AddField(model.StructField{Offset: offset, Type: fieldType})
		result.Size = offset + c.abi.PaddedSizeOnStack(size)
	}
	return model.Unqualified(c.bucket.Make(result)), nil
}

// widePrimitive is the scalar spread over several general purpose return
// registers when the convention could not return an aggregate that large in
// registers
func (c *cabiConverter) widePrimitive(registers []model.Register) (model.QualifiedType, bool) {
	count := uint64(len(registers))
	if count <= c.abi.MaximumGPRsPerAggregateReturnValue || count > c.abi.MaximumGPRsPerScalarReturnValue {
		return model.QualifiedType{}, false
	}
	var size uint64
	for _, r := range registers {
		if !lo.Contains(c.abi.GeneralPurposeReturnValueRegisters, r) {
			return model.QualifiedType{}, false
		}
		size += r.Size()
	}
	switch size {
	case 1, 2, 4, 8, 16:
		return model.Unqualified(c.bucket.PrimitiveType(model.Generic, size)), true
	}
	return model.QualifiedType{}, false
}
