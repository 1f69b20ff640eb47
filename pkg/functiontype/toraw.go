package functiontype

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Cvelth/revng-sub000/pkg/abi"
	"github.com/Cvelth/revng-sub000/pkg/model"
)

// genericRegisterType is the untyped value filling a whole register
func genericRegisterType(bucket *model.TypeBucket, r model.Register) model.QualifiedType {
	return model.Unqualified(bucket.PrimitiveType(model.Generic, r.Size()))
}

// defaultRegisterType is the natural value of a register's class
func defaultRegisterType(bucket *model.TypeBucket, r model.Register) model.QualifiedType {
	return model.Unqualified(bucket.PrimitiveType(r.PrimitiveKind(), r.Size()))
}

// chooseType picks the raw type of a value of type qt living in register r
func chooseType(bucket *model.TypeBucket, qt model.QualifiedType, r model.Register, arch model.Architecture) model.QualifiedType {
	size, err := model.Size(bucket, qt)
	switch {
	case err != nil:
		return defaultRegisterType(bucket, r)
	case size > r.Size():
		return qt.PointerTo(arch)
	case !model.IsScalar(bucket, qt):
		return defaultRegisterType(bucket, r)
	}
	return qt
}

// ConvertToRaw replaces the CABI prototype with the given key by the
// equivalent raw prototype. Every reference to the old prototype is
// rewritten and the old prototype is erased.
func ConvertToRaw(b *model.Binary, key model.TypeKey) (model.TypeKey, error) {
	t, err := b.Type(key)
	if err != nil {
		return model.TypeKey{}, err
	}
	f, ok := t.(*model.CABIFunctionType)
	if !ok {
		return model.TypeKey{}, fmt.Errorf("%w: %s", ErrNotCABI, key)
	}
	d, err := abi.Default().Load(f.ABI)
	if err != nil {
		return model.TypeKey{}, err
	}

	bucket := model.NewTypeBucket(b)
	raw, err := toRaw(bucket, d, f)
	if err != nil {
		bucket.Drop()
		return model.TypeKey{}, fmt.Errorf("converting %s to raw: %w", key, err)
	}
	newKey := bucket.Make(raw)
	bucket.Commit()

	rewritten := b.ReplaceAllUsesWith(key, newKey)
	b.Erase(key)
	Logger().Debug("converted prototype to raw",
		zap.Stringer("from", key),
		zap.Stringer("to", newKey),
		zap.Int("references", rewritten))
	return newKey, nil
}

func toRaw(bucket *model.TypeBucket, d *abi.Definition, f *model.CABIFunctionType) (*model.RawFunctionType, error) {
	arch := d.Architecture()
	pointerSize := d.PointerSize()

	raw := &model.RawFunctionType{}
	model.CopyMetadata(raw, f)
	stack := &model.StructType{}
	var offset uint64

	// the return value goes first: it may need a leading argument
	rv, err := distributeReturnValue(d, bucket, f.ReturnType)
	if err != nil {
		return nil, err
	}
	switch {
	case len(rv.Registers) != 0:
		for _, r := range rv.Registers {
			qt := genericRegisterType(bucket, r)
			if len(rv.Registers) == 1 {
				qt = chooseType(bucket, f.ReturnType, r, arch)
			}
			raw.AddReturnValue(model.NamedTypedRegister{Location: r, Type: qt})
		}

	case rv.Size != 0:
		pointer := f.ReturnType.PointerTo(arch)
		switch {
		case d.ReturnValueLocationRegister != model.InvalidRegister:
			raw.AddArgument(model.NamedTypedRegister{Location: d.ReturnValueLocationRegister, Type: pointer})
		case d.ReturnValueLocationOnStack:
			stack.AddField(model.StructField{Offset: 0, Type: pointer})
			offset += pointerSize
		default:
			return nil, fmt.Errorf("%w: %s", ErrNoBigReturnValues, d.Name())
		}
		if len(d.GeneralPurposeReturnValueRegisters) != 0 {
			raw.AddReturnValue(model.NamedTypedRegister{Location: d.GeneralPurposeReturnValueRegisters[0], Type: pointer})
		}
	}

	distributed, err := distributeArguments(d, bucket, f.Arguments, rv.SizeOnStack != 0)
	if err != nil {
		return nil, err
	}
	index := 0
	for _, value := range distributed {
		if value.RepresentsPadding {
			for _, r := range value.Registers {
				raw.AddArgument(model.NamedTypedRegister{Location: r, Type: genericRegisterType(bucket, r)})
			}
			continue
		}
		argument := f.Arguments[index]
		index++
		passed := passedType(d, bucket, argument.Type)

		// every piece of a value spread over registers keeps its name
		single := len(value.Registers) == 1 && value.SizeOnStack == 0
		for _, r := range value.Registers {
			converted := model.NamedTypedRegister{Location: r, CustomName: argument.CustomName, Type: genericRegisterType(bucket, r)}
			if single {
				converted.Type = chooseType(bucket, passed, r, arch)
			}
			raw.AddArgument(converted)
		}

		if value.SizeOnStack == 0 {
			continue
		}
		alignment, ok := d.Alignment(bucket, passed)
		if !ok {
			return nil, fmt.Errorf("argument %d: %s has no alignment", argument.Index, passed)
		}
		offset = alignUp(offset, alignment)
		occupied, err := model.Size(bucket, passed)
		if err != nil {
			return nil, err
		}

		if len(value.Registers) == 0 {
			stack.AddField(model.StructField{Offset: offset, CustomName: argument.CustomName, Type: passed})
		} else {
			// the part that did not fit the registers becomes untyped slots
			occupied -= pointerSize * uint64(len(value.Registers))
			generic := model.Unqualified(bucket.PrimitiveType(model.Generic, pointerSize))
			for piece := uint64(0); piece < occupied; piece += pointerSize {
				stack.AddField(model.StructField{Offset: offset + piece, Type: generic})
			}
		}
		offset += d.PaddedSizeOnStack(occupied)
	}

	if offset != 0 {
		stack.Size = offset
		raw.StackArgumentsType = bucket.Make(stack)
	}
	raw.FinalStackOffset = finalStackOffset(d, offset)
	raw.PreservedRegisters = append([]model.Register(nil), d.CalleeSavedRegisters...)
	model.SortRegisters(raw.PreservedRegisters)
	return raw, nil
}
