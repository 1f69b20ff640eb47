// Package abi describes calling conventions as data: which registers carry
// arguments and return values, how the stack is used and how primitive
// values are aligned.
package abi

import (
	"github.com/samber/lo"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

// AlignmentRule states the alignment of primitive values of a given size
type AlignmentRule struct {
	Size    uint64 `yaml:"Size"`
	AlignAt uint64 `yaml:"AlignAt"`
}

// Definition is the immutable description of a single calling convention.
// Instances returned by Get are shared and must not be modified.
type Definition struct {
	ABI model.ABI `yaml:"ABI"`

	// ArgumentsArePositionBased states that the Nth argument always uses the
	// Nth register of its class (or the stack), regardless of the classes of
	// the preceding arguments.
	ArgumentsArePositionBased bool `yaml:"ArgumentsArePositionBased"`

	// OnlyStartDoubleArgumentsFromAnEvenRegister makes values that need two
	// GPRs skip an odd register.
	OnlyStartDoubleArgumentsFromAnEvenRegister bool `yaml:"OnlyStartDoubleArgumentsFromAnEvenRegister"`

	// ArgumentsCanBeSplitBetweenRegistersAndStack lets a value that does not
	// fit the remaining registers spill only its tail onto the stack.
	ArgumentsCanBeSplitBetweenRegistersAndStack bool `yaml:"ArgumentsCanBeSplitBetweenRegistersAndStack"`

	// UsePointerToCopyForStackArguments passes aggregates wider than a GPR
	// through a pointer to a caller-made copy.
	UsePointerToCopyForStackArguments bool `yaml:"UsePointerToCopyForStackArguments"`

	CalleeIsResponsibleForStackCleanup bool `yaml:"CalleeIsResponsibleForStackCleanup"`

	// NoRegisterArgumentsCanComeAfterStackOnes exhausts a register class as
	// soon as a value of that class is placed on the stack.
	NoRegisterArgumentsCanComeAfterStackOnes bool `yaml:"NoRegisterArgumentsCanComeAfterStackOnes,omitempty"`

	// VectorArgumentsReplaceGenericOnes makes vector and general purpose
	// arguments share the same slot counter.
	VectorArgumentsReplaceGenericOnes bool `yaml:"VectorArgumentsReplaceGenericOnes,omitempty"`

	StackAlignment uint64 `yaml:"StackAlignment"`

	MaximumGPRsPerAggregateArgument    uint64 `yaml:"MaximumGPRsPerAggregateArgument"`
	MaximumGPRsPerAggregateReturnValue uint64 `yaml:"MaximumGPRsPerAggregateReturnValue"`
	MaximumGPRsPerScalarArgument       uint64 `yaml:"MaximumGPRsPerScalarArgument"`
	MaximumGPRsPerScalarReturnValue    uint64 `yaml:"MaximumGPRsPerScalarReturnValue"`

	GeneralPurposeArgumentRegisters    []model.Register `yaml:"GeneralPurposeArgumentRegisters,omitempty"`
	GeneralPurposeReturnValueRegisters []model.Register `yaml:"GeneralPurposeReturnValueRegisters,omitempty"`
	VectorArgumentRegisters            []model.Register `yaml:"VectorArgumentRegisters,omitempty"`
	VectorReturnValueRegisters         []model.Register `yaml:"VectorReturnValueRegisters,omitempty"`
	CalleeSavedRegisters               []model.Register `yaml:"CalleeSavedRegisters,omitempty"`

	// ReturnValueLocationRegister carries the address of caller-provided
	// space for values too big to be returned in registers.
	ReturnValueLocationRegister model.Register `yaml:"ReturnValueLocationRegister,omitempty"`
	// ReturnValueLocationOnStack passes that address as the first stack slot instead.
	ReturnValueLocationOnStack bool `yaml:"ReturnValueLocationOnStack,omitempty"`

	TypeSpecific              []AlignmentRule `yaml:"TypeSpecific"`
	FloatingPointTypeSpecific []AlignmentRule `yaml:"FloatingPointTypeSpecific,omitempty"`
}

// Name returns the name of the calling convention
func (d *Definition) Name() string {
	return d.ABI.String()
}

// Architecture returns the architecture the calling convention targets
func (d *Definition) Architecture() model.Architecture {
	return d.ABI.Architecture()
}

// PointerSize returns the pointer (and stack slot) size in bytes
func (d *Definition) PointerSize() uint64 {
	return d.ABI.PointerSize()
}

// SupportsBigReturnValues reports whether values can be returned through
// caller-provided memory
func (d *Definition) SupportsBigReturnValues() bool {
	return d.ReturnValueLocationRegister != model.InvalidRegister || d.ReturnValueLocationOnStack
}

func verifyRegisters(registers []model.Register, arch model.Architecture) bool {
	for _, r := range registers {
		if !r.IsValid() || r.Architecture() != arch {
			return false
		}
	}
	return len(lo.Uniq(registers)) == len(registers)
}

func (d *Definition) verifyReturnValueLocation() bool {
	location := d.ReturnValueLocationRegister
	if location == model.InvalidRegister {
		return true
	}
	if d.ReturnValueLocationOnStack {
		return false
	}
	if location.Architecture() != d.Architecture() || location.IsVector() {
		return false
	}
	if lo.Contains(d.CalleeSavedRegisters, location) {
		return false
	}
	// it may double as an argument register, but only as the first one
	index := lo.IndexOf(d.GeneralPurposeArgumentRegisters, location)
	return index <= 0
}

// Verify checks the internal consistency of the definition
func (d *Definition) Verify() bool {
	if !d.ABI.IsValid() {
		return false
	}
	arch := d.Architecture()
	lists := [][]model.Register{
		d.GeneralPurposeArgumentRegisters,
		d.GeneralPurposeReturnValueRegisters,
		d.VectorArgumentRegisters,
		d.VectorReturnValueRegisters,
		d.CalleeSavedRegisters,
	}
	for _, list := range lists {
		if !verifyRegisters(list, arch) {
			return false
		}
	}
	if !d.verifyReturnValueLocation() {
		return false
	}
	if d.StackAlignment == 0 || d.StackAlignment&(d.StackAlignment-1) != 0 {
		return false
	}
	for _, rule := range append(append([]AlignmentRule(nil), d.TypeSpecific...), d.FloatingPointTypeSpecific...) {
		if rule.AlignAt == 0 || rule.AlignAt&(rule.AlignAt-1) != 0 {
			return false
		}
	}
	return true
}

// IsIncompatibleWith reports whether a raw prototype uses registers that this
// calling convention could never assign. A false result does not guarantee
// compatibility.
func (d *Definition) IsIncompatibleWith(function *model.RawFunctionType) bool {
	arch := d.Architecture()

	allowedArguments := append(append([]model.Register(nil), d.GeneralPurposeArgumentRegisters...), d.VectorArgumentRegisters...)
	for _, argument := range function.Arguments {
		if argument.Location.Architecture() != arch || !lo.Contains(allowedArguments, argument.Location) {
			return true
		}
	}

	allowedReturnValues := append(append([]model.Register(nil), d.GeneralPurposeReturnValueRegisters...), d.VectorReturnValueRegisters...)
	for _, rv := range function.ReturnValues {
		if rv.Location.Architecture() != arch || !lo.Contains(allowedReturnValues, rv.Location) {
			return true
		}
	}

	for _, preserved := range function.PreservedRegisters {
		if preserved.Architecture() != arch {
			return true
		}
	}
	return false
}

// PaddedSizeOnStack rounds size up to a whole number of stack slots
func (d *Definition) PaddedSizeOnStack(size uint64) uint64 {
	return paddedSizeOnStack(size, d.PointerSize())
}

func paddedSizeOnStack(size, slot uint64) uint64 {
	if size <= slot {
		return slot
	}
	return alignUp(size, slot)
}

// alignUp rounds n up to the nearest multiple of align
func alignUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

// SortArguments orders argument registers the way the calling convention
// assigns them. Registers the convention never uses for arguments go last.
func (d *Definition) SortArguments(registers []model.Register) []model.Register {
	var order []model.Register
	if d.ArgumentsArePositionBased {
		count := max(len(d.GeneralPurposeArgumentRegisters), len(d.VectorArgumentRegisters))
		for i := 0; i < count; i++ {
			if i < len(d.GeneralPurposeArgumentRegisters) {
				order = append(order, d.GeneralPurposeArgumentRegisters[i])
			}
			if i < len(d.VectorArgumentRegisters) {
				order = append(order, d.VectorArgumentRegisters[i])
			}
		}
	} else {
		order = append(order, d.GeneralPurposeArgumentRegisters...)
		order = append(order, d.VectorArgumentRegisters...)
	}
	return sortBy(order, registers)
}

// SortReturnValues orders return value registers the way the calling
// convention assigns them
func (d *Definition) SortReturnValues(registers []model.Register) []model.Register {
	var order []model.Register
	order = append(order, d.GeneralPurposeReturnValueRegisters...)
	order = append(order, d.VectorReturnValueRegisters...)
	return sortBy(order, registers)
}

func sortBy(order, registers []model.Register) []model.Register {
	present := lo.Uniq(registers)
	result := lo.Filter(order, func(r model.Register, _ int) bool { return lo.Contains(present, r) })
	rest := lo.Filter(present, func(r model.Register, _ int) bool { return !lo.Contains(order, r) })
	model.SortRegisters(rest)
	return append(result, rest...)
}
