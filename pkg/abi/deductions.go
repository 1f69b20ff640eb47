package abi

import (
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

// RegisterState is what is known about the use of a register by a function
type RegisterState int

const (
	Unknown RegisterState = iota
	No
	Yes
)

func (s RegisterState) String() string {
	switch s {
	case No:
		return "No"
	case Yes:
		return "Yes"
	}
	return "Unknown"
}

// RegisterStateMap maps registers to their known state. Missing registers
// are Unknown.
type RegisterStateMap map[model.Register]RegisterState

// Used returns the registers in state Yes, in register order
func (m RegisterStateMap) Used() []model.Register {
	var result []model.Register
	for r, s := range m {
		if s == Yes {
			result = append(result, r)
		}
	}
	model.SortRegisters(result)
	return result
}

// StateOf marks every register in registers as Yes
func StateOf(registers []model.Register) RegisterStateMap {
	m := make(RegisterStateMap, len(registers))
	for _, r := range registers {
		m[r] = Yes
	}
	return m
}

type deducer struct {
	definition *Definition
	input      RegisterStateMap
	result     RegisterStateMap
	enforce    bool
}

// mark records a register the convention must have used. An explicit No in
// the input makes a soft deduction fail.
func (dd *deducer) mark(r model.Register) bool {
	if dd.input[r] == No {
		if !dd.enforce {
			return false
		}
		Logger().Debug("overriding register state",
			zap.String("abi", dd.definition.Name()),
			zap.Stringer("register", r))
	}
	dd.result[r] = Yes
	return true
}

func (dd *deducer) rejectForeign(allowed []model.Register) bool {
	for r, s := range dd.input {
		if s != Yes || lo.Contains(allowed, r) {
			continue
		}
		if !dd.enforce {
			return false
		}
		Logger().Debug("dropping register the convention never uses",
			zap.String("abi", dd.definition.Name()),
			zap.Stringer("register", r))
	}
	return true
}

// fillList marks every register up to the last used one in list
func (dd *deducer) fillList(list []model.Register) bool {
	last := -1
	for i, r := range list {
		if dd.input[r] == Yes {
			last = i
		}
	}
	for i, r := range list {
		if i > last {
			dd.result[r] = No
			continue
		}
		if !dd.mark(r) {
			return false
		}
	}
	return true
}

func (dd *deducer) fillPositions(gprs, vectors []model.Register) bool {
	count := max(len(gprs), len(vectors))
	gprUsed := make([]bool, count)
	vectorUsed := make([]bool, count)
	last := -1
	for i := 0; i < count; i++ {
		gprUsed[i] = i < len(gprs) && dd.input[gprs[i]] == Yes
		vectorUsed[i] = i < len(vectors) && dd.input[vectors[i]] == Yes
		if gprUsed[i] && vectorUsed[i] {
			// a position holds a single argument
			if !dd.enforce {
				return false
			}
			vectorUsed[i] = false
		}
		if gprUsed[i] || vectorUsed[i] {
			last = i
		}
	}

	for i := 0; i < count; i++ {
		if i < len(gprs) {
			dd.result[gprs[i]] = No
		}
		if i < len(vectors) {
			dd.result[vectors[i]] = No
		}
		if i > last {
			continue
		}
		var r model.Register
		switch {
		case vectorUsed[i]:
			r = vectors[i]
		case i < len(gprs):
			// unused positions are filled with generic values
			r = gprs[i]
		default:
			r = vectors[i]
		}
		if !dd.mark(r) {
			return false
		}
	}
	return true
}

func (d *Definition) deduceArguments(state RegisterStateMap, enforce bool) (RegisterStateMap, bool) {
	dd := &deducer{definition: d, input: state, result: RegisterStateMap{}, enforce: enforce}
	allowed := append(append([]model.Register(nil), d.GeneralPurposeArgumentRegisters...), d.VectorArgumentRegisters...)
	if !dd.rejectForeign(allowed) {
		return nil, false
	}
	if d.ArgumentsArePositionBased {
		if !dd.fillPositions(d.GeneralPurposeArgumentRegisters, d.VectorArgumentRegisters) {
			return nil, false
		}
		return dd.result, true
	}
	if !dd.fillList(d.GeneralPurposeArgumentRegisters) || !dd.fillList(d.VectorArgumentRegisters) {
		return nil, false
	}
	return dd.result, true
}

func (d *Definition) deduceReturnValues(state RegisterStateMap, enforce bool) (RegisterStateMap, bool) {
	dd := &deducer{definition: d, input: state, result: RegisterStateMap{}, enforce: enforce}
	allowed := append(append([]model.Register(nil), d.GeneralPurposeReturnValueRegisters...), d.VectorReturnValueRegisters...)
	if !dd.rejectForeign(allowed) {
		return nil, false
	}
	if !dd.fillList(d.GeneralPurposeReturnValueRegisters) || !dd.fillList(d.VectorReturnValueRegisters) {
		return nil, false
	}
	return dd.result, true
}

// TryDeducingArgumentRegisterState completes the argument register usage of a
// function: registers the convention must have used before a used one are
// marked as used. It fails if the input contradicts the convention.
func (d *Definition) TryDeducingArgumentRegisterState(state RegisterStateMap) (RegisterStateMap, bool) {
	return d.deduceArguments(state, false)
}

// EnforceArgumentRegisterState is TryDeducingArgumentRegisterState that
// resolves contradictions in favor of the convention instead of failing
func (d *Definition) EnforceArgumentRegisterState(state RegisterStateMap) RegisterStateMap {
	result, _ := d.deduceArguments(state, true)
	return result
}

// TryDeducingReturnValueRegisterState is TryDeducingArgumentRegisterState for
// return values
func (d *Definition) TryDeducingReturnValueRegisterState(state RegisterStateMap) (RegisterStateMap, bool) {
	return d.deduceReturnValues(state, false)
}

// EnforceReturnValueRegisterState is EnforceArgumentRegisterState for return
// values
func (d *Definition) EnforceReturnValueRegisterState(state RegisterStateMap) RegisterStateMap {
	result, _ := d.deduceReturnValues(state, true)
	return result
}
