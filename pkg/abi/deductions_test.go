package abi

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

func stateOf(yes []string, no []string) RegisterStateMap {
	m := StateOf(regs(yes...))
	for _, r := range regs(no...) {
		m[r] = No
	}
	return m
}

func TestArgumentDeductions(t *testing.T) {
	tests := []struct {
		name     string
		abi      model.ABI
		yes      []string
		no       []string
		soft     []string
		softOK   bool
		enforced []string
	}{
		{
			name:     "holes in the argument list",
			abi:      model.SystemV_x86_64,
			yes:      []string{"rdx_x86_64"},
			soft:     []string{"rdi_x86_64", "rsi_x86_64", "rdx_x86_64"},
			softOK:   true,
			enforced: []string{"rdi_x86_64", "rsi_x86_64", "rdx_x86_64"},
		},
		{
			name:     "independent classes",
			abi:      model.SystemV_x86_64,
			yes:      []string{"rdi_x86_64", "xmm1_x86_64"},
			soft:     []string{"rdi_x86_64", "xmm0_x86_64", "xmm1_x86_64"},
			softOK:   true,
			enforced: []string{"rdi_x86_64", "xmm0_x86_64", "xmm1_x86_64"},
		},
		{
			name:     "positions",
			abi:      model.Microsoft_x86_64,
			yes:      []string{"xmm1_x86_64", "r8_x86_64"},
			soft:     []string{"rcx_x86_64", "xmm1_x86_64", "r8_x86_64"},
			softOK:   true,
			enforced: []string{"rcx_x86_64", "xmm1_x86_64", "r8_x86_64"},
		},
		{
			name:     "two registers in one position",
			abi:      model.Microsoft_x86_64,
			yes:      []string{"rcx_x86_64", "xmm0_x86_64"},
			softOK:   false,
			enforced: []string{"rcx_x86_64"},
		},
		{
			name:     "register the convention never uses",
			abi:      model.SystemV_x86_64,
			yes:      []string{"rbx_x86_64", "rdi_x86_64"},
			softOK:   false,
			enforced: []string{"rdi_x86_64"},
		},
		{
			name:     "contradicting an explicit no",
			abi:      model.SystemV_x86_64,
			yes:      []string{"rsi_x86_64"},
			no:       []string{"rdi_x86_64"},
			softOK:   false,
			enforced: []string{"rdi_x86_64", "rsi_x86_64"},
		},
		{
			name:     "nothing used",
			abi:      model.AAPCS64,
			no:       []string{"x0_aarch64"},
			softOK:   true,
			soft:     []string{},
			enforced: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Get(tt.abi)
			state := stateOf(tt.yes, tt.no)

			soft, ok := d.TryDeducingArgumentRegisterState(state)
			if ok != tt.softOK {
				t.Fatalf("TryDeducingArgumentRegisterState() ok = %v, want %v", ok, tt.softOK)
			}
			if ok {
				got := d.SortArguments(soft.Used())
				if diff := cmp.Diff(regs(tt.soft...), got); diff != "" {
					t.Errorf("soft deduction mismatch (-want +got):\n%s", diff)
				}
			}

			enforced := d.EnforceArgumentRegisterState(state)
			got := d.SortArguments(enforced.Used())
			if diff := cmp.Diff(regs(tt.enforced...), got); diff != "" {
				t.Errorf("enforced deduction mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReturnValueDeductions(t *testing.T) {
	d := Get(model.SystemV_x86_64)

	state, ok := d.TryDeducingReturnValueRegisterState(stateOf([]string{"rdx_x86_64"}, nil))
	if !ok {
		t.Fatal("TryDeducingReturnValueRegisterState() failed")
	}
	if diff := cmp.Diff(regs("rax_x86_64", "rdx_x86_64"), d.SortReturnValues(state.Used())); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if state[model.MustParseRegister("xmm0_x86_64")] != No {
		t.Error("unused return registers should be marked No")
	}

	if _, ok := d.TryDeducingReturnValueRegisterState(stateOf([]string{"rdi_x86_64"}, nil)); ok {
		t.Error("rdi is not a return value register")
	}
	enforced := d.EnforceReturnValueRegisterState(stateOf([]string{"rdi_x86_64", "rax_x86_64"}, nil))
	if diff := cmp.Diff(regs("rax_x86_64"), enforced.Used()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
