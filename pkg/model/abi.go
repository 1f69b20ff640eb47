package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ABI identifies a calling convention
type ABI int

const (
	InvalidABI ABI = iota
	SystemV_x86_64
	SystemV_x86
	SystemV_x86_regparm_3
	SystemV_x86_regparm_2
	SystemV_x86_regparm_1
	Microsoft_x86_64
	Microsoft_x86_64_vectorcall
	Microsoft_x86_64_clrcall
	Microsoft_x86_cdecl
	Microsoft_x86_stdcall
	Microsoft_x86_thiscall
	Microsoft_x86_fastcall
	Microsoft_x86_clrcall
	Microsoft_x86_vectorcall
	Pascal_x86
	AAPCS64
	AAPCS
	SystemV_MIPS_o32
	SystemV_MIPSEL_o32
	SystemZ_s390x
)

type abiInfo struct {
	name string
	arch Architecture
}

var abiTable = []abiInfo{
	{"Invalid", InvalidArchitecture},
	{"SystemV_x86_64", X86_64},
	{"SystemV_x86", X86},
	{"SystemV_x86_regparm_3", X86},
	{"SystemV_x86_regparm_2", X86},
	{"SystemV_x86_regparm_1", X86},
	{"Microsoft_x86_64", X86_64},
	{"Microsoft_x86_64_vectorcall", X86_64},
	{"Microsoft_x86_64_clrcall", X86_64},
	{"Microsoft_x86_cdecl", X86},
	{"Microsoft_x86_stdcall", X86},
	{"Microsoft_x86_thiscall", X86},
	{"Microsoft_x86_fastcall", X86},
	{"Microsoft_x86_clrcall", X86},
	{"Microsoft_x86_vectorcall", X86},
	{"Pascal_x86", X86},
	{"AAPCS64", AArch64},
	{"AAPCS", ARM},
	{"SystemV_MIPS_o32", MIPS},
	{"SystemV_MIPSEL_o32", MIPSEL},
	{"SystemZ_s390x", SystemZ},
}

// ABIs lists every valid calling convention
func ABIs() []ABI {
	result := make([]ABI, 0, len(abiTable)-1)
	for i := 1; i < len(abiTable); i++ {
		result = append(result, ABI(i))
	}
	return result
}

// IsValid reports whether a names a known calling convention
func (a ABI) IsValid() bool {
	return a > 0 && int(a) < len(abiTable)
}

func (a ABI) String() string {
	if !a.IsValid() {
		return "Invalid"
	}
	return abiTable[a].name
}

// Architecture returns the architecture the calling convention is defined for
func (a ABI) Architecture() Architecture {
	if !a.IsValid() {
		return InvalidArchitecture
	}
	return abiTable[a].arch
}

// PointerSize returns the pointer size of the ABI's architecture
func (a ABI) PointerSize() uint64 {
	return a.Architecture().PointerSize()
}

// ParseABI looks a calling convention up by name
func ParseABI(name string) (ABI, error) {
	for _, a := range ABIs() {
		if a.String() == name {
			return a, nil
		}
	}
	return InvalidABI, fmt.Errorf("unknown ABI %q", name)
}

func (a ABI) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

func (a *ABI) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseABI(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = parsed
	return nil
}
