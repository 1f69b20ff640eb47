// Package model defines the binary model the lowering engine operates on:
// architectures, registers, calling convention identifiers and the type table.
package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Architecture identifies a target instruction set
type Architecture int

const (
	InvalidArchitecture Architecture = iota
	X86
	X86_64
	ARM
	AArch64
	MIPS
	MIPSEL
	SystemZ
)

var architectureNames = []string{"Invalid", "x86", "x86_64", "arm", "aarch64", "mips", "mipsel", "systemz"}

func (a Architecture) String() string {
	if a < 0 || int(a) >= len(architectureNames) {
		return "Invalid"
	}
	return architectureNames[a]
}

// Architectures lists every valid architecture
func Architectures() []Architecture {
	return []Architecture{X86, X86_64, ARM, AArch64, MIPS, MIPSEL, SystemZ}
}

// ParseArchitecture looks an architecture up by name
func ParseArchitecture(name string) (Architecture, error) {
	for _, a := range Architectures() {
		if a.String() == name {
			return a, nil
		}
	}
	return InvalidArchitecture, fmt.Errorf("unknown architecture %q", name)
}

// PointerSize returns the size of a pointer in bytes
func (a Architecture) PointerSize() uint64 {
	switch a {
	case X86, ARM, MIPS, MIPSEL:
		return 4
	case X86_64, AArch64, SystemZ:
		return 8
	}
	panic(fmt.Sprintf("pointer size of an invalid architecture (%d)", int(a)))
}

// CallPushSize returns the number of bytes a call instruction pushes onto the stack
func (a Architecture) CallPushSize() uint64 {
	switch a {
	case X86:
		return 4
	case X86_64:
		return 8
	case ARM, AArch64, MIPS, MIPSEL, SystemZ:
		return 0
	}
	panic(fmt.Sprintf("call push size of an invalid architecture (%d)", int(a)))
}

func (a Architecture) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

func (a *Architecture) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseArchitecture(node.Value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
