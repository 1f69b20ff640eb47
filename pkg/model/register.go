package model

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// RegisterClass groups registers by the kind of values they hold
type RegisterClass int

const (
	GeneralPurpose RegisterClass = iota
	Vector
	OtherRegister
)

func (c RegisterClass) String() string {
	switch c {
	case GeneralPurpose:
		return "gpr"
	case Vector:
		return "vector"
	}
	return "other"
}

// Register is a machine register of one of the supported architectures.
// The zero value is InvalidRegister.
type Register int

// InvalidRegister is the zero Register
const InvalidRegister Register = 0

type registerInfo struct {
	name  string
	arch  Architecture
	size  uint64
	class RegisterClass
	float bool
}

type registerCatalog struct {
	table  []registerInfo
	byName map[string]Register
}

var catalog = buildRegisterCatalog()

func (c *registerCatalog) add(arch Architecture, size uint64, class RegisterClass, names ...string) {
	for _, name := range names {
		r := Register(len(c.table))
		c.table = append(c.table, registerInfo{name: name, arch: arch, size: size, class: class, float: class == Vector})
		c.byName[name+"_"+arch.String()] = r
	}
}

func numbered(prefix string, from, to int) []string {
	var names []string
	for i := from; i <= to; i++ {
		names = append(names, fmt.Sprintf("%s%d", prefix, i))
	}
	return names
}

func buildRegisterCatalog() *registerCatalog {
	c := &registerCatalog{table: []registerInfo{{name: "Invalid"}}, byName: map[string]Register{}}

	c.add(X86, 4, GeneralPurpose, "eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp")
	c.add(X86, 16, Vector, numbered("xmm", 0, 7)...)
	c.add(X86, 10, OtherRegister, "st0")

	c.add(X86_64, 8, GeneralPurpose, "rax", "rbx", "rcx", "rdx", "rbp", "rsp", "rsi", "rdi")
	c.add(X86_64, 8, GeneralPurpose, numbered("r", 8, 15)...)
	c.add(X86_64, 16, Vector, numbered("xmm", 0, 15)...)
	c.add(X86_64, 8, OtherRegister, "fs")
	c.add(X86_64, 10, OtherRegister, "st0")

	c.add(ARM, 4, GeneralPurpose, numbered("r", 0, 15)...)
	c.add(ARM, 16, Vector, numbered("q", 0, 15)...)

	c.add(AArch64, 8, GeneralPurpose, numbered("x", 0, 30)...)
	c.add(AArch64, 8, GeneralPurpose, "sp")
	c.add(AArch64, 16, Vector, numbered("v", 0, 31)...)

	mipsGPRs := []string{"zero", "at", "v0", "v1", "a0", "a1", "a2", "a3"}
	mipsGPRs = append(mipsGPRs, numbered("t", 0, 7)...)
	mipsGPRs = append(mipsGPRs, numbered("s", 0, 7)...)
	mipsGPRs = append(mipsGPRs, "t8", "t9", "k0", "k1", "gp", "sp", "fp", "ra")
	for _, arch := range []Architecture{MIPS, MIPSEL} {
		c.add(arch, 4, GeneralPurpose, mipsGPRs...)
		c.add(arch, 8, Vector, numbered("f", 0, 31)...)
	}

	c.add(SystemZ, 8, GeneralPurpose, numbered("r", 0, 15)...)
	c.add(SystemZ, 8, Vector, numbered("f", 0, 15)...)

	// the x87 stack top holds floats without being a vector register
	for i := range c.table {
		if c.table[i].name == "st0" {
			c.table[i].float = true
		}
	}
	return c
}

func (r Register) info() registerInfo {
	if !r.IsValid() {
		return catalog.table[0]
	}
	return catalog.table[r]
}

// IsValid reports whether r names a known register
func (r Register) IsValid() bool {
	return r > 0 && int(r) < len(catalog.table)
}

func (r Register) String() string {
	if !r.IsValid() {
		return "Invalid"
	}
	info := r.info()
	return info.name + "_" + info.arch.String()
}

// Name returns the register name without the architecture suffix
func (r Register) Name() string {
	return r.info().name
}

// Architecture returns the architecture the register belongs to
func (r Register) Architecture() Architecture {
	return r.info().arch
}

// Size returns the register width in bytes
func (r Register) Size() uint64 {
	return r.info().size
}

// Class returns the register class
func (r Register) Class() RegisterClass {
	return r.info().class
}

// IsVector reports whether r is a vector register
func (r Register) IsVector() bool {
	return r.IsValid() && r.info().class == Vector
}

// PrimitiveKind returns the kind of primitive a value living in r defaults to
func (r Register) PrimitiveKind() PrimitiveKind {
	info := r.info()
	switch {
	case info.float:
		return Float
	case info.class == GeneralPurpose:
		return PointerOrNumber
	}
	return Generic
}

// ParseRegister looks a register up by its canonical "<name>_<arch>" form
func ParseRegister(name string) (Register, error) {
	if r, ok := catalog.byName[name]; ok {
		return r, nil
	}
	return InvalidRegister, fmt.Errorf("unknown register %q", name)
}

// RegistersOf returns every register of the given architecture in catalog order
func RegistersOf(arch Architecture) []Register {
	var result []Register
	for r := Register(1); int(r) < len(catalog.table); r++ {
		if r.Architecture() == arch {
			result = append(result, r)
		}
	}
	return result
}

// SortRegisters sorts registers in catalog order
func SortRegisters(regs []Register) {
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
}

func (r Register) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

func (r *Register) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseRegister(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = parsed
	return nil
}

// MustParseRegister is ParseRegister for names known to be valid
func MustParseRegister(name string) Register {
	r, err := ParseRegister(name)
	if err != nil {
		panic(err)
	}
	return r
}
