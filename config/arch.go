package config

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// ErrUnsupportedArch is returned for target architectures outside the
// supported set.
var ErrUnsupportedArch = errors.New("architecture not supported")

// Arch is a Cerbero target architecture selector.
type Arch string

const (
	ARM64  Arch = "arm64"
	ARMv7  Arch = "armv7"
	X86    Arch = "x86"
	X86_64 Arch = "x86_64"
)

type archInfo struct {
	abi     string
	machine elf.Machine
}

var archs = map[Arch]archInfo{
	ARM64:  {abi: "arm64-v8a", machine: elf.EM_AARCH64},
	ARMv7:  {abi: "armeabi-v7a", machine: elf.EM_ARM},
	X86:    {abi: "x86", machine: elf.EM_386},
	X86_64: {abi: "x86_64", machine: elf.EM_X86_64},
}

// Archs lists the supported architectures in a stable order.
func Archs() []Arch {
	return []Arch{ARM64, ARMv7, X86, X86_64}
}

// ParseArch validates an architecture selector.
func ParseArch(name string) (Arch, error) {
	arch := Arch(name)
	if _, ok := archs[arch]; !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedArch, name, archList())
	}
	return arch, nil
}

// ABI returns the Android ABI directory name for the architecture.
func (a Arch) ABI() (string, error) {
	info, ok := archs[a]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedArch, string(a))
	}
	return info.abi, nil
}

// Machine returns the ELF machine libraries for this architecture carry.
func (a Arch) Machine() (elf.Machine, error) {
	info, ok := archs[a]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedArch, string(a))
	}
	return info.machine, nil
}

var _ pflag.Value = (*Arch)(nil)

// String implements pflag.Value.
func (a *Arch) String() string {
	return string(*a)
}

// Set implements pflag.Value.
func (a *Arch) Set(value string) error {
	arch, err := ParseArch(value)
	if err != nil {
		return err
	}
	*a = arch
	return nil
}

// Type implements pflag.Value.
func (a *Arch) Type() string {
	return "arch"
}

func archList() string {
	names := make([]string, 0, len(archs))
	for _, arch := range Archs() {
		names = append(names, string(arch))
	}
	return strings.Join(names, ", ")
}
