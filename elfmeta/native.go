package elfmeta

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrForeignMachine is returned when a library targets a different CPU than
// the one being installed for.
var ErrForeignMachine = fmt.Errorf("%w: foreign machine", ErrMalformedArtifact)

// Native reads dynamic sections with debug/elf, without external tools.
type Native struct {
	Policy Policy
}

// NewNative returns a Native reader.
func NewNative(policy Policy) *Native {
	return &Native{Policy: policy}
}

// Read implements Reader.
func (n *Native) Read(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	f, err := elf.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: open elf %s: %v", ErrMalformedArtifact, path, err)
	}
	defer f.Close()

	sonames, err := f.DynString(elf.DT_SONAME)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: read DT_SONAME: %v", ErrMalformedArtifact, path, err)
	}
	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: read DT_NEEDED: %v", ErrMalformedArtifact, path, err)
	}
	return resolve(path, n.Policy, sonames, needed)
}

// CheckMachine verifies that path is a shared object built for want.
func CheckMachine(path string, want elf.Machine) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open elf %s: %v", ErrMalformedArtifact, path, err)
	}
	defer f.Close()

	if f.Machine != want {
		return fmt.Errorf("%w: %s (provided: %s, expected: %s)", ErrForeignMachine, path, f.Machine, want)
	}
	if f.Type != elf.ET_DYN {
		return fmt.Errorf("%w: %s: unsupported ELF file type: %s", ErrMalformedArtifact, path, f.Type)
	}
	return nil
}

// IsELF reports whether path starts with the ELF magic. Linker scripts
// named *.so are common in sysroots and are not shared objects.
func IsELF(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	var magic [len(elf.ELFMAG)]byte
	if _, err := io.ReadFull(file, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return string(magic[:]) == elf.ELFMAG, nil
}
