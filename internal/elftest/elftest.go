// Package elftest builds minimal ELF64 shared objects for tests. The images
// carry a section-indexed .dynamic table with SONAME and NEEDED entries that
// debug/elf can read back, plus an optional .comment section holding extra
// strings so tests can check that every occurrence of a name is rewritten.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// SharedObject describes a synthetic library.
type SharedObject struct {
	// Machine defaults to EM_AARCH64.
	Machine elf.Machine
	// Soname is omitted from .dynamic when empty.
	Soname string
	Needed []string
	// Extra strings are stored NUL-terminated in .comment.
	Extra []string
}

const (
	ehdrSize = 64
	shdrSize = 64
	dynSize  = 16
)

// Bytes renders the shared object image.
func (so SharedObject) Bytes() []byte {
	machine := so.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_AARCH64
	}

	var dynstr bytes.Buffer
	dynstr.WriteByte(0)
	addString := func(s string) uint64 {
		off := uint64(dynstr.Len())
		dynstr.WriteString(s)
		dynstr.WriteByte(0)
		return off
	}

	type dynEntry struct {
		tag elf.DynTag
		val uint64
	}
	var entries []dynEntry
	if so.Soname != "" {
		entries = append(entries, dynEntry{elf.DT_SONAME, addString(so.Soname)})
	}
	for _, needed := range so.Needed {
		entries = append(entries, dynEntry{elf.DT_NEEDED, addString(needed)})
	}
	entries = append(entries, dynEntry{elf.DT_NULL, 0})

	var comment bytes.Buffer
	for _, s := range so.Extra {
		comment.WriteString(s)
		comment.WriteByte(0)
	}

	shstrtab := []byte("\x00.dynstr\x00.dynamic\x00.comment\x00.shstrtab\x00")
	const (
		nameDynstr   = 1
		nameDynamic  = 9
		nameComment  = 18
		nameShstrtab = 27
	)

	var image bytes.Buffer
	image.Write(make([]byte, ehdrSize))

	dynstrOff := uint64(image.Len())
	image.Write(dynstr.Bytes())
	pad(&image, 8)

	dynamicOff := uint64(image.Len())
	for _, entry := range entries {
		binary.Write(&image, binary.LittleEndian, uint64(entry.tag))
		binary.Write(&image, binary.LittleEndian, entry.val)
	}

	commentOff := uint64(image.Len())
	image.Write(comment.Bytes())

	shstrtabOff := uint64(image.Len())
	image.Write(shstrtab)
	pad(&image, 8)

	shoff := uint64(image.Len())
	sections := []elf.Section64{
		{},
		{Name: nameDynstr, Type: uint32(elf.SHT_STRTAB), Flags: uint64(elf.SHF_ALLOC), Off: dynstrOff, Size: uint64(dynstr.Len()), Addralign: 1},
		{Name: nameDynamic, Type: uint32(elf.SHT_DYNAMIC), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE), Off: dynamicOff, Size: uint64(len(entries) * dynSize), Link: 1, Addralign: 8, Entsize: dynSize},
		{Name: nameComment, Type: uint32(elf.SHT_PROGBITS), Off: commentOff, Size: uint64(comment.Len()), Addralign: 1},
		{Name: nameShstrtab, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}
	for _, section := range sections {
		binary.Write(&image, binary.LittleEndian, section)
	}

	header := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Shentsize: shdrSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var head bytes.Buffer
	binary.Write(&head, binary.LittleEndian, header)

	out := image.Bytes()
	copy(out, head.Bytes())
	return out
}

// Write stores the image at path, creating parent directories.
func (so SharedObject) Write(t testing.TB, path string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, so.Bytes(), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func pad(buf *bytes.Buffer, align int) {
	for buf.Len()%align != 0 {
		buf.WriteByte(0)
	}
}
