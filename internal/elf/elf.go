// Package elf reads and writes the 32-bit little endian i386 executables
// that environments are spawned from.
package elf

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// On-disk sizes of the structures.
const (
	HeaderSize = 52
	ProgSize   = 32
)

// Header is an ELF32 file header.
type Header struct {
	stdelf.Header32
}

// Prog is an ELF32 program header.
type Prog struct {
	stdelf.Prog32
}

// ParseHeader decodes a file header. It does not validate it.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("elf: short header (%d bytes): %w", len(b), syserr.EInval)
	}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, &h.Header32); err != nil {
		return h, fmt.Errorf("elf: %v: %w", err, syserr.EInval)
	}
	return h, nil
}

// Valid checks that h describes an i386 executable with program headers.
// A file that is not a 32-bit little endian ELF at all is ENotExec; a bad
// field in an otherwise recognizable header is EInval.
func (h Header) Valid() error {
	id := h.Ident
	if string(id[:4]) != stdelf.ELFMAG {
		return fmt.Errorf("elf: bad magic %q: %w", id[:4], syserr.ENotExec)
	}
	if stdelf.Class(id[stdelf.EI_CLASS]) != stdelf.ELFCLASS32 {
		return fmt.Errorf("elf: %v: %w", stdelf.Class(id[stdelf.EI_CLASS]), syserr.ENotExec)
	}
	if stdelf.Data(id[stdelf.EI_DATA]) != stdelf.ELFDATA2LSB {
		return fmt.Errorf("elf: %v: %w", stdelf.Data(id[stdelf.EI_DATA]), syserr.ENotExec)
	}

	switch {
	case stdelf.Type(h.Type) != stdelf.ET_EXEC:
		return fmt.Errorf("elf: type %v: %w", stdelf.Type(h.Type), syserr.EInval)
	case stdelf.Machine(h.Machine) != stdelf.EM_386:
		return fmt.Errorf("elf: machine %v: %w", stdelf.Machine(h.Machine), syserr.EInval)
	case h.Entry == 0:
		return fmt.Errorf("elf: no entry point: %w", syserr.EInval)
	case h.Phoff == 0 || h.Phnum == 0:
		return fmt.Errorf("elf: no program headers: %w", syserr.EInval)
	case h.Phentsize < ProgSize:
		return fmt.Errorf("elf: program header size %d: %w", h.Phentsize, syserr.EInval)
	}
	return nil
}

// ProgOffset returns the file offset of program header i.
func (h Header) ProgOffset(i int) uint32 {
	return h.Phoff + uint32(i)*uint32(h.Phentsize)
}

// ParseProg decodes a program header.
func ParseProg(b []byte) (Prog, error) {
	var p Prog
	if len(b) < ProgSize {
		return p, fmt.Errorf("elf: short program header (%d bytes): %w", len(b), syserr.EInval)
	}
	if err := binary.Read(bytes.NewReader(b[:ProgSize]), binary.LittleEndian, &p.Prog32); err != nil {
		return p, fmt.Errorf("elf: %v: %w", err, syserr.EInval)
	}
	return p, nil
}

// Loadable reports whether the segment is mapped at load time.
func (p Prog) Loadable() bool {
	return stdelf.ProgType(p.Type) == stdelf.PT_LOAD
}

// Writable reports whether the segment is mapped writable.
func (p Prog) Writable() bool {
	return stdelf.ProgFlag(p.Flags)&stdelf.PF_W != 0
}

// Check validates a loadable segment's geometry.
func (p Prog) Check() error {
	if p.Memsz < p.Filesz {
		return fmt.Errorf("elf: segment memsz %#x < filesz %#x: %w", p.Memsz, p.Filesz, syserr.EInval)
	}
	if end := uint64(p.Vaddr) + uint64(p.Memsz); end > uint64(mem.UTOP) {
		return fmt.Errorf("elf: segment [%#x, %#x) above UTOP: %w", p.Vaddr, end, syserr.EInval)
	}
	if mem.PGOFF(p.Off) != mem.PGOFF(p.Vaddr) {
		return fmt.Errorf("elf: segment offset %#x and address %#x disagree within a page: %w", p.Off, p.Vaddr, syserr.EInval)
	}
	return nil
}
