package elf

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"

	"github.com/GriffinCanCode/exokern/internal/mem"
)

// Segment is one loadable segment of an image being built.
type Segment struct {
	Vaddr uint32
	Data  []byte
	// Memsz is the in-memory size; when smaller than len(Data) it is raised
	// to len(Data).
	Memsz uint32
	Flags stdelf.ProgFlag
}

// Builder assembles an executable image.
type Builder struct {
	Entry    uint32
	Segments []Segment
	// Extra program headers that are not loaded, such as PT_NOTE.
	Notes int
}

// Bytes lays out the image: the file header, the program headers, then
// each segment's data at a page boundary plus the in-page offset of its
// address.
func (b *Builder) Bytes() []byte {
	nprog := len(b.Segments) + b.Notes
	h := stdelf.Header32{
		Type:      uint16(stdelf.ET_EXEC),
		Machine:   uint16(stdelf.EM_386),
		Version:   uint32(stdelf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     HeaderSize,
		Ehsize:    HeaderSize,
		Phentsize: ProgSize,
		Phnum:     uint16(nprog),
	}
	copy(h.Ident[:], stdelf.ELFMAG)
	h.Ident[stdelf.EI_CLASS] = byte(stdelf.ELFCLASS32)
	h.Ident[stdelf.EI_DATA] = byte(stdelf.ELFDATA2LSB)
	h.Ident[stdelf.EI_VERSION] = byte(stdelf.EV_CURRENT)

	progs := make([]stdelf.Prog32, 0, nprog)
	off := uint32(mem.RoundUp(HeaderSize+ProgSize*nprog, mem.PGSIZE))
	for _, s := range b.Segments {
		memsz := s.Memsz
		if memsz < uint32(len(s.Data)) {
			memsz = uint32(len(s.Data))
		}
		at := off + mem.PGOFF(s.Vaddr)
		progs = append(progs, stdelf.Prog32{
			Type:   uint32(stdelf.PT_LOAD),
			Off:    at,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(s.Flags),
			Align:  mem.PGSIZE,
		})
		off = mem.RoundUp(at+uint32(len(s.Data)), mem.PGSIZE)
	}
	for i := 0; i < b.Notes; i++ {
		progs = append(progs, stdelf.Prog32{Type: uint32(stdelf.PT_NOTE)})
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &h)
	for i := range progs {
		_ = binary.Write(&buf, binary.LittleEndian, &progs[i])
	}
	for i, s := range b.Segments {
		if pad := int(progs[i].Off) - buf.Len(); pad > 0 {
			buf.Write(make([]byte, pad))
		}
		buf.Write(s.Data)
	}
	return buf.Bytes()
}

// MaxStubName bounds a native program name, including its terminating NUL.
const MaxStubName = 64

// Stub builds the image of a native program: a read-only text segment at
// UTEXT holding the program's NUL-terminated name, and, when data or bss
// is given, a writable segment on the following page.
func Stub(name string, data []byte, bss uint32) []byte {
	text := append([]byte(name), 0)
	b := Builder{
		Entry: mem.UTEXT,
		Segments: []Segment{
			{Vaddr: mem.UTEXT, Data: text, Flags: stdelf.PF_R | stdelf.PF_X},
		},
	}
	if len(data) > 0 || bss > 0 {
		b.Segments = append(b.Segments, Segment{
			Vaddr: mem.UTEXT + mem.RoundUp(uint32(len(text)), mem.PGSIZE),
			Data:  data,
			Memsz: uint32(len(data)) + bss,
			Flags: stdelf.PF_R | stdelf.PF_W,
		})
	}
	return b.Bytes()
}
