package mem

import (
	"fmt"
	"strings"
)

// Perm holds the low bits of a page table entry.
type Perm uint32

// Page table entry permission bits.
const (
	PTE_P     Perm = 0x001 // present
	PTE_W     Perm = 0x002 // writable
	PTE_U     Perm = 0x004 // user accessible
	PTE_AVAIL Perm = 0xe00 // available for software use
	PTE_SHARE Perm = 0x400 // copy the mapping forward on fork and spawn

	// PTE_SYSCALL is the set of bits user code may pass to a system call.
	PTE_SYSCALL = PTE_AVAIL | PTE_P | PTE_W | PTE_U

	permMask Perm = 0xfff
)

// Has reports whether all bits of want are set.
func (p Perm) Has(want Perm) bool {
	return p&want == want
}

// String renders the permission like "U-W-P" with a trailing S for shared.
func (p Perm) String() string {
	var sb strings.Builder
	flag := func(bit Perm, c byte) {
		if p&bit != 0 {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('-')
		}
	}
	flag(PTE_SHARE, 'S')
	flag(PTE_U, 'U')
	flag(PTE_W, 'W')
	flag(PTE_P, 'P')
	return sb.String()
}

// PPN is a physical page number, an index into the frame arena.
type PPN uint32

// PTE is a packed page table entry.
type PTE uint32

// MakePTE packs a frame and permission bits.
func MakePTE(ppn PPN, perm Perm) PTE {
	return PTE(uint32(ppn)<<PGSHIFT | uint32(perm&permMask))
}

// Present reports whether the entry maps a page.
func (e PTE) Present() bool { return Perm(e)&PTE_P != 0 }

// PPN returns the mapped frame.
func (e PTE) PPN() PPN { return PPN(uint32(e) >> PGSHIFT) }

// Perm returns the permission bits.
func (e PTE) Perm() Perm { return Perm(e) & permMask }

func (e PTE) String() string {
	if !e.Present() {
		return "not present"
	}
	return fmt.Sprintf("ppn %#x %s", uint32(e.PPN()), e.Perm())
}
