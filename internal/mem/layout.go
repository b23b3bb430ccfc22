package mem

// Page geometry.
const (
	PGSHIFT    = 12
	PGSIZE     = 1 << PGSHIFT
	PTXSHIFT   = PGSHIFT
	PDXSHIFT   = 22
	NPTENTRIES = 1024
	NPDENTRIES = 1024
	PTSIZE     = PGSIZE * NPTENTRIES
)

// User address space layout.
//
//	UTOP      ->  +------------------------------+ 0xeec00000
//	              |   user exception stack page  |
//	              +------------------------------+
//	              |      empty (guard) page      |
//	USTACKTOP ->  +------------------------------+ 0xeebfe000
//	              |    normal user stack page    |
//	              +------------------------------+
//	              ~                              ~
//	FDTABLE   ->  | descriptor pages, data areas | 0xd0000000
//	              ~                              ~
//	UTEXT     ->  |     program text and data    | 0x00800000
//	UTEMP     ->  |  staging pages for spawn     | 0x00400000
//	              +------------------------------+ 0
const (
	UTOP       uint32 = 0xeec00000
	UXSTACKTOP uint32 = UTOP
	USTACKTOP  uint32 = UTOP - 2*PGSIZE
	UTEXT      uint32 = 2 * PTSIZE
	UTEMP      uint32 = PTSIZE
	UTEMP2     uint32 = UTEMP + PGSIZE
	UTEMP3     uint32 = UTEMP2 + PGSIZE
)

// PDX returns the page directory index of va.
func PDX(va uint32) int { return int(va>>PDXSHIFT) & 0x3ff }

// PTX returns the page table index of va.
func PTX(va uint32) int { return int(va>>PTXSHIFT) & 0x3ff }

// PGOFF returns the offset of va within its page.
func PGOFF(va uint32) uint32 { return va & (PGSIZE - 1) }

// PGADDR rebuilds an address from directory index, table index and offset.
func PGADDR(pdx, ptx int, off uint32) uint32 {
	return uint32(pdx)<<PDXSHIFT | uint32(ptx)<<PTXSHIFT | off
}

// Int is satisfied by the integer types used for addresses and sizes.
type Int interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64 | ~uintptr
}

// RoundDown aligns v down to the nearest multiple of n.
func RoundDown[T Int](v, n T) T {
	return v - v%n
}

// RoundUp aligns v up to the nearest multiple of n.
func RoundUp[T Int](v, n T) T {
	return RoundDown(v+n-1, n)
}

// Aligned reports whether va is page aligned.
func Aligned(va uint32) bool {
	return PGOFF(va) == 0
}
