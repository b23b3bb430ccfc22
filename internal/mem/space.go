package mem

import "github.com/GriffinCanCode/exokern/internal/syserr"

type pageTable [NPTENTRIES]PTE

// AddressSpace is a two-level page table over frames from an Allocator.
//
// The directory is owned exclusively by one environment; the frames it maps
// may be shared with any number of other address spaces.
type AddressSpace struct {
	pages  *Allocator
	dir    [NPDENTRIES]*pageTable
	mapped int
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace(pages *Allocator) *AddressSpace {
	return &AddressSpace{pages: pages}
}

// Lookup returns the entry for va, or zero when nothing is mapped.
func (as *AddressSpace) Lookup(va uint32) PTE {
	pt := as.dir[PDX(va)]
	if pt == nil {
		return 0
	}
	return pt[PTX(va)]
}

// TablePresent reports whether the page table covering va exists.
func (as *AddressSpace) TablePresent(va uint32) bool {
	return as.dir[PDX(va)] != nil
}

// Insert maps ppn at the page containing va. Any previous mapping there is
// removed. The new frame is referenced before the old one is released, so
// re-inserting the same frame at the same address is safe.
func (as *AddressSpace) Insert(ppn PPN, va uint32, perm Perm) {
	pdx := PDX(va)
	pt := as.dir[pdx]
	if pt == nil {
		pt = new(pageTable)
		as.dir[pdx] = pt
	}
	as.pages.Incref(ppn)
	old := pt[PTX(va)]
	if old.Present() {
		as.pages.Decref(old.PPN())
		as.mapped--
	}
	pt[PTX(va)] = MakePTE(ppn, perm|PTE_P)
	as.mapped++
}

// Remove unmaps the page containing va. Removing an unmapped page is a no-op.
func (as *AddressSpace) Remove(va uint32) {
	pt := as.dir[PDX(va)]
	if pt == nil {
		return
	}
	old := pt[PTX(va)]
	if !old.Present() {
		return
	}
	pt[PTX(va)] = 0
	as.mapped--
	as.pages.Decref(old.PPN())
}

// Walk calls fn for every present mapping in [lo, hi) in ascending order,
// skipping missing page tables. It stops early when fn returns false.
func (as *AddressSpace) Walk(lo, hi uint32, fn func(va uint32, pte PTE) bool) {
	for pdx := PDX(lo); pdx < NPDENTRIES; pdx++ {
		pt := as.dir[pdx]
		if pt == nil {
			continue
		}
		for ptx := 0; ptx < NPTENTRIES; ptx++ {
			va := PGADDR(pdx, ptx, 0)
			if va < RoundDown(lo, PGSIZE) {
				continue
			}
			if va >= hi {
				return
			}
			if pte := pt[ptx]; pte.Present() && !fn(va, pte) {
				return
			}
		}
	}
}

// Len returns the number of mapped pages.
func (as *AddressSpace) Len() int {
	return as.mapped
}

// Release drops every mapping.
func (as *AddressSpace) Release() {
	for pdx, pt := range as.dir {
		if pt == nil {
			continue
		}
		for ptx, pte := range pt {
			if pte.Present() {
				pt[ptx] = 0
				as.pages.Decref(pte.PPN())
			}
		}
		as.dir[pdx] = nil
	}
	as.mapped = 0
}

// Read copies len(buf) bytes starting at va out of the address space. Every
// page touched must carry the need bits.
func (as *AddressSpace) Read(va uint32, buf []byte, need Perm) error {
	return as.access(va, len(buf), need, func(page []byte, off int) {
		copy(buf[off:], page)
	})
}

// Write copies buf into the address space starting at va.
func (as *AddressSpace) Write(va uint32, buf []byte, need Perm) error {
	return as.access(va, len(buf), need, func(page []byte, off int) {
		copy(page, buf[off:])
	})
}

// access visits the page slices backing [va, va+n), checking permissions on
// all of them before touching any.
func (as *AddressSpace) access(va uint32, n int, need Perm, fn func(page []byte, off int)) error {
	if n == 0 {
		return nil
	}
	end := uint64(va) + uint64(n)
	if end > 1<<32 {
		return syserr.EFault
	}
	for a := uint64(RoundDown(va, PGSIZE)); a < end; a += PGSIZE {
		pte := as.Lookup(uint32(a))
		if !pte.Present() || !pte.Perm().Has(need|PTE_P) {
			return syserr.EFault
		}
	}
	off := 0
	for off < n {
		cur := va + uint32(off)
		pte := as.Lookup(cur)
		page := as.pages.Bytes(pte.PPN())[PGOFF(cur):]
		if len(page) > n-off {
			page = page[:n-off]
		}
		fn(page, off)
		off += len(page)
	}
	return nil
}
