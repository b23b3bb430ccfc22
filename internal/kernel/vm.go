package kernel

import (
	"encoding/binary"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// userVA reports whether va is a page aligned user address.
func userVA(va uint32) bool {
	return va < mem.UTOP && mem.Aligned(va)
}

// userPerm reports whether perm is acceptable from user code: P and U set,
// nothing outside PTE_SYSCALL.
func userPerm(perm mem.Perm) bool {
	return perm.Has(mem.PTE_P|mem.PTE_U) && perm&^mem.PTE_SYSCALL == 0
}

// PageAlloc maps a fresh zeroed page at va in the caller or a child,
// replacing whatever was there.
func (p *Proc) PageAlloc(id env.ID, va uint32, perm mem.Perm) error {
	p.enter("page_alloc")
	e, err := p.k.envs.Lookup(id, p.env, true)
	if err != nil {
		return err
	}
	if !userVA(va) || !userPerm(perm) {
		return syserr.EInval
	}
	ppn, err := p.k.pages.Alloc()
	if err != nil {
		return err
	}
	e.Space.Insert(ppn, va, perm)
	return nil
}

// PageMap maps the page at srcva in one environment at dstva in another.
// Write permission can only be granted on a writable source.
func (p *Proc) PageMap(srcid env.ID, srcva uint32, dstid env.ID, dstva uint32, perm mem.Perm) error {
	p.enter("page_map")
	src, err := p.k.envs.Lookup(srcid, p.env, true)
	if err != nil {
		return err
	}
	dst, err := p.k.envs.Lookup(dstid, p.env, true)
	if err != nil {
		return err
	}
	if !userVA(srcva) || !userVA(dstva) || !userPerm(perm) {
		return syserr.EInval
	}
	pte := src.Space.Lookup(srcva)
	if !pte.Present() {
		return syserr.EInval
	}
	if perm.Has(mem.PTE_W) && !pte.Perm().Has(mem.PTE_W) {
		return syserr.EInval
	}
	dst.Space.Insert(pte.PPN(), dstva, perm)
	return nil
}

// PageUnmap removes the mapping at va. Unmapping nothing succeeds.
func (p *Proc) PageUnmap(id env.ID, va uint32) error {
	p.enter("page_unmap")
	e, err := p.k.envs.Lookup(id, p.env, true)
	if err != nil {
		return err
	}
	if !userVA(va) {
		return syserr.EInval
	}
	e.Space.Remove(va)
	return nil
}

// MapFrame maps a frame the caller already holds a reference to. File
// servers use it to hand out their cached pages without copying.
func (p *Proc) MapFrame(ppn mem.PPN, va uint32, perm mem.Perm) error {
	p.enter("map_frame")
	if !userVA(va) || !userPerm(perm) {
		return syserr.EInval
	}
	if p.k.pages.Ref(ppn) <= 0 {
		return syserr.EInval
	}
	p.env.Space.Insert(ppn, va, perm)
	return nil
}

// VPT returns the caller's page table entry for va.
func (p *Proc) VPT(va uint32) mem.PTE {
	p.enter("vpt")
	return p.env.Space.Lookup(va)
}

// VPD reports whether the caller has a page table covering va.
func (p *Proc) VPD(va uint32) bool {
	p.enter("vpd")
	return p.env.Space.TablePresent(va)
}

// PageRef returns the number of mappings of the page at va, or 0 when
// nothing is mapped there.
func (p *Proc) PageRef(va uint32) int {
	p.enter("pageref")
	pte := p.env.Space.Lookup(va)
	if !pte.Present() {
		return 0
	}
	return p.k.pages.Ref(pte.PPN())
}

// ReadAt copies user memory into buf. A bad address kills the caller.
func (p *Proc) ReadAt(va uint32, buf []byte) {
	p.enter("load")
	if err := p.env.Space.Read(va, buf, mem.PTE_U); err != nil {
		panic(pageFault{va: va, err: err})
	}
}

// WriteAt copies buf into user memory. A bad address kills the caller.
func (p *Proc) WriteAt(va uint32, buf []byte) {
	p.enter("store")
	if err := p.env.Space.Write(va, buf, mem.PTE_U|mem.PTE_W); err != nil {
		panic(pageFault{va: va, write: true, err: err})
	}
}

// Load32 reads a little endian word.
func (p *Proc) Load32(va uint32) uint32 {
	var b [4]byte
	p.ReadAt(va, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Store32 writes a little endian word.
func (p *Proc) Store32(va uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.WriteAt(va, b[:])
}
