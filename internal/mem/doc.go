/*
Package mem models physical memory and page-table address spaces.

# Overview

Physical memory is an arena of 4 KiB frames addressed by PPN. Every frame
carries an atomic reference count equal to the number of page table entries
that map it, across all address spaces. A frame goes back to the free list
when its count reaches zero, so frames shared between environments (pipe
buffers, descriptor pages, read-only program text) need no owner.

An AddressSpace is a two-level table in the i386 shape: a 1024-entry
directory of optional 1024-entry page tables, each entry a packed PTE.

# Usage

	pages := mem.NewAllocator(8192)
	as := mem.NewAddressSpace(pages)

	ppn, err := pages.Alloc()
	if err != nil {
		return err
	}
	as.Insert(ppn, mem.UTEMP, mem.PTE_P|mem.PTE_U|mem.PTE_W)
	defer as.Release()
*/
package mem
