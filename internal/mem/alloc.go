package mem

import (
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/exokern/internal/syserr"
)

type frame struct {
	ref  atomic.Int32
	data *[PGSIZE]byte
	// index of the next frame on the free list
	next PPN
}

// Stats summarizes the frame arena.
type Stats struct {
	Total int `json:"total"`
	Free  int `json:"free"`
	Used  int `json:"used"`
}

// Allocator hands out reference counted physical frames.
//
// Frame 0 is reserved so that a zero PPN never names a usable page. Frames
// return to the free list when their count drops to zero.
type Allocator struct {
	mu     sync.Mutex
	frames []frame
	free   PPN
	nfree  int
}

// NewAllocator creates an arena of npages frames (one of them reserved).
func NewAllocator(npages int) *Allocator {
	if npages < 2 {
		npages = 2
	}
	a := &Allocator{frames: make([]frame, npages)}
	// Build the list so that low frames are handed out first.
	for i := npages - 1; i >= 1; i-- {
		a.frames[i].next = a.free
		a.free = PPN(i)
		a.nfree++
	}
	return a
}

// Alloc returns a zeroed frame with a reference count of zero. The caller is
// expected to map it (which takes the first reference) or Free it.
func (a *Allocator) Alloc() (PPN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free == 0 {
		return 0, syserr.ENoMem
	}
	ppn := a.free
	f := &a.frames[ppn]
	a.free = f.next
	a.nfree--
	f.next = 0
	if f.data == nil {
		f.data = new([PGSIZE]byte)
	} else {
		*f.data = [PGSIZE]byte{}
	}
	return ppn, nil
}

// Free returns an unreferenced frame to the free list.
func (a *Allocator) Free(ppn PPN) {
	f := a.frame(ppn)
	if n := f.ref.Load(); n != 0 {
		panic("mem: freeing a referenced frame")
	}
	a.mu.Lock()
	f.next = a.free
	a.free = ppn
	a.nfree++
	a.mu.Unlock()
}

// Incref takes a reference on ppn.
func (a *Allocator) Incref(ppn PPN) {
	a.frame(ppn).ref.Add(1)
}

// Decref drops a reference on ppn and frees it when none remain.
func (a *Allocator) Decref(ppn PPN) {
	n := a.frame(ppn).ref.Add(-1)
	switch {
	case n == 0:
		a.Free(ppn)
	case n < 0:
		panic("mem: decref of a free frame")
	}
}

// Ref returns the number of mappings of ppn.
func (a *Allocator) Ref(ppn PPN) int {
	return int(a.frame(ppn).ref.Load())
}

// Bytes returns the contents of an allocated frame.
func (a *Allocator) Bytes(ppn PPN) []byte {
	f := a.frame(ppn)
	if f.data == nil {
		panic("mem: frame was never allocated")
	}
	return f.data[:]
}

// Stats returns a snapshot of arena usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := len(a.frames) - 1
	return Stats{Total: total, Free: a.nfree, Used: total - a.nfree}
}

func (a *Allocator) frame(ppn PPN) *frame {
	if ppn == 0 || int(ppn) >= len(a.frames) {
		panic("mem: bad physical page number")
	}
	return &a.frames[ppn]
}
