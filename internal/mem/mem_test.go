package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exokern/internal/syserr"
)

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(4)
	assert.Equal(t, Stats{Total: 3, Free: 3, Used: 0}, a.Stats())

	var got []PPN
	for i := 0; i < 3; i++ {
		ppn, err := a.Alloc()
		require.NoError(t, err)
		got = append(got, ppn)
	}
	assert.Equal(t, []PPN{1, 2, 3}, got)

	_, err := a.Alloc()
	assert.ErrorIs(t, err, syserr.ENoMem)

	a.Free(got[1])
	ppn, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, got[1], ppn)
}

func TestAllocReturnsZeroedFrame(t *testing.T) {
	a := NewAllocator(2)
	ppn, err := a.Alloc()
	require.NoError(t, err)
	copy(a.Bytes(ppn), "dirty")
	a.Free(ppn)

	ppn, err = a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, PGSIZE), a.Bytes(ppn))
}

func TestReferenceCountsAcrossSpaces(t *testing.T) {
	a := NewAllocator(8)
	as1 := NewAddressSpace(a)
	as2 := NewAddressSpace(a)

	ppn, err := a.Alloc()
	require.NoError(t, err)
	as1.Insert(ppn, UTEMP, PTE_U|PTE_W)
	as2.Insert(ppn, UTEXT, PTE_U)
	assert.Equal(t, 2, a.Ref(ppn))

	// Re-inserting the same frame at the same address keeps one reference.
	as1.Insert(ppn, UTEMP, PTE_U)
	assert.Equal(t, 2, a.Ref(ppn))
	assert.Equal(t, PTE_P|PTE_U, as1.Lookup(UTEMP).Perm())

	as1.Release()
	assert.Equal(t, 1, a.Ref(ppn))
	assert.Equal(t, 6, a.Stats().Free)

	as2.Remove(UTEXT + 123)
	assert.Equal(t, 7, a.Stats().Free)
	assert.False(t, as2.Lookup(UTEXT).Present())
}

func TestReadWriteAcrossPages(t *testing.T) {
	a := NewAllocator(8)
	as := NewAddressSpace(a)
	for _, va := range []uint32{UTEMP, UTEMP + PGSIZE} {
		ppn, err := a.Alloc()
		require.NoError(t, err)
		as.Insert(ppn, va, PTE_U|PTE_W)
	}

	msg := []byte("straddles a page boundary")
	va := UTEMP + PGSIZE - 5
	require.NoError(t, as.Write(va, msg, PTE_U|PTE_W))

	got := make([]byte, len(msg))
	require.NoError(t, as.Read(va, got, PTE_U))
	assert.Equal(t, msg, got)

	assert.ErrorIs(t, as.Read(UTEMP+2*PGSIZE-1, make([]byte, 2), PTE_U), syserr.EFault)
}

func TestWriteRequiresWritable(t *testing.T) {
	a := NewAllocator(4)
	as := NewAddressSpace(a)
	ppn, err := a.Alloc()
	require.NoError(t, err)
	as.Insert(ppn, UTEXT, PTE_U)

	assert.ErrorIs(t, as.Write(UTEXT, []byte{1}, PTE_U|PTE_W), syserr.EFault)
	assert.NoError(t, as.Read(UTEXT, make([]byte, 1), PTE_U))
}

func TestWalkSkipsEmptyTables(t *testing.T) {
	a := NewAllocator(8)
	as := NewAddressSpace(a)
	vas := []uint32{UTEMP, UTEXT + PGSIZE, 0xd0000000}
	for _, va := range vas {
		ppn, err := a.Alloc()
		require.NoError(t, err)
		as.Insert(ppn, va, PTE_U)
	}

	var seen []uint32
	as.Walk(0, UTOP, func(va uint32, pte PTE) bool {
		seen = append(seen, va)
		return true
	})
	assert.Equal(t, vas, seen)
	assert.Equal(t, 3, as.Len())

	seen = nil
	as.Walk(UTEXT, 0xd0000000, func(va uint32, pte PTE) bool {
		seen = append(seen, va)
		return true
	})
	assert.Equal(t, []uint32{UTEXT + PGSIZE}, seen)
}

func TestPermString(t *testing.T) {
	assert.Equal(t, "SU-P", (PTE_SHARE | PTE_U | PTE_P).String())
	assert.Equal(t, "not present", PTE(0).String())
	assert.Equal(t, uint32(0x1000), RoundUp(uint32(1), PGSIZE))
	assert.Equal(t, uint32(0x1000), RoundDown(uint32(0x1fff), PGSIZE))
}
