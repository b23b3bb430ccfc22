package memfs_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/kernel"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/memfs"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

func setup(t *testing.T) (*kernel.Kernel, *memfs.FS) {
	t.Helper()
	var console bytes.Buffer
	k := kernel.New(kernel.Config{MaxEnvs: 8, Pages: 128, Console: &console})
	t.Cleanup(k.Close)
	fs := memfs.New(k.Allocator())
	k.Devtab().Register(fs.Dev())
	return k, fs
}

func run(t *testing.T, k *kernel.Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Run(ctx))
}

func TestCreateStatList(t *testing.T) {
	k, fs := setup(t)

	require.NoError(t, fs.Create("/etc/motd", []byte("hi")))
	require.NoError(t, fs.Create("/bin/big", bytes.Repeat([]byte{1}, mem.PGSIZE+1)))
	assert.Equal(t, 3, k.Pages().Used)

	info, err := fs.Stat("/bin/big")
	require.NoError(t, err)
	assert.Equal(t, memfs.Info{Name: "/bin/big", Size: mem.PGSIZE + 1, Pages: 2}, info)

	list := fs.List()
	require.Len(t, list, 2)
	assert.Equal(t, "/bin/big", list[0].Name)
	assert.Equal(t, "/etc/motd", list[1].Name)

	// Replacing releases the old frames.
	require.NoError(t, fs.Create("/bin/big", nil))
	assert.Equal(t, 1, k.Pages().Used)

	require.NoError(t, fs.Remove("/etc/motd"))
	assert.Equal(t, 0, k.Pages().Used)
	_, err = fs.Stat("/etc/motd")
	assert.ErrorIs(t, err, syserr.ENotFound)
	assert.ErrorIs(t, fs.Remove("/etc/motd"), syserr.ENotFound)
}

func TestCreateRejects(t *testing.T) {
	_, fs := setup(t)

	tests := []struct {
		name string
		path string
		size int
		want error
	}{
		{"relative", "bin/x", 1, syserr.EBadPath},
		{"root", "/", 1, syserr.EBadPath},
		{"unclean", "/bin//x", 1, syserr.EBadPath},
		{"trailing slash", "/bin/", 1, syserr.EBadPath},
		{"too large", "/big", memfs.MaxFileSize + 1, syserr.EInval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fs.Create(tt.path, make([]byte, tt.size))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateOutOfMemory(t *testing.T) {
	k, fs := setup(t)

	err := fs.Create("/huge", make([]byte, 200*mem.PGSIZE))
	assert.ErrorIs(t, err, syserr.ENoMem)
	assert.Equal(t, 0, k.Pages().Used)
}

func TestOpenRead(t *testing.T) {
	k, fs := setup(t)
	text := strings.Repeat("0123456789", 500)
	require.NoError(t, fs.Create("/doc", []byte(text)))

	_, err := k.Start("reader", func(p *kernel.Proc) {
		_, err := fs.Open(p, "/missing", fd.O_RDONLY)
		assert.ErrorIs(t, err, syserr.ENotFound)
		_, err = fs.Open(p, "/doc", fd.O_RDWR)
		assert.ErrorIs(t, err, syserr.EInval)

		fdnum, err := fs.Open(p, "/doc", fd.O_RDONLY)
		assert.NoError(t, err)

		got := make([]byte, len(text)+10)
		n, err := fd.Readn(p, fdnum, got)
		assert.NoError(t, err)
		assert.Equal(t, text, string(got[:n]))

		n, err = fd.Read(p, fdnum, got)
		assert.NoError(t, err)
		assert.Zero(t, n)

		assert.NoError(t, fd.Seek(p, fdnum, mem.PGSIZE-2))
		n, err = fd.Read(p, fdnum, got[:4])
		assert.NoError(t, err)
		assert.Equal(t, text[mem.PGSIZE-2:mem.PGSIZE+2], string(got[:n]))

		_, err = fd.Write(p, fdnum, []byte("x"))
		assert.ErrorIs(t, err, syserr.EInval)

		st, err := fd.Fstat(p, fdnum)
		assert.NoError(t, err)
		assert.Equal(t, "doc", st.Name)
		assert.Equal(t, len(text), st.Size)

		assert.NoError(t, fd.Close(p, fdnum))
	})
	require.NoError(t, err)
	run(t, k)
}

func TestReadMapSharesFrames(t *testing.T) {
	k, fs := setup(t)
	require.NoError(t, fs.Create("/prog", bytes.Repeat([]byte("ab"), mem.PGSIZE)))
	before := k.Pages().Used

	_, err := k.Start("mapper", func(p *kernel.Proc) {
		a, err := fs.Open(p, "/prog", fd.O_RDONLY)
		assert.NoError(t, err)
		b, err := fs.Open(p, "/prog", fd.O_RDONLY)
		assert.NoError(t, err)

		va, err := fs.ReadMap(p, a, mem.PGSIZE+5)
		assert.NoError(t, err)
		assert.Equal(t, fd.FD{Num: a}.Data()+mem.PGSIZE, va)
		vb, err := fs.ReadMap(p, b, mem.PGSIZE)
		assert.NoError(t, err)

		assert.Equal(t, p.VPT(va).PPN(), p.VPT(vb).PPN())
		assert.Equal(t, mem.PTE_P|mem.PTE_U, p.VPT(va).Perm())
		// Held by the file system and both windows.
		assert.Equal(t, 3, p.PageRef(va))

		buf := make([]byte, 2)
		p.ReadAt(va, buf)
		assert.Equal(t, "ab", string(buf))

		_, err = fs.ReadMap(p, a, 2*mem.PGSIZE)
		assert.ErrorIs(t, err, syserr.EInval)

		assert.NoError(t, fd.Close(p, a))
		assert.False(t, p.VPT(va).Present())
		assert.Equal(t, 2, p.PageRef(vb))
	})
	require.NoError(t, err)
	run(t, k)
	assert.Equal(t, before, k.Pages().Used)
}

func TestRemoveWhileMapped(t *testing.T) {
	k, fs := setup(t)
	require.NoError(t, fs.Create("/tmp/x", []byte("still here")))

	_, err := k.Start("holder", func(p *kernel.Proc) {
		fdnum, err := fs.Open(p, "/tmp/x", fd.O_RDONLY)
		assert.NoError(t, err)
		va, err := fs.ReadMap(p, fdnum, 0)
		assert.NoError(t, err)

		assert.NoError(t, fs.Remove("/tmp/x"))

		buf := make([]byte, 10)
		p.ReadAt(va, buf)
		assert.Equal(t, "still here", string(buf))
		assert.Equal(t, 1, p.PageRef(va))

		_, err = fd.Read(p, fdnum, buf)
		assert.ErrorIs(t, err, syserr.ENotFound)
	})
	require.NoError(t, err)
	run(t, k)
	assert.Equal(t, 0, k.Pages().Used)
}
