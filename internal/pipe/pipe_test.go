package pipe_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/kernel"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/pipe"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

func newKernel(t *testing.T, quantum int) (*kernel.Kernel, *bytes.Buffer) {
	t.Helper()
	var console bytes.Buffer
	k := kernel.New(kernel.Config{MaxEnvs: 16, Pages: 256, Quantum: quantum, Console: &console})
	t.Cleanup(k.Close)
	return k, &console
}

func run(t *testing.T, k *kernel.Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, k.Run(ctx))
}

// fork starts a child running the named program with the caller's shared
// descriptor pages mapped at the same addresses.
func fork(t *testing.T, p *kernel.Proc, name string) env.ID {
	child, err := p.Exofork()
	assert.NoError(t, err)

	end := fd.FILEDATA + fd.MAXFD*mem.PTSIZE
	for va := fd.FDTABLE; va < end; va += mem.PGSIZE {
		if !p.VPD(va) {
			va = mem.RoundDown(va, mem.PTSIZE) + mem.PTSIZE - mem.PGSIZE
			continue
		}
		pte := p.VPT(va)
		if pte.Present() && pte.Perm().Has(mem.PTE_SHARE) {
			assert.NoError(t, p.PageMap(0, va, child, va, pte.Perm()&mem.PTE_SYSCALL))
		}
	}

	assert.NoError(t, p.PageAlloc(0, mem.UTEMP, mem.PTE_P|mem.PTE_U|mem.PTE_W))
	p.WriteAt(mem.UTEMP, append([]byte(name), 0))
	assert.NoError(t, p.PageMap(0, mem.UTEMP, child, mem.UTEXT, mem.PTE_P|mem.PTE_U))
	assert.NoError(t, p.PageUnmap(0, mem.UTEMP))

	info, err := p.Env(child)
	assert.NoError(t, err)
	tf := info.TF
	tf.EIP = mem.UTEXT
	assert.NoError(t, p.EnvSetTrapframe(child, tf))
	assert.NoError(t, p.EnvSetStatus(child, env.Runnable))
	return child
}

// drain reads fdnum to end of stream.
func drain(p *kernel.Proc, fdnum int) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 7)
	for {
		n, err := fd.Read(p, fdnum, buf)
		if err != nil {
			return sb.String(), err
		}
		if n == 0 {
			return sb.String(), nil
		}
		sb.Write(buf[:n])
	}
}

func TestNewPipe(t *testing.T) {
	k, _ := newKernel(t, 0)

	_, err := k.Start("maker", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)
		assert.Equal(t, 0, rfd)
		assert.Equal(t, 1, wfd)

		r := fd.FD{Num: rfd}
		w := fd.FD{Num: wfd}
		assert.Equal(t, uint32(fd.O_RDONLY), r.Omode(p))
		assert.Equal(t, uint32(fd.O_WRONLY), w.Omode(p))
		assert.Equal(t, uint32('p'), r.DevID(p))

		// One data page, mapped in both windows.
		assert.Equal(t, p.VPT(r.Data()).PPN(), p.VPT(w.Data()).PPN())
		assert.Equal(t, 2, p.PageRef(r.Data()))
		assert.True(t, p.VPT(r.Addr()).Perm().Has(mem.PTE_SHARE))

		closed, err := pipe.IsClosed(p, rfd)
		assert.NoError(t, err)
		assert.False(t, closed)

		_, err = pipe.IsClosed(p, 9)
		assert.ErrorIs(t, err, syserr.EInval)
	})
	require.NoError(t, err)
	run(t, k)
	assert.Equal(t, 0, k.Pages().Used)
}

func TestWrongEnd(t *testing.T) {
	k, _ := newKernel(t, 0)

	_, err := k.Start("confused", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)

		_, err = fd.Write(p, rfd, []byte("x"))
		assert.ErrorIs(t, err, syserr.EInval)
		_, err = fd.Read(p, wfd, make([]byte, 1))
		assert.ErrorIs(t, err, syserr.EInval)
	})
	require.NoError(t, err)
	run(t, k)
}

func TestEOFAfterWriterCloses(t *testing.T) {
	k, _ := newKernel(t, 0)

	_, err := k.Start("solo", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)

		n, err := fd.Write(p, wfd, []byte("hello"))
		assert.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.NoError(t, fd.Close(p, wfd))

		buf := make([]byte, 16)
		n, err = fd.Read(p, rfd, buf)
		assert.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))

		n, err = fd.Read(p, rfd, buf)
		assert.NoError(t, err)
		assert.Zero(t, n)
	})
	require.NoError(t, err)
	run(t, k)
}

func TestWriteAfterReaderCloses(t *testing.T) {
	k, _ := newKernel(t, 0)

	_, err := k.Start("solo", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)
		assert.NoError(t, fd.Close(p, rfd))

		closed, err := pipe.IsClosed(p, wfd)
		assert.NoError(t, err)
		assert.True(t, closed)

		runs := p.Runs()
		n, err := fd.Write(p, wfd, bytes.Repeat([]byte("z"), 2*pipe.PIPEBUFSIZ))
		assert.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, runs, p.Runs(), "a closed pipe never waits")
	})
	require.NoError(t, err)
	run(t, k)
}

func TestStat(t *testing.T) {
	k, _ := newKernel(t, 0)

	_, err := k.Start("stat", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)

		// Walk the cursors around the ring more than once.
		buf := make([]byte, 20)
		for i := 0; i < 3; i++ {
			_, err = fd.Write(p, wfd, buf)
			assert.NoError(t, err)
			_, err = fd.Read(p, rfd, buf)
			assert.NoError(t, err)
		}
		st, err := fd.Fstat(p, rfd)
		assert.NoError(t, err)
		assert.Equal(t, "<pipe>", st.Name)
		assert.Zero(t, st.Size)
		assert.Equal(t, "pipe", st.Dev.Name())

		_, err = fd.Write(p, wfd, buf[:11])
		assert.NoError(t, err)
		st, err = fd.Fstat(p, wfd)
		assert.NoError(t, err)
		assert.Equal(t, 11, st.Size)
	})
	require.NoError(t, err)
	run(t, k)
}

func TestFullBufferBlocksWriter(t *testing.T) {
	k, _ := newKernel(t, 0)

	var got string
	k.Register("reader", func(p *kernel.Proc) {
		assert.NoError(t, fd.Close(p, 1))
		var err error
		got, err = drain(p, 0)
		assert.NoError(t, err)
	})

	_, err := k.Start("writer", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)
		fork(t, p, "reader")

		runs := p.Runs()
		for i := 0; i < pipe.PIPEBUFSIZ-1; i++ {
			n, err := fd.Write(p, wfd, []byte{byte('a' + i%26)})
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
		}
		assert.Equal(t, runs, p.Runs(), "capacity-1 bytes fit without waiting")

		st, err := fd.Fstat(p, wfd)
		assert.NoError(t, err)
		assert.Equal(t, pipe.PIPEBUFSIZ-1, st.Size)

		n, err := fd.Write(p, wfd, []byte("!"))
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Greater(t, p.Runs(), runs, "a full buffer makes the writer wait")

		assert.NoError(t, fd.Close(p, wfd))
		assert.NoError(t, fd.Close(p, rfd))
	})
	require.NoError(t, err)

	run(t, k)
	require.Len(t, got, pipe.PIPEBUFSIZ)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyzabcde!", got)
}

func TestPartialReadDoesNotWait(t *testing.T) {
	k, _ := newKernel(t, 0)

	_, err := k.Start("solo", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)
		_, err = fd.Write(p, wfd, []byte("abc"))
		assert.NoError(t, err)

		runs := p.Runs()
		buf := make([]byte, 10)
		n, err := fd.Read(p, rfd, buf)
		assert.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, runs, p.Runs())
	})
	require.NoError(t, err)
	run(t, k)
}

func TestCloseDetectionUnderPreemption(t *testing.T) {
	for _, quantum := range []int{0, 8, 9, 13, 31} {
		t.Run(fmt.Sprintf("quantum %d", quantum), func(t *testing.T) {
			k, _ := newKernel(t, quantum)
			msg := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 6)

			var got string
			k.Register("reader", func(p *kernel.Proc) {
				assert.NoError(t, fd.Close(p, 1))
				var err error
				got, err = drain(p, 0)
				assert.NoError(t, err)
			})

			_, err := k.Start("writer", func(p *kernel.Proc) {
				rfd, wfd, err := pipe.New(p)
				assert.NoError(t, err)
				fork(t, p, "reader")
				assert.NoError(t, fd.Close(p, rfd))

				n, err := fd.Write(p, wfd, []byte(msg))
				assert.NoError(t, err)
				assert.Equal(t, len(msg), n)
				assert.NoError(t, fd.Close(p, wfd))
			})
			require.NoError(t, err)

			run(t, k)
			assert.Equal(t, msg, got)
			assert.Equal(t, 0, k.Pages().Used)
		})
	}
}

func TestDupKeepsPipeOpen(t *testing.T) {
	k, _ := newKernel(t, 0)

	_, err := k.Start("solo", func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		assert.NoError(t, err)

		dup, err := fd.Dup(p, wfd, 5)
		assert.NoError(t, err)
		assert.NoError(t, fd.Close(p, wfd))

		closed, err := pipe.IsClosed(p, rfd)
		assert.NoError(t, err)
		assert.False(t, closed, "the duplicate still holds the write end")

		_, err = fd.Write(p, dup, []byte("via dup"))
		assert.NoError(t, err)
		assert.NoError(t, fd.Close(p, dup))

		buf := make([]byte, 16)
		n, err := fd.Readn(p, rfd, buf)
		assert.NoError(t, err)
		assert.Equal(t, "via dup", string(buf[:n]))
	})
	require.NoError(t, err)
	run(t, k)
}
