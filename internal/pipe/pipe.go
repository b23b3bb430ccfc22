// Package pipe implements byte pipes as a descriptor device. Both ends map
// one shared page holding a small ring buffer; an end notices that its peer
// is gone by comparing page reference counts.
package pipe

import (
	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/mem"
)

// PIPEBUFSIZ is small so that readers and writers interleave often.
const PIPEBUFSIZ = 32

// Layout of the shared page.
const (
	offRpos = 0
	offWpos = 4
	offBuf  = 8
)

const devID = 'p'

// Dev is the pipe device.
var Dev fd.Dev = device{}

type device struct{}

func (device) ID() uint32   { return devID }
func (device) Name() string { return "pipe" }

// New creates a pipe and returns its read and write descriptors. Every
// page is mapped shared so that spawned children inherit both ends.
func New(sys fd.Sys) (rfd, wfd int, err error) {
	sys.Devtab().Register(Dev)
	perm := mem.PTE_P | mem.PTE_W | mem.PTE_U | mem.PTE_SHARE

	fd0, err := fd.Alloc(sys)
	if err != nil {
		return 0, 0, err
	}
	if err := sys.PageAlloc(0, fd0.Addr(), perm); err != nil {
		return 0, 0, err
	}

	fd1, err := fd.Alloc(sys)
	if err == nil {
		err = sys.PageAlloc(0, fd1.Addr(), perm)
	}
	if err != nil {
		_ = sys.PageUnmap(0, fd0.Addr())
		return 0, 0, err
	}

	va := fd0.Data()
	if err := sys.PageAlloc(0, va, perm); err != nil {
		_ = sys.PageUnmap(0, fd1.Addr())
		_ = sys.PageUnmap(0, fd0.Addr())
		return 0, 0, err
	}
	if err := sys.PageMap(0, va, 0, fd1.Data(), perm); err != nil {
		_ = sys.PageUnmap(0, va)
		_ = sys.PageUnmap(0, fd1.Addr())
		_ = sys.PageUnmap(0, fd0.Addr())
		return 0, 0, err
	}

	fd0.SetDevID(sys, devID)
	fd0.SetOmode(sys, fd.O_RDONLY)
	fd1.SetDevID(sys, devID)
	fd1.SetOmode(sys, fd.O_WRONLY)
	return fd0.Num, fd1.Num, nil
}

type raceNoter interface {
	NotePipeRace()
}

// isClosed reports whether every holder of the other end has closed it. The
// two reference counts are only trusted when the caller was not rescheduled
// between reading them.
func isClosed(sys fd.Sys, f fd.FD) bool {
	for {
		runs := sys.Runs()
		closed := sys.PageRef(f.Addr()) == sys.PageRef(f.Data())
		if runs == sys.Runs() {
			return closed
		}
		if closed {
			sys.Printf("pipe race avoided\n")
			if n, ok := sys.(raceNoter); ok {
				n.NotePipeRace()
			}
		}
	}
}

// IsClosed reports whether the other end of the pipe behind fdnum is closed.
func IsClosed(sys fd.Sys, fdnum int) (bool, error) {
	f, err := fd.Lookup(sys, fdnum)
	if err != nil {
		return false, err
	}
	return isClosed(sys, f), nil
}

func rpos(sys fd.Sys, f fd.FD) uint32 { return sys.Load32(f.Data() + offRpos) }
func wpos(sys fd.Sys, f fd.FD) uint32 { return sys.Load32(f.Data() + offWpos) }

func empty(sys fd.Sys, f fd.FD) bool {
	return rpos(sys, f) == wpos(sys, f)
}

func full(sys fd.Sys, f fd.FD) bool {
	return (wpos(sys, f)+1)%PIPEBUFSIZ == rpos(sys, f)
}

// Read copies bytes out one at a time. It waits only while nothing has been
// copied yet, and returns 0 once the buffer is empty and the writers are
// gone.
func (device) Read(sys fd.Sys, f fd.FD, buf []byte, _ uint32) (int, error) {
	var b [1]byte
	for i := range buf {
		for empty(sys, f) {
			if i > 0 {
				return i, nil
			}
			if isClosed(sys, f) {
				return 0, nil
			}
			sys.Yield()
		}
		r := rpos(sys, f)
		sys.ReadAt(f.Data()+offBuf+r, b[:])
		buf[i] = b[0]
		sys.Store32(f.Data()+offRpos, (r+1)%PIPEBUFSIZ)
	}
	return len(buf), nil
}

// Write copies all of buf, waiting while the buffer is full. It returns 0
// if the readers go away first.
func (device) Write(sys fd.Sys, f fd.FD, buf []byte, _ uint32) (int, error) {
	for i := range buf {
		for full(sys, f) {
			if isClosed(sys, f) {
				return 0, nil
			}
			sys.Yield()
		}
		w := wpos(sys, f)
		sys.WriteAt(f.Data()+offBuf+w, buf[i:i+1])
		sys.Store32(f.Data()+offWpos, (w+1)%PIPEBUFSIZ)
	}
	return len(buf), nil
}

// Close drops this holder's mappings of the descriptor and the buffer.
func (device) Close(sys fd.Sys, f fd.FD) error {
	if err := sys.PageUnmap(0, f.Addr()); err != nil {
		return err
	}
	return sys.PageUnmap(0, f.Data())
}

func (device) Stat(sys fd.Sys, f fd.FD, st *fd.Stat) error {
	st.Name = "<pipe>"
	st.Size = int((wpos(sys, f) + PIPEBUFSIZ - rpos(sys, f)) % PIPEBUFSIZ)
	st.IsDir = false
	return nil
}
