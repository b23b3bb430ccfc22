package fd

import (
	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// Descriptor table layout.
const (
	MAXFD    = 32
	FDTABLE  = uint32(0xD0000000)
	FILEDATA = FDTABLE + MAXFD*mem.PGSIZE
)

// Open modes.
const (
	O_RDONLY  = 0x0000
	O_WRONLY  = 0x0001
	O_RDWR    = 0x0002
	O_ACCMODE = 0x0003
)

// Field offsets within a descriptor page.
const (
	offDev    = 0
	offOffset = 4
	offOmode  = 8
	offFile   = 12
)

// Sys is the slice of the system call interface the descriptor layer uses.
type Sys interface {
	PageAlloc(id env.ID, va uint32, perm mem.Perm) error
	PageMap(srcid env.ID, srcva uint32, dstid env.ID, dstva uint32, perm mem.Perm) error
	PageUnmap(id env.ID, va uint32) error
	VPD(va uint32) bool
	VPT(va uint32) mem.PTE
	PageRef(va uint32) int
	Load32(va uint32) uint32
	Store32(va uint32, v uint32)
	ReadAt(va uint32, buf []byte)
	WriteAt(va uint32, buf []byte)
	Runs() uint32
	Yield()
	Printf(format string, args ...any)
	Devtab() *Devtab
}

// FD names one descriptor page in the caller's address space.
type FD struct {
	Num int
}

// Addr returns the address of the descriptor page.
func (fd FD) Addr() uint32 { return FDTABLE + uint32(fd.Num)*mem.PGSIZE }

// Data returns the base of the descriptor's data window.
func (fd FD) Data() uint32 { return FILEDATA + uint32(fd.Num)*mem.PTSIZE }

func (fd FD) DevID(sys Sys) uint32  { return sys.Load32(fd.Addr() + offDev) }
func (fd FD) Offset(sys Sys) uint32 { return sys.Load32(fd.Addr() + offOffset) }
func (fd FD) Omode(sys Sys) uint32  { return sys.Load32(fd.Addr() + offOmode) }
func (fd FD) File(sys Sys) uint32   { return sys.Load32(fd.Addr() + offFile) }

func (fd FD) SetDevID(sys Sys, v uint32)  { sys.Store32(fd.Addr()+offDev, v) }
func (fd FD) SetOffset(sys Sys, v uint32) { sys.Store32(fd.Addr()+offOffset, v) }
func (fd FD) SetOmode(sys Sys, v uint32)  { sys.Store32(fd.Addr()+offOmode, v) }
func (fd FD) SetFile(sys Sys, v uint32)   { sys.Store32(fd.Addr()+offFile, v) }

func mapped(sys Sys, va uint32) bool {
	return sys.VPD(va) && sys.VPT(va).Present()
}

// Alloc finds the lowest numbered descriptor whose page is not mapped. It
// does not map the page; the caller does that with the permissions it needs.
func Alloc(sys Sys) (FD, error) {
	for i := 0; i < MAXFD; i++ {
		fd := FD{Num: i}
		if !mapped(sys, fd.Addr()) {
			return fd, nil
		}
	}
	return FD{}, syserr.EMaxOpen
}

// Lookup checks that fdnum is in range and mapped.
func Lookup(sys Sys, fdnum int) (FD, error) {
	if fdnum < 0 || fdnum >= MAXFD {
		return FD{}, syserr.EInval
	}
	fd := FD{Num: fdnum}
	if !mapped(sys, fd.Addr()) {
		return FD{}, syserr.EInval
	}
	return fd, nil
}

// Stat describes an open descriptor.
type Stat struct {
	Name  string
	Size  int
	IsDir bool
	Dev   Dev
}

func lookupDev(sys Sys, fdnum int) (FD, Dev, error) {
	fd, err := Lookup(sys, fdnum)
	if err != nil {
		return FD{}, nil, err
	}
	dev, err := sys.Devtab().Lookup(fd.DevID(sys))
	if err != nil {
		return FD{}, nil, err
	}
	return fd, dev, nil
}

// Close releases a descriptor: the device drops its state, then the
// descriptor page is unmapped.
func Close(sys Sys, fdnum int) error {
	fd, dev, err := lookupDev(sys, fdnum)
	if err != nil {
		return err
	}
	err = dev.Close(sys, fd)
	if uerr := sys.PageUnmap(0, fd.Addr()); err == nil {
		err = uerr
	}
	return err
}

// CloseAll closes every open descriptor.
func CloseAll(sys Sys) {
	for i := 0; i < MAXFD; i++ {
		_ = Close(sys, i)
	}
}

// Dup makes newfdnum a copy of oldfdnum. Whatever newfdnum referred to is
// closed first. Both descriptors share the descriptor page, so they share
// the offset too.
func Dup(sys Sys, oldfdnum, newfdnum int) (int, error) {
	oldfd, err := Lookup(sys, oldfdnum)
	if err != nil {
		return 0, err
	}
	if newfdnum < 0 || newfdnum >= MAXFD {
		return 0, syserr.EInval
	}
	if oldfdnum == newfdnum {
		return newfdnum, nil
	}
	_ = Close(sys, newfdnum)
	newfd := FD{Num: newfdnum}

	undo := func() {
		_ = sys.PageUnmap(0, newfd.Addr())
		for i := uint32(0); i < mem.PTSIZE; i += mem.PGSIZE {
			_ = sys.PageUnmap(0, newfd.Data()+i)
		}
	}

	// Data pages first, so a peer never sees a descriptor without its data.
	if sys.VPD(oldfd.Data()) {
		for i := uint32(0); i < mem.PTSIZE; i += mem.PGSIZE {
			pte := sys.VPT(oldfd.Data() + i)
			if !pte.Present() {
				continue
			}
			if err := sys.PageMap(0, oldfd.Data()+i, 0, newfd.Data()+i, pte.Perm()&mem.PTE_SYSCALL); err != nil {
				undo()
				return 0, err
			}
		}
	}
	pte := sys.VPT(oldfd.Addr())
	if err := sys.PageMap(0, oldfd.Addr(), 0, newfd.Addr(), pte.Perm()&mem.PTE_SYSCALL); err != nil {
		undo()
		return 0, err
	}
	return newfdnum, nil
}

// Read reads up to len(buf) bytes and advances the offset.
func Read(sys Sys, fdnum int, buf []byte) (int, error) {
	fd, dev, err := lookupDev(sys, fdnum)
	if err != nil {
		return 0, err
	}
	if fd.Omode(sys)&O_ACCMODE == O_WRONLY {
		return 0, syserr.EInval
	}
	n, err := dev.Read(sys, fd, buf, fd.Offset(sys))
	if err != nil {
		return 0, err
	}
	fd.SetOffset(sys, fd.Offset(sys)+uint32(n))
	return n, nil
}

// Readn reads until buf is full or the device reports end of stream.
func Readn(sys Sys, fdnum int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := Read(sys, fdnum, buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// Write writes buf and advances the offset.
func Write(sys Sys, fdnum int, buf []byte) (int, error) {
	fd, dev, err := lookupDev(sys, fdnum)
	if err != nil {
		return 0, err
	}
	if fd.Omode(sys)&O_ACCMODE == O_RDONLY {
		return 0, syserr.EInval
	}
	n, err := dev.Write(sys, fd, buf, fd.Offset(sys))
	if err != nil {
		return 0, err
	}
	fd.SetOffset(sys, fd.Offset(sys)+uint32(n))
	return n, nil
}

// Seek sets the offset of fdnum.
func Seek(sys Sys, fdnum int, offset uint32) error {
	fd, err := Lookup(sys, fdnum)
	if err != nil {
		return err
	}
	fd.SetOffset(sys, offset)
	return nil
}

// Fstat describes fdnum.
func Fstat(sys Sys, fdnum int) (Stat, error) {
	fd, dev, err := lookupDev(sys, fdnum)
	if err != nil {
		return Stat{}, err
	}
	st := Stat{Dev: dev}
	if err := dev.Stat(sys, fd, &st); err != nil {
		return Stat{}, err
	}
	return st, nil
}
