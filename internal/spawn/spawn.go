// Package spawn creates environments from executable images stored on a
// file server, entirely from user space: the parent builds the child's
// address space with page system calls and then marks it runnable.
package spawn

import (
	"bytes"
	"fmt"

	"github.com/GriffinCanCode/exokern/internal/elf"
	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// Sys is the system call interface the spawner needs.
type Sys interface {
	fd.Sys
	Exofork() (env.ID, error)
	Env(id env.ID) (env.Info, error)
	EnvSetTrapframe(id env.ID, tf env.Trapframe) error
	EnvSetStatus(id env.ID, status env.Status) error
	EnvDestroy(id env.ID) error
}

// FileServer opens images and maps their pages without copying.
type FileServer interface {
	Open(sys fd.Sys, path string, mode int) (int, error)
	ReadMap(sys fd.Sys, fdnum int, offset uint32) (uint32, error)
}

// Spawn starts the program at path with the given arguments and returns
// the child's id. On any failure the half-built child is destroyed.
func Spawn(sys Sys, fs FileServer, path string, argv []string) (env.ID, error) {
	// Fork before opening so the image descriptor never reaches the child.
	child, err := sys.Exofork()
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", path, err)
	}
	if err := load(sys, fs, child, path, argv); err != nil {
		_ = sys.EnvDestroy(child)
		return 0, fmt.Errorf("spawn %s: %w", path, err)
	}
	return child, nil
}

// Spawnl is Spawn with the arguments inline.
func Spawnl(sys Sys, fs FileServer, path string, args ...string) (env.ID, error) {
	return Spawn(sys, fs, path, args)
}

func load(sys Sys, fs FileServer, child env.ID, path string, argv []string) error {
	fdnum, err := fs.Open(sys, path, fd.O_RDONLY)
	if err != nil {
		return err
	}
	open := true
	defer func() {
		if open {
			_ = fd.Close(sys, fdnum)
		}
	}()

	hdr := make([]byte, elf.HeaderSize)
	if err := readFull(sys, fdnum, hdr); err != nil {
		return err
	}
	h, err := elf.ParseHeader(hdr)
	if err != nil {
		return err
	}
	if err := h.Valid(); err != nil {
		return err
	}

	info, err := sys.Env(child)
	if err != nil {
		return err
	}
	tf := info.TF
	tf.EIP = h.Entry
	if tf.ESP, err = initStack(sys, child, argv); err != nil {
		return err
	}
	if err := sys.EnvSetTrapframe(child, tf); err != nil {
		return err
	}

	ph := make([]byte, h.Phentsize)
	for i := 0; i < int(h.Phnum); i++ {
		if err := fd.Seek(sys, fdnum, h.ProgOffset(i)); err != nil {
			return err
		}
		if err := readFull(sys, fdnum, ph); err != nil {
			return err
		}
		p, err := elf.ParseProg(ph)
		if err != nil {
			return err
		}
		if !p.Loadable() {
			continue
		}
		if err := p.Check(); err != nil {
			return err
		}
		if p.Writable() {
			err = mapRW(sys, fdnum, child, p)
		} else {
			err = mapRO(sys, fs, fdnum, child, p)
		}
		if err != nil {
			return fmt.Errorf("segment %d at %#x: %w", i, p.Vaddr, err)
		}
	}

	open = false
	if err := fd.Close(sys, fdnum); err != nil {
		return err
	}
	if err := copyShared(sys, child); err != nil {
		return err
	}
	return sys.EnvSetStatus(child, env.Runnable)
}

func readFull(sys Sys, fdnum int, buf []byte) error {
	n, err := fd.Readn(sys, fdnum, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read (%d of %d bytes): %w", n, len(buf), syserr.EInval)
	}
	return nil
}

// mapRO shares the file server's pages with the child.
func mapRO(sys Sys, fs FileServer, fdnum int, child env.ID, p elf.Prog) error {
	va := mem.RoundDown(p.Vaddr, mem.PGSIZE)
	off := mem.RoundDown(p.Off, mem.PGSIZE)
	size := mem.RoundUp(mem.PGOFF(p.Vaddr)+p.Memsz, mem.PGSIZE)
	for i := uint32(0); i < size; i += mem.PGSIZE {
		blk, err := fs.ReadMap(sys, fdnum, off+i)
		if err != nil {
			return err
		}
		if err := sys.PageMap(0, blk, child, va+i, mem.PTE_P|mem.PTE_U); err != nil {
			return err
		}
	}
	return nil
}

// mapRW copies file bytes into fresh pages staged at UTEMP and zero fills
// the rest of the segment.
func mapRW(sys Sys, fdnum int, child env.ID, p elf.Prog) error {
	defer sys.PageUnmap(0, mem.UTEMP)

	va := mem.RoundDown(p.Vaddr, mem.PGSIZE)
	skip := mem.PGOFF(p.Vaddr)
	size := mem.RoundUp(skip+p.Memsz, mem.PGSIZE)
	left := p.Filesz
	if err := fd.Seek(sys, fdnum, p.Off); err != nil {
		return err
	}

	perm := mem.PTE_P | mem.PTE_U | mem.PTE_W
	for i := uint32(0); i < size; i += mem.PGSIZE {
		if err := sys.PageAlloc(0, mem.UTEMP, perm); err != nil {
			return err
		}
		start := uint32(0)
		if i == 0 {
			start = skip
		}
		if n := min(mem.PGSIZE-start, left); n > 0 {
			buf := make([]byte, n)
			if err := readFull(sys, fdnum, buf); err != nil {
				return err
			}
			sys.WriteAt(mem.UTEMP+start, buf)
			left -= n
		}
		if err := sys.PageMap(0, mem.UTEMP, child, va+i, perm); err != nil {
			return err
		}
		if err := sys.PageUnmap(0, mem.UTEMP); err != nil {
			return err
		}
	}
	return nil
}

// initStack lays out argc and argv on a page staged at UTEMP and maps it
// as the child's stack. It returns the child's initial stack pointer.
//
//	ESP -> argc
//	       argv ---+
//	       argv[0] <+  (pointers into the string area)
//	       ...
//	       NULL
//	       strings, each NUL terminated, up to USTACKTOP
func initStack(sys Sys, child env.ID, argv []string) (uint32, error) {
	size := 0
	for _, a := range argv {
		size += len(a) + 1
	}
	strs := int64(mem.UTEMP) + mem.PGSIZE - int64(size)
	ptrs := mem.RoundDown(strs, 4) - 4*int64(len(argv)+1)
	if ptrs-8 < int64(mem.UTEMP) {
		return 0, syserr.ENoMem
	}

	if err := sys.PageAlloc(0, mem.UTEMP, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != nil {
		return 0, err
	}
	defer sys.PageUnmap(0, mem.UTEMP)

	toChild := func(va int64) uint32 {
		return uint32(va) - mem.UTEMP + mem.USTACKTOP - mem.PGSIZE
	}
	for i, a := range argv {
		sys.Store32(uint32(ptrs)+4*uint32(i), toChild(strs))
		sys.WriteAt(uint32(strs), append([]byte(a), 0))
		strs += int64(len(a)) + 1
	}
	sys.Store32(uint32(ptrs)+4*uint32(len(argv)), 0)
	sys.Store32(uint32(ptrs)-4, toChild(ptrs))
	sys.Store32(uint32(ptrs)-8, uint32(len(argv)))

	if err := sys.PageMap(0, mem.UTEMP, child, mem.USTACKTOP-mem.PGSIZE, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != nil {
		return 0, err
	}
	return toChild(ptrs - 8), nil
}

// copyShared maps every PTE_SHARE page of the caller into the child at the
// same address. Descriptor pages go last: until a descriptor's data page is
// mapped, its pipe would look closed to a reader comparing page counts.
func copyShared(sys Sys, child env.ID) error {
	isDesc := func(va uint32) bool { return va >= fd.FDTABLE && va < fd.FILEDATA }
	if err := forwardShared(sys, child, func(va uint32) bool { return !isDesc(va) }); err != nil {
		return err
	}
	return forwardShared(sys, child, isDesc)
}

func forwardShared(sys Sys, child env.ID, want func(va uint32) bool) error {
	for pdx := 0; pdx < mem.PDX(mem.UTOP); pdx++ {
		if !sys.VPD(mem.PGADDR(pdx, 0, 0)) {
			continue
		}
		for ptx := 0; ptx < mem.NPTENTRIES; ptx++ {
			va := mem.PGADDR(pdx, ptx, 0)
			if !want(va) {
				continue
			}
			pte := sys.VPT(va)
			if !pte.Present() || !pte.Perm().Has(mem.PTE_SHARE) {
				continue
			}
			if err := sys.PageMap(0, va, child, va, pte.Perm()&mem.PTE_SYSCALL); err != nil {
				return err
			}
		}
	}
	return nil
}

// Args returns the argument vector the spawner left on the caller's stack,
// or nil when the caller was not spawned.
func Args(sys Sys) []string {
	info, err := sys.Env(0)
	if err != nil {
		return nil
	}
	esp := info.TF.ESP
	if esp < mem.USTACKTOP-mem.PGSIZE || esp >= mem.USTACKTOP || !sys.VPT(esp).Present() {
		return nil
	}

	argc := sys.Load32(esp)
	argvp := sys.Load32(esp + 4)
	args := make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		s := sys.Load32(argvp + 4*i)
		if s < esp || s >= mem.USTACKTOP {
			break
		}
		buf := make([]byte, mem.USTACKTOP-s)
		sys.ReadAt(s, buf)
		if n := bytes.IndexByte(buf, 0); n >= 0 {
			buf = buf[:n]
		}
		args = append(args, string(buf))
	}
	return args
}
