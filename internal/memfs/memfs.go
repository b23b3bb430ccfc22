package memfs

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

const devID = 'f'

// MaxFileSize is the size of one descriptor data window.
const MaxFileSize = mem.PTSIZE

type file struct {
	id     uint32
	name   string
	size   int
	frames []mem.PPN
}

// Info describes a file.
type Info struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Pages int    `json:"pages"`
}

// FS is an in-memory file system backed by frames from one allocator.
type FS struct {
	mu     sync.RWMutex
	pages  *mem.Allocator
	files  map[string]*file
	byID   map[uint32]*file
	nextID uint32
}

// New creates an empty file system.
func New(pages *mem.Allocator) *FS {
	return &FS{
		pages: pages,
		files: make(map[string]*file),
		byID:  make(map[uint32]*file),
	}
}

func checkPath(p string) error {
	if len(p) < 2 || p[0] != '/' || path.Clean(p) != p {
		return fmt.Errorf("memfs: %q: %w", p, syserr.EBadPath)
	}
	return nil
}

// Create stores data at p, replacing any existing file.
func (fs *FS) Create(p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return err
	}
	if len(data) > MaxFileSize {
		return fmt.Errorf("memfs: %s: %d bytes is too large: %w", p, len(data), syserr.EInval)
	}

	frames := make([]mem.PPN, 0, mem.RoundUp(len(data), mem.PGSIZE)/mem.PGSIZE)
	for off := 0; off < len(data); off += mem.PGSIZE {
		ppn, err := fs.pages.Alloc()
		if err != nil {
			release(fs.pages, frames)
			return fmt.Errorf("memfs: %s: %w", p, err)
		}
		fs.pages.Incref(ppn)
		copy(fs.pages.Bytes(ppn), data[off:])
		frames = append(frames, ppn)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if old, ok := fs.files[p]; ok {
		fs.drop(old)
	}
	fs.nextID++
	f := &file{id: fs.nextID, name: p, size: len(data), frames: frames}
	fs.files[p] = f
	fs.byID[f.id] = f
	return nil
}

// Remove deletes a file. Pages already mapped by environments stay valid
// until they are unmapped.
func (fs *FS) Remove(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, ok := fs.files[p]
	if !ok {
		return fmt.Errorf("memfs: %s: %w", p, syserr.ENotFound)
	}
	fs.drop(f)
	return nil
}

func (fs *FS) drop(f *file) {
	delete(fs.files, f.name)
	delete(fs.byID, f.id)
	release(fs.pages, f.frames)
	f.frames = nil
	f.size = 0
}

func release(pages *mem.Allocator, frames []mem.PPN) {
	for _, ppn := range frames {
		pages.Decref(ppn)
	}
}

// Stat describes the file at p.
func (fs *FS) Stat(p string) (Info, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	f, ok := fs.files[p]
	if !ok {
		return Info{}, fmt.Errorf("memfs: %s: %w", p, syserr.ENotFound)
	}
	return f.info(), nil
}

// List describes every file in name order.
func (fs *FS) List() []Info {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]Info, 0, len(fs.files))
	for _, f := range fs.files {
		out = append(out, f.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *file) info() Info {
	return Info{Name: f.name, Size: f.size, Pages: len(f.frames)}
}

func (fs *FS) byFD(sys fd.Sys, f fd.FD) (*file, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	file, ok := fs.byID[f.File(sys)]
	if !ok {
		return nil, syserr.ENotFound
	}
	return file, nil
}

// Open opens p for reading and returns the descriptor number.
func (fs *FS) Open(sys fd.Sys, p string, mode int) (int, error) {
	if mode&fd.O_ACCMODE != fd.O_RDONLY {
		return 0, syserr.EInval
	}
	fs.mu.RLock()
	file, ok := fs.files[p]
	fs.mu.RUnlock()
	if !ok {
		return 0, syserr.ENotFound
	}

	sys.Devtab().Register(fs.Dev())
	f, err := fd.Alloc(sys)
	if err != nil {
		return 0, err
	}
	if err := sys.PageAlloc(0, f.Addr(), mem.PTE_P|mem.PTE_U|mem.PTE_W|mem.PTE_SHARE); err != nil {
		return 0, err
	}
	f.SetDevID(sys, devID)
	f.SetOmode(sys, uint32(mode))
	f.SetFile(sys, file.id)
	return f.Num, nil
}

type frameMapper interface {
	MapFrame(ppn mem.PPN, va uint32, perm mem.Perm) error
}

// ReadMap maps the page of the file holding offset read-only into the
// descriptor's data window and returns its address. Nothing is copied.
func (fs *FS) ReadMap(sys fd.Sys, fdnum int, offset uint32) (uint32, error) {
	m, ok := sys.(frameMapper)
	if !ok {
		return 0, syserr.EInval
	}
	f, err := fd.Lookup(sys, fdnum)
	if err != nil {
		return 0, err
	}
	if f.DevID(sys) != devID {
		return 0, syserr.EInval
	}
	file, err := fs.byFD(sys, f)
	if err != nil {
		return 0, err
	}

	pg := int(offset / mem.PGSIZE)
	fs.mu.RLock()
	if pg >= len(file.frames) {
		fs.mu.RUnlock()
		return 0, syserr.EInval
	}
	ppn := file.frames[pg]
	fs.mu.RUnlock()

	va := f.Data() + mem.RoundDown(offset, mem.PGSIZE)
	if err := m.MapFrame(ppn, va, mem.PTE_P|mem.PTE_U); err != nil {
		return 0, err
	}
	return va, nil
}

// Dev returns the file device.
func (fs *FS) Dev() fd.Dev {
	return device{fs}
}

type device struct {
	fs *FS
}

func (device) ID() uint32   { return devID }
func (device) Name() string { return "file" }

func (d device) Read(sys fd.Sys, f fd.FD, buf []byte, offset uint32) (int, error) {
	file, err := d.fs.byFD(sys, f)
	if err != nil {
		return 0, err
	}

	d.fs.mu.RLock()
	defer d.fs.mu.RUnlock()

	n := 0
	for n < len(buf) && int(offset)+n < file.size {
		at := int(offset) + n
		page := d.fs.pages.Bytes(file.frames[at/mem.PGSIZE])
		end := file.size - (at - at%mem.PGSIZE)
		if end > mem.PGSIZE {
			end = mem.PGSIZE
		}
		n += copy(buf[n:], page[at%mem.PGSIZE:end])
	}
	return n, nil
}

func (device) Write(fd.Sys, fd.FD, []byte, uint32) (int, error) {
	return 0, syserr.EInval
}

// Close unmaps whatever ReadMap left in the data window.
func (device) Close(sys fd.Sys, f fd.FD) error {
	if !sys.VPD(f.Data()) {
		return nil
	}
	for va := f.Data(); va < f.Data()+mem.PTSIZE; va += mem.PGSIZE {
		if sys.VPT(va).Present() {
			if err := sys.PageUnmap(0, va); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d device) Stat(sys fd.Sys, f fd.FD, st *fd.Stat) error {
	file, err := d.fs.byFD(sys, f)
	if err != nil {
		return err
	}
	st.Name = path.Base(file.name)
	st.Size = file.size
	return nil
}
