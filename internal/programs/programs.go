// Package programs holds the native user programs that images name: the
// boot sequence, init, and a handful of demonstrations of spawn, IPC and
// pipes.
package programs

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/exokern/internal/elf"
	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/ipc"
	"github.com/GriffinCanCode/exokern/internal/kernel"
	"github.com/GriffinCanCode/exokern/internal/manifest"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/memfs"
	"github.com/GriffinCanCode/exokern/internal/pipe"
	"github.com/GriffinCanCode/exokern/internal/spawn"
)

// Program names, as stored in image text segments.
const (
	InitName     = "init"
	HelloName    = "hello"
	IdleName     = "idle"
	PingPongName = "pingpong"
	PongName     = "pong"
	PipelineName = "pipeline"
	DrainName    = "drain"
)

// PongPath is where pingpong expects its partner.
const PongPath = "/bin/pong"

// DrainPath is where pipeline expects its reader.
const DrainPath = "/bin/drain"

// rounds is the value that ends a ping-pong exchange.
const rounds = 10

// Register adds every program to the kernel's program table. Programs that
// spawn others find their images in fs.
func Register(k *kernel.Kernel, fs *memfs.FS) {
	k.Register(InitName, Init(fs))
	k.Register(HelloName, Hello)
	k.Register(IdleName, Idle)
	k.Register(PingPongName, PingPong(fs))
	k.Register(PongName, Pong)
	k.Register(PipelineName, Pipeline(fs))
	k.Register(DrainName, Drain)
}

// Install writes the init image to initPath.
func Install(fs *memfs.FS, initPath string) error {
	return fs.Create(initPath, elf.Stub(InitName, nil, 0))
}

// Boot returns the first environment's body: it spawns init and exits.
func Boot(fs *memfs.FS, initPath string) kernel.Program {
	return func(p *kernel.Proc) {
		if _, err := spawn.Spawnl(p, fs, initPath, InitName); err != nil {
			p.Panicf("boot: %v", err)
		}
	}
}

// Init spawns every entry of the boot table, in order.
func Init(fs *memfs.FS) kernel.Program {
	return func(p *kernel.Proc) {
		table, err := readFile(p, fs, manifest.BootTable)
		if err != nil {
			p.Printf("init: no boot table: %v\n", err)
			return
		}
		for _, e := range manifest.ParseBootTable(table) {
			child, err := spawn.Spawn(p, fs, e.Path, e.Argv())
			if err != nil {
				p.Printf("init: %v\n", err)
				continue
			}
			p.Printf("init: spawned %s as %08x\n", e.Path, uint32(child))
		}
	}
}

func readFile(p *kernel.Proc, fs *memfs.FS, path string) ([]byte, error) {
	fdnum, err := fs.Open(p, path, fd.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer fd.Close(p, fdnum)

	st, err := fd.Fstat(p, fdnum)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	n, err := fd.Readn(p, fdnum, buf)
	return buf[:n], err
}

// Hello greets with its arguments.
func Hello(p *kernel.Proc) {
	args := spawn.Args(p)
	if len(args) > 1 {
		p.Printf("%s\n", strings.Join(args[1:], " "))
	} else {
		p.Printf("hello, world\n")
	}
	p.Printf("i am environment %08x\n", uint32(p.EnvID()))
}

// Idle yields forever. It runs only when nothing else can.
func Idle(p *kernel.Proc) {
	for {
		p.Yield()
	}
}

// PingPong spawns pong and trades an incrementing counter with it.
func PingPong(fs *memfs.FS) kernel.Program {
	return func(p *kernel.Proc) {
		who, err := spawn.Spawnl(p, fs, PongPath, PongName)
		if err != nil {
			p.Panicf("pingpong: %v", err)
		}
		p.Printf("send 0 from %08x to %08x\n", uint32(p.EnvID()), uint32(who))
		ipc.Send(p, who, 0, ipc.NoPage, 0)
		volley(p)
	}
}

// Pong answers whoever serves first.
func Pong(p *kernel.Proc) {
	volley(p)
}

func volley(p *kernel.Proc) {
	for {
		i, from, _, err := ipc.Recv(p, ipc.NoPage)
		if err != nil {
			p.Panicf("ipc recv: %v", err)
		}
		p.Printf("%08x got %d from %08x\n", uint32(p.EnvID()), i, uint32(from))
		if i == rounds {
			return
		}
		i++
		ipc.Send(p, from, i, ipc.NoPage, 0)
		if i == rounds {
			return
		}
	}
}

const defaultMessage = "hello through a pipe\n"

// Pipeline spawns drain on the read end of a pipe and writes a message
// into it. The message is the NUL-terminated string in the image's data
// segment, if it has one.
func Pipeline(fs *memfs.FS) kernel.Program {
	return func(p *kernel.Proc) {
		rfd, wfd, err := pipe.New(p)
		if err != nil {
			p.Panicf("pipe: %v", err)
		}
		if _, err := spawn.Spawnl(p, fs, DrainPath, DrainName, strconv.Itoa(rfd)); err != nil {
			p.Panicf("pipeline: %v", err)
		}
		_ = fd.Close(p, rfd)

		msg := message(p)
		if n, err := fd.Write(p, wfd, msg); err != nil || n != len(msg) {
			p.Panicf("pipeline: wrote %d of %d bytes: %v", n, len(msg), err)
		}
		_ = fd.Close(p, wfd)
	}
}

func message(p *kernel.Proc) []byte {
	va := mem.UTEXT + mem.PGSIZE
	if !p.VPT(va).Present() {
		return []byte(defaultMessage)
	}
	buf := make([]byte, mem.PGSIZE)
	p.ReadAt(va, buf)
	if n := bytes.IndexByte(buf, 0); n >= 0 {
		buf = buf[:n]
	}
	return buf
}

// Drain reads the descriptor named by its first argument to end of stream
// and prints what it read. Every other descriptor is closed first so that
// an inherited write end does not hold the stream open.
func Drain(p *kernel.Proc) {
	args := spawn.Args(p)
	if len(args) < 2 {
		p.Panicf("usage: drain fd")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		p.Panicf("drain: bad descriptor %q", args[1])
	}
	for i := 0; i < fd.MAXFD; i++ {
		if i != n {
			_ = fd.Close(p, i)
		}
	}

	var out bytes.Buffer
	buf := make([]byte, pipe.PIPEBUFSIZ)
	for {
		m, err := fd.Read(p, n, buf)
		if err != nil {
			p.Panicf("drain: read: %v", err)
		}
		if m == 0 {
			break
		}
		out.Write(buf[:m])
	}
	_ = fd.Close(p, n)
	p.Printf("drain %08x: %s", uint32(p.EnvID()), out.String())
}
