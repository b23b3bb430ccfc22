package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/sched"
)

// Program is the body of a user environment.
type Program func(p *Proc)

// Config configures a kernel. Zero values select defaults.
type Config struct {
	MaxEnvs      int
	Pages        int
	Quantum      int     // system calls per dispatch, 0 disables preemption
	DispatchRate float64 // dispatches per second, 0 is unlimited
	Console      io.Writer
	Monitor      func()
	Logger       *zap.Logger
	Metrics      *monitoring.Metrics
}

const defaultPages = 8192

// Kernel is one simulated single-CPU machine.
type Kernel struct {
	// mu is held for the whole of each dispatch.
	mu sync.Mutex

	id      uuid.UUID
	cfg     Config
	log     *zap.Logger
	metrics *monitoring.Metrics
	limiter *rate.Limiter
	console io.Writer

	pages   *mem.Allocator
	envs    *env.Table
	threads []*thread
	bound   []Program
	devtab  *fd.Devtab

	progmu   sync.RWMutex
	programs map[string]Program

	trap chan trap
	cur  *env.Env
}

// New creates a kernel with an empty environment table.
func New(cfg Config) *Kernel {
	if cfg.MaxEnvs <= 0 || cfg.MaxEnvs > env.NENV {
		cfg.MaxEnvs = env.NENV
	}
	if cfg.Pages <= 0 {
		cfg.Pages = defaultPages
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics()
	}

	k := &Kernel{
		id:       uuid.New(),
		cfg:      cfg,
		metrics:  cfg.Metrics,
		console:  cfg.Console,
		pages:    mem.NewAllocator(cfg.Pages),
		devtab:   fd.NewDevtab(),
		programs: make(map[string]Program),
		trap:     make(chan trap),
	}
	k.log = cfg.Logger.With(logging.KernelID(k.id.String()))
	k.envs = env.NewTable(cfg.MaxEnvs, k.pages)
	k.threads = make([]*thread, k.envs.Len())
	k.bound = make([]Program, k.envs.Len())
	if cfg.DispatchRate > 0 {
		k.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}

	k.metrics.SetPagesFree(k.pages.Stats().Free)
	k.log.Info("Kernel initialized",
		zap.Int("envs", k.envs.Len()),
		zap.Int("pages", cfg.Pages),
		zap.Int("quantum", cfg.Quantum),
	)
	return k
}

// ID returns the kernel instance id.
func (k *Kernel) ID() string { return k.id.String() }

// Allocator returns the physical frame arena.
func (k *Kernel) Allocator() *mem.Allocator { return k.pages }

// Devtab returns the device table shared by all environments.
func (k *Kernel) Devtab() *fd.Devtab { return k.devtab }

// Metrics returns the kernel's metrics.
func (k *Kernel) Metrics() *monitoring.Metrics { return k.metrics }

// Register binds a native stub name to a program body.
func (k *Kernel) Register(name string, prog Program) {
	k.progmu.Lock()
	k.programs[name] = prog
	k.progmu.Unlock()
}

func (k *Kernel) program(name string) (Program, bool) {
	k.progmu.RLock()
	defer k.progmu.RUnlock()
	prog, ok := k.programs[name]
	return prog, ok
}

// Start creates a runnable environment that runs prog directly, without an
// image. It is how the first environment gets onto the machine.
func (k *Kernel) Start(name string, prog Program) (env.ID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.alloc(0)
	if err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", name, err)
	}
	e.Name = name
	k.bound[e.ID.Index()] = prog
	e.Status = env.Runnable
	return e.ID, nil
}

// StartIdle installs prog as the idle environment in slot 0. It runs only
// when nothing else can.
func (k *Kernel) StartIdle(prog Program) (env.ID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.AllocIdle()
	if err != nil {
		return 0, fmt.Errorf("failed to start idle: %w", err)
	}
	k.created(e)
	e.Name = "idle"
	k.bound[0] = prog
	e.Status = env.Runnable
	return e.ID, nil
}

// Step dispatches one environment and returns once it traps back. It
// reports false when nothing is runnable.
func (k *Kernel) Step() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	next := sched.Next(k.envs, k.cur)
	if next == nil {
		return false
	}
	k.dispatch(next)
	return true
}

// Run dispatches until no environment is runnable, then reports the halt on
// the console and invokes the monitor hook. It returns early with the
// context's error when ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if k.limiter != nil {
			if err := k.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if !k.Step() {
			break
		}
	}

	k.cprintf("Destroyed all environments - nothing more to do!\n")
	k.log.Info("Kernel halted", zap.Int("live", k.live()))
	if k.cfg.Monitor != nil {
		k.cfg.Monitor()
	}
	return nil
}

func (k *Kernel) live() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.envs.Live()
}

// Envs returns a snapshot of every allocated environment.
func (k *Kernel) Envs() []env.Info {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.envs.Snapshot()
}

// Env returns a snapshot of one environment.
func (k *Kernel) Env(id env.ID) (env.Info, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.Lookup(id, nil, false)
	if err != nil {
		return env.Info{}, fmt.Errorf("env %s: %w", id, err)
	}
	return e.Info(), nil
}

// Pages returns frame arena statistics.
func (k *Kernel) Pages() mem.Stats {
	return k.pages.Stats()
}

// ReadUser copies memory out of an environment's address space.
func (k *Kernel) ReadUser(id env.ID, va uint32, buf []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.Lookup(id, nil, false)
	if err != nil {
		return fmt.Errorf("env %s: %w", id, err)
	}
	if err := e.Space.Read(va, buf, 0); err != nil {
		return fmt.Errorf("env %s: read %08x: %w", id, va, err)
	}
	return nil
}

// Translate returns the page table entry for va in an environment.
func (k *Kernel) Translate(id env.ID, va uint32) (mem.PTE, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.Lookup(id, nil, false)
	if err != nil {
		return 0, fmt.Errorf("env %s: %w", id, err)
	}
	return e.Space.Lookup(va), nil
}

// Mapping is one present page in an environment's address space.
type Mapping struct {
	VA   uint32  `json:"va"`
	PPN  mem.PPN `json:"ppn"`
	Perm string  `json:"perm"`
	Refs int     `json:"refs"`
}

// Mappings lists the user pages of an environment in address order.
func (k *Kernel) Mappings(id env.ID) ([]Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envs.Lookup(id, nil, false)
	if err != nil {
		return nil, fmt.Errorf("env %s: %w", id, err)
	}
	out := make([]Mapping, 0, e.Space.Len())
	e.Space.Walk(0, mem.UTOP, func(va uint32, pte mem.PTE) bool {
		out = append(out, Mapping{
			VA:   va,
			PPN:  pte.PPN(),
			Perm: pte.Perm().String(),
			Refs: k.pages.Ref(pte.PPN()),
		})
		return true
	})
	return out, nil
}

// Close destroys every remaining environment and stops their threads.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := 0; i < k.envs.Len(); i++ {
		e := k.envs.At(i)
		if e.Status == env.Free {
			continue
		}
		k.stop(e)
		k.bound[i] = nil
		k.envs.Free(e)
	}
	k.cur = nil
	k.metrics.SetEnvsActive(0)
	k.metrics.SetPagesFree(k.pages.Stats().Free)
}

func (k *Kernel) cprintf(format string, args ...any) {
	fmt.Fprintf(k.console, format, args...)
}

func (k *Kernel) curID() env.ID {
	if k.cur == nil {
		return 0
	}
	return k.cur.ID
}

// alloc takes a fresh environment slot for parent.
func (k *Kernel) alloc(parent env.ID) (*env.Env, error) {
	e, err := k.envs.Alloc(parent)
	if err != nil {
		return nil, err
	}
	k.created(e)
	return e, nil
}

func (k *Kernel) created(e *env.Env) {
	k.cprintf("[%08x] new env %08x\n", uint32(k.curID()), uint32(e.ID))
	k.log.Debug("Environment created",
		logging.EnvID(int32(e.ID)),
		zap.Stringer("parent", e.ParentID),
	)
	k.metrics.SetEnvsActive(k.envs.Live())
}

// free returns e's slot and pages.
func (k *Kernel) free(e *env.Env) {
	k.cprintf("[%08x] free env %08x\n", uint32(k.curID()), uint32(e.ID))
	k.log.Debug("Environment freed",
		logging.EnvID(int32(e.ID)),
		zap.Uint32("runs", e.Runs),
		zap.Int("pages", e.Space.Len()),
	)
	k.bound[e.ID.Index()] = nil
	k.envs.Free(e)
	k.metrics.SetEnvsActive(k.envs.Live())
	k.metrics.SetPagesFree(k.pages.Stats().Free)
}

// destroy frees an environment that is not the one running.
func (k *Kernel) destroy(e *env.Env) {
	k.stop(e)
	k.free(e)
}
