package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/exokern/internal/elf"
	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exokern/internal/mem"
)

// trapKind says why an environment gave the CPU back.
type trapKind int

const (
	trapYield trapKind = iota
	trapPreempt
	trapBlock
	trapExit
	trapPanic
	trapFault
)

// String returns the string representation of the trap kind
func (t trapKind) String() string {
	switch t {
	case trapYield:
		return "yield"
	case trapPreempt:
		return "preempt"
	case trapBlock:
		return "block"
	case trapExit:
		return "exit"
	case trapPanic:
		return "panic"
	case trapFault:
		return "fault"
	default:
		return "unknown"
	}
}

type trap struct {
	kind trapKind
	msg  string
}

// Panic values used to unwind an environment's goroutine.
type (
	exitSignal struct{}
	killSignal struct{}
	userPanic  string
)

// pageFault is raised by a user memory access the page table does not allow.
type pageFault struct {
	va    uint32
	write bool
	err   error
}

func (f pageFault) Error() string {
	op := "read"
	if f.write {
		op = "write"
	}
	return fmt.Sprintf("page fault va %08x (%s): %v", f.va, op, f.err)
}

// thread is the goroutine backing one environment. It runs only between a
// send on resume and its next send on the kernel trap channel.
type thread struct {
	resume chan struct{}
	kill   chan struct{}
	done   chan struct{}
	// killed is written before kill is closed and read only after.
	killed bool
	budget int
}

func newThread() *thread {
	return &thread{
		resume: make(chan struct{}),
		kill:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// park waits for the CPU. It unwinds the goroutine if the environment is
// destroyed while waiting.
func (th *thread) park() {
	select {
	case <-th.resume:
	case <-th.kill:
		panic(killSignal{})
	}
}

func (k *Kernel) dispatch(e *env.Env) {
	if k.cur != nil && k.cur != e && k.cur.Status == env.Running {
		k.cur.Status = env.Runnable
	}
	k.cur = e
	e.Status = env.Running
	e.Runs++
	k.metrics.RecordDispatch(e.ID.Index() == 0)

	idx := e.ID.Index()
	th := k.threads[idx]
	if th == nil {
		prog, err := k.entry(e)
		if err != nil {
			k.handle(e, trap{kind: trapFault, msg: err.Error()})
			return
		}
		th = newThread()
		k.threads[idx] = th
		go k.run(&Proc{k: k, env: e, th: th}, prog)
	}
	th.budget = k.cfg.Quantum
	th.resume <- struct{}{}
	k.handle(e, <-k.trap)
}

// run is the body of an environment goroutine.
func (k *Kernel) run(p *Proc, prog Program) {
	defer close(p.th.done)
	defer func() { k.exit(p, recover()) }()

	p.th.park()
	prog(p)
}

// exit turns the way a program body ended into a trap.
func (k *Kernel) exit(p *Proc, r any) {
	if p.th.killed {
		return
	}
	t := trap{kind: trapExit}
	switch v := r.(type) {
	case nil, exitSignal:
	case killSignal:
		return
	case userPanic:
		t = trap{kind: trapPanic, msg: string(v)}
	case pageFault:
		t = trap{kind: trapFault, msg: v.Error()}
	default:
		t = trap{kind: trapFault, msg: fmt.Sprint(v)}
	}
	k.trap <- t
}

// handle acts on the trap that ended e's dispatch.
func (k *Kernel) handle(e *env.Env, t trap) {
	switch t.kind {
	case trapYield, trapBlock, trapPreempt:
		if e.Status == env.Running {
			e.Status = env.Runnable
		}
		return
	case trapExit:
		k.cprintf("[%08x] exiting gracefully\n", uint32(e.ID))
		k.log.Debug("Environment exited", logging.EnvID(int32(e.ID)))
	case trapPanic:
		k.cprintf("[%08x] user panic: %s\n", uint32(e.ID), t.msg)
		k.log.Warn("User panic", logging.EnvID(int32(e.ID)), zap.String("name", e.Name), zap.String("message", t.msg))
		k.metrics.RecordFault()
	case trapFault:
		k.cprintf("[%08x] user fault: %s\n", uint32(e.ID), t.msg)
		k.log.Warn("User fault", logging.EnvID(int32(e.ID)), zap.String("name", e.Name), zap.String("message", t.msg))
		k.metrics.RecordFault()
	}
	k.reap(e)
}

// reap frees the environment that just stopped running for good.
func (k *Kernel) reap(e *env.Env) {
	e.Status = env.Dying
	idx := e.ID.Index()
	if th := k.threads[idx]; th != nil {
		<-th.done
		k.threads[idx] = nil
	}
	k.free(e)
	if k.cur == e {
		k.cur = nil
	}
}

// stop kills the goroutine of a parked environment and waits for it to
// unwind.
func (k *Kernel) stop(e *env.Env) {
	idx := e.ID.Index()
	th := k.threads[idx]
	if th == nil {
		return
	}
	k.threads[idx] = nil
	th.killed = true
	close(th.kill)
	<-th.done
}

// entry finds the program an environment starts with: either one bound by
// Start, or the native stub named by the bytes at its entry point.
func (k *Kernel) entry(e *env.Env) (Program, error) {
	idx := e.ID.Index()
	if prog := k.bound[idx]; prog != nil {
		k.bound[idx] = nil
		return prog, nil
	}

	eip := e.TF.EIP
	name := make([]byte, 0, 16)
	for i := uint32(0); i < elf.MaxStubName; i++ {
		var b [1]byte
		if err := e.Space.Read(eip+i, b[:], mem.PTE_U); err != nil {
			return nil, pageFault{va: eip + i, err: err}
		}
		if b[0] == 0 {
			prog, ok := k.program(string(name))
			if !ok {
				break
			}
			e.Name = string(name)
			return prog, nil
		}
		name = append(name, b[0])
	}
	return nil, fmt.Errorf("invalid opcode at eip %08x", eip)
}
