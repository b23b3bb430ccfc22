package kernel

import (
	"fmt"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/fd"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// Proc is the system call gate of one environment. Its methods may only be
// called from the environment's own program body.
type Proc struct {
	k   *Kernel
	env *env.Env
	th  *thread
}

// enter is the common prologue of every system call. An expired quantum
// takes effect here, before the call runs.
func (p *Proc) enter(call string) {
	if p.th.killed {
		panic(killSignal{})
	}
	p.k.metrics.RecordSyscall(call)
	if p.k.cfg.Quantum > 0 {
		p.th.budget--
		if p.th.budget < 0 {
			p.k.metrics.RecordPreemption()
			p.trapTo(trap{kind: trapPreempt})
			p.th.budget--
		}
	}
}

func (p *Proc) trapTo(t trap) {
	p.k.trap <- t
	p.th.park()
}

// EnvID returns the caller's id.
func (p *Proc) EnvID() env.ID {
	p.enter("getenvid")
	return p.env.ID
}

// Runs returns how many times the caller has been dispatched.
func (p *Proc) Runs() uint32 {
	p.enter("runs")
	return p.env.Runs
}

// Env returns a read-only view of an environment. Id 0 is the caller.
func (p *Proc) Env(id env.ID) (env.Info, error) {
	p.enter("env_info")
	e, err := p.k.envs.Lookup(id, p.env, false)
	if err != nil {
		return env.Info{}, err
	}
	return e.Info(), nil
}

// Yield gives up the CPU.
func (p *Proc) Yield() {
	p.enter("yield")
	p.trapTo(trap{kind: trapYield})
}

// Exofork creates a child with an empty address space and a copy of the
// caller's registers. The child is not runnable until its parent says so.
func (p *Proc) Exofork() (env.ID, error) {
	p.enter("exofork")
	child, err := p.k.alloc(p.env.ID)
	if err != nil {
		return 0, err
	}
	child.TF = p.env.TF
	child.TF.Regs.EAX = 0
	return child.ID, nil
}

// EnvSetStatus marks the caller or one of its children Runnable or
// NotRunnable.
func (p *Proc) EnvSetStatus(id env.ID, status env.Status) error {
	p.enter("env_set_status")
	if status != env.Runnable && status != env.NotRunnable {
		return syserr.EInval
	}
	e, err := p.k.envs.Lookup(id, p.env, true)
	if err != nil {
		return err
	}
	e.Status = status
	return nil
}

// EnvSetTrapframe replaces the saved registers of the caller or a child.
// The new frame always runs at user privilege with interrupts enabled.
func (p *Proc) EnvSetTrapframe(id env.ID, tf env.Trapframe) error {
	p.enter("env_set_trapframe")
	e, err := p.k.envs.Lookup(id, p.env, true)
	if err != nil {
		return err
	}
	tf.CS |= env.RPL_US
	tf.SS |= env.RPL_US
	tf.DS |= env.RPL_US
	tf.ES |= env.RPL_US
	tf.EFlags |= env.FL_IF
	e.TF = tf
	return nil
}

// EnvDestroy destroys the caller or one of its children. Destroying the
// caller does not return.
func (p *Proc) EnvDestroy(id env.ID) error {
	p.enter("env_destroy")
	e, err := p.k.envs.Lookup(id, p.env, true)
	if err != nil {
		return err
	}
	if e == p.env {
		e.Status = env.Dying
		panic(exitSignal{})
	}
	p.k.cprintf("[%08x] destroying %08x\n", uint32(p.env.ID), uint32(e.ID))
	p.k.destroy(e)
	return nil
}

// Exit destroys the caller.
func (p *Proc) Exit() {
	_ = p.EnvDestroy(0)
	panic(exitSignal{})
}

// Panicf reports a fatal user error and destroys the caller.
func (p *Proc) Panicf(format string, args ...any) {
	panic(userPanic(fmt.Sprintf(format, args...)))
}

// Printf writes to the console.
func (p *Proc) Printf(format string, args ...any) {
	p.enter("cputs")
	p.k.cprintf(format, args...)
}

// NotePipeRace counts a pipe close check that had to be retried.
func (p *Proc) NotePipeRace() {
	p.k.metrics.RecordPipeRace()
}

// Devtab returns the device table.
func (p *Proc) Devtab() *fd.Devtab {
	return p.k.devtab
}
