package kernel

import (
	"errors"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// IPCRecv blocks until another environment sends to the caller. When dstva
// is below UTOP the caller is willing to receive a page there.
func (p *Proc) IPCRecv(dstva uint32) error {
	p.enter("ipc_recv")
	if dstva < mem.UTOP && !mem.Aligned(dstva) {
		return syserr.EInval
	}
	e := p.env
	e.IPC.Recving = true
	e.IPC.DstVA = dstva
	e.Status = env.NotRunnable
	p.trapTo(trap{kind: trapBlock})
	return nil
}

// IPCTrySend delivers value, and optionally the page at srcva, to an
// environment blocked in IPCRecv. It never blocks: a target that is not
// receiving yields EIPCNotRecv.
func (p *Proc) IPCTrySend(to env.ID, value uint32, srcva uint32, perm mem.Perm) error {
	p.enter("ipc_try_send")
	err := p.k.trySend(p.env, to, value, srcva, perm)
	p.k.metrics.RecordIPCSend(sendResult(err))
	return err
}

func sendResult(err error) string {
	var errno syserr.Errno
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &errno):
		return errno.Kind().String()
	default:
		return "error"
	}
}

func (k *Kernel) trySend(src *env.Env, to env.ID, value uint32, srcva uint32, perm mem.Perm) error {
	dst, err := k.envs.Lookup(to, src, false)
	if err != nil {
		return err
	}
	if !dst.IPC.Recving {
		return syserr.EIPCNotRecv
	}

	var granted mem.Perm
	if srcva < mem.UTOP && dst.IPC.DstVA < mem.UTOP {
		if !mem.Aligned(srcva) || !userPerm(perm) {
			return syserr.EInval
		}
		pte := src.Space.Lookup(srcva)
		if !pte.Present() {
			return syserr.EInval
		}
		if perm.Has(mem.PTE_W) && !pte.Perm().Has(mem.PTE_W) {
			return syserr.EInval
		}
		dst.Space.Insert(pte.PPN(), dst.IPC.DstVA, perm)
		granted = perm
	}

	dst.IPC.Recving = false
	dst.IPC.From = src.ID
	dst.IPC.Value = value
	dst.IPC.Perm = granted
	dst.TF.Regs.EAX = 0
	dst.Status = env.Runnable
	return nil
}
