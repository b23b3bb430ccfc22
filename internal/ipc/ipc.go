// Package ipc wraps the kernel's rendezvous system calls in the blocking
// send and receive that programs use.
package ipc

import (
	"errors"

	"github.com/GriffinCanCode/exokern/internal/env"
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// NoPage as a page address means no page is sent or accepted. Zero cannot
// serve because it is a valid page address.
const NoPage = mem.UTOP

// Sys is the slice of the system call interface IPC needs.
type Sys interface {
	IPCRecv(dstva uint32) error
	IPCTrySend(to env.ID, value uint32, srcva uint32, perm mem.Perm) error
	Env(id env.ID) (env.Info, error)
	Yield()
	Panicf(format string, args ...any)
}

// Recv waits for a message. If pg is not NoPage, a page sent along with the
// message is mapped there. It returns the value, the sender and the
// permission the page was mapped with (zero when no page arrived). On error
// from and perm are zero.
func Recv(sys Sys, pg uint32) (value uint32, from env.ID, perm mem.Perm, err error) {
	if err := sys.IPCRecv(pg); err != nil {
		return 0, 0, 0, err
	}
	self, err := sys.Env(0)
	if err != nil {
		return 0, 0, 0, err
	}
	return self.IPC.Value, self.IPC.From, self.IPC.Perm, nil
}

// TrySend makes one delivery attempt. EIPCNotRecv means the target is not
// waiting yet.
func TrySend(sys Sys, to env.ID, value uint32, pg uint32, perm mem.Perm) error {
	return sys.IPCTrySend(to, value, pg, perm)
}

// Send delivers value, and the page at pg when pg is not NoPage, retrying
// until the target receives it. Any failure other than the target not
// waiting yet is fatal to the caller.
func Send(sys Sys, to env.ID, value uint32, pg uint32, perm mem.Perm) {
	for {
		err := sys.IPCTrySend(to, value, pg, perm)
		if err == nil {
			return
		}
		if !errors.Is(err, syserr.EIPCNotRecv) {
			sys.Panicf("ipc send to %s: %v", to, err)
			return
		}
		sys.Yield()
	}
}
