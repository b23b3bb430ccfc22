// Package env holds the environment table: the fixed array of process
// control blocks that the scheduler and IPC operate on.
package env

import (
	"fmt"

	"github.com/GriffinCanCode/exokern/internal/mem"
)

const (
	// LogNENV is the number of id bits that hold the slot index.
	LogNENV = 10
	// NENV is the largest supported table size.
	NENV = 1 << LogNENV
	// ENVGENSHIFT is the position of the generation counter within an id.
	ENVGENSHIFT = 12
)

// ID names an environment slot at one generation. An id stays valid only as
// long as the slot has not been recycled.
type ID int32

// Index returns the slot index encoded in the id.
func (id ID) Index() int {
	return int(id) & (NENV - 1)
}

func (id ID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Status is the scheduling state of an environment.
type Status int

const (
	Free Status = iota
	Runnable
	Running
	NotRunnable
	Dying
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case NotRunnable:
		return "not-runnable"
	case Dying:
		return "dying"
	default:
		return "unknown"
	}
}

// Segment selectors and flags used in fresh trapframes.
const (
	GD_UT  = 0x18 // user text
	GD_UD  = 0x20 // user data
	FL_IF  = 0x200
	RPL_US = 3
)

// PushRegs is the general register file as saved by pusha.
type PushRegs struct {
	EDI  uint32 `json:"edi"`
	ESI  uint32 `json:"esi"`
	EBP  uint32 `json:"ebp"`
	OESP uint32 `json:"oesp"`
	EBX  uint32 `json:"ebx"`
	EDX  uint32 `json:"edx"`
	ECX  uint32 `json:"ecx"`
	EAX  uint32 `json:"eax"`
}

// Trapframe is the saved CPU state of an environment.
type Trapframe struct {
	Regs   PushRegs `json:"regs"`
	ES     uint16   `json:"es"`
	DS     uint16   `json:"ds"`
	EIP    uint32   `json:"eip"`
	CS     uint16   `json:"cs"`
	EFlags uint32   `json:"eflags"`
	ESP    uint32   `json:"esp"`
	SS     uint16   `json:"ss"`
}

// IPCState is the receive-side rendezvous state of an environment.
type IPCState struct {
	Recving bool     `json:"recving"`
	DstVA   uint32   `json:"dstva"`
	Value   uint32   `json:"value"`
	From    ID       `json:"from"`
	Perm    mem.Perm `json:"perm"`
}

// Env is one environment control block.
type Env struct {
	ID       ID
	ParentID ID
	Status   Status
	Runs     uint32
	Name     string
	TF       Trapframe
	IPC      IPCState
	Space    *mem.AddressSpace
}

// Info is a read-only copy of an environment's public state.
type Info struct {
	ID       ID        `json:"id"`
	ParentID ID        `json:"parent_id"`
	Status   Status    `json:"-"`
	State    string    `json:"status"`
	Runs     uint32    `json:"runs"`
	Name     string    `json:"name,omitempty"`
	TF       Trapframe `json:"trapframe"`
	IPC      IPCState  `json:"ipc"`
	Pages    int       `json:"pages"`
}

// Info returns a snapshot of e.
func (e *Env) Info() Info {
	info := Info{
		ID:       e.ID,
		ParentID: e.ParentID,
		Status:   e.Status,
		State:    e.Status.String(),
		Runs:     e.Runs,
		Name:     e.Name,
		TF:       e.TF,
		IPC:      e.IPC,
	}
	if e.Space != nil {
		info.Pages = e.Space.Len()
	}
	return info
}
