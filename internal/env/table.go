package env

import (
	"github.com/GriffinCanCode/exokern/internal/mem"
	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// Table is the fixed-size array of environments.
//
// Slot 0 is reserved for the idle environment and is only handed out by
// AllocIdle.
type Table struct {
	pages *mem.Allocator
	envs  []Env
	live  int
}

// NewTable creates a table of n slots, clamped to [2, NENV].
func NewTable(n int, pages *mem.Allocator) *Table {
	if n < 2 {
		n = 2
	}
	if n > NENV {
		n = NENV
	}
	t := &Table{pages: pages, envs: make([]Env, n)}
	for i := range t.envs {
		t.envs[i].ID = ID(i)
	}
	return t
}

// Len returns the number of slots.
func (t *Table) Len() int { return len(t.envs) }

// At returns the environment in slot i.
func (t *Table) At(i int) *Env { return &t.envs[i] }

// Live returns the number of slots not Free.
func (t *Table) Live() int { return t.live }

// Alloc takes the lowest free slot above 0 and initializes it: a fresh id
// generation, an empty address space, a clean user-mode trapframe, status
// NotRunnable.
func (t *Table) Alloc(parent ID) (*Env, error) {
	for i := 1; i < len(t.envs); i++ {
		if t.envs[i].Status == Free {
			return t.setup(i, parent), nil
		}
	}
	return nil, syserr.ENoFreeEnv
}

// AllocIdle initializes slot 0.
func (t *Table) AllocIdle() (*Env, error) {
	if t.envs[0].Status != Free {
		return nil, syserr.ENoFreeEnv
	}
	return t.setup(0, 0), nil
}

func (t *Table) setup(i int, parent ID) *Env {
	e := &t.envs[i]
	id := e.ID
	if int32(id)>>ENVGENSHIFT == 0 {
		id = nextGeneration(id, i)
	}
	*e = Env{
		ID:       id,
		ParentID: parent,
		Status:   NotRunnable,
		Space:    mem.NewAddressSpace(t.pages),
		TF: Trapframe{
			ES:     GD_UD | RPL_US,
			DS:     GD_UD | RPL_US,
			SS:     GD_UD | RPL_US,
			CS:     GD_UT | RPL_US,
			ESP:    mem.USTACKTOP,
			EFlags: FL_IF,
		},
	}
	t.live++
	return e
}

// Lookup converts an id to an environment. Id 0 means caller. With
// checkperm the target must be the caller or its immediate child.
func (t *Table) Lookup(id ID, caller *Env, checkperm bool) (*Env, error) {
	if id == 0 {
		if caller == nil {
			return nil, syserr.EBadEnv
		}
		return caller, nil
	}
	if id < 0 {
		return nil, syserr.EBadEnv
	}
	idx := id.Index()
	if idx >= len(t.envs) {
		return nil, syserr.EBadEnv
	}
	e := &t.envs[idx]
	if e.Status == Free || e.ID != id {
		return nil, syserr.EBadEnv
	}
	if checkperm && caller != nil && e != caller && e.ParentID != caller.ID {
		return nil, syserr.EBadEnv
	}
	return e, nil
}

// Free releases the environment's pages and returns the slot. The slot's
// generation is bumped here, so stale ids stop resolving immediately.
func (t *Table) Free(e *Env) {
	if e.Status == Free {
		return
	}
	if e.Space != nil {
		e.Space.Release()
	}
	*e = Env{ID: nextGeneration(e.ID, e.ID.Index()), Status: Free}
	t.live--
}

func nextGeneration(id ID, idx int) ID {
	gen := (int32(id) + 1<<ENVGENSHIFT) &^ (NENV - 1)
	if gen <= 0 {
		gen = 1 << ENVGENSHIFT
	}
	return ID(gen | int32(idx))
}

// Snapshot returns Info for every non-free slot in index order.
func (t *Table) Snapshot() []Info {
	out := make([]Info, 0, t.live)
	for i := range t.envs {
		if t.envs[i].Status != Free {
			out = append(out, t.envs[i].Info())
		}
	}
	return out
}
