// Package sched is the round-robin selection policy over the environment
// table. It owns no state: the kernel passes in the table and the
// environment that ran last.
package sched

import "github.com/GriffinCanCode/exokern/internal/env"

// Slots is the view of the environment table the policy needs.
type Slots interface {
	Len() int
	At(i int) *env.Env
}

// Next chooses the environment to dispatch.
//
// The scan starts at the slot after cur and wraps, skipping slot 0 (the idle
// environment) and anything not Runnable. If nothing else is runnable cur is
// chosen again when it still can run. Slot 0 runs only when no other slot
// can. A nil result means there is no work left at all.
func Next(envs Slots, cur *env.Env) *env.Env {
	n := envs.Len()
	if n == 0 {
		return nil
	}
	start := 0
	if cur != nil {
		start = cur.ID.Index()
	}
	for k := 1; k < n; k++ {
		i := (start + k) % n
		if i == 0 {
			continue
		}
		if e := envs.At(i); e.Status == env.Runnable {
			return e
		}
	}
	if cur != nil && cur.Status == env.Runnable {
		return cur
	}
	if idle := envs.At(0); idle.Status == env.Runnable {
		return idle
	}
	return nil
}
