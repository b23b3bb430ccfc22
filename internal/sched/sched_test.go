package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/exokern/internal/env"
)

type slots []env.Env

func (s slots) Len() int { return len(s) }
func (s slots) At(i int) *env.Env { return &s[i] }

func newSlots(n int, runnable ...int) slots {
	s := make(slots, n)
	for i := range s {
		s[i].ID = env.ID(1<<env.ENVGENSHIFT | i)
	}
	for _, i := range runnable {
		s[i].Status = env.Runnable
	}
	return s
}

// dispatch mimics the kernel: the chosen env runs and goes back to runnable.
func dispatch(s slots, cur *env.Env, rounds int) []int {
	var order []int
	for r := 0; r < rounds; r++ {
		next := Next(s, cur)
		if next == nil {
			break
		}
		order = append(order, next.ID.Index())
		cur = next
	}
	return order
}

func TestRoundRobinVisitsEveryRunnableSlot(t *testing.T) {
	s := newSlots(8, 0, 2, 3, 6)

	assert.Equal(t, []int{2, 3, 6, 2, 3, 6, 2}, dispatch(s, nil, 7))
	assert.Equal(t, []int{6, 2, 3, 6}, dispatch(s, s.At(3), 4))
}

func TestNextStartsAfterCurrent(t *testing.T) {
	tests := []struct {
		name     string
		runnable []int
		cur      int // -1 for none
		want     int // -1 for nil
	}{
		{"no current scans from slot 1", []int{3, 5}, -1, 3},
		{"lowest after current wins", []int{1, 3, 5}, 3, 5},
		{"wraps past the end skipping idle", []int{0, 1, 3}, 3, 1},
		{"current again when alone", []int{4}, 4, 4},
		{"idle only when nothing else", []int{0}, 4, 0},
		{"idle is current and still runnable", []int{0}, 0, 0},
		{"nothing runnable", nil, 2, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSlots(6, tt.runnable...)
			var cur *env.Env
			if tt.cur >= 0 {
				cur = s.At(tt.cur)
			}

			got := Next(s, cur)
			if tt.want < 0 {
				assert.Nil(t, got)
				return
			}
			if assert.NotNil(t, got) {
				assert.Equal(t, tt.want, got.ID.Index())
			}
		})
	}
}

func TestBlockedAndDyingAreSkipped(t *testing.T) {
	s := newSlots(5, 1, 2, 3, 4)
	s[2].Status = env.NotRunnable
	s[3].Status = env.Dying
	s[4].Status = env.Running

	assert.Equal(t, []int{1, 1}, dispatch(s, s.At(1), 2))
}
