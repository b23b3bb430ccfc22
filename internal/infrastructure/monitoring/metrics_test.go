package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsAreIndependent(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordDispatch(false)
	a.RecordDispatch(true)
	b.RecordDispatch(false)

	assert.Equal(t, float64(2), testutil.ToFloat64(a.Dispatches))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.IdleDispatches))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.Dispatches))
}

func TestSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordSyscall("yield")
	m.RecordSyscall("yield")
	m.RecordSyscall("page_alloc")
	m.RecordFault()
	m.RecordPipeRace()
	m.RecordPreemption()
	m.SetEnvsActive(3)
	m.SetPagesFree(100)

	s := m.Snapshot()
	assert.Equal(t, int64(3), s.Syscalls)
	assert.Equal(t, int64(1), s.Faults)
	assert.Equal(t, int64(1), s.PipeRaces)
	assert.Equal(t, int64(1), s.Preemptions)
	assert.Equal(t, int64(3), s.EnvsActive)
	assert.Equal(t, int64(100), s.PagesFree)
	assert.GreaterOrEqual(t, s.UptimeSeconds, 0.0)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Syscalls.WithLabelValues("yield")))
}
