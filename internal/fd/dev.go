package fd

import (
	"sync"

	"github.com/GriffinCanCode/exokern/internal/syserr"
)

// Dev is a device behind a descriptor.
type Dev interface {
	// ID is the value stored in the descriptor page.
	ID() uint32
	Name() string
	Read(sys Sys, fd FD, buf []byte, offset uint32) (int, error)
	Write(sys Sys, fd FD, buf []byte, offset uint32) (int, error)
	// Close drops device state for one holder. The descriptor page itself
	// is unmapped by the caller afterwards.
	Close(sys Sys, fd FD) error
	Stat(sys Sys, fd FD, st *Stat) error
}

// Devtab maps device ids to devices. Every kernel owns one.
type Devtab struct {
	mu   sync.RWMutex
	devs map[uint32]Dev
}

// NewDevtab returns a table holding devs.
func NewDevtab(devs ...Dev) *Devtab {
	t := &Devtab{devs: make(map[uint32]Dev)}
	for _, d := range devs {
		t.Register(d)
	}
	return t
}

// Register adds d, replacing any device with the same id.
func (t *Devtab) Register(d Dev) {
	t.mu.Lock()
	t.devs[d.ID()] = d
	t.mu.Unlock()
}

// Lookup returns the device with the given id.
func (t *Devtab) Lookup(id uint32) (Dev, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if d, ok := t.devs[id]; ok {
		return d, nil
	}
	return nil, syserr.EInval
}
