package syserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrnoMatchesWrapped(t *testing.T) {
	err := fmt.Errorf("spawn /bin/ls: %w", ENoMem)

	assert.True(t, errors.Is(err, ENoMem))
	assert.False(t, errors.Is(err, EInval))

	var errno Errno
	assert.True(t, errors.As(err, &errno))
	assert.Equal(t, ENoMem, errno)
}

func TestErrnoKind(t *testing.T) {
	tests := []struct {
		err  Errno
		kind Kind
	}{
		{ENoFreeEnv, KindResource},
		{ENoMem, KindResource},
		{EInval, KindFormat},
		{ENotExec, KindFormat},
		{EBadEnv, KindIdentity},
		{EIPCNotRecv, KindProtocol},
		{EUnspecified, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind())
		})
	}
}

func TestUnknownErrno(t *testing.T) {
	assert.Equal(t, "unknown error", Errno(999).Error())
	assert.Equal(t, "env is not recving", EIPCNotRecv.Error())
}
