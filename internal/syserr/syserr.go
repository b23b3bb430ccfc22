// Package syserr defines the small enumerated error conditions returned by
// kernel system calls and the user-level libraries built on them.
package syserr

// Errno is a kernel error condition. Values are comparable, so wrapped errors
// can be matched with errors.Is.
type Errno int

const (
	EUnspecified Errno = iota + 1
	EBadEnv
	EInval
	ENoMem
	ENoFreeEnv
	EFault
	EIPCNotRecv
	EEOF
	EMaxOpen
	ENotFound
	EBadPath
	ENotExec
)

var names = map[Errno]string{
	EUnspecified: "unspecified error",
	EBadEnv:      "bad environment",
	EInval:       "invalid parameter",
	ENoMem:       "out of memory",
	ENoFreeEnv:   "out of environments",
	EFault:       "segmentation fault",
	EIPCNotRecv:  "env is not recving",
	EEOF:         "unexpected end of file",
	EMaxOpen:     "too many files are open",
	ENotFound:    "file or block not found",
	EBadPath:     "invalid path",
	ENotExec:     "file is not a valid executable",
}

// Error returns the error message
func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return "unknown error"
}

// Kind groups errors by how callers are expected to react
type Kind int

const (
	KindOther Kind = iota
	KindResource
	KindFormat
	KindIdentity
	KindProtocol
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindFormat:
		return "format"
	case KindIdentity:
		return "identity"
	case KindProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// Kind classifies the error
func (e Errno) Kind() Kind {
	switch e {
	case ENoMem, ENoFreeEnv, EMaxOpen:
		return KindResource
	case EInval, ENotExec, EEOF, EBadPath:
		return KindFormat
	case EBadEnv, EFault, ENotFound:
		return KindIdentity
	case EIPCNotRecv:
		return KindProtocol
	default:
		return KindOther
	}
}
