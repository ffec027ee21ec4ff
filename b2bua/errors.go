// SPDX-License-Identifier: MPL-2.0

package b2bua

import "fmt"

// ErrorKind classifies a command failure the way spec.md §7 does: a small
// fixed enum a transport can map to a wire error code, independent of the Go
// error chain underneath.
type ErrorKind int

const (
	ErrInvalidArgument ErrorKind = iota
	ErrNotFound
	ErrConflict
	ErrUnsupported
	ErrOutOfMemory
	ErrInvalidSdp
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrUnsupported:
		return "unsupported"
	case ErrOutOfMemory:
		return "out_of_memory"
	case ErrInvalidSdp:
		return "invalid_sdp"
	default:
		return "internal"
	}
}

// Error wraps an underlying error with the command-surface kind a transport
// needs to pick a wire error code. Every b2bua.Core method that can fail
// returns one of these rather than a bare error, so cmd/b2buad's command
// listener never has to guess a kind from error text.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}
