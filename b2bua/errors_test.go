// SPDX-License-Identifier: MPL-2.0

package b2bua

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := newErr(ErrInternal, "wrapping: %w", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal: wrapping: boom", err.Error())
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrInvalidArgument: "invalid_argument",
		ErrNotFound:        "not_found",
		ErrConflict:        "conflict",
		ErrUnsupported:     "unsupported",
		ErrOutOfMemory:     "out_of_memory",
		ErrInvalidSdp:      "invalid_sdp",
		ErrInternal:        "internal",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
