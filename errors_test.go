package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRejectionCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrGameNotFound, "not_found"},
		{ErrUnauthorized, "unauthorized"},
		{ErrInvalidPhase, "invalid_phase"},
		{ErrAlreadyAnswered, "already_answered"},
		{ErrStaleQuestion, "stale_question"},
		{ErrOutOfRange, "out_of_range"},
		{ErrMalformed, "malformed"},
		{fmt.Errorf("disk on fire"), "internal"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, rejectionCode(tc.err))
	}
}

func TestRejectionCodeUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("%w: photoIndex 7 of 3", ErrOutOfRange)
	require.Equal(t, "out_of_range", rejectionCode(wrapped))

	rej := rejection(wrapped)
	require.Equal(t, "rejection", rej.Type)
	require.Equal(t, "out_of_range", rej.Code)
	require.Contains(t, rej.Message, "photoIndex 7")
}
