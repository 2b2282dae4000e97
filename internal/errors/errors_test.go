package errors_test

import (
	"fmt"
	"testing"

	escrowerr "EscrowLedger/internal/errors"

	"github.com/stretchr/testify/assert"
)

func TestClass(t *testing.T) {
	cases := map[string]error{
		"ok":                      nil,
		"unauthorized":            fmt.Errorf("accept offer 1/0: %w", escrowerr.ErrUnauthorized),
		"invalid_state":           escrowerr.ErrInvalidState,
		"invalid_ruling":          fmt.Errorf("code 7: %w", escrowerr.ErrInvalidRuling),
		"not_found":               escrowerr.ErrNotFound,
		"sold_out":                escrowerr.ErrSoldOut,
		"transfer_failed":         escrowerr.ErrTransferFailed,
		"arbitration_unavailable": escrowerr.ErrArbitrationUnavailable,
		"overflow":                escrowerr.ErrOverflow,
		"invariant":               escrowerr.ErrInvariantViolation,
		"invalid_argument":        escrowerr.ErrInvalidArgument,
		"internal":                fmt.Errorf("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, escrowerr.Class(err), "error %v", err)
	}
}

func TestInvalidRulingIsInvalidState(t *testing.T) {
	err := fmt.Errorf("on ruling: %w", escrowerr.ErrInvalidRuling)
	assert.ErrorIs(t, err, escrowerr.ErrInvalidState)
	assert.True(t, escrowerr.IsRejection(err))
	assert.False(t, escrowerr.IsRejection(escrowerr.ErrOverflow))
}
