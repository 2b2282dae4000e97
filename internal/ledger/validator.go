package ledger

import (
	"fmt"

	escrowerr "EscrowLedger/internal/errors"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that, per asset, the funds held across all
// accounts equal the amount ever issued by external accounts.
func (v *InvariantValidator) ValidateConservation() error {
	totals, err := v.tracker.Totals()
	if err != nil {
		return err
	}
	for asset, total := range totals {
		supply := v.tracker.Supply(asset)
		if !total.Eq(&supply) {
			return fmt.Errorf("%w: %s held %s, issued %s", escrowerr.ErrInvariantViolation,
				asset, total.Dec(), supply.Dec())
		}
	}
	for asset, supply := range v.tracker.supply {
		if _, ok := totals[asset]; !ok && !supply.IsZero() {
			return fmt.Errorf("%w: %s issued %s but nothing held", escrowerr.ErrInvariantViolation,
				asset, supply.Dec())
		}
	}
	return nil
}

// ValidateCustody checks that a custody account holds exactly the amount the
// owning listing or offer has recorded.
func ValidateCustody(held uint256.Int, key AccountKey, expected *uint256.Int) error {
	if !held.Eq(expected) {
		return fmt.Errorf("%w: %s holds %s, recorded %s", escrowerr.ErrInvariantViolation,
			key.AccountPath(), held.Dec(), expected.Dec())
	}
	return nil
}
