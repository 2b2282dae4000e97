package arbitration

import (
	"fmt"

	escrowerr "EscrowLedger/internal/errors"
)

// Handle is the arbitrator's opaque reference to a dispute
type Handle uint64

// Ruling is the decision applied to a disputed offer
type Ruling uint8

const (
	RulingRefundBuyer Ruling = iota
	RulingPaySeller
)

func (r Ruling) String() string {
	switch r {
	case RulingRefundBuyer:
		return "refund_buyer"
	case RulingPaySeller:
		return "pay_seller"
	default:
		return "unknown"
	}
}

// ParseRuling maps an arbitrator ruling code. Only 0 (refund the buyer) and
// 1 (pay the seller) are meaningful; anything else is refused rather than
// defaulted to either party.
func ParseRuling(code uint64) (Ruling, error) {
	switch code {
	case 0:
		return RulingRefundBuyer, nil
	case 1:
		return RulingPaySeller, nil
	default:
		return 0, fmt.Errorf("ruling code %d: %w", code, escrowerr.ErrInvalidRuling)
	}
}
