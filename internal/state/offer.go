package state

import (
	"fmt"

	"EscrowLedger/internal/arbitration"
	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OfferStatus tracks an offer's escrow state machine
type OfferStatus int32

const (
	OfferStatusCreated OfferStatus = iota
	OfferStatusAccepted
	OfferStatusDisputed
	OfferStatusFinalized
	OfferStatusWithdrawn
	OfferStatusRuled
)

func (s OfferStatus) String() string {
	switch s {
	case OfferStatusCreated:
		return "Created"
	case OfferStatusAccepted:
		return "Accepted"
	case OfferStatusDisputed:
		return "Disputed"
	case OfferStatusFinalized:
		return "Finalized"
	case OfferStatusWithdrawn:
		return "Withdrawn"
	case OfferStatusRuled:
		return "Ruled"
	default:
		return "Unknown"
	}
}

func ParseOfferStatus(s string) (OfferStatus, error) {
	for st := OfferStatusCreated; st <= OfferStatusRuled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown offer status %q", s)
}

// IsTerminal reports whether the escrow has been fully disbursed
func (s OfferStatus) IsTerminal() bool {
	return s == OfferStatusFinalized || s == OfferStatusWithdrawn || s == OfferStatusRuled
}

// CanTransitionTo checks if a state transition is valid. Each terminal state
// has exactly one predecessor, so an offer's value is released at most once.
func (s OfferStatus) CanTransitionTo(next OfferStatus) bool {
	switch s {
	case OfferStatusCreated:
		return next == OfferStatusAccepted || next == OfferStatusWithdrawn
	case OfferStatusAccepted:
		return next == OfferStatusFinalized || next == OfferStatusDisputed
	case OfferStatusDisputed:
		return next == OfferStatusRuled
	default:
		return false
	}
}

// Offer is a buyer's escrowed commitment against a listing
type Offer struct {
	ListingID uint64
	ID        uint64
	Buyer     common.Address
	Asset     ledger.Asset
	// Value is the amount currently escrowed; zero once terminal
	Value uint256.Int
	// Committed is the value escrowed at creation
	Committed     uint256.Int
	MetadataTrail []common.Hash
	Status        OfferStatus
	DisputeHandle *arbitration.Handle
	// DisputedBy is the party that raised the dispute, zero before that
	DisputedBy common.Address
	Ruling     *arbitration.Ruling
	CreatedSeq int64
	UpdatedSeq int64
}

func (o *Offer) Clone() *Offer {
	c := *o
	c.MetadataTrail = append([]common.Hash(nil), o.MetadataTrail...)
	if o.DisputeHandle != nil {
		h := *o.DisputeHandle
		c.DisputeHandle = &h
	}
	if o.Ruling != nil {
		r := *o.Ruling
		c.Ruling = &r
	}
	return &c
}

// CustodyKey is the account escrowing this offer's value
func (o *Offer) CustodyKey() ledger.AccountKey {
	return ledger.EscrowCustody(o.ListingID, o.ID, o.Asset)
}

// Transition moves the offer to next, appending metadata to the audit trail.
// Entering a terminal state zeroes Value; the caller moves the funds.
func (o *Offer) Transition(next OfferStatus, metadataRef common.Hash, seq int64) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: offer %d/%d is %s, cannot become %s", escrowerr.ErrInvalidState,
			o.ListingID, o.ID, o.Status, next)
	}
	o.Status = next
	o.MetadataTrail = append(o.MetadataTrail, metadataRef)
	o.UpdatedSeq = seq
	if next.IsTerminal() {
		o.Value.Clear()
	}
	return nil
}

// LatestMetadata returns the most recent content hash on the trail
func (o *Offer) LatestMetadata() common.Hash {
	if len(o.MetadataTrail) == 0 {
		return common.Hash{}
	}
	return o.MetadataTrail[len(o.MetadataTrail)-1]
}
