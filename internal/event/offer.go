package event

import (
	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CreateOffer escrows Value of Asset against a listing. With Replaces set,
// the buyer's offer of that ID is withdrawn first within the same action.
type CreateOffer struct {
	Meta
	Listing     uint64
	Asset       ledger.Asset
	Value       uint256.Int
	MetadataRef common.Hash
	Replaces    *uint64
}

func (c *CreateOffer) EventType() EventType {
	return EventTypeCreateOffer
}

func (c *CreateOffer) ListingID() *uint64 {
	return &c.Listing
}

// OfferAction is the shape shared by accept, withdraw and finalize
type OfferAction struct {
	Meta
	Listing     uint64
	Offer       uint64
	MetadataRef common.Hash
}

func (o *OfferAction) ListingID() *uint64 {
	return &o.Listing
}

type AcceptOffer struct{ OfferAction }

func (a *AcceptOffer) EventType() EventType { return EventTypeAcceptOffer }

type WithdrawOffer struct{ OfferAction }

func (w *WithdrawOffer) EventType() EventType { return EventTypeWithdrawOffer }

type Finalize struct{ OfferAction }

func (f *Finalize) EventType() EventType { return EventTypeFinalize }

// Dispute hands an accepted offer to the arbitrator. Handle is empty when
// submitted and is filled in by the core once the arbitrator assigns it, so
// replaying the logged action does not raise the dispute again.
type Dispute struct {
	OfferAction
	Handle *arbitration.Handle
}

func (d *Dispute) EventType() EventType { return EventTypeDispute }

// Ruling is the arbitrator's callback for a dispute handle
type Ruling struct {
	Meta
	Handle      arbitration.Handle
	Code        uint64
	MetadataRef common.Hash
}

func (r *Ruling) EventType() EventType {
	return EventTypeRuling
}

func (r *Ruling) ListingID() *uint64 {
	return nil // resolved through the handle
}
