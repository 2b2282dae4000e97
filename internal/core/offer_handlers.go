package core

import (
	"fmt"
	"math"

	"EscrowLedger/internal/asset"
	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// handleCreateOffer escrows the buyer's value against a listing. With
// Replaces set it is updateOffer: the old offer is withdrawn and refunded
// first, then the new one is created and funded independently.
func (c *DeterministicCore) handleCreateOffer(tx *actionTx, evt *event.CreateOffer) error {
	if evt.Value.IsZero() {
		return fmt.Errorf("%w: zero offer value", escrowerr.ErrInvalidArgument)
	}
	l, err := tx.entities.Listing(evt.Listing)
	if err != nil {
		return err
	}

	if evt.Replaces != nil {
		if err := c.withdrawOffer(tx, evt.Listing, *evt.Replaces, evt.MetadataRef); err != nil {
			return fmt.Errorf("replace offer %d/%d: %w", evt.Listing, *evt.Replaces, err)
		}
	}

	if l.Status != state.ListingStatusActive {
		return fmt.Errorf("%w: listing %d is %s", escrowerr.ErrInvalidState, l.ID, l.Status)
	}
	if l.UnitsAvailable == 0 {
		return fmt.Errorf("%w: listing %d", escrowerr.ErrSoldOut, l.ID)
	}
	l.UnitsAvailable--
	l.UpdatedSeq = tx.seq

	o := &state.Offer{
		ListingID:     l.ID,
		Buyer:         tx.caller,
		Asset:         evt.Asset,
		Value:         evt.Value,
		Committed:     evt.Value,
		MetadataTrail: []common.Hash{evt.MetadataRef},
		Status:        state.OfferStatusCreated,
		CreatedSeq:    tx.seq,
		UpdatedSeq:    tx.seq,
	}
	id := tx.entities.CreateOffer(o)

	if err := c.adapter.MoveIn(tx.assets(), tx.caller, o.CustodyKey(), &o.Value, ledger.JournalTypeEscrowLock); err != nil {
		return fmt.Errorf("escrow offer %d/%d: %w", l.ID, id, err)
	}

	tx.emit(event.Record{
		Kind:         event.RecordOfferCreated,
		ListingID:    u64(l.ID),
		OfferID:      u64(id),
		Party:        tx.caller,
		Counterparty: addrRef(l.Seller),
		Asset:        o.Asset.String(),
		Amount:       o.Value.Dec(),
		MetadataRef:  hashRef(evt.MetadataRef),
	})
	return nil
}

func (c *DeterministicCore) handleWithdrawOffer(tx *actionTx, evt *event.WithdrawOffer) error {
	return c.withdrawOffer(tx, evt.Listing, evt.Offer, evt.MetadataRef)
}

// withdrawOffer refunds a Created offer to its buyer and gives the unit back
func (c *DeterministicCore) withdrawOffer(tx *actionTx, listingID, offerID uint64, metadataRef common.Hash) error {
	o, err := tx.entities.Offer(listingID, offerID)
	if err != nil {
		return err
	}
	if o.Buyer != tx.caller {
		return fmt.Errorf("%w: %s is not the buyer of offer %d/%d", escrowerr.ErrUnauthorized, tx.caller.Hex(), listingID, offerID)
	}

	refund := o.Value
	if err := o.Transition(state.OfferStatusWithdrawn, metadataRef, tx.seq); err != nil {
		return err
	}

	l, err := tx.entities.Listing(listingID)
	if err != nil {
		return err
	}
	if l.UnitsAvailable == math.MaxUint64 {
		return fmt.Errorf("%w: units of listing %d", escrowerr.ErrOverflow, listingID)
	}
	l.UnitsAvailable++
	l.UpdatedSeq = tx.seq

	payout, err := c.adapter.MoveOut(tx.assets(), o.CustodyKey(), o.Buyer, &refund, ledger.JournalTypeEscrowRefund)
	if err != nil {
		return fmt.Errorf("refund offer %d/%d: %w", listingID, offerID, err)
	}

	tx.emit(event.Record{
		Kind:        event.RecordOfferWithdrawn,
		ListingID:   u64(listingID),
		OfferID:     u64(offerID),
		Party:       tx.caller,
		Asset:       o.Asset.String(),
		Amount:      refund.Dec(),
		MetadataRef: hashRef(metadataRef),
	})
	tx.payout(payout, u64(listingID), u64(offerID))
	return nil
}

func (c *DeterministicCore) handleAcceptOffer(tx *actionTx, evt *event.AcceptOffer) error {
	l, o, err := c.loadOffer(tx, evt.Listing, evt.Offer)
	if err != nil {
		return err
	}
	if l.Seller != tx.caller {
		return fmt.Errorf("%w: %s is not the seller of listing %d", escrowerr.ErrUnauthorized, tx.caller.Hex(), l.ID)
	}
	if l.Status != state.ListingStatusActive {
		return fmt.Errorf("%w: listing %d is %s", escrowerr.ErrInvalidState, l.ID, l.Status)
	}
	if err := o.Transition(state.OfferStatusAccepted, evt.MetadataRef, tx.seq); err != nil {
		return err
	}

	tx.emit(event.Record{
		Kind:         event.RecordOfferAccepted,
		ListingID:    u64(l.ID),
		OfferID:      u64(o.ID),
		Party:        tx.caller,
		Counterparty: addrRef(o.Buyer),
		MetadataRef:  hashRef(evt.MetadataRef),
	})
	return nil
}

// handleFinalize releases an accepted offer's escrow to the seller
func (c *DeterministicCore) handleFinalize(tx *actionTx, evt *event.Finalize) error {
	l, o, err := c.loadOffer(tx, evt.Listing, evt.Offer)
	if err != nil {
		return err
	}
	if o.Buyer != tx.caller {
		return fmt.Errorf("%w: %s is not the buyer of offer %d/%d", escrowerr.ErrUnauthorized, tx.caller.Hex(), l.ID, o.ID)
	}

	amount := o.Value
	if err := o.Transition(state.OfferStatusFinalized, evt.MetadataRef, tx.seq); err != nil {
		return err
	}
	payout, err := c.release(tx, o, l.Seller, &amount, ledger.JournalTypeEscrowRelease)
	if err != nil {
		return err
	}

	tx.emit(event.Record{
		Kind:         event.RecordOfferFinalized,
		ListingID:    u64(l.ID),
		OfferID:      u64(o.ID),
		Party:        tx.caller,
		Counterparty: addrRef(l.Seller),
		Asset:        o.Asset.String(),
		Amount:       amount.Dec(),
		MetadataRef:  hashRef(evt.MetadataRef),
	})
	tx.payout(payout, u64(l.ID), u64(o.ID))
	return nil
}

func (c *DeterministicCore) loadOffer(tx *actionTx, listingID, offerID uint64) (*state.Listing, *state.Offer, error) {
	o, err := tx.entities.Offer(listingID, offerID)
	if err != nil {
		return nil, nil, err
	}
	l, err := tx.entities.Listing(listingID)
	if err != nil {
		return nil, nil, err
	}
	return l, o, nil
}

// release moves an offer's escrow out of custody to payee
func (c *DeterministicCore) release(tx *actionTx, o *state.Offer, payee common.Address, amount *uint256.Int, jt ledger.JournalType) (payout asset.Payout, err error) {
	payout, err = c.adapter.MoveOut(tx.assets(), o.CustodyKey(), payee, amount, jt)
	if err != nil {
		return payout, fmt.Errorf("release offer %d/%d: %w", o.ListingID, o.ID, err)
	}
	return payout, nil
}
