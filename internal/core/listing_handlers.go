package core

import (
	"fmt"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
)

func (c *DeterministicCore) handleCreateListing(tx *actionTx, evt *event.CreateListing) error {
	units := uint64(1)
	if evt.Units != nil {
		if *evt.Units == 0 {
			return fmt.Errorf("%w: a listing needs at least one unit", escrowerr.ErrInvalidArgument)
		}
		units = *evt.Units
	}

	l := &state.Listing{
		Seller:         tx.caller,
		DepositAsset:   c.params.DepositAsset,
		Deposit:        evt.Deposit,
		MetadataRef:    evt.MetadataRef,
		UnitsAvailable: units,
		Status:         state.ListingStatusActive,
		CreatedSeq:     tx.seq,
		UpdatedSeq:     tx.seq,
	}
	id := tx.entities.CreateListing(l)

	if err := c.adapter.MoveIn(tx.assets(), tx.caller, l.CustodyKey(), &l.Deposit, ledger.JournalTypeDepositStake); err != nil {
		return fmt.Errorf("stake deposit of listing %d: %w", id, err)
	}

	tx.emit(event.Record{
		Kind:        event.RecordListingCreated,
		ListingID:   u64(id),
		Party:       tx.caller,
		Asset:       l.DepositAsset.String(),
		Amount:      l.Deposit.Dec(),
		MetadataRef: hashRef(evt.MetadataRef),
		Units:       u64(units),
	})
	return nil
}

func (c *DeterministicCore) handleUpdateListing(tx *actionTx, evt *event.UpdateListing) error {
	l, err := c.sellerListing(tx, evt.Listing)
	if err != nil {
		return err
	}

	l.MetadataRef = evt.MetadataRef
	l.UnitsAvailable = evt.UnitsAvailable
	l.UpdatedSeq = tx.seq

	tx.emit(event.Record{
		Kind:        event.RecordListingUpdated,
		ListingID:   u64(l.ID),
		Party:       tx.caller,
		MetadataRef: hashRef(evt.MetadataRef),
		Units:       u64(l.UnitsAvailable),
	})
	return nil
}

// handleWithdrawListing retires the listing and returns its deposit. Offers
// already made keep their own escrow and can still run to completion.
func (c *DeterministicCore) handleWithdrawListing(tx *actionTx, evt *event.WithdrawListing) error {
	l, err := c.sellerListing(tx, evt.Listing)
	if err != nil {
		return err
	}

	refund := l.HeldDeposit()
	l.Status = state.ListingStatusWithdrawn
	l.MetadataRef = evt.MetadataRef
	l.UpdatedSeq = tx.seq

	payout, err := c.adapter.MoveOut(tx.assets(), l.CustodyKey(), l.Seller, &refund, ledger.JournalTypeDepositRefund)
	if err != nil {
		return fmt.Errorf("refund deposit of listing %d: %w", l.ID, err)
	}

	tx.emit(event.Record{
		Kind:        event.RecordListingWithdrawn,
		ListingID:   u64(l.ID),
		Party:       tx.caller,
		Asset:       l.DepositAsset.String(),
		Amount:      refund.Dec(),
		MetadataRef: hashRef(evt.MetadataRef),
	})
	tx.payout(payout, u64(l.ID), nil)
	return nil
}

// sellerListing loads an Active listing owned by the caller
func (c *DeterministicCore) sellerListing(tx *actionTx, id uint64) (*state.Listing, error) {
	l, err := tx.entities.Listing(id)
	if err != nil {
		return nil, err
	}
	if l.Seller != tx.caller {
		return nil, fmt.Errorf("%w: %s is not the seller of listing %d", escrowerr.ErrUnauthorized, tx.caller.Hex(), id)
	}
	if l.Status != state.ListingStatusActive {
		return nil, fmt.Errorf("%w: listing %d is %s", escrowerr.ErrInvalidState, id, l.Status)
	}
	return l, nil
}
