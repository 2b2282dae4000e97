package core

import (
	"errors"
	"fmt"

	"EscrowLedger/internal/arbitration"
	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
)

// handleDispute hands an accepted offer to the arbitrator. The disputing
// party pays the arbitration fee from its native wallet. The external call is
// the last step of the action, so nothing after it can fail; a logged
// dispute already carries its handle and is not raised again on replay.
func (c *DeterministicCore) handleDispute(tx *actionTx, evt *event.Dispute) error {
	l, o, err := c.loadOffer(tx, evt.Listing, evt.Offer)
	if err != nil {
		return err
	}
	if tx.caller != o.Buyer && tx.caller != l.Seller {
		return fmt.Errorf("%w: %s is not a party to offer %d/%d", escrowerr.ErrUnauthorized, tx.caller.Hex(), l.ID, o.ID)
	}
	if err := o.Transition(state.OfferStatusDisputed, evt.MetadataRef, tx.seq); err != nil {
		return err
	}

	fee := c.arbitration.Fee()
	native := ledger.NativeAsset()
	err = tx.journal.Move(ledger.JournalTypeArbitrationFee,
		ledger.WalletAccount(tx.caller, native), ledger.FeeAccount(c.arbitration.Arbitrator(), native), &fee)
	if errors.Is(err, escrowerr.ErrTransferFailed) {
		return fmt.Errorf("%w: arbitration fee %s: %v", escrowerr.ErrArbitrationUnavailable, fee.Dec(), err)
	}
	if err != nil {
		return err
	}

	ref := arbitration.OfferRef{ListingID: l.ID, OfferID: o.ID}
	var handle arbitration.Handle
	switch {
	case evt.Handle != nil:
		handle = *evt.Handle
	case c.replaying:
		return fmt.Errorf("%w: logged dispute %d/%d has no handle", escrowerr.ErrInvariantViolation, l.ID, o.ID)
	default:
		handle, err = c.arbitration.Raise(tx.ctx, arbitration.DisputeRequest{
			ListingID:   l.ID,
			OfferID:     o.ID,
			Buyer:       o.Buyer,
			Seller:      l.Seller,
			RaisedBy:    tx.caller,
			MetadataRef: evt.MetadataRef,
		})
		if err != nil {
			return err
		}
		tx.raised = &handle
	}

	o.DisputeHandle = &handle
	o.DisputedBy = tx.caller
	tx.bindings = append(tx.bindings, binding{handle: handle, ref: ref})

	tx.emit(event.Record{
		Kind:        event.RecordOfferDisputed,
		ListingID:   u64(l.ID),
		OfferID:     u64(o.ID),
		Party:       tx.caller,
		Asset:       native.String(),
		Amount:      fee.Dec(),
		MetadataRef: hashRef(evt.MetadataRef),
		Handle:      u64(uint64(handle)),
	})
	return nil
}

// handleRuling applies the arbitrator's decision. Checks run in a fixed
// order: caller, then ruling code, then the handle. A handle with no
// Disputed offer behind it (stale or already ruled) is NotFound and moves
// nothing.
func (c *DeterministicCore) handleRuling(tx *actionTx, evt *event.Ruling) error {
	if err := c.arbitration.Authorize(tx.caller); err != nil {
		return err
	}
	ruling, err := arbitration.ParseRuling(evt.Code)
	if err != nil {
		return err
	}

	ref, ok := c.arbitration.Lookup(evt.Handle)
	if !ok {
		return fmt.Errorf("%w: unknown dispute handle %d", escrowerr.ErrNotFound, evt.Handle)
	}
	l, o, err := c.loadOffer(tx, ref.ListingID, ref.OfferID)
	if err != nil {
		return err
	}
	if o.Status != state.OfferStatusDisputed || o.DisputeHandle == nil || *o.DisputeHandle != evt.Handle {
		return fmt.Errorf("%w: no open dispute for handle %d (offer %d/%d is %s)", escrowerr.ErrNotFound,
			evt.Handle, l.ID, o.ID, o.Status)
	}

	payee, jt := o.Buyer, ledger.JournalTypeEscrowRefund
	if ruling == arbitration.RulingPaySeller {
		payee, jt = l.Seller, ledger.JournalTypeEscrowRelease
	}

	amount := o.Value
	if err := o.Transition(state.OfferStatusRuled, evt.MetadataRef, tx.seq); err != nil {
		return err
	}
	o.Ruling = &ruling

	payout, err := c.release(tx, o, payee, &amount, jt)
	if err != nil {
		return err
	}

	tx.emit(event.Record{
		Kind:         event.RecordOfferRuled,
		ListingID:    u64(l.ID),
		OfferID:      u64(o.ID),
		Party:        tx.caller,
		Counterparty: addrRef(payee),
		Asset:        o.Asset.String(),
		Amount:       amount.Dec(),
		MetadataRef:  hashRef(evt.MetadataRef),
		Handle:       u64(uint64(evt.Handle)),
		Ruling:       ruling.String(),
	})
	tx.payout(payout, u64(l.ID), u64(o.ID))
	return nil
}
