package core

import (
	"fmt"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
)

// handleFundWallet issues funds from the external bridge account
func (c *DeterministicCore) handleFundWallet(tx *actionTx, evt *event.FundWallet) error {
	if len(c.operators) > 0 {
		if _, ok := c.operators[tx.caller]; !ok {
			return fmt.Errorf("%w: %s is not a funding operator", escrowerr.ErrUnauthorized, tx.caller.Hex())
		}
	}
	if evt.Amount.IsZero() {
		return fmt.Errorf("%w: zero funding amount", escrowerr.ErrInvalidArgument)
	}
	if err := c.tokens.Supported(evt.Asset); err != nil {
		return err
	}

	err := tx.journal.Move(ledger.JournalTypeFunding,
		ledger.ExternalAccount(evt.Asset), ledger.WalletAccount(evt.To, evt.Asset), &evt.Amount)
	if err != nil {
		return fmt.Errorf("fund %s: %w", evt.To.Hex(), err)
	}

	tx.emit(event.Record{
		Kind:         event.RecordWalletFunded,
		Party:        tx.caller,
		Counterparty: addrRef(evt.To),
		Asset:        evt.Asset.String(),
		Amount:       evt.Amount.Dec(),
	})
	return nil
}

func (c *DeterministicCore) handleTransfer(tx *actionTx, evt *event.Transfer) error {
	if err := c.adapter.Transfer(tx.assets(), evt.Asset, tx.caller, evt.To, &evt.Amount); err != nil {
		return err
	}
	tx.emit(event.Record{
		Kind:         event.RecordWalletTransfer,
		Party:        tx.caller,
		Counterparty: addrRef(evt.To),
		Asset:        evt.Asset.String(),
		Amount:       evt.Amount.Dec(),
	})
	return nil
}

func (c *DeterministicCore) handleApprove(tx *actionTx, evt *event.Approve) error {
	if err := c.adapter.Approve(tx.assets(), tx.caller, evt.Spender, evt.Token, &evt.Amount); err != nil {
		return err
	}
	tx.emit(event.Record{
		Kind:         event.RecordAllowanceSet,
		Party:        tx.caller,
		Counterparty: addrRef(evt.Spender),
		Asset:        evt.Token.String(),
		Amount:       evt.Amount.Dec(),
	})
	return nil
}

// handleRegisterDelegate creates the caller's next forwarding account. The
// record's counterparty is the new delegate address.
func (c *DeterministicCore) handleRegisterDelegate(tx *actionTx, evt *event.RegisterDelegate) error {
	d := c.delegates.Prepare(tx.caller, evt.AcceptsNative, tx.seq)
	tx.delegates = append(tx.delegates, d)

	tx.emit(event.Record{
		Kind:         event.RecordDelegateRegistered,
		Party:        tx.caller,
		Counterparty: addrRef(d.Address),
	})
	return nil
}

// handleClaimPayout withdraws a deferred balance to the caller or evt.To
func (c *DeterministicCore) handleClaimPayout(tx *actionTx, evt *event.ClaimPayout) error {
	to := tx.caller
	if evt.To != nil {
		to = *evt.To
	}
	amount, err := c.adapter.Claim(tx.assets(), tx.caller, evt.Asset, to)
	if err != nil {
		return err
	}
	tx.emit(event.Record{
		Kind:         event.RecordPayoutClaimed,
		Party:        tx.caller,
		Counterparty: addrRef(to),
		Asset:        evt.Asset.String(),
		Amount:       amount.Dec(),
	})
	return nil
}
