// Package asset moves native value and fungible tokens between wallets and
// marketplace custody through one interface, so escrow code never branches
// on the asset kind.
package asset

import (
	"fmt"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Recipients answers whether an address takes direct native transfers
type Recipients interface {
	AcceptsNative(addr common.Address) bool
}

// Tx is the staged state an adapter call writes into. Nothing is visible
// outside the action until the caller commits both halves.
type Tx struct {
	Journal    *ledger.Draft
	Allowances *AllowanceStage
}

// Payout describes where a moveOut actually landed
type Payout struct {
	To       common.Address
	Asset    ledger.Asset
	Amount   uint256.Int
	Deferred bool
}

// Adapter implements moveIn/moveOut. market is the spender address holders
// approve for fungible transferFrom.
type Adapter struct {
	market     common.Address
	tokens     *Registry
	recipients Recipients
}

func NewAdapter(market common.Address, tokens *Registry, recipients Recipients) *Adapter {
	return &Adapter{market: market, tokens: tokens, recipients: recipients}
}

// Market returns the spender address used for fungible pulls
func (a *Adapter) Market() common.Address {
	return a.market
}

// MoveIn pulls amount of the custody account's asset from the wallet of from.
// Fungible pulls consume the allowance from has granted the market; an
// allowance of 2^256-1 is treated as unlimited and left as is.
func (a *Adapter) MoveIn(tx Tx, from common.Address, custody ledger.AccountKey, amount *uint256.Int, journalType ledger.JournalType) error {
	asset := custody.Asset
	if err := a.tokens.Supported(asset); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}

	var remaining uint256.Int
	if !asset.IsNative() {
		allowance := tx.Allowances.Get(from, a.market, asset.Contract)
		if allowance.Lt(amount) {
			return fmt.Errorf("%w: allowance of %s for %s is %s, need %s", escrowerr.ErrTransferFailed,
				from.Hex(), asset, allowance.Dec(), amount.Dec())
		}
		remaining.Sub(&allowance, amount)
		if isUnlimited(&allowance) {
			remaining = allowance
		}
	}

	if err := tx.Journal.Move(journalType, ledger.WalletAccount(from, asset), custody, amount); err != nil {
		return fmt.Errorf("move in %s from %s: %w", asset, from.Hex(), err)
	}
	if !asset.IsNative() {
		tx.Allowances.Set(from, a.market, asset.Contract, remaining)
	}
	return nil
}

// MoveOut releases amount from custody to the wallet of to. A native payout
// to a recipient that rejects value is credited to its claimable balance
// instead, so the action still completes and the funds stay attributed.
func (a *Adapter) MoveOut(tx Tx, custody ledger.AccountKey, to common.Address, amount *uint256.Int, journalType ledger.JournalType) (Payout, error) {
	asset := custody.Asset
	payout := Payout{To: to, Asset: asset, Amount: *amount}

	dest := ledger.WalletAccount(to, asset)
	if asset.IsNative() && !a.recipients.AcceptsNative(to) {
		dest = ledger.ClaimableAccount(to, asset)
		journalType = ledger.JournalTypePayoutDeferred
		payout.Deferred = true
	}

	if err := tx.Journal.Move(journalType, custody, dest, amount); err != nil {
		return Payout{}, fmt.Errorf("move out %s to %s: %w", asset, to.Hex(), err)
	}
	return payout, nil
}

// Transfer moves funds between wallets, the asset contract's transfer()
func (a *Adapter) Transfer(tx Tx, asset ledger.Asset, from, to common.Address, amount *uint256.Int) error {
	if err := a.tokens.Supported(asset); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("%w: transfer to self", escrowerr.ErrInvalidArgument)
	}
	if asset.IsNative() && !a.recipients.AcceptsNative(to) {
		return fmt.Errorf("%w: %s rejects native value", escrowerr.ErrTransferFailed, to.Hex())
	}
	return tx.Journal.Move(ledger.JournalTypeWalletTransfer, ledger.WalletAccount(from, asset), ledger.WalletAccount(to, asset), amount)
}

// Approve sets the allowance owner grants spender on token
func (a *Adapter) Approve(tx Tx, owner, spender common.Address, token ledger.Asset, amount *uint256.Int) error {
	if token.IsNative() {
		return fmt.Errorf("%w: native value has no allowances", escrowerr.ErrInvalidArgument)
	}
	if err := a.tokens.Supported(token); err != nil {
		return err
	}
	tx.Allowances.Set(owner, spender, token.Contract, *amount)
	return nil
}

// Claim withdraws owner's whole claimable balance of asset to the wallet of to
func (a *Adapter) Claim(tx Tx, owner common.Address, asset ledger.Asset, to common.Address) (uint256.Int, error) {
	src := ledger.ClaimableAccount(owner, asset)
	amount := tx.Journal.Balance(src)
	if amount.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: nothing claimable for %s in %s", escrowerr.ErrNotFound, owner.Hex(), asset)
	}
	if asset.IsNative() && !a.recipients.AcceptsNative(to) {
		return uint256.Int{}, fmt.Errorf("%w: %s rejects native value", escrowerr.ErrTransferFailed, to.Hex())
	}
	if err := tx.Journal.Move(ledger.JournalTypePayoutClaim, src, ledger.WalletAccount(to, asset), &amount); err != nil {
		return uint256.Int{}, err
	}
	return amount, nil
}

func isUnlimited(v *uint256.Int) bool {
	return v.Eq(new(uint256.Int).SetAllOne())
}
