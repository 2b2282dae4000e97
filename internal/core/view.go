package core

import (
	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/identity"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Read accessors. Like the rest of the core they must run on the sequencer
// goroutine; other goroutines go through Sequencer.View.

func (c *DeterministicCore) Listing(id uint64) (*state.Listing, bool) {
	return c.store.Listing(id)
}

func (c *DeterministicCore) Offer(listingID, offerID uint64) (*state.Offer, bool) {
	return c.store.Offer(listingID, offerID)
}

func (c *DeterministicCore) Offers(listingID uint64) []*state.Offer {
	return c.store.Offers(listingID)
}

func (c *DeterministicCore) ListingCount() uint64 {
	return c.store.ListingCount()
}

// Balance is the spendable wallet balance of owner
func (c *DeterministicCore) Balance(owner common.Address, a ledger.Asset) uint256.Int {
	return c.balanceTracker.GetBalance(ledger.WalletAccount(owner, a))
}

// Claimable is the deferred payout balance of owner
func (c *DeterministicCore) Claimable(owner common.Address, a ledger.Asset) uint256.Int {
	return c.balanceTracker.GetBalance(ledger.ClaimableAccount(owner, a))
}

func (c *DeterministicCore) AccountBalance(key ledger.AccountKey) uint256.Int {
	return c.balanceTracker.GetBalance(key)
}

func (c *DeterministicCore) Supply(a ledger.Asset) uint256.Int {
	return c.balanceTracker.Supply(a)
}

func (c *DeterministicCore) Allowance(owner, spender common.Address, token ledger.Asset) uint256.Int {
	return c.allowances.Get(owner, spender, token.Contract)
}

func (c *DeterministicCore) Delegate(addr common.Address) (identity.Delegate, bool) {
	return c.delegates.Get(addr)
}

// DisputeOffer resolves a dispute handle to its offer
func (c *DeterministicCore) DisputeOffer(handle arbitration.Handle) (arbitration.OfferRef, bool) {
	return c.arbitration.Lookup(handle)
}

// Market is the spender address fungible holders approve
func (c *DeterministicCore) Market() common.Address {
	return c.params.Market
}

func (c *DeterministicCore) DepositAsset() ledger.Asset {
	return c.params.DepositAsset
}

func (c *DeterministicCore) ArbitrationFee() uint256.Int {
	return c.arbitration.Fee()
}

// CheckConservation runs the global conservation check on demand
func (c *DeterministicCore) CheckConservation() error {
	return c.validator.ValidateConservation()
}
