package event

import (
	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FundWallet issues Amount of Asset into the wallet of To from the external
// bridge.
type FundWallet struct {
	Meta
	To     common.Address
	Asset  ledger.Asset
	Amount uint256.Int
}

func (f *FundWallet) EventType() EventType { return EventTypeFundWallet }
func (f *FundWallet) ListingID() *uint64   { return nil }

type Transfer struct {
	Meta
	To     common.Address
	Asset  ledger.Asset
	Amount uint256.Int
}

func (t *Transfer) EventType() EventType { return EventTypeTransfer }
func (t *Transfer) ListingID() *uint64   { return nil }

// Approve sets the allowance Spender may pull of Token
type Approve struct {
	Meta
	Spender common.Address
	Token   ledger.Asset
	Amount  uint256.Int
}

func (a *Approve) EventType() EventType { return EventTypeApprove }
func (a *Approve) ListingID() *uint64   { return nil }

// RegisterDelegate creates a forwarding account controlled by the sender
type RegisterDelegate struct {
	Meta
	AcceptsNative bool
}

func (r *RegisterDelegate) EventType() EventType { return EventTypeRegisterDelegate }
func (r *RegisterDelegate) ListingID() *uint64   { return nil }

// ClaimPayout withdraws a deferred balance. To defaults to the claimant.
type ClaimPayout struct {
	Meta
	Asset ledger.Asset
	To    *common.Address
}

func (c *ClaimPayout) EventType() EventType { return EventTypeClaimPayout }
func (c *ClaimPayout) ListingID() *uint64   { return nil }
