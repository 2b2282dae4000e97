package event

import (
	"github.com/ethereum/go-ethereum/common"
)

// RecordKind names an observable state change
type RecordKind string

const (
	RecordListingCreated     RecordKind = "ListingCreated"
	RecordListingUpdated     RecordKind = "ListingUpdated"
	RecordListingWithdrawn   RecordKind = "ListingWithdrawn"
	RecordOfferCreated       RecordKind = "OfferCreated"
	RecordOfferAccepted      RecordKind = "OfferAccepted"
	RecordOfferWithdrawn     RecordKind = "OfferWithdrawn"
	RecordOfferFinalized     RecordKind = "OfferFinalized"
	RecordOfferDisputed      RecordKind = "OfferDisputed"
	RecordOfferRuled         RecordKind = "OfferRuled"
	RecordPayoutDeferred     RecordKind = "PayoutDeferred"
	RecordPayoutClaimed      RecordKind = "PayoutClaimed"
	RecordWalletFunded       RecordKind = "WalletFunded"
	RecordWalletTransfer     RecordKind = "WalletTransfer"
	RecordAllowanceSet       RecordKind = "AllowanceSet"
	RecordDelegateRegistered RecordKind = "DelegateRegistered"
)

// Record is one entry of an action's output. Party is the effective caller
// (or payee for payout records). Amounts are decimal strings.
type Record struct {
	Kind         RecordKind      `json:"kind"`
	ListingID    *uint64         `json:"listing_id,omitempty"`
	OfferID      *uint64         `json:"offer_id,omitempty"`
	Party        common.Address  `json:"party"`
	Counterparty *common.Address `json:"counterparty,omitempty"`
	Asset        string          `json:"asset,omitempty"`
	Amount       string          `json:"amount,omitempty"`
	MetadataRef  *common.Hash    `json:"metadata_ref,omitempty"`
	Handle       *uint64         `json:"handle,omitempty"`
	Ruling       string          `json:"ruling,omitempty"`
	Units        *uint64         `json:"units,omitempty"`
}
