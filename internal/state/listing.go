package state

import (
	"fmt"

	"EscrowLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListingStatus tracks a listing's lifecycle
type ListingStatus int32

const (
	ListingStatusActive ListingStatus = iota
	ListingStatusWithdrawn
)

func (s ListingStatus) String() string {
	switch s {
	case ListingStatusActive:
		return "Active"
	case ListingStatusWithdrawn:
		return "Withdrawn"
	default:
		return "Unknown"
	}
}

func ParseListingStatus(s string) (ListingStatus, error) {
	switch s {
	case "Active":
		return ListingStatusActive, nil
	case "Withdrawn":
		return ListingStatusWithdrawn, nil
	}
	return 0, fmt.Errorf("unknown listing status %q", s)
}

// Listing is a seller's standing offer backed by a refundable deposit
type Listing struct {
	ID     uint64
	Seller common.Address // address that invoked creation, direct or delegate
	// Deposit is held in DepositCustody(ID, DepositAsset) while Active
	DepositAsset   ledger.Asset
	Deposit        uint256.Int
	MetadataRef    common.Hash
	UnitsAvailable uint64
	Status         ListingStatus
	CreatedSeq     int64
	UpdatedSeq     int64
}

func (l *Listing) Clone() *Listing {
	c := *l
	return &c
}

// CustodyKey is the account holding this listing's deposit
func (l *Listing) CustodyKey() ledger.AccountKey {
	return ledger.DepositCustody(l.ID, l.DepositAsset)
}

// HeldDeposit is what custody must hold for the listing right now
func (l *Listing) HeldDeposit() uint256.Int {
	if l.Status == ListingStatusWithdrawn {
		return uint256.Int{}
	}
	return l.Deposit
}
