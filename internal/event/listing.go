package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CreateListing stakes Deposit of the registry's deposit asset. Units
// defaults to one when nil.
type CreateListing struct {
	Meta
	MetadataRef common.Hash
	Deposit     uint256.Int
	Units       *uint64
}

func (c *CreateListing) EventType() EventType {
	return EventTypeCreateListing
}

func (c *CreateListing) ListingID() *uint64 {
	return nil // ID not assigned yet
}

type UpdateListing struct {
	Meta
	Listing        uint64
	MetadataRef    common.Hash
	UnitsAvailable uint64
}

func (u *UpdateListing) EventType() EventType {
	return EventTypeUpdateListing
}

func (u *UpdateListing) ListingID() *uint64 {
	return &u.Listing
}

type WithdrawListing struct {
	Meta
	Listing     uint64
	MetadataRef common.Hash
}

func (w *WithdrawListing) EventType() EventType {
	return EventTypeWithdrawListing
}

func (w *WithdrawListing) ListingID() *uint64 {
	return &w.Listing
}
