package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for inbound actions
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateListing
	EventTypeUpdateListing
	EventTypeWithdrawListing
	EventTypeCreateOffer
	EventTypeAcceptOffer
	EventTypeWithdrawOffer
	EventTypeFinalize
	EventTypeDispute
	EventTypeRuling
	EventTypeFundWallet
	EventTypeTransfer
	EventTypeApprove
	EventTypeRegisterDelegate
	EventTypeClaimPayout
)

var eventTypeNames = map[EventType]string{
	EventTypeCreateListing:    "CreateListing",
	EventTypeUpdateListing:    "UpdateListing",
	EventTypeWithdrawListing:  "WithdrawListing",
	EventTypeCreateOffer:      "CreateOffer",
	EventTypeAcceptOffer:      "AcceptOffer",
	EventTypeWithdrawOffer:    "WithdrawOffer",
	EventTypeFinalize:         "Finalize",
	EventTypeDispute:          "Dispute",
	EventTypeRuling:           "Ruling",
	EventTypeFundWallet:       "FundWallet",
	EventTypeTransfer:         "Transfer",
	EventTypeApprove:          "Approve",
	EventTypeRegisterDelegate: "RegisterDelegate",
	EventTypeClaimPayout:      "ClaimPayout",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a name back to its discriminator
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}

// EventEnvelope wraps every committed action in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the caller
	IdempotencyKey string

	// Action type discriminator
	EventType EventType

	// Listing context (nil for wallet and identity actions)
	ListingID *uint64

	// Raw sender of the action
	Sender common.Address

	// Action timestamp stamped at ingestion (NOT read by the core from the clock)
	Timestamp time.Time

	// Records emitted by the action, in order
	Records []Record

	// SHA-256 of state AFTER applying this action
	StateHash [32]byte

	// Previous action's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound actions implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// ListingID returns the listing context (nil for global actions)
	ListingID() *uint64

	// Origin returns who sent the action and when
	Origin() *Meta
}

// Meta is embedded by every action
type Meta struct {
	Key       string
	Sender    common.Address
	ActingAs  *common.Address // delegate the sender acts through, if any
	Timestamp time.Time
}

func (m *Meta) IdempotencyKey() string {
	return m.Key
}

func (m *Meta) Origin() *Meta {
	return m
}
