package server

import (
	"encoding/json"

	"EscrowLedger/internal/event"
	"EscrowLedger/internal/query"
)

// Messages of the marketplace API. They travel as JSON on both the gRPC
// (json codec) and HTTP surfaces. Addresses are 0x hex and amounts are
// decimal strings.

type SubmitActionRequest struct {
	EventType string `json:"event_type"`
	// Payload is the action body as accepted on market.actions.* subjects,
	// including its "key".
	Payload json.RawMessage `json:"payload"`
	// Signature is the sender's 0x hex signature over the payload bytes
	Signature string `json:"signature"`
}

type SubmitActionResponse struct {
	Key       string         `json:"key"`
	Sequence  int64          `json:"sequence"`
	Duplicate bool           `json:"duplicate"`
	StateHash string         `json:"state_hash"`
	Records   []event.Record `json:"records"`
}

type GiveRulingRequest struct {
	// Caller is optional; the owner is recovered from Signature
	Caller    string `json:"caller,omitempty"`
	Handle    uint64 `json:"handle"`
	Code      uint64 `json:"code"`
	Signature string `json:"signature"`
}

type GiveRulingResponse struct {
	Handle uint64 `json:"handle"`
	Ruling string `json:"ruling"`
}

type ListDisputesRequest struct{}

type DisputeView struct {
	Handle    uint64 `json:"handle"`
	ListingID uint64 `json:"listing_id"`
	OfferID   uint64 `json:"offer_id"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	RaisedBy  string `json:"raised_by"`
	Ruled     bool   `json:"ruled"`
	Ruling    string `json:"ruling,omitempty"`
}

type ListDisputesResponse struct {
	Disputes []DisputeView `json:"disputes"`
}

type GetWalletRequest struct {
	Owner string `json:"owner"`
	Asset string `json:"asset"`
	// Live reads the sequencer state instead of the projection
	Live bool `json:"live,omitempty"`
}

type GetAllowanceRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Token   string `json:"token"`
}

type AllowanceResponse struct {
	Owner        string `json:"owner"`
	Spender      string `json:"spender"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type GetListingRequest struct {
	ListingID int64 `json:"listing_id"`
}

type ListListingsRequest struct {
	Seller  string `json:"seller,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	AfterID *int64 `json:"after_id,omitempty"`
}

type ListListingsResponse struct {
	Listings []query.ListingResponse `json:"listings"`
}

type GetOfferRequest struct {
	ListingID int64 `json:"listing_id"`
	OfferID   int64 `json:"offer_id"`
}

type ListOffersRequest struct {
	ListingID     *int64 `json:"listing_id,omitempty"`
	Buyer         string `json:"buyer,omitempty"`
	Status        string `json:"status,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type ListOffersResponse struct {
	Offers []query.OfferResponse `json:"offers"`
}

type ListRecordsRequest struct {
	Party         string   `json:"party,omitempty"`
	ListingID     *int64   `json:"listing_id,omitempty"`
	Kinds         []string `json:"kinds,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	AfterSequence *int64   `json:"after_sequence,omitempty"`
}

type ListRecordsResponse struct {
	Records []query.RecordResponse `json:"records"`
}

type ListJournalsRequest struct {
	Owner         string `json:"owner"`
	Limit         int    `json:"limit,omitempty"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type GetLedgerStatusRequest struct{}

// LedgerStatus is read from the sequencer, not the projections
type LedgerStatus struct {
	Sequence       int64             `json:"sequence"`
	StateHash      string            `json:"state_hash"`
	Market         string            `json:"market"`
	DepositAsset   string            `json:"deposit_asset"`
	ArbitrationFee string            `json:"arbitration_fee"`
	Listings       uint64            `json:"listings"`
	Supply         map[string]string `json:"supply"`
	Conserved      bool              `json:"conserved"`
	Violation      string            `json:"violation,omitempty"`
}

type VerifyIntegrityRequest struct{}

type GetDelegateRequest struct {
	Address string `json:"address"`
}

type DelegateResponse struct {
	Address       string `json:"address"`
	Controller    string `json:"controller"`
	AcceptsNative bool   `json:"accepts_native"`
	CreatedSeq    int64  `json:"created_seq"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}
