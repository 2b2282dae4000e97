package query

import "github.com/ethereum/go-ethereum/common"

// Every response carries as_of_sequence: the projection watermark the read
// was served at. Amounts are decimal strings in the asset's smallest unit.

// WalletResponse is an address's holdings of one asset
type WalletResponse struct {
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	Claimable    string `json:"claimable"` // deferred payouts awaiting ClaimPayout
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ListingResponse represents a listing for API queries
type ListingResponse struct {
	ListingID      int64  `json:"listing_id"`
	Seller         string `json:"seller"`
	DepositAsset   string `json:"deposit_asset"`
	Deposit        string `json:"deposit"`
	MetadataRef    string `json:"metadata_ref"`
	UnitsAvailable string `json:"units_available"`
	Status         string `json:"status"`
	CreatedSeq     int64  `json:"created_seq"`
	UpdatedSeq     int64  `json:"updated_seq"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// OfferResponse represents an offer for API queries
type OfferResponse struct {
	ListingID     int64    `json:"listing_id"`
	OfferID       int64    `json:"offer_id"`
	Buyer         string   `json:"buyer"`
	Asset         string   `json:"asset"`
	Value         string   `json:"value"`
	Committed     string   `json:"committed"`
	Status        string   `json:"status"`
	MetadataTrail []string `json:"metadata_trail"`
	DisputeHandle *string  `json:"dispute_handle,omitempty"`
	Ruling        *string  `json:"ruling,omitempty"`
	CreatedSeq    int64    `json:"created_seq"`
	UpdatedSeq    int64    `json:"updated_seq"`
	AsOfSequence  int64    `json:"as_of_sequence"`
}

// OfferFilter narrows ListOffers. Nil fields match everything.
type OfferFilter struct {
	ListingID *int64
	Buyer     *common.Address
	Status    *string
	Limit     int
	// AfterSeq pages backwards by updated_seq
	AfterSeq *int64
}

// RecordResponse is one event record emitted by a committed action
type RecordResponse struct {
	Sequence     int64   `json:"sequence"`
	Index        int     `json:"index"`
	Kind         string  `json:"kind"`
	ListingID    *int64  `json:"listing_id,omitempty"`
	OfferID      *int64  `json:"offer_id,omitempty"`
	Party        string  `json:"party"`
	Counterparty *string `json:"counterparty,omitempty"`
	Asset        *string `json:"asset,omitempty"`
	Amount       *string `json:"amount,omitempty"`
	Handle       *string `json:"handle,omitempty"`
	Ruling       *string `json:"ruling,omitempty"`
	Timestamp    int64   `json:"timestamp"` // epoch microseconds
}

// RecordFilter narrows GetRecords. Kinds matches any of the listed kinds.
type RecordFilter struct {
	Party         *common.Address
	ListingID     *int64
	Kinds         []string
	Limit         int
	AfterSequence *int64
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool              `json:"is_healthy"`
	HashChainBreaks   []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets  []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	ProjectionLagging bool              `json:"projection_lagging"`
	AsOfSequence      int64             `json:"as_of_sequence"`
}

// UnbalancedAsset is an asset whose projected accounts do not net to zero.
// Every balance is issued from the bridge account, so wallets, claimables,
// fees and custody must sum to exactly the bridge's issued supply.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Issued    string `json:"issued"`
	Held      string `json:"held"`
	Imbalance string `json:"imbalance"`
}
