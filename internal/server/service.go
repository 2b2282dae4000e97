package server

import (
	"context"
	"fmt"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/core"
	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Ledger is the write side: implemented by core.Sequencer
type Ledger interface {
	Submit(ctx context.Context, evt event.Event) (*core.Receipt, error)
	View(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// Arbitrator is the owner-facing surface of an in-process arbitrator
type Arbitrator interface {
	Address() common.Address
	GiveRuling(ctx context.Context, caller common.Address, handle arbitration.Handle, code uint64) error
	Disputes() []arbitration.CentralizedDispute
}

// MarketplaceService is the API served over gRPC and HTTP
type MarketplaceService interface {
	SubmitAction(context.Context, *SubmitActionRequest) (*SubmitActionResponse, error)
	GiveRuling(context.Context, *GiveRulingRequest) (*GiveRulingResponse, error)
	ListDisputes(context.Context, *ListDisputesRequest) (*ListDisputesResponse, error)
	GetWallet(context.Context, *GetWalletRequest) (*query.WalletResponse, error)
	GetAllowance(context.Context, *GetAllowanceRequest) (*AllowanceResponse, error)
	GetDelegate(context.Context, *GetDelegateRequest) (*DelegateResponse, error)
	GetListing(context.Context, *GetListingRequest) (*query.ListingResponse, error)
	ListListings(context.Context, *ListListingsRequest) (*ListListingsResponse, error)
	GetOffer(context.Context, *GetOfferRequest) (*query.OfferResponse, error)
	ListOffers(context.Context, *ListOffersRequest) (*ListOffersResponse, error)
	ListRecords(context.Context, *ListRecordsRequest) (*ListRecordsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	GetLedgerStatus(context.Context, *GetLedgerStatusRequest) (*LedgerStatus, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// Marketplace implements MarketplaceService. Writes and live reads go
// through the sequencer; everything else is served from projections.
type Marketplace struct {
	ledger     Ledger
	arbitrator Arbitrator // nil unless the arbitrator runs in process
	queries    *query.QueryService
	assets     []ledger.Asset
	now        func() time.Time
}

var _ MarketplaceService = (*Marketplace)(nil)

// NewMarketplace wires the service. assets lists what GetLedgerStatus
// reports supply for.
func NewMarketplace(l Ledger, arbitrator Arbitrator, queries *query.QueryService, assets []ledger.Asset) *Marketplace {
	return &Marketplace{
		ledger:     l,
		arbitrator: arbitrator,
		queries:    queries,
		assets:     assets,
		now:        time.Now,
	}
}

// SubmitAction authenticates, parses and applies one action. The payload
// uses the same format and signature as the NATS action subjects.
func (m *Marketplace) SubmitAction(ctx context.Context, req *SubmitActionRequest) (*SubmitActionResponse, error) {
	if event.ParseEventType(req.EventType) == event.EventTypeUnknown {
		return nil, fmt.Errorf("unknown event_type %q: %w", req.EventType, escrowerr.ErrInvalidArgument)
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("payload is required: %w", escrowerr.ErrInvalidArgument)
	}

	evt, err := ingestion.Authenticate(ingestion.RawEvent{
		Subject:   "api",
		EventType: req.EventType,
		Data:      req.Payload,
		Signature: req.Signature,
		Timestamp: m.now(),
	})
	if err != nil {
		return nil, err
	}

	receipt, err := m.ledger.Submit(ctx, evt)
	if err != nil {
		return nil, err
	}
	records := receipt.Records
	if records == nil {
		records = []event.Record{}
	}
	return &SubmitActionResponse{
		Key:       evt.IdempotencyKey(),
		Sequence:  receipt.Sequence,
		Duplicate: receipt.Duplicate,
		StateHash: hexutil.Encode(receipt.StateHash[:]),
		Records:   records,
	}, nil
}

// GiveRuling lets the in-process arbitrator's owner decide a dispute. The
// caller is whoever signed RulingPayload; a named caller must match it.
func (m *Marketplace) GiveRuling(ctx context.Context, req *GiveRulingRequest) (*GiveRulingResponse, error) {
	if m.arbitrator == nil {
		return nil, fmt.Errorf("%w: arbitrator is not run in process", escrowerr.ErrArbitrationUnavailable)
	}
	caller, err := ingestion.RecoverSignerHex(ingestion.GiveRulingType,
		ingestion.RulingPayload(m.arbitrator.Address(), req.Handle, req.Code), req.Signature)
	if err != nil {
		return nil, err
	}
	if req.Caller != "" {
		claimed, err := parseAddress("caller", req.Caller)
		if err != nil {
			return nil, err
		}
		if claimed != caller {
			return nil, fmt.Errorf("%w: ruling sent as %s is signed by %s", escrowerr.ErrUnauthorized, claimed.Hex(), caller.Hex())
		}
	}
	if err := m.arbitrator.GiveRuling(ctx, caller, arbitration.Handle(req.Handle), req.Code); err != nil {
		return nil, err
	}
	ruling, _ := arbitration.ParseRuling(req.Code)
	return &GiveRulingResponse{Handle: req.Handle, Ruling: ruling.String()}, nil
}

func (m *Marketplace) ListDisputes(ctx context.Context, _ *ListDisputesRequest) (*ListDisputesResponse, error) {
	if m.arbitrator == nil {
		return nil, fmt.Errorf("%w: arbitrator is not run in process", escrowerr.ErrArbitrationUnavailable)
	}
	disputes := m.arbitrator.Disputes()
	out := make([]DisputeView, 0, len(disputes))
	for _, d := range disputes {
		v := DisputeView{
			Handle:    uint64(d.Handle),
			ListingID: d.Request.ListingID,
			OfferID:   d.Request.OfferID,
			Buyer:     d.Request.Buyer.Hex(),
			Seller:    d.Request.Seller.Hex(),
			RaisedBy:  d.Request.RaisedBy.Hex(),
			Ruled:     d.Ruled,
		}
		if d.Ruled {
			r, _ := arbitration.ParseRuling(d.Code)
			v.Ruling = r.String()
		}
		out = append(out, v)
	}
	return &ListDisputesResponse{Disputes: out}, nil
}

func (m *Marketplace) GetWallet(ctx context.Context, req *GetWalletRequest) (*query.WalletResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	if !req.Live {
		return m.queries.GetWallet(ctx, owner, asset)
	}

	var balance, claimable uint256.Int
	var seq int64
	if err := m.ledger.View(ctx, func(c *core.DeterministicCore) {
		balance = c.Balance(owner, asset)
		claimable = c.Claimable(owner, asset)
		seq = c.GetSequence() - 1
	}); err != nil {
		return nil, err
	}
	return &query.WalletResponse{
		Owner:        owner.Hex(),
		Asset:        asset.String(),
		Balance:      balance.Dec(),
		Claimable:    claimable.Dec(),
		AsOfSequence: seq,
	}, nil
}

// GetAllowance is always live; allowances are not projected
func (m *Marketplace) GetAllowance(ctx context.Context, req *GetAllowanceRequest) (*AllowanceResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	spender, err := parseAddress("spender", req.Spender)
	if err != nil {
		return nil, err
	}
	token, err := parseAsset(req.Token)
	if err != nil {
		return nil, err
	}
	if token.IsNative() {
		return nil, fmt.Errorf("allowances apply to fungible tokens only: %w", escrowerr.ErrInvalidArgument)
	}

	var amount uint256.Int
	var seq int64
	if err := m.ledger.View(ctx, func(c *core.DeterministicCore) {
		amount = c.Allowance(owner, spender, token)
		seq = c.GetSequence() - 1
	}); err != nil {
		return nil, err
	}
	return &AllowanceResponse{
		Owner:        owner.Hex(),
		Spender:      spender.Hex(),
		Token:        token.String(),
		Amount:       amount.Dec(),
		AsOfSequence: seq,
	}, nil
}

func (m *Marketplace) GetDelegate(ctx context.Context, req *GetDelegateRequest) (*DelegateResponse, error) {
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	var resp *DelegateResponse
	if err := m.ledger.View(ctx, func(c *core.DeterministicCore) {
		d, ok := c.Delegate(addr)
		if !ok {
			return
		}
		resp = &DelegateResponse{
			Address:       d.Address.Hex(),
			Controller:    d.Controller.Hex(),
			AcceptsNative: d.AcceptsNative,
			CreatedSeq:    d.CreatedSeq,
			AsOfSequence:  c.GetSequence() - 1,
		}
	}); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: delegate %s", escrowerr.ErrNotFound, addr.Hex())
	}
	return resp, nil
}

func (m *Marketplace) GetListing(ctx context.Context, req *GetListingRequest) (*query.ListingResponse, error) {
	if req.ListingID < 0 {
		return nil, fmt.Errorf("listing_id must not be negative: %w", escrowerr.ErrInvalidArgument)
	}
	return m.queries.GetListing(ctx, req.ListingID)
}

func (m *Marketplace) ListListings(ctx context.Context, req *ListListingsRequest) (*ListListingsResponse, error) {
	seller, err := optionalAddress("seller", req.Seller)
	if err != nil {
		return nil, err
	}
	listings, err := m.queries.ListListings(ctx, seller, optionalString(req.Status), req.Limit, req.AfterID)
	if err != nil {
		return nil, err
	}
	return &ListListingsResponse{Listings: nonNil(listings)}, nil
}

func (m *Marketplace) GetOffer(ctx context.Context, req *GetOfferRequest) (*query.OfferResponse, error) {
	if req.ListingID < 0 || req.OfferID < 0 {
		return nil, fmt.Errorf("ids must not be negative: %w", escrowerr.ErrInvalidArgument)
	}
	return m.queries.GetOffer(ctx, req.ListingID, req.OfferID)
}

func (m *Marketplace) ListOffers(ctx context.Context, req *ListOffersRequest) (*ListOffersResponse, error) {
	buyer, err := optionalAddress("buyer", req.Buyer)
	if err != nil {
		return nil, err
	}
	offers, err := m.queries.ListOffers(ctx, query.OfferFilter{
		ListingID: req.ListingID,
		Buyer:     buyer,
		Status:    optionalString(req.Status),
		Limit:     req.Limit,
		AfterSeq:  req.AfterSequence,
	})
	if err != nil {
		return nil, err
	}
	return &ListOffersResponse{Offers: nonNil(offers)}, nil
}

func (m *Marketplace) ListRecords(ctx context.Context, req *ListRecordsRequest) (*ListRecordsResponse, error) {
	party, err := optionalAddress("party", req.Party)
	if err != nil {
		return nil, err
	}
	records, err := m.queries.GetRecords(ctx, query.RecordFilter{
		Party:         party,
		ListingID:     req.ListingID,
		Kinds:         req.Kinds,
		Limit:         req.Limit,
		AfterSequence: req.AfterSequence,
	})
	if err != nil {
		return nil, err
	}
	return &ListRecordsResponse{Records: nonNil(records)}, nil
}

func (m *Marketplace) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	entries, err := m.queries.GetJournalHistory(ctx, owner, req.Limit, req.AfterSequence)
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: nonNil(entries)}, nil
}

// GetLedgerStatus reports the sequencer's head and runs the conservation check
func (m *Marketplace) GetLedgerStatus(ctx context.Context, _ *GetLedgerStatusRequest) (*LedgerStatus, error) {
	var st LedgerStatus
	if err := m.ledger.View(ctx, func(c *core.DeterministicCore) {
		hash := c.GetStateHash()
		fee := c.ArbitrationFee()
		st = LedgerStatus{
			Sequence:       c.GetSequence() - 1,
			StateHash:      hexutil.Encode(hash[:]),
			Market:         c.Market().Hex(),
			DepositAsset:   c.DepositAsset().String(),
			ArbitrationFee: fee.Dec(),
			Listings:       c.ListingCount(),
			Supply:         make(map[string]string, len(m.assets)),
			Conserved:      true,
		}
		for _, a := range m.assets {
			supply := c.Supply(a)
			st.Supply[a.String()] = supply.Dec()
		}
		if err := c.CheckConservation(); err != nil {
			st.Conserved = false
			st.Violation = err.Error()
		}
	}); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Marketplace) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	return m.queries.VerifyIntegrity(ctx)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q: %w", field, s, escrowerr.ErrInvalidArgument)
	}
	return common.HexToAddress(s), nil
}

func optionalAddress(field, s string) (*common.Address, error) {
	if s == "" {
		return nil, nil
	}
	a, err := parseAddress(field, s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func parseAsset(s string) (ledger.Asset, error) {
	a, err := ledger.ParseAsset(s)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("asset: %v: %w", err, escrowerr.ErrInvalidArgument)
	}
	return a, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nonNil keeps empty lists as [] on the wire
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
