package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/asset"
	"EscrowLedger/internal/core"
	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

var (
	market    = common.HexToAddress("0x4d41524b45540000000000000000000000000001")
	arbAddr   = common.HexToAddress("0xa7b1000000000000000000000000000000000001")
	arbOwner  = common.HexToAddress("0xa7b1000000000000000000000000000000000002")
	seller    = common.HexToAddress("0x5e11e50000000000000000000000000000000001")
	buyer     = common.HexToAddress("0xb0e1000000000000000000000000000000000001")
	stranger  = common.HexToAddress("0x57a4000000000000000000000000000000000001")
	tokenAddr = common.HexToAddress("0x70e0000000000000000000000000000000000001")

	native = ledger.NativeAsset()
	token  = ledger.FungibleAsset(tokenAddr)
	meta1  = common.HexToHash("0x01")
	meta2  = common.HexToHash("0x02")
)

type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	arb     *arbitration.Centralized
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	n       int
}

// newHarness creates a core with buffered channels, no DB checker and an
// in-process arbitrator charging fee.
func newHarness(t *testing.T, fee uint64) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	arb := arbitration.NewCentralized(arbAddr, arbOwner, uint256.NewInt(fee))
	c := core.NewDeterministicCore(0, core.Params{
		Market:                 market,
		DepositAsset:           native,
		ConservationCheckEvery: 1,
	}, core.Deps{
		Tokens:         asset.NewRegistry(asset.Token{Contract: tokenAddr, Symbol: "TST", Decimals: 18}),
		Arbitrator:     arb,
		Logger:         zerolog.Nop(),
		PersistChan:    persist,
		ProjectionChan: proj,
	})
	h := &harness{t: t, core: c, arb: arb, persist: persist, proj: proj}
	arb.SetSink(arbitration.RulingSinkFunc(func(ctx context.Context, from common.Address, handle arbitration.Handle, code uint64) error {
		_, err := h.submit(&event.Ruling{Meta: h.meta(from), Handle: handle, Code: code})
		return err
	}))
	return h
}

func (h *harness) meta(sender common.Address) event.Meta {
	h.n++
	return event.Meta{
		Key:       fmt.Sprintf("key-%d", h.n),
		Sender:    sender,
		Timestamp: time.UnixMicro(1_000_000 + int64(h.n)*1000),
	}
}

func (h *harness) submit(evt event.Event) (*core.Receipt, error) {
	return h.core.ProcessEvent(context.Background(), evt)
}

func (h *harness) mustSubmit(evt event.Event) *core.Receipt {
	h.t.Helper()
	r, err := h.submit(evt)
	if err != nil {
		h.t.Fatalf("%s failed: %v", evt.EventType(), err)
	}
	return r
}

func (h *harness) expectErr(evt event.Event, target error) {
	h.t.Helper()
	seq := h.core.GetSequence()
	hash := h.core.GetStateHash()
	_, err := h.submit(evt)
	if !errors.Is(err, target) {
		h.t.Fatalf("%s: expected %v, got %v", evt.EventType(), target, err)
	}
	if h.core.GetSequence() != seq || h.core.GetStateHash() != hash {
		h.t.Fatalf("%s: rejected action advanced the ledger", evt.EventType())
	}
}

func (h *harness) fund(to common.Address, a ledger.Asset, amount uint64) {
	h.t.Helper()
	h.mustSubmit(&event.FundWallet{Meta: h.meta(to), To: to, Asset: a, Amount: *uint256.NewInt(amount)})
}

func (h *harness) balance(owner common.Address, a ledger.Asset) uint64 {
	b := h.core.Balance(owner, a)
	return b.Uint64()
}

func (h *harness) custody(key ledger.AccountKey) uint64 {
	b := h.core.AccountBalance(key)
	return b.Uint64()
}

func (h *harness) createListing(from common.Address, deposit uint64, units *uint64) uint64 {
	h.t.Helper()
	r := h.mustSubmit(&event.CreateListing{Meta: h.meta(from), MetadataRef: meta1, Deposit: *uint256.NewInt(deposit), Units: units})
	return *r.Records[0].ListingID
}

func (h *harness) createOffer(from common.Address, listingID uint64, a ledger.Asset, value uint64) uint64 {
	h.t.Helper()
	r := h.mustSubmit(&event.CreateOffer{Meta: h.meta(from), Listing: listingID, Asset: a, Value: *uint256.NewInt(value), MetadataRef: meta1})
	return *r.Records[len(r.Records)-1].OfferID
}

func (h *harness) offerAction(from common.Address, listingID, offerID uint64) event.OfferAction {
	return event.OfferAction{Meta: h.meta(from), Listing: listingID, Offer: offerID, MetadataRef: meta2}
}

func (h *harness) offer(listingID, offerID uint64) *state.Offer {
	h.t.Helper()
	o, ok := h.core.Offer(listingID, offerID)
	if !ok {
		h.t.Fatalf("offer %d/%d not found", listingID, offerID)
	}
	return o
}

func (h *harness) listing(id uint64) *state.Listing {
	h.t.Helper()
	l, ok := h.core.Listing(id)
	if !ok {
		h.t.Fatalf("listing %d not found", id)
	}
	return l
}

func kinds(records []event.Record) []event.RecordKind {
	out := make([]event.RecordKind, len(records))
	for i, r := range records {
		out[i] = r.Kind
	}
	return out
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// acceptedOffer sets up a listing (deposit 50) and an accepted native offer of 10
func acceptedOffer(h *harness) (uint64, uint64) {
	h.t.Helper()
	h.fund(seller, native, 100)
	h.fund(buyer, native, 10)
	listingID := h.createListing(seller, 50, nil)
	offerID := h.createOffer(buyer, listingID, native, 10)
	h.mustSubmit(&event.AcceptOffer{OfferAction: h.offerAction(seller, listingID, offerID)})
	return listingID, offerID
}

// ============================================================================
// Scenarios
// ============================================================================

func TestScenario_NativeFinalize(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 100)
	h.fund(buyer, native, 10)

	listingID := h.createListing(seller, 50, nil)
	if l := h.listing(listingID); l.UnitsAvailable != 1 || l.Status != state.ListingStatusActive {
		t.Fatalf("unexpected listing %+v", l)
	}
	if got := h.custody(ledger.DepositCustody(listingID, native)); got != 50 {
		t.Fatalf("deposit custody: expected 50, got %d", got)
	}
	if got := h.balance(seller, native); got != 50 {
		t.Fatalf("seller wallet: expected 50, got %d", got)
	}

	offerID := h.createOffer(buyer, listingID, native, 10)
	escrow := ledger.EscrowCustody(listingID, offerID, native)
	if got := h.custody(escrow); got != 10 {
		t.Fatalf("escrow custody: expected 10, got %d", got)
	}

	r := h.mustSubmit(&event.AcceptOffer{OfferAction: h.offerAction(seller, listingID, offerID)})
	if len(r.Records) != 1 || r.Records[0].Kind != event.RecordOfferAccepted {
		t.Fatalf("unexpected accept records %v", kinds(r.Records))
	}
	if o := h.offer(listingID, offerID); o.Status != state.OfferStatusAccepted {
		t.Fatalf("expected Accepted, got %s", o.Status)
	}
	if got := h.custody(escrow); got != 10 {
		t.Fatalf("accept must not move funds, escrow %d", got)
	}

	h.mustSubmit(&event.Finalize{OfferAction: h.offerAction(buyer, listingID, offerID)})
	o := h.offer(listingID, offerID)
	if o.Status != state.OfferStatusFinalized || !o.Value.IsZero() {
		t.Fatalf("expected Finalized with zero value, got %s value=%s", o.Status, o.Value.Dec())
	}
	if o.Committed.Uint64() != 10 {
		t.Fatalf("committed value lost: %s", o.Committed.Dec())
	}
	if got := h.balance(seller, native); got != 60 {
		t.Fatalf("seller wallet: expected 60, got %d", got)
	}
	if got := h.custody(escrow); got != 0 {
		t.Fatalf("escrow custody: expected 0, got %d", got)
	}
	if got := h.custody(ledger.DepositCustody(listingID, native)); got != 50 {
		t.Fatalf("finalize must leave the deposit staked, got %d", got)
	}

	h.mustSubmit(&event.WithdrawListing{Meta: h.meta(seller), Listing: listingID, MetadataRef: meta2})
	if got := h.balance(seller, native); got != 110 {
		t.Fatalf("seller wallet after deposit refund: expected 110, got %d", got)
	}
}

func TestScenario_DisputePaySellerThenStaleRuling(t *testing.T) {
	h := newHarness(t, 0)
	listingID, offerID := acceptedOffer(h)
	escrow := ledger.EscrowCustody(listingID, offerID, native)

	r := h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)})
	o := h.offer(listingID, offerID)
	if o.Status != state.OfferStatusDisputed || o.DisputeHandle == nil {
		t.Fatalf("expected Disputed with handle, got %s", o.Status)
	}
	if r.Records[0].Handle == nil || *r.Records[0].Handle != uint64(*o.DisputeHandle) {
		t.Fatalf("dispute record does not carry the handle")
	}
	if got := h.custody(escrow); got != 10 {
		t.Fatalf("dispute must leave funds escrowed, got %d", got)
	}
	handle := *o.DisputeHandle

	if err := h.arb.GiveRuling(context.Background(), arbOwner, handle, uint64(arbitration.RulingPaySeller)); err != nil {
		t.Fatalf("give ruling: %v", err)
	}
	o = h.offer(listingID, offerID)
	if o.Status != state.OfferStatusRuled || o.Ruling == nil || *o.Ruling != arbitration.RulingPaySeller {
		t.Fatalf("expected Ruled/PaySeller, got %s", o.Status)
	}
	if got := h.balance(seller, native); got != 60 {
		t.Fatalf("seller wallet: expected 60, got %d", got)
	}

	// A later delivery for the same handle moves nothing.
	h.expectErr(&event.Ruling{Meta: h.meta(arbAddr), Handle: handle, Code: uint64(arbitration.RulingRefundBuyer)}, escrowerr.ErrNotFound)
	if got := h.balance(buyer, native); got != 0 {
		t.Fatalf("stale ruling paid the buyer %d", got)
	}
}

func TestScenario_DisputeRefundBuyerBySeller(t *testing.T) {
	h := newHarness(t, 0)
	listingID, offerID := acceptedOffer(h)

	h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(seller, listingID, offerID)})
	handle := *h.offer(listingID, offerID).DisputeHandle

	r := h.mustSubmit(&event.Ruling{Meta: h.meta(arbAddr), Handle: handle, Code: uint64(arbitration.RulingRefundBuyer)})
	if r.Records[0].Ruling != "refund_buyer" || *r.Records[0].Counterparty != buyer {
		t.Fatalf("unexpected ruling record %+v", r.Records[0])
	}
	if got := h.balance(buyer, native); got != 10 {
		t.Fatalf("buyer wallet: expected 10, got %d", got)
	}
}

func TestScenario_FungibleOfferNeedsAllowance(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 50)
	h.fund(buyer, token, 500)
	listingID := h.createListing(seller, 50, nil)

	h.expectErr(&event.CreateOffer{Meta: h.meta(buyer), Listing: listingID, Asset: token, Value: *uint256.NewInt(200), MetadataRef: meta1}, escrowerr.ErrTransferFailed)

	h.mustSubmit(&event.Approve{Meta: h.meta(buyer), Spender: market, Token: token, Amount: *uint256.NewInt(300)})
	offerID := h.createOffer(buyer, listingID, token, 200)

	if got := h.balance(buyer, token); got != 300 {
		t.Fatalf("buyer token wallet: expected 300, got %d", got)
	}
	allowance := h.core.Allowance(buyer, market, token)
	if allowance.Uint64() != 100 {
		t.Fatalf("allowance: expected 100 left, got %s", allowance.Dec())
	}

	h.mustSubmit(&event.AcceptOffer{OfferAction: h.offerAction(seller, listingID, offerID)})
	h.mustSubmit(&event.Finalize{OfferAction: h.offerAction(buyer, listingID, offerID)})
	if got := h.balance(seller, token); got != 200 {
		t.Fatalf("seller token wallet: expected 200, got %d", got)
	}
	if got := h.balance(seller, native); got != 0 {
		t.Fatalf("a token offer must not pay native, got %d", got)
	}
}

// ============================================================================
// Properties
// ============================================================================

func TestCustodyConservation_EveryTerminalPath(t *testing.T) {
	paths := map[string]func(h *harness, l, o uint64){
		"withdrawn": func(h *harness, l, o uint64) {
			h.mustSubmit(&event.WithdrawOffer{OfferAction: h.offerAction(buyer, l, o)})
		},
		"finalized": func(h *harness, l, o uint64) {
			h.mustSubmit(&event.AcceptOffer{OfferAction: h.offerAction(seller, l, o)})
			h.mustSubmit(&event.Finalize{OfferAction: h.offerAction(buyer, l, o)})
		},
		"ruled": func(h *harness, l, o uint64) {
			h.mustSubmit(&event.AcceptOffer{OfferAction: h.offerAction(seller, l, o)})
			h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, l, o)})
			handle := *h.offer(l, o).DisputeHandle
			h.mustSubmit(&event.Ruling{Meta: h.meta(arbAddr), Handle: handle, Code: 1})
		},
	}
	for name, run := range paths {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.fund(seller, native, 50)
			h.fund(buyer, native, 10)
			l := h.createListing(seller, 50, nil)
			o := h.createOffer(buyer, l, native, 10)

			run(h, l, o)

			paid := h.balance(buyer, native) + h.balance(seller, native)
			if paid != 10 {
				t.Fatalf("paid out %d, committed 10", paid)
			}
			if got := h.custody(ledger.EscrowCustody(l, o, native)); got != 0 {
				t.Fatalf("escrow custody not empty: %d", got)
			}
			if err := h.core.CheckConservation(); err != nil {
				t.Fatalf("conservation: %v", err)
			}
		})
	}
}

func TestNoDoubleRelease(t *testing.T) {
	h := newHarness(t, 0)
	listingID, offerID := acceptedOffer(h)

	h.mustSubmit(&event.Finalize{OfferAction: h.offerAction(buyer, listingID, offerID)})
	h.expectErr(&event.Finalize{OfferAction: h.offerAction(buyer, listingID, offerID)}, escrowerr.ErrInvalidState)
	h.expectErr(&event.WithdrawOffer{OfferAction: h.offerAction(buyer, listingID, offerID)}, escrowerr.ErrInvalidState)
	h.expectErr(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)}, escrowerr.ErrInvalidState)
	if got := h.balance(seller, native); got != 60 {
		t.Fatalf("seller wallet: expected 60, got %d", got)
	}

	h.mustSubmit(&event.WithdrawListing{Meta: h.meta(seller), Listing: listingID, MetadataRef: meta2})
	h.expectErr(&event.WithdrawListing{Meta: h.meta(seller), Listing: listingID, MetadataRef: meta2}, escrowerr.ErrInvalidState)
	if got := h.balance(seller, native); got != 110 {
		t.Fatalf("deposit refunded twice? seller wallet %d", got)
	}
}

func TestAuthorization(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 100)
	h.fund(buyer, native, 20)
	listingID := h.createListing(seller, 50, nil)
	offerID := h.createOffer(buyer, listingID, native, 10)

	h.expectErr(&event.AcceptOffer{OfferAction: h.offerAction(buyer, listingID, offerID)}, escrowerr.ErrUnauthorized)
	h.expectErr(&event.WithdrawOffer{OfferAction: h.offerAction(seller, listingID, offerID)}, escrowerr.ErrUnauthorized)
	h.expectErr(&event.UpdateListing{Meta: h.meta(buyer), Listing: listingID, MetadataRef: meta2, UnitsAvailable: 5}, escrowerr.ErrUnauthorized)
	h.expectErr(&event.WithdrawListing{Meta: h.meta(stranger), Listing: listingID, MetadataRef: meta2}, escrowerr.ErrUnauthorized)

	h.mustSubmit(&event.AcceptOffer{OfferAction: h.offerAction(seller, listingID, offerID)})
	h.expectErr(&event.Finalize{OfferAction: h.offerAction(seller, listingID, offerID)}, escrowerr.ErrUnauthorized)
	h.expectErr(&event.Dispute{OfferAction: h.offerAction(stranger, listingID, offerID)}, escrowerr.ErrUnauthorized)

	h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)})
	handle := *h.offer(listingID, offerID).DisputeHandle
	h.expectErr(&event.Ruling{Meta: h.meta(buyer), Handle: handle, Code: 0}, escrowerr.ErrUnauthorized)
	if err := h.arb.GiveRuling(context.Background(), stranger, handle, 0); !errors.Is(err, escrowerr.ErrUnauthorized) {
		t.Fatalf("non-owner ruling: expected Unauthorized, got %v", err)
	}

	if o := h.offer(listingID, offerID); o.Status != state.OfferStatusDisputed || o.Value.Uint64() != 10 {
		t.Fatalf("rejected actions changed the offer: %s %s", o.Status, o.Value.Dec())
	}
}

func TestUnitAccounting(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 50)
	h.fund(buyer, native, 30)
	listingID := h.createListing(seller, 50, nil)

	h.expectErr(&event.CreateOffer{Meta: h.meta(buyer), Listing: listingID, Asset: native, MetadataRef: meta1}, escrowerr.ErrInvalidArgument)
	if l := h.listing(listingID); l.UnitsAvailable != 1 {
		t.Fatalf("a zero value offer must not take the unit, got %d", l.UnitsAvailable)
	}

	first := h.createOffer(buyer, listingID, native, 10)
	h.expectErr(&event.CreateOffer{Meta: h.meta(buyer), Listing: listingID, Asset: native, Value: *uint256.NewInt(10), MetadataRef: meta1}, escrowerr.ErrSoldOut)

	h.mustSubmit(&event.WithdrawOffer{OfferAction: h.offerAction(buyer, listingID, first)})
	if l := h.listing(listingID); l.UnitsAvailable != 1 {
		t.Fatalf("withdraw must restore exactly one unit, got %d", l.UnitsAvailable)
	}
	second := h.createOffer(buyer, listingID, native, 10)
	if second != first+1 {
		t.Fatalf("offer IDs must be sequential, got %d after %d", second, first)
	}
	if l := h.listing(listingID); l.UnitsAvailable != 0 {
		t.Fatalf("expected sold out, got %d", l.UnitsAvailable)
	}
}

func TestMultiUnitListingAndUpdate(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 50)
	h.fund(buyer, native, 30)
	units := uint64(2)
	listingID := h.createListing(seller, 50, &units)

	h.createOffer(buyer, listingID, native, 10)
	h.createOffer(buyer, listingID, native, 10)
	h.expectErr(&event.CreateOffer{Meta: h.meta(buyer), Listing: listingID, Asset: native, Value: *uint256.NewInt(10), MetadataRef: meta1}, escrowerr.ErrSoldOut)

	h.mustSubmit(&event.UpdateListing{Meta: h.meta(seller), Listing: listingID, MetadataRef: meta2, UnitsAvailable: 1})
	l := h.listing(listingID)
	if l.UnitsAvailable != 1 || l.MetadataRef != meta2 {
		t.Fatalf("update not applied: %+v", l)
	}
	if got := h.custody(ledger.DepositCustody(listingID, native)); got != 50 {
		t.Fatalf("update must not touch the deposit, custody %d", got)
	}
	h.createOffer(buyer, listingID, native, 10)

	zero := uint64(0)
	h.expectErr(&event.CreateListing{Meta: h.meta(seller), MetadataRef: meta1, Units: &zero}, escrowerr.ErrInvalidArgument)
}

func TestIdempotentRuling(t *testing.T) {
	h := newHarness(t, 0)
	listingID, offerID := acceptedOffer(h)
	h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)})
	handle := *h.offer(listingID, offerID).DisputeHandle

	ruling := &event.Ruling{Meta: h.meta(arbAddr), Handle: handle, Code: 1}
	h.mustSubmit(ruling)

	// Same delivery again: reported as duplicate, nothing moves.
	r, err := h.submit(ruling)
	if err != nil || !r.Duplicate {
		t.Fatalf("expected duplicate receipt, got %+v %v", r, err)
	}
	// New delivery for the same handle: NotFound.
	h.expectErr(&event.Ruling{Meta: h.meta(arbAddr), Handle: handle, Code: 1}, escrowerr.ErrNotFound)
	if got := h.balance(seller, native); got != 60 {
		t.Fatalf("seller wallet: expected 60, got %d", got)
	}
}

func TestRuling_FailsClosed(t *testing.T) {
	h := newHarness(t, 0)
	listingID, offerID := acceptedOffer(h)
	h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)})
	handle := *h.offer(listingID, offerID).DisputeHandle

	h.expectErr(&event.Ruling{Meta: h.meta(arbAddr), Handle: handle, Code: 2}, escrowerr.ErrInvalidRuling)
	h.expectErr(&event.Ruling{Meta: h.meta(arbAddr), Handle: handle, Code: 7}, escrowerr.ErrInvalidState)
	h.expectErr(&event.Ruling{Meta: h.meta(arbAddr), Handle: handle + 100, Code: 0}, escrowerr.ErrNotFound)

	if o := h.offer(listingID, offerID); o.Status != state.OfferStatusDisputed {
		t.Fatalf("invalid rulings must leave the dispute open, got %s", o.Status)
	}
}

func TestDispute_FeeAndUnavailableArbitrator(t *testing.T) {
	h := newHarness(t, 3)
	listingID, offerID := acceptedOffer(h)

	// The buyer spent everything on the offer and cannot cover the fee.
	h.expectErr(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)}, escrowerr.ErrArbitrationUnavailable)
	if o := h.offer(listingID, offerID); o.Status != state.OfferStatusAccepted {
		t.Fatalf("failed dispute changed status to %s", o.Status)
	}

	h.fund(buyer, native, 5)
	h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)})
	if got := h.balance(buyer, native); got != 2 {
		t.Fatalf("buyer wallet after fee: expected 2, got %d", got)
	}
	if got := h.custody(ledger.FeeAccount(arbAddr, native)); got != 3 {
		t.Fatalf("arbitrator fee account: expected 3, got %d", got)
	}
}

type downArbitrator struct{}

func (downArbitrator) Address() common.Address                    { return arbAddr }
func (downArbitrator) ArbitrationCost(uint64, uint64) uint256.Int { return uint256.Int{} }
func (downArbitrator) CreateDispute(context.Context, arbitration.DisputeRequest) (arbitration.Handle, error) {
	return 0, errors.New("connection refused")
}

func TestDispute_ArbitratorDownLeavesOfferAccepted(t *testing.T) {
	c := core.NewDeterministicCore(0, core.Params{Market: market}, core.Deps{Arbitrator: downArbitrator{}, Logger: zerolog.Nop()})
	h := &harness{t: t, core: c}
	listingID, offerID := acceptedOffer(h)

	h.expectErr(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)}, escrowerr.ErrArbitrationUnavailable)
	if o := h.offer(listingID, offerID); o.Status != state.OfferStatusAccepted || o.DisputeHandle != nil {
		t.Fatalf("offer changed after failed dispute: %s", o.Status)
	}
	// Still finalizable.
	h.mustSubmit(&event.Finalize{OfferAction: h.offerAction(buyer, listingID, offerID)})
}

func TestUpdateOffer_WithdrawThenCreate(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 50)
	h.fund(buyer, native, 25)
	listingID := h.createListing(seller, 50, nil)
	oldID := h.createOffer(buyer, listingID, native, 10)

	replaces := oldID
	r := h.mustSubmit(&event.CreateOffer{Meta: h.meta(buyer), Listing: listingID, Asset: native,
		Value: *uint256.NewInt(15), MetadataRef: meta2, Replaces: &replaces})

	got := kinds(r.Records)
	if len(got) != 2 || got[0] != event.RecordOfferWithdrawn || got[1] != event.RecordOfferCreated {
		t.Fatalf("expected [OfferWithdrawn OfferCreated], got %v", got)
	}
	newID := *r.Records[1].OfferID
	if h.offer(listingID, oldID).Status != state.OfferStatusWithdrawn {
		t.Fatalf("old offer not withdrawn")
	}
	if o := h.offer(listingID, newID); o.Value.Uint64() != 15 || o.Status != state.OfferStatusCreated {
		t.Fatalf("unexpected new offer %+v", o)
	}
	if got := h.balance(buyer, native); got != 10 {
		t.Fatalf("buyer wallet: expected 10, got %d", got)
	}
	if l := h.listing(listingID); l.UnitsAvailable != 0 {
		t.Fatalf("replacement must hold the one unit, got %d", l.UnitsAvailable)
	}

	// Not enough funds for the replacement: the withdrawal is rolled back too.
	replaces = newID
	h.expectErr(&event.CreateOffer{Meta: h.meta(buyer), Listing: listingID, Asset: native,
		Value: *uint256.NewInt(100), MetadataRef: meta2, Replaces: &replaces}, escrowerr.ErrTransferFailed)
	if o := h.offer(listingID, newID); o.Status != state.OfferStatusCreated || o.Value.Uint64() != 15 {
		t.Fatalf("failed update left offer %s value %s", o.Status, o.Value.Dec())
	}
}

func TestWithdrawnListing(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 50)
	h.fund(buyer, native, 20)
	units := uint64(2)
	listingID := h.createListing(seller, 50, &units)
	offerID := h.createOffer(buyer, listingID, native, 10)

	h.mustSubmit(&event.WithdrawListing{Meta: h.meta(seller), Listing: listingID, MetadataRef: meta2})

	h.expectErr(&event.CreateOffer{Meta: h.meta(buyer), Listing: listingID, Asset: native, Value: *uint256.NewInt(10), MetadataRef: meta1}, escrowerr.ErrInvalidState)
	h.expectErr(&event.AcceptOffer{OfferAction: h.offerAction(seller, listingID, offerID)}, escrowerr.ErrInvalidState)
	h.expectErr(&event.UpdateListing{Meta: h.meta(seller), Listing: listingID, MetadataRef: meta2, UnitsAvailable: 3}, escrowerr.ErrInvalidState)

	// The buyer can still get their escrow back.
	h.mustSubmit(&event.WithdrawOffer{OfferAction: h.offerAction(buyer, listingID, offerID)})
	if got := h.balance(buyer, native); got != 20 {
		t.Fatalf("buyer wallet: expected 20, got %d", got)
	}
}

func TestNotFound(t *testing.T) {
	h := newHarness(t, 0)
	h.expectErr(&event.UpdateListing{Meta: h.meta(seller), Listing: 0, MetadataRef: meta1}, escrowerr.ErrNotFound)
	h.expectErr(&event.CreateOffer{Meta: h.meta(buyer), Listing: 3, Asset: native, MetadataRef: meta1}, escrowerr.ErrNotFound)

	h.fund(seller, native, 50)
	listingID := h.createListing(seller, 50, nil)
	h.expectErr(&event.AcceptOffer{OfferAction: h.offerAction(seller, listingID, 0)}, escrowerr.ErrNotFound)
}

func TestActingAs_DelegateOwnsWhatItCreates(t *testing.T) {
	h := newHarness(t, 0)
	r := h.mustSubmit(&event.RegisterDelegate{Meta: h.meta(seller), AcceptsNative: true})
	delegate := *r.Records[0].Counterparty

	h.fund(delegate, native, 50)
	m := h.meta(seller)
	m.ActingAs = &delegate
	r = h.mustSubmit(&event.CreateListing{Meta: m, MetadataRef: meta1, Deposit: *uint256.NewInt(50)})
	listingID := *r.Records[0].ListingID
	if l := h.listing(listingID); l.Seller != delegate {
		t.Fatalf("listing owner: expected delegate %s, got %s", delegate.Hex(), l.Seller.Hex())
	}

	// The controller acting directly is not the recorded seller.
	h.expectErr(&event.UpdateListing{Meta: h.meta(seller), Listing: listingID, MetadataRef: meta2, UnitsAvailable: 2}, escrowerr.ErrUnauthorized)

	// Someone else cannot act as the delegate.
	m = h.meta(stranger)
	m.ActingAs = &delegate
	h.expectErr(&event.UpdateListing{Meta: m, Listing: listingID, MetadataRef: meta2, UnitsAvailable: 2}, escrowerr.ErrUnauthorized)

	m = h.meta(seller)
	m.ActingAs = &delegate
	h.mustSubmit(&event.UpdateListing{Meta: m, Listing: listingID, MetadataRef: meta2, UnitsAvailable: 2})
}

func TestDeferredPayout_RejectingDelegate(t *testing.T) {
	h := newHarness(t, 0)
	r := h.mustSubmit(&event.RegisterDelegate{Meta: h.meta(seller), AcceptsNative: false})
	delegate := *r.Records[0].Counterparty

	// Funding goes through the bridge, not a native send.
	h.fund(delegate, native, 50)
	h.fund(buyer, native, 10)

	m := h.meta(seller)
	m.ActingAs = &delegate
	r = h.mustSubmit(&event.CreateListing{Meta: m, MetadataRef: meta1, Deposit: *uint256.NewInt(50)})
	listingID := *r.Records[0].ListingID
	offerID := h.createOffer(buyer, listingID, native, 10)

	m = h.meta(seller)
	m.ActingAs = &delegate
	h.mustSubmit(&event.AcceptOffer{OfferAction: event.OfferAction{Meta: m, Listing: listingID, Offer: offerID, MetadataRef: meta2}})

	r = h.mustSubmit(&event.Finalize{OfferAction: h.offerAction(buyer, listingID, offerID)})
	got := kinds(r.Records)
	if len(got) != 2 || got[1] != event.RecordPayoutDeferred {
		t.Fatalf("expected deferred payout, got %v", got)
	}
	if h.offer(listingID, offerID).Status != state.OfferStatusFinalized {
		t.Fatalf("a rejecting recipient must not block finalize")
	}
	claimable := h.core.Claimable(delegate, native)
	if claimable.Uint64() != 10 || h.balance(delegate, native) != 0 {
		t.Fatalf("expected 10 claimable, got %s (wallet %d)", claimable.Dec(), h.balance(delegate, native))
	}

	// Direct native transfers to the delegate fail outright.
	h.expectErr(&event.Transfer{Meta: h.meta(buyer), To: delegate, Asset: native, Amount: *uint256.NewInt(1)}, escrowerr.ErrTransferFailed)

	m = h.meta(seller)
	m.ActingAs = &delegate
	to := seller
	h.mustSubmit(&event.ClaimPayout{Meta: m, Asset: native, To: &to})
	if got := h.balance(seller, native); got != 10 {
		t.Fatalf("claimed payout: expected 10, got %d", got)
	}
	m = h.meta(seller)
	m.ActingAs = &delegate
	h.expectErr(&event.ClaimPayout{Meta: m, Asset: native, To: &to}, escrowerr.ErrNotFound)
}

func TestWalletOperations(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(buyer, native, 10)
	h.mustSubmit(&event.Transfer{Meta: h.meta(buyer), To: seller, Asset: native, Amount: *uint256.NewInt(4)})
	if h.balance(buyer, native) != 6 || h.balance(seller, native) != 4 {
		t.Fatalf("transfer not applied")
	}
	h.expectErr(&event.Transfer{Meta: h.meta(buyer), To: seller, Asset: native, Amount: *uint256.NewInt(7)}, escrowerr.ErrTransferFailed)

	unknown := ledger.FungibleAsset(common.HexToAddress("0xdead000000000000000000000000000000000001"))
	h.expectErr(&event.FundWallet{Meta: h.meta(buyer), To: buyer, Asset: unknown, Amount: *uint256.NewInt(1)}, escrowerr.ErrTransferFailed)
	h.expectErr(&event.FundWallet{Meta: h.meta(buyer), To: buyer, Asset: native}, escrowerr.ErrInvalidArgument)

	supply := h.core.Supply(native)
	if supply.Uint64() != 10 {
		t.Fatalf("native supply: expected 10, got %s", supply.Dec())
	}
}

func TestFundingOperators(t *testing.T) {
	operator := common.HexToAddress("0x0fe0000000000000000000000000000000000001")
	c := core.NewDeterministicCore(0, core.Params{Market: market, FundingOperators: []common.Address{operator}},
		core.Deps{Arbitrator: arbitration.NewCentralized(arbAddr, arbOwner, nil), Logger: zerolog.Nop()})
	h := &harness{t: t, core: c}

	h.expectErr(&event.FundWallet{Meta: h.meta(buyer), To: buyer, Asset: native, Amount: *uint256.NewInt(5)}, escrowerr.ErrUnauthorized)
	h.mustSubmit(&event.FundWallet{Meta: h.meta(operator), To: buyer, Asset: native, Amount: *uint256.NewInt(5)})
	if h.balance(buyer, native) != 5 {
		t.Fatalf("operator funding not applied")
	}
}

func TestOverflow(t *testing.T) {
	h := newHarness(t, 0)
	max := new(uint256.Int).SetAllOne()
	h.mustSubmit(&event.FundWallet{Meta: h.meta(buyer), To: buyer, Asset: native, Amount: *max})
	h.expectErr(&event.FundWallet{Meta: h.meta(seller), To: seller, Asset: native, Amount: *uint256.NewInt(1)}, escrowerr.ErrOverflow)
}

// ============================================================================
// Pipeline
// ============================================================================

func TestIdempotency_DuplicateKeyIgnored(t *testing.T) {
	h := newHarness(t, 0)
	evt := &event.FundWallet{Meta: h.meta(buyer), To: buyer, Asset: native, Amount: *uint256.NewInt(5)}
	h.mustSubmit(evt)
	r := h.mustSubmit(evt)
	if !r.Duplicate {
		t.Fatalf("expected duplicate")
	}
	if got := h.balance(buyer, native); got != 5 {
		t.Fatalf("duplicate applied twice: %d", got)
	}
	if got := h.core.GetSequence(); got != 1 {
		t.Fatalf("duplicate consumed a sequence: %d", got)
	}
}

func TestRejectedAction_KeyCanBeRetried(t *testing.T) {
	h := newHarness(t, 0)
	m := h.meta(buyer)
	evt := &event.Transfer{Meta: m, To: seller, Asset: native, Amount: *uint256.NewInt(5)}
	h.expectErr(evt, escrowerr.ErrTransferFailed)

	h.fund(buyer, native, 5)
	if r := h.mustSubmit(evt); r.Duplicate {
		t.Fatalf("a rejected key must not be marked processed")
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() [32]byte {
		h := newHarness(t, 0)
		listingID, offerID := acceptedOffer(h)
		h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)})
		h.mustSubmit(&event.Ruling{Meta: h.meta(arbAddr), Handle: *h.offer(listingID, offerID).DisputeHandle, Code: 0})
		return h.core.GetStateHash()
	}
	if run() != run() {
		t.Fatalf("same actions produced different state hashes")
	}
}

func TestEnvelope_HasCorrectFields(t *testing.T) {
	h := newHarness(t, 0)
	h.fund(seller, native, 50)
	prev := h.core.GetStateHash()
	listingID := h.createListing(seller, 50, nil)

	outputs := drainOutputs(h.persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 persisted outputs, got %d", len(outputs))
	}
	env := outputs[1].Envelope
	if env.Sequence != 1 || env.EventType != event.EventTypeCreateListing || env.Sender != seller {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.PrevHash != prev || env.StateHash != h.core.GetStateHash() {
		t.Fatalf("hash chain not linked")
	}
	if len(outputs[1].Batch.Journals) != 1 || outputs[1].Batch.Journals[0].JournalType != ledger.JournalTypeDepositStake {
		t.Fatalf("expected one deposit stake journal")
	}
	if len(outputs[1].Listings) != 1 || outputs[1].Listings[0].ID != listingID {
		t.Fatalf("listing missing from output")
	}
	if len(drainOutputs(h.proj)) != 2 {
		t.Fatalf("projection channel missed outputs")
	}
}

func TestDisputeOutput_CarriesHandleForReplay(t *testing.T) {
	h := newHarness(t, 0)
	listingID, offerID := acceptedOffer(h)
	drainOutputs(h.persist)

	h.mustSubmit(&event.Dispute{OfferAction: h.offerAction(buyer, listingID, offerID)})
	outputs := drainOutputs(h.persist)
	d, ok := outputs[0].Event.(*event.Dispute)
	if !ok || d.Handle == nil || *d.Handle != *h.offer(listingID, offerID).DisputeHandle {
		t.Fatalf("persisted dispute lacks its handle")
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	proj := make(chan core.CoreOutput, 1)
	c := core.NewDeterministicCore(0, core.Params{Market: market}, core.Deps{
		Arbitrator:     arbitration.NewCentralized(arbAddr, arbOwner, nil),
		Logger:         zerolog.Nop(),
		PersistChan:    persist,
		ProjectionChan: proj,
	})
	h := &harness{t: t, core: c}
	for i := 0; i < 3; i++ {
		h.fund(buyer, native, 1)
	}
	if len(persist) != 3 {
		t.Fatalf("persistence must see every output, got %d", len(persist))
	}
	if len(proj) != 1 {
		t.Fatalf("projection channel should hold 1, got %d", len(proj))
	}
}
