package main

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"EscrowLedger/internal/arbitration"
	"EscrowLedger/internal/asset"
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	market   = common.HexToAddress("0x4d41524b45540000000000000000000000000001")
	arbAddr  = common.HexToAddress("0xa7b1000000000000000000000000000000000001")
	arbOwner = common.HexToAddress("0xa7b1000000000000000000000000000000000002")
	seller   = common.HexToAddress("0x5E11000000000000000000000000000000000002")
	buyer    = common.HexToAddress("0xB0E1000000000000000000000000000000000001")
	native   = ledger.NativeAsset()
)

type ledgerDriver struct {
	t       *testing.T
	core    *core.DeterministicCore
	arb     *arbitration.Centralized
	persist chan core.CoreOutput
	n       int
}

func newDriver(t *testing.T) *ledgerDriver {
	t.Helper()
	d := &ledgerDriver{t: t, persist: make(chan core.CoreOutput, 256)}
	d.arb = arbitration.NewCentralized(arbAddr, arbOwner, uint256.NewInt(0))
	d.core = core.NewDeterministicCore(0, core.Params{Market: market, DepositAsset: native}, core.Deps{
		Tokens:      asset.NewRegistry(),
		Arbitrator:  d.arb,
		Logger:      zerolog.Nop(),
		PersistChan: d.persist,
	})
	d.arb.SetSink(arbitration.RulingSinkFunc(func(ctx context.Context, from common.Address, h arbitration.Handle, code uint64) error {
		_, err := d.core.ProcessEvent(ctx, &event.Ruling{Meta: d.meta(from), Handle: h, Code: code})
		return err
	}))
	return d
}

func (d *ledgerDriver) meta(sender common.Address) event.Meta {
	d.n++
	return event.Meta{
		Key:       fmt.Sprintf("key-%d", d.n),
		Sender:    sender,
		Timestamp: time.UnixMicro(1_700_000_000_000_000 + int64(d.n)).UTC(),
	}
}

func (d *ledgerDriver) submit(evt event.Event) *core.Receipt {
	d.t.Helper()
	r, err := d.core.ProcessEvent(context.Background(), evt)
	require.NoError(d.t, err, "%s", evt.EventType())
	return r
}

func (d *ledgerDriver) action(from common.Address, listing, offer uint64) event.OfferAction {
	return event.OfferAction{Meta: d.meta(from), Listing: listing, Offer: offer, MetadataRef: common.HexToHash("0x02")}
}

// run drives a listing through a ruled dispute and leaves a second offer
// disputed, so every entity kind and the handle table are populated.
func (d *ledgerDriver) run() {
	d.submit(&event.FundWallet{Meta: d.meta(buyer), To: buyer, Asset: native, Amount: *uint256.NewInt(100)})
	d.submit(&event.FundWallet{Meta: d.meta(seller), To: seller, Asset: native, Amount: *uint256.NewInt(50)})
	units := uint64(2)
	d.submit(&event.CreateListing{Meta: d.meta(seller), MetadataRef: common.HexToHash("0x01"),
		Deposit: *uint256.NewInt(10), Units: &units})

	for offer := uint64(0); offer < 2; offer++ {
		d.submit(&event.CreateOffer{Meta: d.meta(buyer), Listing: 0, Asset: native,
			Value: *uint256.NewInt(20), MetadataRef: common.HexToHash("0x01")})
		d.submit(&event.AcceptOffer{OfferAction: d.action(seller, 0, offer)})
		d.submit(&event.Dispute{OfferAction: d.action(buyer, 0, offer)})
	}
	require.NoError(d.t, d.arb.GiveRuling(context.Background(), arbOwner, 0, 1))
}

func (d *ledgerDriver) outputs() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-d.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

type memLog []persistence.EventRow

func (m memLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var rows []persistence.EventRow
	for _, r := range m {
		if r.Sequence >= from && len(rows) < limit {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func TestToPersistence(t *testing.T) {
	d := newDriver(t)
	d.run()
	outputs := d.outputs()
	require.Len(t, outputs, 10)

	for i, out := range outputs {
		row, err := toPersistence(out)
		require.NoError(t, err)
		assert.Equal(t, int64(i), row.EventRow.Sequence)
		assert.Equal(t, out.Envelope.StateHash[:], row.EventRow.StateHash)
		if i > 0 {
			assert.Equal(t, outputs[i-1].Envelope.StateHash[:], row.EventRow.PrevHash)
		}
	}

	dispute, err := toPersistence(outputs[5])
	require.NoError(t, err)
	assert.Equal(t, "Dispute", dispute.EventRow.EventType)
	assert.Equal(t, "0xb0e1000000000000000000000000000000000001", dispute.EventRow.Sender)
	require.NotNil(t, dispute.EventRow.ListingID)
	assert.Equal(t, int64(0), *dispute.EventRow.ListingID)
	assert.Contains(t, string(dispute.EventRow.Payload), `"handle":0`)

	var records []event.Record
	require.NoError(t, json.Unmarshal(dispute.EventRow.Records, &records))
	require.NotEmpty(t, records)
	assert.Equal(t, event.RecordOfferDisputed, records[len(records)-1].Kind)

	offer, err := toPersistence(outputs[3])
	require.NoError(t, err)
	require.Len(t, offer.JournalRows, 1)
	assert.Equal(t, "20", offer.JournalRows[0].Amount)
	assert.Equal(t, "native", offer.JournalRows[0].Asset)
	assert.Equal(t, ledger.EscrowCustody(0, 0, native).AccountPath(), offer.JournalRows[0].DebitAccount)
}

func TestToProjection(t *testing.T) {
	d := newDriver(t)
	d.run()
	outputs := d.outputs()

	disputed := toProjection(outputs[5])
	require.Len(t, disputed.Offers, 1)
	o := disputed.Offers[0]
	assert.Equal(t, "Disputed", o.Status)
	assert.Equal(t, "0xb0e1000000000000000000000000000000000001", o.Buyer)
	require.NotNil(t, o.DisputeHandle)
	assert.Equal(t, "0", *o.DisputeHandle)
	assert.Nil(t, o.Ruling)
	assert.Equal(t, []string{common.HexToHash("0x01").Hex(), common.HexToHash("0x02").Hex(),
		common.HexToHash("0x02").Hex()}, o.MetadataTrail)

	ruled := toProjection(outputs[len(outputs)-1])
	assert.Equal(t, "Ruling", ruled.EventType)
	require.NotEmpty(t, ruled.Records)
	for _, b := range ruled.Balances {
		if b.Scope == "wallet" {
			require.NotNil(t, b.Owner)
			assert.Equal(t, "0x5e11000000000000000000000000000000000002", *b.Owner)
		}
		if b.Scope == "custody:escrow" {
			require.NotNil(t, b.OfferID)
			assert.Equal(t, "0", b.Balance)
		}
	}

	listing := toProjection(outputs[2])
	require.Len(t, listing.Listings, 1)
	assert.Equal(t, "2", listing.Listings[0].UnitsAvailable)
	assert.Equal(t, "0x5e11000000000000000000000000000000000002", listing.Listings[0].Seller)
}

func TestReplay_FromEncodedLog(t *testing.T) {
	d := newDriver(t)
	d.run()

	var log memLog
	for _, out := range d.outputs() {
		row, err := toPersistence(out)
		require.NoError(t, err)
		log = append(log, row.EventRow)
	}

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	r := newDriver(t)
	n, err := replay(context.Background(), r.core, log, 3, metrics)
	require.NoError(t, err)
	assert.Equal(t, int64(len(log)), n)
	assert.Equal(t, d.core.GetSequence(), r.core.GetSequence())
	assert.Equal(t, d.core.GetStateHash(), r.core.GetStateHash())
	assert.Equal(t, float64(len(log)), testutil.ToFloat64(metrics.ReplayEventsTotal))
	assert.Empty(t, r.outputs(), "replay does not re-emit outputs")
	assert.Empty(t, r.arb.Disputes(), "replay does not raise disputes again")
}

func TestReplay_TamperedPayloadFails(t *testing.T) {
	d := newDriver(t)
	d.run()

	var log memLog
	for _, out := range d.outputs() {
		row, err := toPersistence(out)
		require.NoError(t, err)
		log = append(log, row.EventRow)
	}
	log[1].Payload = []byte(`{"key":"key-2","sender":"0x5e11000000000000000000000000000000000002",` +
		`"to":"0x5e11000000000000000000000000000000000002","asset":"native","amount":"51"}`)

	r := newDriver(t)
	n, err := replay(context.Background(), r.core, log, 100, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSnapshot_RoundTripRestoresCore(t *testing.T) {
	d := newDriver(t)
	d.run()
	d.outputs()

	data := encodeSnapshot(d.core.CreateSnapshotState(), time.Unix(1700000000, 0).UTC())
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var stored persistence.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &stored))

	snap, err := decodeSnapshot(&stored)
	require.NoError(t, err)

	r := newDriver(t)
	require.NoError(t, r.core.RestoreFromSnapshot(snap))
	r.core.ResumeArbitration()

	assert.Equal(t, d.core.GetSequence(), r.core.GetSequence())
	assert.Equal(t, d.core.GetStateHash(), r.core.GetStateHash())
	assert.Equal(t, d.core.Balance(seller, native), r.core.Balance(seller, native))
	assert.Equal(t, d.core.Supply(native), r.core.Supply(native))

	o, ok := r.core.Offer(0, 1)
	require.True(t, ok)
	assert.Equal(t, state.OfferStatusDisputed, o.Status)
	require.NotNil(t, o.DisputeHandle)
	ruled, ok := r.core.Offer(0, 0)
	require.True(t, ok)
	require.NotNil(t, ruled.Ruling)
	assert.Equal(t, arbitration.RulingPaySeller, *ruled.Ruling)

	ref, ok := r.core.DisputeOffer(*o.DisputeHandle)
	require.True(t, ok)
	assert.Equal(t, arbitration.OfferRef{ListingID: 0, OfferID: 1}, ref)

	assert.Equal(t, buyer, o.DisputedBy)
	open := r.arb.Disputes()
	require.Len(t, open, 1)
	assert.Equal(t, *o.DisputeHandle, open[0].Handle)
	assert.Equal(t, arbitration.DisputeRequest{
		ListingID:   0,
		OfferID:     1,
		Buyer:       buyer,
		Seller:      seller,
		RaisedBy:    buyer,
		MetadataRef: common.HexToHash("0x02"),
	}, open[0].Request)
}

func TestDecodeSnapshot_RejectsBadAmount(t *testing.T) {
	_, err := decodeSnapshot(&persistence.SnapshotData{
		StateHash: make([]byte, 32),
		Balances:  map[string]string{ledger.WalletAccount(buyer, native).AccountPath(): "-5"},
	})
	require.Error(t, err)
}

func TestFullProjection_IncludesSupply(t *testing.T) {
	d := newDriver(t)
	d.run()

	out := fullProjection(d.core.CreateSnapshotState())
	assert.Equal(t, d.core.GetSequence()-1, out.Sequence)
	assert.Len(t, out.Listings, 1)
	assert.Len(t, out.Offers, 2)

	var external *projection.BalanceRow
	for i := range out.Balances {
		if out.Balances[i].Scope == "external:bridge" {
			external = &out.Balances[i]
		}
	}
	require.NotNil(t, external)
	assert.Equal(t, "150", external.Balance)
}

func TestBridge_DropsProjectionWhenFull(t *testing.T) {
	d := newDriver(t)
	d.submit(&event.FundWallet{Meta: d.meta(buyer), To: buyer, Asset: native, Amount: *uint256.NewInt(5)})
	out := d.outputs()[0]

	persistIn := make(chan core.CoreOutput, 1)
	projectionIn := make(chan core.CoreOutput, 1)
	persistIn <- out
	projectionIn <- out
	close(persistIn)
	close(projectionIn)

	persistOut := make(chan persistence.CoreOutput, 1)
	projectionOut := make(chan projection.ProjectionOutput) // nobody reads
	publishOut := make(chan ingestion.PublishableEvent, 1)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	b := &bridge{
		persistIn:     persistIn,
		projectionIn:  projectionIn,
		persistOut:    persistOut,
		projectionOut: projectionOut,
		publishOut:    publishOut,
		metrics:       metrics,
		logger:        zerolog.Nop(),
	}
	require.NoError(t, b.Run(context.Background()))

	row, ok := <-persistOut
	require.True(t, ok)
	assert.Equal(t, "FundWallet", row.EventRow.EventType)
	pub, ok := <-publishOut
	require.True(t, ok)
	assert.Equal(t, "market.events.FundWallet", ingestion.Subject(pub))
	_, ok = <-projectionOut
	assert.False(t, ok, "outputs are closed once inputs are drained")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProjectionDrops.WithLabelValues("bridge")))
}
