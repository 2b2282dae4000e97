package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// bridge converts core outputs into the persistence, projection and publish
// formats. Persistence is forwarded with a blocking send; projection and
// publish outputs are dropped when their channel is full. The bridge returns
// once both inputs are closed and closes every output channel on the way out.
type bridge struct {
	persistIn     <-chan core.CoreOutput
	projectionIn  <-chan core.CoreOutput
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent // nil when NATS is disabled
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

func (b *bridge) Run(ctx context.Context) error {
	defer close(b.persistOut)
	defer close(b.projectionOut)
	if b.publishOut != nil {
		defer close(b.publishOut)
	}

	persistIn, projectionIn := b.persistIn, b.projectionIn
	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			row, err := toPersistence(output)
			if err != nil {
				// The action is already committed in memory; losing it from the
				// log would break replay, so stop the pipeline.
				return fmt.Errorf("encode seq %d: %w", output.Envelope.Sequence, err)
			}
			select {
			case b.persistOut <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
			if b.metrics != nil {
				b.metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(b.persistIn)))
			}
			if b.publishOut != nil {
				select {
				case b.publishOut <- toPublishable(output):
				default:
					if b.metrics != nil {
						b.metrics.PublishDrops.Inc()
					}
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case b.projectionOut <- toProjection(output):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
				b.logger.Debug().Int64("sequence", output.Envelope.Sequence).Msg("projection output dropped")
			}
		}
	}
	return nil
}

func toPersistence(output core.CoreOutput) (persistence.CoreOutput, error) {
	env := output.Envelope
	payload, err := ingestion.EncodeEvent(output.Event)
	if err != nil {
		return persistence.CoreOutput{}, err
	}
	records, err := json.Marshal(env.Records)
	if err != nil {
		return persistence.CoreOutput{}, fmt.Errorf("marshal records: %w", err)
	}

	out := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			ListingID:      int64Ptr(env.ListingID),
			Sender:         addressKey(env.Sender),
			Payload:        payload,
			Records:        records,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			out.JournalRows = append(out.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset.String(),
				Amount:        j.Amount.Dec(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return out, nil
}

func toPublishable(output core.CoreOutput) ingestion.PublishableEvent {
	env := output.Envelope
	return ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		ListingID:      env.ListingID,
		Sender:         addressKey(env.Sender),
		Records:        env.Records,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		Timestamp:      env.Timestamp,
	}
}

func toProjection(output core.CoreOutput) projection.ProjectionOutput {
	env := output.Envelope
	out := projection.ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
	}
	for _, b := range output.Balances {
		out.Balances = append(out.Balances, balanceRow(b.Key, b.Balance.Dec()))
	}
	for _, l := range output.Listings {
		out.Listings = append(out.Listings, listingRow(l))
	}
	for _, o := range output.Offers {
		out.Offers = append(out.Offers, offerRow(o))
	}
	for i, r := range env.Records {
		row := projection.RecordRow{
			Index:     i,
			Kind:      string(r.Kind),
			ListingID: int64Ptr(r.ListingID),
			OfferID:   int64Ptr(r.OfferID),
			Party:     addressKey(r.Party),
			Asset:     nonEmpty(r.Asset),
			Amount:    nonEmpty(r.Amount),
			Ruling:    nonEmpty(r.Ruling),
		}
		if r.Counterparty != nil {
			cp := addressKey(*r.Counterparty)
			row.Counterparty = &cp
		}
		if r.Handle != nil {
			h := strconv.FormatUint(*r.Handle, 10)
			row.Handle = &h
		}
		out.Records = append(out.Records, row)
	}
	return out
}

func balanceRow(key ledger.AccountKey, balance string) projection.BalanceRow {
	row := projection.BalanceRow{
		AccountPath: key.AccountPath(),
		Scope:       key.Scope.String(),
		Asset:       key.Asset.String(),
		Balance:     balance,
	}
	switch key.Scope {
	case ledger.ScopeWallet, ledger.ScopeClaimable, ledger.ScopeArbitrationFees:
		owner := addressKey(key.Owner)
		row.Owner = &owner
	case ledger.ScopeListingDeposit:
		row.ListingID = int64Ptr(&key.ListingID)
	case ledger.ScopeOfferEscrow:
		row.ListingID = int64Ptr(&key.ListingID)
		row.OfferID = int64Ptr(&key.OfferID)
	}
	return row
}

func listingRow(l *state.Listing) projection.ListingRow {
	return projection.ListingRow{
		ListingID:      int64(l.ID),
		Seller:         addressKey(l.Seller),
		DepositAsset:   l.DepositAsset.String(),
		Deposit:        l.Deposit.Dec(),
		MetadataRef:    l.MetadataRef.Hex(),
		UnitsAvailable: strconv.FormatUint(l.UnitsAvailable, 10),
		Status:         l.Status.String(),
		CreatedSeq:     l.CreatedSeq,
		UpdatedSeq:     l.UpdatedSeq,
	}
}

func offerRow(o *state.Offer) projection.OfferRow {
	row := projection.OfferRow{
		ListingID:     int64(o.ListingID),
		OfferID:       int64(o.ID),
		Buyer:         addressKey(o.Buyer),
		Asset:         o.Asset.String(),
		Value:         o.Value.Dec(),
		Committed:     o.Committed.Dec(),
		Status:        o.Status.String(),
		MetadataTrail: make([]string, 0, len(o.MetadataTrail)),
		CreatedSeq:    o.CreatedSeq,
		UpdatedSeq:    o.UpdatedSeq,
	}
	for _, h := range o.MetadataTrail {
		row.MetadataTrail = append(row.MetadataTrail, h.Hex())
	}
	if o.DisputeHandle != nil {
		h := strconv.FormatUint(uint64(*o.DisputeHandle), 10)
		row.DisputeHandle = &h
	}
	if o.Ruling != nil {
		r := o.Ruling.String()
		row.Ruling = &r
	}
	return row
}

// fullProjection renders the whole core state as one projection output, used
// to resynchronise projections after a restart.
func fullProjection(snap *core.SnapshotState) projection.ProjectionOutput {
	out := projection.ProjectionOutput{Sequence: snap.Sequence, EventType: "Resync"}
	for key, balance := range snap.Balances {
		if key.Scope == ledger.ScopeExternal {
			continue
		}
		out.Balances = append(out.Balances, balanceRow(key, balance.Dec()))
	}
	// the external account mirrors issued supply
	for a, supply := range snap.Supply {
		out.Balances = append(out.Balances, balanceRow(ledger.ExternalAccount(a), supply.Dec()))
	}
	for _, l := range snap.Listings {
		out.Listings = append(out.Listings, listingRow(l))
	}
	for _, o := range snap.Offers {
		out.Offers = append(out.Offers, offerRow(o))
	}
	return out
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func int64Ptr(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
