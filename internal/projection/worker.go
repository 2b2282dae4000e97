package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"EscrowLedger/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// WorkerID names this worker's row in projections.watermark
const WorkerID = "main"

// ProjectionOutput mirrors the data needed by the projection worker.
// The orchestrator converts core.CoreOutput into this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Timestamp time.Time
	Balances  []BalanceRow
	Listings  []ListingRow
	Offers    []OfferRow
	Records   []RecordRow
}

// BalanceRow is an account balance after the action. Balances are written as
// absolute values, so a dropped output is repaired by the next one touching
// the same account.
type BalanceRow struct {
	AccountPath string
	Scope       string
	Owner       *string
	ListingID   *int64
	OfferID     *int64
	Asset       string
	Balance     string
}

type ListingRow struct {
	ListingID      int64
	Seller         string
	DepositAsset   string
	Deposit        string
	MetadataRef    string
	UnitsAvailable string
	Status         string
	CreatedSeq     int64
	UpdatedSeq     int64
}

type OfferRow struct {
	ListingID     int64
	OfferID       int64
	Buyer         string
	Asset         string
	Value         string
	Committed     string
	Status        string
	MetadataTrail []string
	DisputeHandle *string
	Ruling        *string
	CreatedSeq    int64
	UpdatedSeq    int64
}

type RecordRow struct {
	Index        int
	Kind         string
	ListingID    *int64
	OfferID      *int64
	Party        string
	Counterparty *string
	Asset        *string
	Amount       *string
	Handle       *string
	Ruling       *string
}

// ProjectionWorker updates the projection tables from committed actions.
// The projection channel is non-blocking with drop; projections that fall
// behind are resynchronised from core state on the next start.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run consumes outputs until ctx is cancelled or the channel closes
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, output); err != nil {
				// Projections are eventually consistent; keep going.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionDrops.WithLabelValues("worker").Inc()
				}
			}
		}
	}
}

// LastSequence is the last sequence applied by this worker
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Apply writes one output in a single transaction and advances the watermark
func (pw *ProjectionWorker) Apply(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, b := range output.Balances {
		if err := upsertBalance(ctx, tx, b, output.Sequence); err != nil {
			return fmt.Errorf("balance projection %s: %w", b.AccountPath, err)
		}
	}
	for _, l := range output.Listings {
		if err := upsertListing(ctx, tx, l); err != nil {
			return fmt.Errorf("listing projection %d: %w", l.ListingID, err)
		}
	}
	for _, o := range output.Offers {
		if err := upsertOffer(ctx, tx, o); err != nil {
			return fmt.Errorf("offer projection %d/%d: %w", o.ListingID, o.OfferID, err)
		}
	}
	for _, r := range output.Records {
		if err := insertRecord(ctx, tx, output.Sequence, output.Timestamp, r); err != nil {
			return fmt.Errorf("record projection %d/%d: %w", output.Sequence, r.Index, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, WorkerID, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	pw.lastSeq = output.Sequence
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionSequence.Set(float64(output.Sequence))
	}
	return nil
}

func upsertBalance(ctx context.Context, tx *sql.Tx, b BalanceRow, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, scope, owner, listing_id, offer_id, asset, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (account_path) DO UPDATE
		SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		WHERE projections.balances.last_sequence <= EXCLUDED.last_sequence
	`, b.AccountPath, b.Scope, b.Owner, b.ListingID, b.OfferID, b.Asset, b.Balance, seq)
	return err
}

func upsertListing(ctx context.Context, tx *sql.Tx, l ListingRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.listings
			(listing_id, seller, deposit_asset, deposit, metadata_ref, units_available, status, created_seq, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (listing_id) DO UPDATE
		SET deposit = EXCLUDED.deposit, metadata_ref = EXCLUDED.metadata_ref,
		    units_available = EXCLUDED.units_available, status = EXCLUDED.status, updated_seq = EXCLUDED.updated_seq
		WHERE projections.listings.updated_seq <= EXCLUDED.updated_seq
	`, l.ListingID, l.Seller, l.DepositAsset, l.Deposit, l.MetadataRef, l.UnitsAvailable, l.Status, l.CreatedSeq, l.UpdatedSeq)
	return err
}

func upsertOffer(ctx context.Context, tx *sql.Tx, o OfferRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.offers
			(listing_id, offer_id, buyer, asset, value, committed, status, metadata_trail, dispute_handle, ruling, created_seq, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (listing_id, offer_id) DO UPDATE
		SET value = EXCLUDED.value, status = EXCLUDED.status, metadata_trail = EXCLUDED.metadata_trail,
		    dispute_handle = EXCLUDED.dispute_handle, ruling = EXCLUDED.ruling, updated_seq = EXCLUDED.updated_seq
		WHERE projections.offers.updated_seq <= EXCLUDED.updated_seq
	`, o.ListingID, o.OfferID, o.Buyer, o.Asset, o.Value, o.Committed, o.Status,
		pq.Array(o.MetadataTrail), o.DisputeHandle, o.Ruling, o.CreatedSeq, o.UpdatedSeq)
	return err
}

func insertRecord(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, r RecordRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.records
			(sequence, idx, kind, listing_id, offer_id, party, counterparty, asset, amount, handle, ruling, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sequence, idx) DO NOTHING
	`, seq, r.Index, r.Kind, r.ListingID, r.OfferID, r.Party, r.Counterparty, r.Asset, r.Amount, r.Handle, r.Ruling, ts)
	return err
}

// Reset clears every projection table and the watermark. The caller then
// applies a full-state output to resynchronise from the core.
func Reset(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.listings`,
		`TRUNCATE projections.offers`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	return nil
}

// RebuildRecords re-derives the record history from the event log. Records
// are append-only, so existing rows are kept.
func RebuildRecords(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO projections.records
			(sequence, idx, kind, listing_id, offer_id, party, counterparty, asset, amount, handle, ruling, timestamp)
		SELECT e.sequence, (r.ord - 1)::INTEGER, r.rec->>'kind',
		       (r.rec->>'listing_id')::BIGINT, (r.rec->>'offer_id')::BIGINT,
		       r.rec->>'party', r.rec->>'counterparty', r.rec->>'asset',
		       NULLIF(r.rec->>'amount', '')::NUMERIC, (r.rec->>'handle')::NUMERIC,
		       r.rec->>'ruling', e.timestamp
		FROM event_log.events e,
		     jsonb_array_elements(e.records) WITH ORDINALITY AS r(rec, ord)
		ON CONFLICT (sequence, idx) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("rebuild records: %w", err)
	}
	return res.RowsAffected()
}
