package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	escrowerr "EscrowLedger/internal/errors"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// QueryService provides read-only access to projection tables.
// Queries are served via gRPC and HTTP/JSON (grpc-gateway), reading from
// PostgreSQL projection tables. All responses include as_of_sequence for
// freshness semantics.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetWallet returns an address's spendable and claimable balance of one asset.
func (qs *QueryService) GetWallet(ctx context.Context, owner common.Address, asset ledger.Asset) (*WalletResponse, error) {
	defer qs.observe("wallet", time.Now())

	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	balance, err := qs.getProjectedBalance(ctx, ledger.WalletAccount(owner, asset).AccountPath())
	if err != nil {
		return nil, err
	}
	claimable, err := qs.getProjectedBalance(ctx, ledger.ClaimableAccount(owner, asset).AccountPath())
	if err != nil {
		return nil, err
	}

	return &WalletResponse{
		Owner:        owner.Hex(),
		Asset:        asset.String(),
		Balance:      balance,
		Claimable:    claimable,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetListing returns one listing, or ErrNotFound
func (qs *QueryService) GetListing(ctx context.Context, listingID int64) (*ListingResponse, error) {
	defer qs.observe("listing", time.Now())

	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	var l ListingResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT listing_id, seller, deposit_asset, deposit::TEXT, metadata_ref,
		       units_available::TEXT, status, created_seq, updated_seq
		FROM projections.listings
		WHERE listing_id = $1
	`, listingID).Scan(
		&l.ListingID, &l.Seller, &l.DepositAsset, &l.Deposit, &l.MetadataRef,
		&l.UnitsAvailable, &l.Status, &l.CreatedSeq, &l.UpdatedSeq,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %d: %w", listingID, escrowerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	l.AsOfSequence = asOfSeq
	return &l, nil
}

// ListListings returns listings newest first, optionally by seller and status.
// afterID pages backwards through listing IDs.
func (qs *QueryService) ListListings(
	ctx context.Context,
	seller *common.Address,
	status *string,
	limit int,
	afterID *int64,
) ([]ListingResponse, error) {
	defer qs.observe("listings", time.Now())

	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT listing_id, seller, deposit_asset, deposit::TEXT, metadata_ref,
		       units_available::TEXT, status, created_seq, updated_seq
		FROM projections.listings
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if seller != nil {
		query += fmt.Sprintf(" AND seller = $%d", argIdx)
		args = append(args, addressKey(*seller))
		argIdx++
	}
	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}
	if afterID != nil {
		query += fmt.Sprintf(" AND listing_id < $%d", argIdx)
		args = append(args, *afterID)
		argIdx++
	}

	query += " ORDER BY listing_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []ListingResponse
	for rows.Next() {
		var l ListingResponse
		l.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&l.ListingID, &l.Seller, &l.DepositAsset, &l.Deposit, &l.MetadataRef,
			&l.UnitsAvailable, &l.Status, &l.CreatedSeq, &l.UpdatedSeq,
		); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

const offerColumns = `
	listing_id, offer_id, buyer, asset, value::TEXT, committed::TEXT, status,
	metadata_trail, dispute_handle::TEXT, ruling, created_seq, updated_seq`

func scanOffer(row interface{ Scan(...any) error }, o *OfferResponse) error {
	var handle, ruling sql.NullString
	if err := row.Scan(
		&o.ListingID, &o.OfferID, &o.Buyer, &o.Asset, &o.Value, &o.Committed, &o.Status,
		pq.Array(&o.MetadataTrail), &handle, &ruling, &o.CreatedSeq, &o.UpdatedSeq,
	); err != nil {
		return err
	}
	if handle.Valid {
		o.DisputeHandle = &handle.String
	}
	if ruling.Valid {
		o.Ruling = &ruling.String
	}
	return nil
}

// GetOffer returns one offer, or ErrNotFound
func (qs *QueryService) GetOffer(ctx context.Context, listingID, offerID int64) (*OfferResponse, error) {
	defer qs.observe("offer", time.Now())

	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	var o OfferResponse
	err = scanOffer(qs.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM projections.offers WHERE listing_id = $1 AND offer_id = $2`,
		listingID, offerID), &o)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer %d/%d: %w", listingID, offerID, escrowerr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.AsOfSequence = asOfSeq
	return &o, nil
}

// ListOffers returns offers most recently updated first
func (qs *QueryService) ListOffers(ctx context.Context, f OfferFilter) ([]OfferResponse, error) {
	defer qs.observe("offers", time.Now())

	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + offerColumns + ` FROM projections.offers WHERE TRUE`
	args := []interface{}{}
	argIdx := 1

	if f.ListingID != nil {
		query += fmt.Sprintf(" AND listing_id = $%d", argIdx)
		args = append(args, *f.ListingID)
		argIdx++
	}
	if f.Buyer != nil {
		query += fmt.Sprintf(" AND buyer = $%d", argIdx)
		args = append(args, addressKey(*f.Buyer))
		argIdx++
	}
	if f.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *f.Status)
		argIdx++
	}
	if f.AfterSeq != nil {
		query += fmt.Sprintf(" AND updated_seq < $%d", argIdx)
		args = append(args, *f.AfterSeq)
		argIdx++
	}

	query += " ORDER BY updated_seq DESC, listing_id, offer_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []OfferResponse
	for rows.Next() {
		var o OfferResponse
		if err := scanOffer(rows, &o); err != nil {
			return nil, err
		}
		o.AsOfSequence = asOfSeq
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// GetRecords returns event records newest first.
// Supports cursor-based pagination on sequence.
func (qs *QueryService) GetRecords(ctx context.Context, f RecordFilter) ([]RecordResponse, error) {
	defer qs.observe("records", time.Now())

	query := `
		SELECT sequence, idx, kind, listing_id, offer_id, party, counterparty,
		       asset, amount::TEXT, handle::TEXT, ruling, timestamp
		FROM projections.records
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if f.Party != nil {
		query += fmt.Sprintf(" AND (party = $%d OR counterparty = $%d)", argIdx, argIdx)
		args = append(args, addressKey(*f.Party))
		argIdx++
	}
	if f.ListingID != nil {
		query += fmt.Sprintf(" AND listing_id = $%d", argIdx)
		args = append(args, *f.ListingID)
		argIdx++
	}
	if len(f.Kinds) > 0 {
		query += fmt.Sprintf(" AND kind = ANY($%d)", argIdx)
		args = append(args, pq.Array(f.Kinds))
		argIdx++
	}
	if f.AfterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *f.AfterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, idx ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RecordResponse
	for rows.Next() {
		var r RecordResponse
		var listingID, offerID sql.NullInt64
		var counterparty, asset, amount, handle, ruling sql.NullString
		var ts time.Time
		if err := rows.Scan(
			&r.Sequence, &r.Index, &r.Kind, &listingID, &offerID, &r.Party, &counterparty,
			&asset, &amount, &handle, &ruling, &ts,
		); err != nil {
			return nil, err
		}
		r.ListingID = nullInt(listingID)
		r.OfferID = nullInt(offerID)
		r.Counterparty = nullString(counterparty)
		r.Asset = nullString(asset)
		r.Amount = nullString(amount)
		r.Handle = nullString(handle)
		r.Ruling = nullString(ruling)
		r.Timestamp = ts.UnixMicro()
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetJournalHistory returns journal entries touching any account of owner,
// newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	defer qs.observe("journals", time.Now())

	// wallet:, claimable: and fees: paths all carry the owner second
	ownerPattern := fmt.Sprintf("%%:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{ownerPattern}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the event log and that projected
// balances of every asset sum to its issued supply.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("integrity", time.Now())

	report := &IntegrityReport{}

	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}
	report.AsOfSequence = asOfSeq

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset,
		       SUM(CASE WHEN scope = $1 THEN balance ELSE 0 END)::TEXT AS issued,
		       SUM(CASE WHEN scope <> $1 THEN balance ELSE 0 END)::TEXT AS held,
		       (SUM(CASE WHEN scope = $1 THEN balance ELSE 0 END) -
		        SUM(CASE WHEN scope <> $1 THEN balance ELSE 0 END))::TEXT AS imbalance
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(CASE WHEN scope = $1 THEN balance ELSE 0 END) !=
		       SUM(CASE WHEN scope <> $1 THEN balance ELSE 0 END)
		ORDER BY asset
	`, ledger.ScopeExternal.String())
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Issued, &u.Held, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&latest); err != nil {
		return nil, err
	}
	report.ProjectionLagging = latest.Valid && latest.Int64 > asOfSeq

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// Watermark returns the last sequence applied to the projections, -1 when
// nothing has been projected yet.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// --- helpers ---

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return "0", nil
	}
	return balance, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// addressKey is the form addresses take in projection columns
func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
