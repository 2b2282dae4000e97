package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotFormatVersion is bumped whenever SnapshotData changes shape
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds balances, supply, listings, offers, allowances, delegates,
// the dispute handle table, recent idempotency keys and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
// Amounts are decimal strings.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	Balances        map[string]string   `json:"balances"` // AccountPath -> balance
	Supply          map[string]string   `json:"supply"`   // asset -> issued supply
	Listings        []ListingSnapshot   `json:"listings"`
	Offers          []OfferSnapshot     `json:"offers"`
	Allowances      []AllowanceSnapshot `json:"allowances"`
	Delegates       []DelegateSnapshot  `json:"delegates"`
	DisputeHandles  []HandleSnapshot    `json:"dispute_handles"`
	IdempotencyKeys []string            `json:"idempotency_keys"`
	CreatedAt       time.Time           `json:"created_at"`
}

type ListingSnapshot struct {
	ID             uint64 `json:"id"`
	Seller         string `json:"seller"`
	DepositAsset   string `json:"deposit_asset"`
	Deposit        string `json:"deposit"`
	MetadataRef    string `json:"metadata_ref"`
	UnitsAvailable uint64 `json:"units_available"`
	Status         string `json:"status"`
	CreatedSeq     int64  `json:"created_seq"`
	UpdatedSeq     int64  `json:"updated_seq"`
}

type OfferSnapshot struct {
	ListingID     uint64   `json:"listing_id"`
	ID            uint64   `json:"id"`
	Buyer         string   `json:"buyer"`
	Asset         string   `json:"asset"`
	Value         string   `json:"value"`
	Committed     string   `json:"committed"`
	MetadataTrail []string `json:"metadata_trail"`
	Status        string   `json:"status"`
	DisputeHandle *uint64  `json:"dispute_handle,omitempty"`
	DisputedBy    string   `json:"disputed_by,omitempty"`
	Ruling        *uint8   `json:"ruling,omitempty"`
	CreatedSeq    int64    `json:"created_seq"`
	UpdatedSeq    int64    `json:"updated_seq"`
}

type AllowanceSnapshot struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type DelegateSnapshot struct {
	Address       string `json:"address"`
	Controller    string `json:"controller"`
	AcceptsNative bool   `json:"accepts_native"`
	Nonce         uint64 `json:"nonce"`
	CreatedSeq    int64  `json:"created_seq"`
}

type HandleSnapshot struct {
	Handle    uint64 `json:"handle"`
	ListingID uint64 `json:"listing_id"`
	OfferID   uint64 `json:"offer_id"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot as unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot at %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot of the current
// format. It returns nil, nil when there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified once the event log has caught up
// with its sequence, so a restart never resumes past the durable log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads logged envelopes from a given sequence for replay
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, listing_id, sender, payload,
		       records, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var listingID sql.NullInt64
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &listingID, &e.Sender,
			&e.Payload, &e.Records, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if listingID.Valid {
			id := listingID.Int64
			e.ListingID = &id
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
