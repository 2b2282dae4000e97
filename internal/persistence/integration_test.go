package persistence_test

import (
	"context"
	"testing"
	"time"

	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogRoundTrip_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	listing := int64(0)
	events := []persistence.EventRow{
		{
			Sequence:       0,
			EventType:      "FundWallet",
			IdempotencyKey: "k0",
			Sender:         "0xb0e1000000000000000000000000000000000001",
			Payload:        []byte(`{"key":"k0"}`),
			Records:        []byte(`[]`),
			StateHash:      []byte{1},
			PrevHash:       make([]byte, 32),
			Timestamp:      time.Unix(1700000000, 0).UTC(),
		},
		{
			Sequence:       1,
			EventType:      "CreateListing",
			IdempotencyKey: "k1",
			ListingID:      &listing,
			Sender:         "0x5e11e50000000000000000000000000000000001",
			Payload:        []byte(`{"key":"k1"}`),
			Records:        []byte(`[]`),
			StateHash:      []byte{2},
			PrevHash:       []byte{1},
			Timestamp:      time.Unix(1700000001, 0).UTC(),
		},
	}
	writer := persistence.NewEventLogWriter(db)
	require.NoError(t, writer.WriteBatch(ctx, events, nil))
	// retried batches are absorbed by the primary keys
	require.NoError(t, writer.WriteBatch(ctx, events, nil))

	snaps := persistence.NewSnapshotManager(db)
	latest, err := snaps.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)

	loaded, err := snaps.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "CreateListing", loaded[0].EventType)
	require.NotNil(t, loaded[0].ListingID)

	dup, err := persistence.NewPostgresIdempotencyChecker(db, time.Second).IsDuplicate("FundWallet", "k0")
	require.NoError(t, err)
	assert.True(t, dup)

	_, err = snaps.SaveSnapshot(ctx, &persistence.SnapshotData{Sequence: 1, StateHash: []byte{2}, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	none, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "unverified snapshots are not loaded")

	require.NoError(t, snaps.MarkVerified(ctx, 1))
	snap, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Sequence)
}
