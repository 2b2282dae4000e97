package main

import (
	"context"
	"database/sql"
	"fmt"

	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"

	"github.com/rs/zerolog"
)

// eventLog is the slice of SnapshotManager replay reads from
type eventLog interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// recoverCore brings a freshly constructed core up to the head of the event log:
// restore the newest verified snapshot, then replay every logged action
// after it, checking each logged state hash along the way.
func recoverCore(
	ctx context.Context,
	c *core.DeterministicCore,
	snaps *persistence.SnapshotManager,
	recent *persistence.PostgresIdempotencyChecker,
	replayBatch, warmKeys int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	data, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if data != nil {
		snap, err := decodeSnapshot(data)
		if err != nil {
			return 0, err
		}
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return 0, err
		}
		logger.Info().Int64("sequence", data.Sequence).Int("listings", len(data.Listings)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := replay(ctx, c, snaps, replayBatch, metrics)
	if err != nil {
		return replayed, err
	}

	keys, err := recent.RecentKeys(ctx, warmKeys)
	if err != nil {
		logger.Warn().Err(err).Msg("warm idempotency cache")
	} else {
		c.WarmLRU(keys)
	}
	c.ResumeArbitration()

	logger.Info().Int64("replayed", replayed).Int64("next_sequence", c.GetSequence()).
		Hex("state_hash", stateHashPrefix(c.GetStateHash())).Msg("recovery complete")
	return replayed, nil
}

// replay re-applies logged actions from the core's next sequence onward
func replay(ctx context.Context, c *core.DeterministicCore, log eventLog, batch int, metrics *observability.Metrics) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	var total int64
	for {
		rows, err := log.LoadEventsFrom(ctx, c.GetSequence(), batch)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", c.GetSequence(), err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, row := range rows {
			evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{
				EventType: row.EventType,
				Data:      row.Payload,
				Timestamp: row.Timestamp,
			}, row.EventType)
			if err != nil {
				return total, fmt.Errorf("decode logged seq %d: %w", row.Sequence, err)
			}
			var hash [32]byte
			copy(hash[:], row.StateHash)
			if err := c.ReplayEvent(ctx, evt, row.Sequence, hash); err != nil {
				return total, err
			}
			total++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		if len(rows) < batch {
			return total, nil
		}
	}
}

// resyncProjections rewrites the projection tables from core state when the
// projection watermark is behind the core.
func resyncProjections(ctx context.Context, db *sql.DB, c *core.DeterministicCore, queries *query.QueryService,
	pw *projection.ProjectionWorker, logger zerolog.Logger) error {
	head := c.GetSequence() - 1
	watermark, err := queries.Watermark(ctx)
	if err != nil {
		return err
	}
	if watermark >= head {
		return nil
	}

	logger.Info().Int64("watermark", watermark).Int64("head", head).Msg("resynchronising projections")
	if err := projection.Reset(ctx, db); err != nil {
		return err
	}
	if err := pw.Apply(ctx, fullProjection(c.CreateSnapshotState())); err != nil {
		return fmt.Errorf("apply full projection: %w", err)
	}
	n, err := projection.RebuildRecords(ctx, db)
	if err != nil {
		return err
	}
	logger.Info().Int64("records", n).Msg("projections resynchronised")
	return nil
}

func stateHashPrefix(h [32]byte) []byte {
	return h[:8]
}
