package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"CollarLedger/internal/command"
	"CollarLedger/internal/core"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// recoverCore restores the newest verified snapshot, then replays the
// event log after it. Every replayed command must reproduce the state hash
// the log recorded for it.
func recoverCore(
	ctx context.Context,
	c *core.SettlementCore,
	snapMgr *persistence.SnapshotManager,
	eventLog *persistence.EventLogWriter,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot unusable, replaying the full log")
		snap = nil
	}
	if snap != nil {
		state, err := snap.ToCore()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		c.RestoreFromSnapshot(state)
		if c.StateHash() != state.StateHash {
			return fmt.Errorf("state hash mismatch after restoring snapshot %d", snap.Sequence)
		}
		logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	start := time.Now()
	replayed, err := replay(ctx, c, eventLog)
	if err != nil {
		return err
	}
	if metrics != nil {
		metrics.ReplayCommands.Add(float64(replayed))
		metrics.ReplayDurationSec.Set(time.Since(start).Seconds())
	}
	if replayed > 0 {
		logger.Info().Int64("commands", replayed).Int64("next_sequence", c.Sequence()).
			Dur("took", time.Since(start)).Msg("event log replayed")
	}
	return nil
}

func replay(ctx context.Context, c *core.SettlementCore, eventLog *persistence.EventLogWriter) (int64, error) {
	c.SetReplayMode(true)
	defer c.SetReplayMode(false)

	var total int64
	from := c.Sequence()
	for {
		rows, err := eventLog.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, row := range rows {
			if row.Sequence != c.Sequence() {
				return total, fmt.Errorf("event log gap: want sequence %d, found %d", c.Sequence(), row.Sequence)
			}
			cmd, err := command.Decode(command.ParseCommandType(row.CommandType), row.Payload)
			if err != nil {
				return total, fmt.Errorf("decode sequence %d: %w", row.Sequence, err)
			}
			if err := c.ProcessCommand(ctx, cmd); err != nil {
				return total, fmt.Errorf("replay sequence %d (%s): %w", row.Sequence, row.CommandType, err)
			}
			hash := c.StateHash()
			if !bytes.Equal(hash[:], row.StateHash) {
				return total, fmt.Errorf("replay sequence %d: state hash differs from event log", row.Sequence)
			}
			total++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}
