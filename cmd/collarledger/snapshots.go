package main

import (
	"context"
	"time"

	"CollarLedger/internal/core"
	"CollarLedger/internal/ingestion"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const snapshotCheckInterval = 10 * time.Second

// snapshotter saves a snapshot every interval commands. A snapshot can be
// taken before the persistence worker has written its sequence, so it is
// verified against the log on a later tick.
type snapshotter struct {
	seq      *ingestion.Sequencer
	snapMgr  *persistence.SnapshotManager
	interval int64
	logger   zerolog.Logger
	metrics  *observability.Metrics

	lastSeq    int64
	unverified []*persistence.SnapshotData
}

func newSnapshotter(seq *ingestion.Sequencer, snapMgr *persistence.SnapshotManager, interval int64,
	logger zerolog.Logger, metrics *observability.Metrics,
) *snapshotter {
	if interval <= 0 {
		interval = 10_000
	}
	return &snapshotter{seq: seq, snapMgr: snapMgr, interval: interval, logger: logger, metrics: metrics, lastSeq: -1}
}

func (s *snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.verifyPending(ctx)

			var state *core.SnapshotState
			err := s.seq.View(ctx, func(c *core.SettlementCore) {
				if applied := c.Sequence() - 1; applied-s.lastSeq >= s.interval {
					state = c.CreateSnapshotState()
				}
			})
			if err != nil || state == nil {
				continue
			}
			if err := s.save(ctx, state); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// Take snapshots c directly. Only safe once the sequencer has stopped.
func (s *snapshotter) Take(ctx context.Context, c *core.SettlementCore) error {
	if c.Sequence() == 0 {
		return nil
	}
	if err := s.save(ctx, c.CreateSnapshotState()); err != nil {
		return err
	}
	s.verifyPending(ctx)
	return nil
}

func (s *snapshotter) save(ctx context.Context, state *core.SnapshotState) error {
	start := time.Now()
	data := persistence.SnapshotFromCore(state, start.UTC())
	if err := s.snapMgr.SaveSnapshot(ctx, data); err != nil {
		return err
	}
	s.lastSeq = data.Sequence
	s.unverified = append(s.unverified, data)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	s.logger.Info().Int64("sequence", data.Sequence).Msg("snapshot saved")
	return nil
}

// verifyPending marks snapshots verified once the log has caught up.
// Snapshots that still fail stay queued.
func (s *snapshotter) verifyPending(ctx context.Context) {
	kept := s.unverified[:0]
	for _, snap := range s.unverified {
		if err := s.snapMgr.VerifyAgainstLog(ctx, snap); err != nil {
			s.logger.Debug().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot not yet verifiable")
			kept = append(kept, snap)
		}
	}
	s.unverified = kept
}
