package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/core"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Forwarding is where committed side effects go. Either channel may be nil.
type Forwarding struct {
	Outbound chan<- message.Envelope
	Orders   chan<- bridge.TransferRequest
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// One flush writes every table for its batch in a single transaction.
// The core sends on that channel with a blocking send, so if this worker
// falls behind the core stalls and nothing is lost. Outbound messages and
// bridge orders are forwarded only after their batch commits: a message
// that was never durably sent is never relayed.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	forward      Forwarding
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	forward Forwarding,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		forward:      forward,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Record, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(fctx context.Context, final bool) error {
		if len(batch) == 0 {
			return nil
		}
		if err := pw.flushWithRetry(fctx, batch); err != nil {
			return err
		}
		pw.forwardCommitted(ctx, batch, final)
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if err := flush(context.Background(), true); err != nil {
				pw.logger.Error().Err(err).Msg("final flush failed")
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if err := flush(context.Background(), true); err != nil {
					pw.logger.Error().Err(err).Msg("final flush failed")
				}
				return nil
			}
			rec, err := NewRecord(output)
			if err != nil {
				// The core has already applied this command; losing it
				// would fork the log from memory.
				panic(fmt.Sprintf("FATAL: convert core output: %v", err))
			}
			batch = append(batch, rec)

			if len(batch) >= pw.batchSize {
				if err := flush(ctx, false); err != nil {
					return err
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := flush(ctx, false); err != nil {
				return err
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without a
// deadline. The worker never drops a batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Record) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []Record) error {
	start := time.Now()

	var (
		events    = make([]EventRow, 0, len(batch))
		journals  []JournalRow
		outbound  []OutboundRow
		transfers []TransferRow
		lifecycle []LifecycleRow
	)
	for _, r := range batch {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
		outbound = append(outbound, r.Outbound...)
		transfers = append(transfers, r.Transfers...)
		lifecycle = append(lifecycle, r.Lifecycle...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := pw.writer.WriteOutboundBatch(ctx, tx, outbound); err != nil {
		pw.countError("write_outbound")
		return err
	}
	if err := pw.writer.WriteTransferBatch(ctx, tx, transfers); err != nil {
		pw.countError("write_transfers")
		return err
	}
	if err := pw.writer.WriteLifecycleBatch(ctx, tx, lifecycle); err != nil {
		pw.countError("write_lifecycle")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

// forwardCommitted hands committed messages to the relay and orders to the
// bridge dispatcher, in log order. A final flush only forwards what fits in
// the channels; the rest is picked up by the startup republish.
func (pw *PersistenceWorker) forwardCommitted(ctx context.Context, batch []Record, final bool) {
	var stop <-chan struct{} = ctx.Done()
	if final {
		closed := make(chan struct{})
		close(closed)
		stop = closed
	}
	for _, r := range batch {
		for _, env := range r.Envelopes {
			if pw.forward.Outbound == nil {
				break
			}
			select {
			case pw.forward.Outbound <- env:
			case <-stop:
				return
			}
		}
		for _, o := range r.Orders {
			if pw.forward.Orders == nil {
				break
			}
			select {
			case pw.forward.Orders <- o:
			case <-stop:
				return
			}
		}
	}
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
