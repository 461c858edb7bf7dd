package bridge

import (
	"context"
	"time"

	"CollarLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Dispatcher drains transfer orders produced by the settlement core and
// submits them to a Bridge. Orders carry deterministic ids, so a retried
// submission never moves funds twice.
type Dispatcher struct {
	bridge    Bridge
	orders    <-chan TransferRequest
	backlog   []TransferRequest
	submitted func(ctx context.Context, id common.Hash) error
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

type DispatcherOption func(*Dispatcher)

// WithBacklog queues orders recorded before a restart that were never
// accepted by the bridge. They are submitted before any new order.
func WithBacklog(orders []TransferRequest) DispatcherOption {
	return func(d *Dispatcher) { d.backlog = append(d.backlog, orders...) }
}

// WithOnSubmitted registers fn to run after the bridge accepts an order.
func WithOnSubmitted(fn func(ctx context.Context, id common.Hash) error) DispatcherOption {
	return func(d *Dispatcher) { d.submitted = fn }
}

func NewDispatcher(b Bridge, orders <-chan TransferRequest, logger zerolog.Logger, metrics *observability.Metrics, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bridge:  b,
		orders:  orders,
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until ctx is cancelled or the order channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.backlog) > 0 {
		d.logger.Info().Int("orders", len(d.backlog)).Msg("re-dispatching bridge orders from before restart")
	}
	for len(d.backlog) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.submitWithRetry(ctx, d.backlog[0])
		d.backlog = d.backlog[1:]
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order, ok := <-d.orders:
			if !ok {
				return nil
			}
			d.submitWithRetry(ctx, order)
		}
	}
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, order TransferRequest) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				d.logger.Warn().Str("transfer_id", order.ID.Hex()).Msg("shutdown before bridge transfer was accepted")
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		id, err := d.bridge.Transfer(ctx, order)
		if err == nil {
			d.logger.Info().
				Str("transfer_id", id.Hex()).
				Uint64("loan_id", order.Metadata.LoanID).
				Str("purpose", order.Metadata.Purpose.String()).
				Int64("amount", order.Amount).
				Msg("bridge transfer submitted")
			if d.metrics != nil {
				d.metrics.BridgeTransfers.WithLabelValues(order.Metadata.Purpose.String(), "submitted").Inc()
			}
			if d.submitted != nil {
				if err := d.submitted(ctx, id); err != nil {
					d.logger.Warn().Err(err).Str("transfer_id", id.Hex()).Msg("could not record bridge submission")
				}
			}
			return
		}

		d.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Str("transfer_id", order.ID.Hex()).Msg("bridge transfer failed, retrying")
		if d.metrics != nil {
			d.metrics.BridgeTransfers.WithLabelValues(order.Metadata.Purpose.String(), "retry").Inc()
		}
	}
}
