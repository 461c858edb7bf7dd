package custody

import (
	"context"
	"time"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Operator drives the agent: each tick it answers pending settlement-side
// messages and confirms finished returns. Retryable failures are left for
// the next tick, as are unclassified I/O failures. Messages rejected as
// invalid are parked and logged so one bad message does not stall the rest.
type Operator struct {
	agent    *Agent
	caller   common.Address
	interval time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
	parked   map[message.ID]struct{}
}

func NewOperator(agent *Agent, caller common.Address, interval time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Operator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Operator{
		agent:    agent,
		caller:   caller,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		parked:   make(map[message.ID]struct{}),
	}
}

// Run ticks until ctx is cancelled.
func (o *Operator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick makes one pass over pending work.
func (o *Operator) Tick(ctx context.Context) {
	for _, env := range o.agent.PendingMessages() {
		if _, skip := o.parked[env.ID]; skip {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		var err error
		switch env.Message.Kind {
		case message.KindDepositIntent:
			_, err = o.agent.SignDeposit(ctx, o.caller, env.ID)
		case message.KindReturnRequest, message.KindCancelRequest:
			_, err = o.agent.SignWithdrawal(ctx, o.caller, env.ID)
		case message.KindMandateCreated:
			err = o.agent.ActivateMandate(o.caller, env.ID)
		default:
			err = ErrUnexpectedKind
		}
		o.observe(err, env.Message.LoanID, env.Message.Kind.String(), env.ID)
	}

	for _, rec := range o.agent.LoansIn(LoanReturnPending) {
		if ctx.Err() != nil {
			return
		}
		err := o.agent.RecordCollateralReturned(ctx, o.caller, rec.LoanID)
		o.observe(err, rec.LoanID, "CollateralReturned", message.ID{})
	}
}

func (o *Operator) observe(err error, loanID uint64, what string, id message.ID) {
	if err == nil {
		o.logger.Info().Uint64("loan_id", loanID).Str("step", what).Msg("custody step done")
		return
	}

	kind := fault.KindOf(err)
	switch kind {
	case fault.KindRetryable:
		o.logger.Debug().Err(err).Uint64("loan_id", loanID).Str("step", what).Msg("custody step not ready")
		return
	case fault.KindUnknown:
		// bridge or store I/O; try again next tick
		o.logger.Warn().Err(err).Uint64("loan_id", loanID).Str("step", what).Msg("custody step failed")
		return
	}

	if id != (message.ID{}) {
		o.parked[id] = struct{}{}
	}
	o.logger.Error().Err(err).
		Uint64("loan_id", loanID).
		Str("step", what).
		Str("kind", kind.String()).
		Msg("custody step rejected")
	if o.metrics != nil {
		o.metrics.CustodyRejections.WithLabelValues(kind.String()).Inc()
	}
}
