package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CollarLedger/internal/command"
	"CollarLedger/internal/core"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/settlement"
	"CollarLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Sequencer is the part of ingestion.Sequencer the keeper drives.
type Sequencer interface {
	Submit(ctx context.Context, cmd command.Command) error
	View(ctx context.Context, fn func(*core.SettlementCore)) error
}

// Lease keeps a single keeper active across replicas. Acquire both takes
// and renews the lease.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type actionKind uint8

const (
	actionFinalizeLoan actionKind = iota + 1
	actionFinalizeReturn
	actionSettle
)

func (a actionKind) String() string {
	switch a {
	case actionFinalizeLoan:
		return "finalize_loan"
	case actionFinalizeReturn:
		return "finalize_return"
	case actionSettle:
		return "settle"
	default:
		return "unknown"
	}
}

// action is one piece of due work found by a scan.
type action struct {
	kind      actionKind
	loanID    uint64
	messageID message.ID // deposit for finalize_loan, otherwise the consumed message
	tradeID   message.ID
	quoteHash common.Hash
	outcome   settlement.Outcome
}

// Keeper is a cooperative scheduler. Each tick reads core state through the
// sequencer, then issues the commands that are due one at a time. Commands
// are safe to repeat: a second attempt is rejected by the core's state
// guards.
type Keeper struct {
	seq      Sequencer
	quotes   quote.Store
	identity common.Address
	interval time.Duration
	lease    Lease
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *observability.Metrics

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLease makes ticks conditional on holding l.
func WithLease(l Lease) Option {
	return func(k *Keeper) { k.lease = l }
}

// WithClock overrides the time source used to stamp commands.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

func New(
	seq Sequencer,
	quotes quote.Store,
	identity common.Address,
	interval time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	opts ...Option,
) *Keeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	k := &Keeper{
		seq:      seq,
		quotes:   quotes,
		identity: identity,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Run ticks until ctx is cancelled or Stop is called. A tick that has
// started always finishes.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.logger.Info().Dur("interval", k.interval).Str("identity", k.identity.Hex()).Msg("keeper started")
	defer func() {
		if k.lease != nil {
			if err := k.lease.Release(context.Background()); err != nil {
				k.logger.Warn().Err(err).Msg("release keeper lease")
			}
		}
		k.logger.Info().Msg("keeper stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.stop:
			return nil
		case <-ticker.C:
		}
		if err := k.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Warn().Err(err).Msg("keeper tick failed")
		}
	}
}

// Stop prevents further ticks.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}

// Tick runs one scan and issues every due command.
func (k *Keeper) Tick(ctx context.Context) error {
	if k.lease != nil {
		held, err := k.lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("keeper lease: %w", err)
		}
		if !held {
			k.logger.Debug().Msg("keeper lease held elsewhere")
			return nil
		}
	}
	if k.metrics != nil {
		k.metrics.KeeperTicks.Inc()
	}

	now := k.now()
	var actions []action
	if err := k.seq.View(ctx, func(c *core.SettlementCore) {
		actions = scan(c, now.Unix())
	}); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	for _, a := range actions {
		select {
		case <-k.stop:
			return nil
		default:
		}
		cmd, err := k.build(ctx, a, now)
		if err == nil {
			err = k.seq.Submit(ctx, cmd)
		}
		k.record(a, err)
	}
	return nil
}

// scan lists due work in loan order.
func scan(c *core.SettlementCore, now int64) []action {
	reg := c.Registry()
	var actions []action

	for _, pd := range c.PendingDeposits() {
		if returned := reg.PendingFor(pd.LoanID, message.KindCollateralReturned); len(returned) > 0 {
			actions = append(actions, action{
				kind:      actionFinalizeReturn,
				loanID:    pd.LoanID,
				messageID: returned[0].ID,
			})
			continue
		}
		deposits := reg.PendingFor(pd.LoanID, message.KindDepositConfirmed)
		trades := reg.PendingFor(pd.LoanID, message.KindTradeConfirmed)
		if len(deposits) > 0 && len(trades) > 0 {
			actions = append(actions, action{
				kind:      actionFinalizeLoan,
				loanID:    pd.LoanID,
				messageID: deposits[0].ID,
				tradeID:   trades[0].ID,
				quoteHash: trades[0].Message.QuoteHash,
			})
		}
	}

	for _, l := range c.Loans() {
		if l.State != state.LoanStateActiveFixed || !l.IsMatured(now) {
			continue
		}
		if reports := reg.PendingFor(l.LoanID, message.KindSettlementReport); len(reports) > 0 {
			outcome, ok := settlement.OutcomeFromCode(reports[0].Message.AuxAmount)
			if !ok {
				continue
			}
			actions = append(actions, action{
				kind:      actionSettle,
				loanID:    l.LoanID,
				messageID: reports[0].ID,
				outcome:   outcome,
			})
			continue
		}
		if returned := reg.PendingFor(l.LoanID, message.KindCollateralReturned); len(returned) > 0 {
			actions = append(actions, action{
				kind:      actionSettle,
				loanID:    l.LoanID,
				messageID: returned[0].ID,
				outcome:   settlement.OutcomeNeutral,
			})
		}
	}
	return actions
}

func (k *Keeper) build(ctx context.Context, a action, now time.Time) (command.Command, error) {
	meta := command.NewMeta(k.identity, now)
	switch a.kind {
	case actionFinalizeLoan:
		if k.quotes == nil {
			return nil, quote.ErrQuoteNotFound
		}
		signed, err := k.quotes.Get(ctx, a.quoteHash)
		if err != nil {
			return nil, err
		}
		return &command.FinalizeLoan{
			Meta:             meta,
			LoanID:           a.loanID,
			DepositMessageID: a.messageID,
			TradeMessageID:   a.tradeID,
			Quote:            signed.Quote,
			QuoteSignature:   signed.Signature,
		}, nil
	case actionFinalizeReturn:
		return &command.FinalizeReturn{Meta: meta, LoanID: a.loanID, MessageID: a.messageID}, nil
	case actionSettle:
		return &command.Settle{Meta: meta, LoanID: a.loanID, Outcome: a.outcome, MessageID: a.messageID}, nil
	default:
		return nil, fmt.Errorf("keeper: unknown action %d", a.kind)
	}
}

func (k *Keeper) record(a action, err error) {
	result := "ok"
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = k.logger.Info()
	case errors.Is(err, context.Canceled):
		result = "cancelled"
		ev = k.logger.Debug()
	case fault.IsRetryable(err):
		result = "retry"
		ev = k.logger.Info()
	case fault.IsInvariant(err):
		result = "invariant"
		ev = k.logger.Error()
	default:
		result = "rejected"
		ev = k.logger.Warn()
	}
	if k.metrics != nil {
		k.metrics.KeeperActions.WithLabelValues(a.kind.String(), result).Inc()
	}
	ev = ev.Str("action", a.kind.String()).Uint64("loan_id", a.loanID).Str("result", result)
	if a.kind == actionSettle {
		ev = ev.Str("outcome", a.outcome.String())
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("keeper action")
}
