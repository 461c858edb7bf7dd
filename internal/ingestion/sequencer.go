package ingestion

import (
	"context"
	"errors"
	"time"

	"CollarLedger/internal/command"
	"CollarLedger/internal/core"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/message"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var ErrSequencerStopped = fault.Retryable("ingestion: sequencer stopped")

// request is one unit of work for the sequencer goroutine: either a
// command or a read of core state.
type request struct {
	ctx   context.Context
	cmd   command.Command
	view  func(*core.SettlementCore)
	reply chan error
}

// Sequencer owns the settlement core. Every command from every surface
// (relay, keeper, API) and every read of core state runs on its single
// goroutine, so the core itself needs no locks.
type Sequencer struct {
	core   *core.SettlementCore
	inbox  chan request
	done   chan struct{}
	logger zerolog.Logger
}

func NewSequencer(c *core.SettlementCore, depth int, logger zerolog.Logger) *Sequencer {
	if depth <= 0 {
		depth = 4096
	}
	return &Sequencer{
		core:   c,
		inbox:  make(chan request, depth),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run processes requests until ctx is cancelled. Requests already taken
// from the inbox are finished; a command is never aborted halfway.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info().Int64("sequence", s.core.Sequence()).Msg("sequencer started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int64("sequence", s.core.Sequence()).Msg("sequencer stopped")
			return nil
		case req := <-s.inbox:
			req.reply <- s.handle(req)
		}
	}
}

func (s *Sequencer) handle(req request) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	if req.view != nil {
		req.view(s.core)
		return nil
	}
	err := s.core.ProcessCommand(req.ctx, req.cmd)
	if err != nil {
		ev := s.logger.Debug()
		if fault.IsInvariant(err) {
			ev = s.logger.Warn()
		}
		ev.Err(err).
			Str("command", req.cmd.CommandType().String()).
			Uint64("loan_id", req.cmd.LoanRef()).
			Str("kind", fault.KindOf(err).String()).
			Msg("command rejected")
	}
	return err
}

// Submit applies cmd and returns the core's verdict.
func (s *Sequencer) Submit(ctx context.Context, cmd command.Command) error {
	return s.do(ctx, request{ctx: ctx, cmd: cmd})
}

// View runs fn on the sequencer goroutine. fn must not retain pointers
// into core state after it returns.
func (s *Sequencer) View(ctx context.Context, fn func(*core.SettlementCore)) error {
	return s.do(ctx, request{ctx: ctx, view: fn})
}

func (s *Sequencer) do(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.inbox <- req:
	case <-s.done:
		return ErrSequencerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		// Run may have exited after taking the request; the reply is
		// buffered so check it once more.
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrSequencerStopped
		}
	}
}

// Deliverer turns relayed envelopes into DeliverMessage commands issued by
// relayer. A redelivered envelope carries the same idempotency key and is
// absorbed by the core.
func (s *Sequencer) Deliverer(relayer common.Address, now func() time.Time) func(context.Context, message.Envelope) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, env message.Envelope) error {
		err := s.Submit(ctx, &command.DeliverMessage{
			Meta:      command.NewMeta(relayer, now()),
			MessageID: env.ID,
			Message:   env.Message,
		})
		if errors.Is(err, ErrSequencerStopped) {
			return context.Canceled
		}
		return err
	}
}
