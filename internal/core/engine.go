package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"CollarLedger/internal/access"
	"CollarLedger/internal/bridge"
	"CollarLedger/internal/command"
	"CollarLedger/internal/event"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/pool"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/settlement"
	"CollarLedger/internal/state"
	"CollarLedger/internal/yield"

	"github.com/ethereum/go-ethereum/common"
)

// Params are the fixed settings of one settlement deployment.
type Params struct {
	// Self is this contract's identity; inbound messages must name it as recipient.
	Self common.Address
	// CustodyReceiver is the execution-side agent that outbound messages and
	// collateral transfers are addressed to.
	CustodyReceiver     common.Address
	SettlementAsset     ledger.AssetID
	CollateralAllowlist []ledger.AssetID
	SurplusTreasuryBps  int64
	IdempotencyCapacity int
	TrackerTimeout      time.Duration
}

// Deps are the collaborators the core calls while applying commands.
type Deps struct {
	Authorizer *access.Authorizer
	Quotes     *quote.Verifier
	Tracker    bridge.TransferTracker
	Yield      yield.Adapter
	Fees       settlement.FeePolicy
}

// CoreOutput is everything one applied command produced.
type CoreOutput struct {
	Envelope  *event.Envelope
	Batch     *ledger.Batch
	Events    []event.Lifecycle
	Outbound  []message.Envelope
	Transfers []bridge.TransferRequest
}

// effects accumulates the outputs of a handler. Handlers validate first and
// only touch state and effects after every check has passed.
type effects struct {
	batch     *ledger.Batch
	events    []event.Lifecycle
	outbound  []message.Envelope
	transfers []bridge.TransferRequest
}

// SettlementCore is the single-threaded settlement-side actor. It owns the
// loan book, the inbound registry, the outbox, the pool and the ledger.
type SettlementCore struct {
	params Params
	deps   Deps

	sequence   int64
	replaying  bool
	hasher     *StateHasher
	balances   *ledger.BalanceTracker
	validator  *ledger.InvariantValidator
	book       *state.LoanBook
	registry   *message.Registry
	outbox     *message.Outbox
	pool       *pool.Pool
	allowlist  map[ledger.AssetID]struct{}
	idempotent *IdempotencyChecker
	metrics    *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewSettlementCore(
	params Params,
	deps Deps,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *SettlementCore {
	if params.SettlementAsset == ledger.AssetUnknown {
		params.SettlementAsset = ledger.AssetUSDC
	}
	if params.IdempotencyCapacity <= 0 {
		params.IdempotencyCapacity = 1_000_000
	}
	if params.TrackerTimeout <= 0 {
		params.TrackerTimeout = 5 * time.Second
	}
	if deps.Fees == nil {
		deps.Fees = settlement.OriginationFeePolicy{}
	}
	if deps.Authorizer == nil {
		deps.Authorizer = access.NewAuthorizer()
	}

	allow := make(map[ledger.AssetID]struct{}, len(params.CollateralAllowlist))
	for _, a := range params.CollateralAllowlist {
		allow[a] = struct{}{}
	}

	balances := ledger.NewBalanceTracker()
	return &SettlementCore{
		params:         params,
		deps:           deps,
		hasher:         NewStateHasher(),
		balances:       balances,
		validator:      ledger.NewInvariantValidator(balances),
		book:           state.NewLoanBook(),
		registry:       message.NewRegistry(),
		outbox:         message.NewOutbox(message.DomainSettlement),
		pool:           pool.New(),
		allowlist:      allow,
		idempotent:     NewIdempotencyChecker(params.IdempotencyCapacity, dbChecker, metrics),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// SetReplayMode toggles replay of the event log. While replaying, bridge
// completion is taken as already proven, capability checks are skipped and
// outputs are not re-emitted.
func (c *SettlementCore) SetReplayMode(on bool) {
	c.replaying = on
}

// ProcessCommand runs one command through the pipeline. A returned error
// means no state changed.
func (c *SettlementCore) ProcessCommand(ctx context.Context, cmd command.Command) error {
	start := time.Now()
	ct := cmd.CommandType().String()
	key := cmd.IdempotencyKey()

	// Step 1: idempotency
	if c.idempotent.IsDuplicate(ct, key) {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(ct, "duplicate").Inc()
		}
		return nil
	}

	// Step 2: dispatch
	ts := cmd.Time()
	fx := &effects{batch: ledger.NewBatch(key, c.sequence, ts.UnixMicro())}
	if err := c.dispatch(ctx, cmd, fx); err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(ct, fault.KindOf(err).String()).Inc()
		}
		return fmt.Errorf("%s loan=%d: %w", ct, cmd.LoanRef(), err)
	}

	// Step 3: validate and apply the ledger batch
	if len(fx.batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(fx.batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch for %s: %v", ct, err))
		}
		if err := c.balances.ApplyBatch(fx.batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch for %s: %v", ct, err))
		}
	}

	// Step 4: post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", ct, err))
	}

	// Step 5: hash chain and envelope
	payload, err := command.Encode(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode applied command %s: %v", ct, err))
	}
	prev := c.hasher.Tip()
	stateHash := c.hasher.ComputeHash(c.sequence, c.computeStateDigest(fx.batch, cmd.LoanRef()))

	for i := range fx.events {
		fx.events[i].Sequence = c.sequence
		fx.events[i].Timestamp = ts
	}

	output := CoreOutput{
		Envelope: &event.Envelope{
			Sequence:       c.sequence,
			IdempotencyKey: key,
			CommandType:    cmd.CommandType(),
			LoanID:         cmd.LoanRef(),
			Timestamp:      ts,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prev,
		},
		Batch:     fx.batch,
		Events:    fx.events,
		Outbound:  fx.outbound,
		Transfers: fx.transfers,
	}
	c.sequence++

	// Step 6: emit. Persistence blocks so nothing is lost; projections drop
	// when full and catch up from the log.
	if !c.replaying {
		if c.persistChan != nil {
			c.persistChan <- output
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.Inc()
				}
			}
		}
	}

	// Step 7: mark processed
	c.idempotent.MarkProcessed(ct, key)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(ct).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(ct).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, j := range fx.batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	return nil
}

func (c *SettlementCore) dispatch(ctx context.Context, cmd command.Command, fx *effects) error {
	switch cm := cmd.(type) {
	case *command.FundPool:
		return c.handleFundPool(cm, fx)
	case *command.DeliverMessage:
		return c.handleDeliverMessage(cm, fx)
	case *command.InitiateDeposit:
		return c.handleInitiateDeposit(cm, fx)
	case *command.FinalizeLoan:
		return c.handleFinalizeLoan(ctx, cm, fx)
	case *command.RequestReturn:
		return c.handleRequestReturn(cm.Caller(), cm.LoanID, false, fx)
	case *command.RequestCancel:
		return c.handleRequestReturn(cm.Caller(), cm.LoanID, true, fx)
	case *command.FinalizeReturn:
		return c.handleFinalizeReturn(ctx, cm, fx)
	case *command.Settle:
		return c.handleSettle(ctx, cm, fx)
	case *command.ConvertToVariable:
		return c.handleConvertToVariable(ctx, cm, fx)
	case *command.RepayVariable:
		return c.handleRepayVariable(ctx, cm, fx)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// requireRole is the capability check at the entry of each operation.
func (c *SettlementCore) requireRole(caller common.Address, role access.Role) error {
	if c.replaying {
		return nil
	}
	return c.deps.Authorizer.Require(caller, role)
}

func (c *SettlementCore) requireBorrower(caller, borrower common.Address) error {
	if c.replaying {
		return nil
	}
	return access.RequireBorrower(caller, borrower)
}

// requireTransfer checks that a bridge transfer attached to a message has
// landed. A zero id means no asset movement is attached.
func (c *SettlementCore) requireTransfer(ctx context.Context, id common.Hash) error {
	if id == (common.Hash{}) || c.replaying {
		return nil
	}
	if c.deps.Tracker == nil {
		return bridge.ErrTransferPending
	}
	tctx, cancel := context.WithTimeout(ctx, c.params.TrackerTimeout)
	defer cancel()
	if err := bridge.RequireComplete(tctx, c.deps.Tracker, id); err != nil {
		return fmt.Errorf("transfer %s: %w", id.Hex(), err)
	}
	return nil
}

// send queues an outbound message. It is the first mutation a handler
// performs so a rejected message leaves nothing behind.
func (c *SettlementCore) send(msg message.Message, fx *effects) (message.Envelope, error) {
	env, err := c.outbox.Send(msg)
	if err != nil {
		return message.Envelope{}, err
	}
	fx.outbound = append(fx.outbound, env)
	return env, nil
}

func (c *SettlementCore) transition(loan *state.Loan, next state.LoanState) {
	if err := c.book.Transition(loan.LoanID, next); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	if c.metrics != nil {
		c.metrics.LoanTransitions.WithLabelValues(next.String()).Inc()
	}
}

// postCheckInvariants ties the ledger to the pool figures.
func (c *SettlementCore) postCheckInvariants() error {
	if err := c.validator.ValidateProtocolAccountsNonNegative(); err != nil {
		return err
	}
	ledgerLiquidity := c.balances.PoolLiquidity(c.params.SettlementAsset)
	if got := c.pool.State().Liquidity; got != ledgerLiquidity {
		return fmt.Errorf("pool liquidity %d does not match ledger balance %d", got, ledgerLiquidity)
	}
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: the
// balances touched by the batch, the pool figures and the targeted loan.
func (c *SettlementCore) computeStateDigest(batch *ledger.Batch, loanID uint64) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = binary.LittleEndian.AppendUint64(digest, uint64(c.balances.GetBalance(key)))
	}

	ps := c.pool.State()
	for _, v := range []int64{ps.Liquidity, ps.Outstanding, ps.WrittenOff, ps.Income} {
		digest = binary.LittleEndian.AppendUint64(digest, uint64(v))
	}

	if loanID != 0 {
		digest = binary.LittleEndian.AppendUint64(digest, loanID)
		digest = append(digest, byte(c.book.Resolution(loanID)))
		if l, ok := c.book.Loan(loanID); ok {
			digest = append(digest, byte(l.State))
			digest = binary.LittleEndian.AppendUint64(digest, uint64(l.VariableDebt))
		}
		if p, ok := c.book.Pending(loanID); ok && p.ReturnRequested {
			digest = append(digest, 1)
		}
	}
	digest = binary.LittleEndian.AppendUint64(digest, c.outbox.Nonce())
	return digest
}

// --- Accessors. Callers outside the actor goroutine must go through the
// sequencer; these are not synchronized. ---

func (c *SettlementCore) Sequence() int64 { return c.sequence }

func (c *SettlementCore) StateHash() [32]byte { return c.hasher.Tip() }

func (c *SettlementCore) Params() Params { return c.params }

func (c *SettlementCore) Loan(loanID uint64) (state.Loan, bool) {
	l, ok := c.book.Loan(loanID)
	if !ok {
		return state.Loan{}, false
	}
	return *l, true
}

func (c *SettlementCore) Loans() []state.Loan {
	ls := c.book.Loans()
	out := make([]state.Loan, 0, len(ls))
	for _, l := range ls {
		out = append(out, *l)
	}
	return out
}

func (c *SettlementCore) PendingDeposit(loanID uint64) (state.PendingDeposit, bool) {
	p, ok := c.book.Pending(loanID)
	if !ok {
		return state.PendingDeposit{}, false
	}
	return *p, true
}

func (c *SettlementCore) PendingDeposits() []state.PendingDeposit {
	ps := c.book.PendingDeposits()
	out := make([]state.PendingDeposit, 0, len(ps))
	for _, p := range ps {
		out = append(out, *p)
	}
	return out
}

func (c *SettlementCore) Resolution(loanID uint64) state.Resolution { return c.book.Resolution(loanID) }

// Registry is safe for concurrent reads.
func (c *SettlementCore) Registry() *message.Registry { return c.registry }

func (c *SettlementCore) Outbox() *message.Outbox { return c.outbox }

func (c *SettlementCore) PoolState() pool.State { return c.pool.State() }

func (c *SettlementCore) Balance(key ledger.AccountKey) int64 { return c.balances.GetBalance(key) }

func (c *SettlementCore) WalletBalance(owner common.Address, asset ledger.AssetID) int64 {
	return c.balances.WalletBalance(owner, asset)
}

func (c *SettlementCore) Treasury() int64 { return c.balances.Treasury(c.params.SettlementAsset) }
