package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"sync"

	"CollarLedger/internal/access"
	"CollarLedger/internal/bridge"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds the agent's static parameters.
type Config struct {
	Address                common.Address // recipient of settlement-side messages
	Settlement             common.Address // settlement-side receiver for messages and bridged funds
	SettlementAsset        ledger.AssetID
	MinAllowedNegativeCash int64
}

// Deps are the agent's collaborators. Store may be nil, in which case state
// lives in memory only.
type Deps struct {
	Authorizer *access.Authorizer
	Quotes     *quote.Verifier
	Tracker    bridge.TransferTracker
	Bridge     bridge.Bridge
	Fees       settlement.FeePolicy
	Key        *ecdsa.PrivateKey
	Store      Store
	Metrics    *observability.Metrics
}

// Agent is the execution-side counterpart of the settlement core. It owns
// the custody accounts, signs every action against them, and answers the
// settlement side through its own outbox.
//
// Every operation validates and performs its external calls first, then
// mutates, then commits to the store before any outbound message is handed
// to the sink.
type Agent struct {
	mu        sync.Mutex
	cfg       Config
	deps      Deps
	registry  *message.Registry
	outbox    *message.Outbox
	loans     map[uint64]*LoanRecord
	accounts  map[uint64]*Account
	journal   *ledger.BalanceTracker
	actionSeq uint64
	sink      func(message.Envelope)
}

type effects struct {
	actions []SignedAction
	sent    []message.Envelope
}

func NewAgent(cfg Config, deps Deps) (*Agent, error) {
	if deps.Authorizer == nil || deps.Quotes == nil || deps.Tracker == nil || deps.Bridge == nil || deps.Fees == nil {
		return nil, errors.New("custody: authorizer, quotes, tracker, bridge and fees are required")
	}
	if deps.Key == nil {
		return nil, errors.New("custody: signing key is required")
	}
	if cfg.SettlementAsset == ledger.AssetUnknown {
		cfg.SettlementAsset = ledger.AssetUSDC
	}

	a := &Agent{
		cfg:      cfg,
		deps:     deps,
		registry: message.NewRegistry(),
		outbox:   message.NewOutbox(message.DomainExecution),
		loans:    make(map[uint64]*LoanRecord),
		accounts: make(map[uint64]*Account),
		journal:  ledger.NewBalanceTracker(),
	}
	if deps.Store != nil {
		snap, err := deps.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("load custody state: %w", err)
		}
		if snap != nil {
			a.restore(snap)
		}
		// The journal is derived from the signed action log.
		actions, err := deps.Store.Actions(0)
		if err != nil {
			return nil, fmt.Errorf("load custody actions: %w", err)
		}
		for _, s := range actions {
			a.journalAction(s.Action)
		}
	}
	return a, nil
}

// SetSink registers the consumer of outbound messages. It is called after
// each commit, in send order.
func (a *Agent) SetSink(fn func(message.Envelope)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = fn
}

// ──────────────────────────────────────────────────
// Inbound
// ──────────────────────────────────────────────────

// AcceptIntent stores a settlement-side message in the execution registry.
// A DepositIntent also opens the loan's DEPOSIT_PENDING record.
func (a *Agent) AcceptIntent(caller common.Address, id message.ID, msg message.Message) error {
	if err := a.deps.Authorizer.Require(caller, access.RoleRelayer); err != nil {
		return err
	}
	if msg.Source != message.DomainSettlement || msg.Kind.Origin() != message.DomainSettlement {
		return fmt.Errorf("%w: %s from %s", message.ErrWrongOrigin, msg.Kind, msg.Source)
	}
	if msg.Recipient != a.cfg.Address {
		return fmt.Errorf("%w: %s", ErrRecipientMismatch, msg.Recipient.Hex())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.loans[msg.LoanID]
	if msg.Kind == message.KindDepositIntent && rec != nil && rec.IntentID != id {
		return fmt.Errorf("%w: loan %d", ErrLoanExists, msg.LoanID)
	}
	if err := a.registry.Receive(id, msg); err != nil {
		return err
	}
	if msg.Kind == message.KindDepositIntent && rec == nil {
		a.loans[msg.LoanID] = &LoanRecord{
			LoanID:            msg.LoanID,
			State:             LoanDepositPending,
			IntentID:          id,
			CollateralAsset:   msg.Asset,
			CollateralAmount:  msg.Amount,
			CustodyAccountID:  msg.CustodyAccountID,
			Maturity:          msg.AuxAmount,
			DepositTransferID: msg.BridgeTransferID,
		}
	}
	a.commit(&effects{})
	return nil
}

// ──────────────────────────────────────────────────
// Deposit and trade
// ──────────────────────────────────────────────────

// SignDeposit credits a deposit once its bridge transfer has landed and
// confirms it to the settlement side.
func (a *Agent) SignDeposit(ctx context.Context, caller common.Address, id message.ID) (SignedAction, error) {
	if err := a.deps.Authorizer.Require(caller, access.RoleSigner); err != nil {
		return SignedAction{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	msg, err := a.registry.Peek(id)
	if err != nil {
		return SignedAction{}, err
	}
	if msg.Kind != message.KindDepositIntent {
		return SignedAction{}, fmt.Errorf("%w: %s", ErrUnexpectedKind, msg.Kind)
	}
	rec, err := a.loan(msg.LoanID)
	if err != nil {
		return SignedAction{}, err
	}
	if rec.State != LoanDepositPending {
		return SignedAction{}, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.LoanID, rec.State)
	}
	if err := bridge.RequireComplete(ctx, a.deps.Tracker, msg.BridgeTransferID); err != nil {
		return SignedAction{}, err
	}

	act := Action{
		Kind:             ActionDeposit,
		LoanID:           rec.LoanID,
		CustodyAccountID: rec.CustodyAccountID,
		Asset:            rec.CollateralAsset,
		Amount:           rec.CollateralAmount,
		BridgeTransferID: msg.BridgeTransferID,
	}
	signed, err := a.prepare(rec.CustodyAccountID, act)
	if err != nil {
		return SignedAction{}, err
	}

	fx := &effects{}
	if err := a.send(message.Message{
		Kind:             message.KindDepositConfirmed,
		LoanID:           rec.LoanID,
		Asset:            rec.CollateralAsset,
		Amount:           rec.CollateralAmount,
		Recipient:        a.cfg.Settlement,
		CustodyAccountID: rec.CustodyAccountID,
		BridgeTransferID: msg.BridgeTransferID,
	}, fx); err != nil {
		return SignedAction{}, err
	}
	a.mustConsume(id)
	a.perform(signed, fx)
	rec.State = LoanDeposited
	a.commit(fx)
	return signed[0], nil
}

// RecordTradeConfirmed records the collar fill for a deposited loan: a
// long put and a short call, each sized to the collateral. It fires at
// most once per loan and forecloses any later return.
func (a *Agent) RecordTradeConfirmed(caller common.Address, q quote.Quote, sig []byte, now int64) (SignedAction, error) {
	if err := a.deps.Authorizer.Require(caller, access.RoleSubmitter); err != nil {
		return SignedAction{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.loan(q.LoanID)
	if err != nil {
		return SignedAction{}, err
	}
	if err := exclusive(rec); err != nil {
		return SignedAction{}, err
	}
	if err := deposited(rec); err != nil {
		return SignedAction{}, err
	}
	if err := a.deps.Quotes.Verify(q, sig); err != nil {
		return SignedAction{}, err
	}
	if err := quote.CheckExpiry(q, now); err != nil {
		return SignedAction{}, err
	}
	if q.CollateralAsset != rec.CollateralAsset || q.CollateralAmount != rec.CollateralAmount ||
		q.CustodyAccountID != rec.CustodyAccountID || q.Maturity != rec.Maturity {
		return SignedAction{}, fmt.Errorf("%w: quote for loan %d", ErrTermsMismatch, rec.LoanID)
	}
	fee, err := a.deps.Fees.OriginationFee(q.Principal, q.FeeRateWad, q.Duration())
	if err != nil {
		return SignedAction{}, err
	}

	act := Action{
		Kind:             ActionTrade,
		LoanID:           rec.LoanID,
		CustodyAccountID: rec.CustodyAccountID,
		Asset:            rec.CollateralAsset,
		Open: []Position{
			{LoanID: rec.LoanID, Type: OptionPut, Asset: rec.CollateralAsset, Size: rec.CollateralAmount, Strike: q.PutStrike, Expiry: q.Maturity},
			{LoanID: rec.LoanID, Type: OptionCall, Short: true, Asset: rec.CollateralAsset, Size: rec.CollateralAmount, Strike: q.CallStrike, Expiry: q.Maturity},
		},
	}
	signed, err := a.prepare(rec.CustodyAccountID, act)
	if err != nil {
		return SignedAction{}, err
	}

	fx := &effects{}
	if err := a.send(message.Message{
		Kind:             message.KindTradeConfirmed,
		LoanID:           rec.LoanID,
		Asset:            a.cfg.SettlementAsset,
		Amount:           q.Principal,
		Recipient:        a.cfg.Settlement,
		CustodyAccountID: rec.CustodyAccountID,
		AuxAmount:        fee,
		QuoteHash:        q.Hash(),
		TakerNonce:       q.TakerNonce,
	}, fx); err != nil {
		return SignedAction{}, err
	}
	a.perform(signed, fx)
	rec.TradeConfirmed = true
	rec.QuoteHash = q.Hash()
	rec.Principal = q.Principal
	rec.State = LoanTraded
	a.commit(fx)
	return signed[0], nil
}

// ──────────────────────────────────────────────────
// Return
// ──────────────────────────────────────────────────

// SignWithdrawal answers a ReturnRequest or CancelRequest by withdrawing
// the collateral and bridging it back.
func (a *Agent) SignWithdrawal(ctx context.Context, caller common.Address, id message.ID) (SignedAction, error) {
	if err := a.deps.Authorizer.Require(caller, access.RoleSigner); err != nil {
		return SignedAction{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	msg, err := a.registry.Peek(id)
	if err != nil {
		return SignedAction{}, err
	}
	if msg.Kind != message.KindReturnRequest && msg.Kind != message.KindCancelRequest {
		return SignedAction{}, fmt.Errorf("%w: %s", ErrUnexpectedKind, msg.Kind)
	}
	rec, err := a.loan(msg.LoanID)
	if err != nil {
		return SignedAction{}, err
	}
	if err := exclusive(rec); err != nil {
		return SignedAction{}, err
	}
	if err := deposited(rec); err != nil {
		return SignedAction{}, err
	}
	if msg.Asset != rec.CollateralAsset || msg.Amount != rec.CollateralAmount || msg.CustodyAccountID != rec.CustodyAccountID {
		return SignedAction{}, fmt.Errorf("%w: %s for loan %d", ErrTermsMismatch, msg.Kind, rec.LoanID)
	}

	order := bridge.TransferRequest{
		ID:       bridge.OrderID(rec.LoanID, bridge.PurposeReturn, 0),
		Asset:    rec.CollateralAsset,
		Amount:   rec.CollateralAmount,
		Receiver: a.cfg.Settlement,
		Metadata: bridge.Metadata{LoanID: rec.LoanID, Purpose: bridge.PurposeReturn},
	}
	act := Action{
		Kind:             ActionWithdraw,
		LoanID:           rec.LoanID,
		CustodyAccountID: rec.CustodyAccountID,
		Asset:            rec.CollateralAsset,
		Amount:           rec.CollateralAmount,
		Counterparty:     a.cfg.Settlement,
		BridgeTransferID: order.ID,
	}
	signed, err := a.prepare(rec.CustodyAccountID, act)
	if err != nil {
		return SignedAction{}, err
	}
	if _, err := a.deps.Bridge.Transfer(ctx, order); err != nil {
		return SignedAction{}, fmt.Errorf("bridge return: %w", err)
	}

	fx := &effects{}
	a.mustConsume(id)
	a.perform(signed, fx)
	rec.ReturnTransferID = order.ID
	rec.State = LoanReturnPending
	a.commit(fx)
	return signed[0], nil
}

// RecordCollateralReturned tells the settlement side that the return
// transfer has landed. It fires at most once per loan.
func (a *Agent) RecordCollateralReturned(ctx context.Context, caller common.Address, loanID uint64) error {
	if err := a.deps.Authorizer.Require(caller, access.RoleSubmitter); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.loan(loanID)
	if err != nil {
		return err
	}
	if rec.ReturnCompleted {
		return fmt.Errorf("%w: loan %d", ErrReturnAlreadyCompleted, loanID)
	}
	if rec.State != LoanReturnPending {
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidState, loanID, rec.State)
	}
	if err := bridge.RequireComplete(ctx, a.deps.Tracker, rec.ReturnTransferID); err != nil {
		return err
	}

	fx := &effects{}
	if err := a.send(message.Message{
		Kind:             message.KindCollateralReturned,
		LoanID:           rec.LoanID,
		Asset:            rec.CollateralAsset,
		Amount:           rec.CollateralAmount,
		Recipient:        a.cfg.Settlement,
		CustodyAccountID: rec.CustodyAccountID,
		BridgeTransferID: rec.ReturnTransferID,
	}, fx); err != nil {
		return err
	}
	rec.ReturnCompleted = true
	rec.State = LoanReturned
	a.commit(fx)
	return nil
}

// ──────────────────────────────────────────────────
// Mandate and expiry
// ──────────────────────────────────────────────────

// ActivateMandate consumes the settlement side's MandateCreated and moves
// the loan from TRADED to ACTIVATED.
func (a *Agent) ActivateMandate(caller common.Address, id message.ID) error {
	if err := a.deps.Authorizer.Require(caller, access.RoleSigner); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	msg, err := a.registry.Peek(id)
	if err != nil {
		return err
	}
	if msg.Kind != message.KindMandateCreated {
		return fmt.Errorf("%w: %s", ErrUnexpectedKind, msg.Kind)
	}
	rec, err := a.loan(msg.LoanID)
	if err != nil {
		return err
	}
	if rec.State != LoanTraded {
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.LoanID, rec.State)
	}
	if msg.QuoteHash != rec.QuoteHash || msg.Amount != rec.Principal {
		return fmt.Errorf("%w: mandate for loan %d", ErrTermsMismatch, rec.LoanID)
	}

	a.mustConsume(id)
	rec.State = LoanActivated
	a.commit(&effects{})
	return nil
}

// SettleExpiry closes the loan's positions at maturity. A neutral outcome
// returns the collateral; underwater and profit sell it for proceeds and
// bridge the cash to the settlement side.
func (a *Agent) SettleExpiry(ctx context.Context, caller common.Address, loanID uint64, outcome settlement.Outcome, proceeds int64, now int64) ([]SignedAction, error) {
	if err := a.deps.Authorizer.Require(caller, access.RoleSubmitter); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.loan(loanID)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case LoanActivated:
	case LoanTraded:
		return nil, fmt.Errorf("%w: loan %d", ErrNotActivated, loanID)
	default:
		return nil, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, loanID, rec.State)
	}
	if now < rec.Maturity {
		return nil, fmt.Errorf("%w: loan %d matures at %d", ErrNotMatured, loanID, rec.Maturity)
	}
	if proceeds < 0 || (outcome == settlement.OutcomeNeutral && proceeds != 0) {
		return nil, fmt.Errorf("%w: proceeds %d for %s", ErrInvalidAmount, proceeds, outcome)
	}

	closeLoan := Action{
		Kind:             ActionTrade,
		LoanID:           rec.LoanID,
		CustodyAccountID: rec.CustodyAccountID,
		Asset:            rec.CollateralAsset,
		CloseLoan:        true,
	}
	var (
		acts   []Action
		order  *bridge.TransferRequest
		report message.Message
	)
	switch outcome {
	case settlement.OutcomeNeutral:
		order = &bridge.TransferRequest{
			ID:       bridge.OrderID(rec.LoanID, bridge.PurposeReturn, 1),
			Asset:    rec.CollateralAsset,
			Amount:   rec.CollateralAmount,
			Receiver: a.cfg.Settlement,
			Metadata: bridge.Metadata{LoanID: rec.LoanID, Purpose: bridge.PurposeReturn},
		}
		acts = []Action{closeLoan, {
			Kind:             ActionWithdraw,
			LoanID:           rec.LoanID,
			CustodyAccountID: rec.CustodyAccountID,
			Asset:            rec.CollateralAsset,
			Amount:           rec.CollateralAmount,
			Counterparty:     a.cfg.Settlement,
			BridgeTransferID: order.ID,
		}}
		report = message.Message{
			Kind:             message.KindCollateralReturned,
			LoanID:           rec.LoanID,
			Asset:            rec.CollateralAsset,
			Amount:           rec.CollateralAmount,
			Recipient:        a.cfg.Settlement,
			CustodyAccountID: rec.CustodyAccountID,
			BridgeTransferID: order.ID,
		}

	case settlement.OutcomeUnderwater, settlement.OutcomeProfit:
		closeLoan.Amount = rec.CollateralAmount
		closeLoan.CashDelta = proceeds
		acts = []Action{closeLoan}
		report = message.Message{
			Kind:             message.KindSettlementReport,
			LoanID:           rec.LoanID,
			Asset:            a.cfg.SettlementAsset,
			Amount:           proceeds,
			Recipient:        a.cfg.Settlement,
			CustodyAccountID: rec.CustodyAccountID,
			AuxAmount:        outcome.Code(),
		}
		if proceeds > 0 {
			order = &bridge.TransferRequest{
				ID:       bridge.OrderID(rec.LoanID, bridge.PurposeSettlement, 0),
				Asset:    a.cfg.SettlementAsset,
				Amount:   proceeds,
				Receiver: a.cfg.Settlement,
				Metadata: bridge.Metadata{LoanID: rec.LoanID, Purpose: bridge.PurposeSettlement},
			}
			acts = append(acts, Action{
				Kind:             ActionTransfer,
				LoanID:           rec.LoanID,
				CustodyAccountID: rec.CustodyAccountID,
				Asset:            a.cfg.SettlementAsset,
				Amount:           proceeds,
				Counterparty:     a.cfg.Settlement,
				BridgeTransferID: order.ID,
			})
			report.BridgeTransferID = order.ID
		}

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOutcome, outcome)
	}

	signed, err := a.prepare(rec.CustodyAccountID, acts...)
	if err != nil {
		return nil, err
	}
	if order != nil {
		if _, err := a.deps.Bridge.Transfer(ctx, *order); err != nil {
			return nil, fmt.Errorf("bridge %s: %w", order.Metadata.Purpose, err)
		}
	}

	fx := &effects{}
	if err := a.send(report, fx); err != nil {
		return nil, err
	}
	a.perform(signed, fx)
	if order != nil {
		rec.SettleTransferID = order.ID
	}
	rec.State = LoanSettled
	a.commit(fx)
	return signed, nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Loan returns a copy of the loan record.
func (a *Agent) Loan(loanID uint64) (LoanRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.loans[loanID]
	if !ok {
		return LoanRecord{}, false
	}
	return *rec, true
}

// LoansIn returns copies of every loan in state, ordered by loan id.
func (a *Agent) LoansIn(state LoanState) []LoanRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []LoanRecord
	for _, rec := range a.loans {
		if rec.State == state {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out
}

// Account returns a copy of a custody account.
func (a *Agent) Account(id uint64) (Account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *acct.clone(), true
}

// PendingMessages returns every unconsumed inbound message in nonce order.
func (a *Agent) PendingMessages() []message.Envelope {
	return a.registry.Pending()
}

// CustodyBalance is the journaled holding of asset in a custody account.
// An account's cash shows up under the settlement asset.
func (a *Agent) CustodyBalance(custodyAccountID uint64, asset ledger.AssetID) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.journal.CustodyBalance(custodyAccountID, asset)
}

// JournalTotals sums every journaled balance per asset. Each total is zero
// while the journal balances.
func (a *Agent) JournalTotals() map[ledger.AssetID]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.journal.ComputeGlobalBalance()
}

// InboundHighWater is the highest settlement-side nonce received. It seeds
// the relay's nonce tracker after a restart.
func (a *Agent) InboundHighWater() uint64 {
	return a.registry.MaxNonce()
}

// SentSince returns outbound messages with nonce greater than after, for
// republishing after a restart.
func (a *Agent) SentSince(after uint64) []message.Envelope {
	return a.outbox.Since(after)
}

// ──────────────────────────────────────────────────
// Internals (caller holds a.mu)
// ──────────────────────────────────────────────────

func (a *Agent) loan(loanID uint64) (*LoanRecord, error) {
	rec, ok := a.loans[loanID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLoan, loanID)
	}
	return rec, nil
}

// exclusive enforces that a fill and a return never both happen for a loan.
func exclusive(rec *LoanRecord) error {
	switch {
	case rec.TradeConfirmed:
		return fmt.Errorf("%w: loan %d", ErrTradeAlreadyConfirmed, rec.LoanID)
	case rec.ReturnCompleted:
		return fmt.Errorf("%w: loan %d", ErrReturnAlreadyCompleted, rec.LoanID)
	case rec.ReturnInFlight():
		return fmt.Errorf("%w: loan %d", ErrReturnInFlight, rec.LoanID)
	}
	return nil
}

func deposited(rec *LoanRecord) error {
	switch rec.State {
	case LoanDeposited:
		return nil
	case LoanDepositPending:
		return fmt.Errorf("%w: loan %d", ErrNotDeposited, rec.LoanID)
	default:
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.LoanID, rec.State)
	}
}

func (a *Agent) account(id uint64) *Account {
	if acct, ok := a.accounts[id]; ok {
		return acct
	}
	return newAccount(id)
}

// prepare runs the coverage check over acts and signs them with
// consecutive sequence numbers. Nothing is mutated.
func (a *Agent) prepare(accountID uint64, acts ...Action) ([]SignedAction, error) {
	if err := a.account(accountID).check(a.cfg.MinAllowedNegativeCash, acts...); err != nil {
		return nil, err
	}
	out := make([]SignedAction, 0, len(acts))
	for i, act := range acts {
		act.Seq = a.actionSeq + uint64(i) + 1
		s, err := signAction(act, a.deps.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *Agent) perform(signed []SignedAction, fx *effects) {
	for _, s := range signed {
		if s.Action.Seq != a.actionSeq+1 {
			panic(fmt.Sprintf("FATAL: custody action seq %d, expected %d", s.Action.Seq, a.actionSeq+1))
		}
		acct := a.account(s.Action.CustodyAccountID)
		acct.apply(s.Action)
		a.accounts[acct.ID] = acct
		a.journalAction(s.Action)
		a.actionSeq = s.Action.Seq
		fx.actions = append(fx.actions, s)
		if a.deps.Metrics != nil {
			a.deps.Metrics.CustodySignatures.WithLabelValues(s.Action.Kind.String()).Inc()
		}
	}
}

// journalAction records act as double-entry journals: custody holdings
// against the bridge and venue boundary accounts. Cash is held as the
// settlement asset.
func (a *Agent) journalAction(act Action) {
	holding := ledger.NewCustodyAccountKey(act.CustodyAccountID, act.Asset)
	cash := ledger.NewCustodyAccountKey(act.CustodyAccountID, a.cfg.SettlementAsset)
	batch := ledger.NewBatch(fmt.Sprintf("custody-action-%d", act.Seq), int64(act.Seq), 0)

	switch act.Kind {
	case ActionDeposit:
		batch.Add(holding, ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeInbound, act.Asset),
			act.Amount, ledger.JournalTypeCustodyCredit)
	case ActionWithdraw:
		batch.Add(ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeOutbound, act.Asset), holding,
			act.Amount, ledger.JournalTypeCustodyDebit)
	case ActionTrade:
		batch.Add(ledger.NewExternalAccountKey(ledger.SubTypeExternalVenue, act.Asset), holding,
			act.Amount, ledger.JournalTypeCustodyDebit)
		venueCash := ledger.NewExternalAccountKey(ledger.SubTypeExternalVenue, a.cfg.SettlementAsset)
		if act.CashDelta >= 0 {
			batch.Add(cash, venueCash, act.CashDelta, ledger.JournalTypeCustodyCredit)
		} else {
			batch.Add(venueCash, cash, -act.CashDelta, ledger.JournalTypeCustodyDebit)
		}
	case ActionTransfer:
		batch.Add(ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeOutbound, a.cfg.SettlementAsset), cash,
			act.Amount, ledger.JournalTypeCustodyTransfer)
	}
	if len(batch.Journals) == 0 {
		return
	}

	// Base holdings never go negative; cash may, down to the floor.
	base := act.Kind != ActionTransfer
	if base && act.Kind != ActionDeposit {
		if err := a.journal.ValidateSufficient(holding, act.Amount); err != nil {
			panic(fmt.Sprintf("FATAL: custody journal, action %d: %v", act.Seq, err))
		}
	}
	if err := a.journal.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: custody journal, action %d: %v", act.Seq, err))
	}
	if base {
		if err := a.journal.ValidateNonNegative(holding); err != nil {
			panic(fmt.Sprintf("FATAL: custody journal, action %d: %v", act.Seq, err))
		}
	}
}

func (a *Agent) send(msg message.Message, fx *effects) error {
	env, err := a.outbox.Send(msg)
	if err != nil {
		return err
	}
	fx.sent = append(fx.sent, env)
	return nil
}

func (a *Agent) mustConsume(id message.ID) {
	if _, err := a.registry.Consume(id); err != nil {
		panic(fmt.Sprintf("FATAL: consume after peek: %v", err))
	}
}

// commit persists the full agent state with the new actions. A failed
// write leaves memory ahead of disk, which is unrecoverable.
func (a *Agent) commit(fx *effects) {
	if a.deps.Store != nil {
		if err := a.deps.Store.Commit(a.snapshot(), fx.actions); err != nil {
			panic(fmt.Sprintf("FATAL: custody commit: %v", err))
		}
	}
	if a.sink != nil {
		for _, env := range fx.sent {
			a.sink(env)
		}
	}
}
