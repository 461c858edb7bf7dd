package custody_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"CollarLedger/internal/access"
	"CollarLedger/internal/bridge"
	"CollarLedger/internal/custody"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	usdc       = int64(1_000_000)
	oneBTC     = int64(100_000_000)
	custodyID  = uint64(7)
	principal  = 20_000 * usdc
	feeRateWad = uint64(50_000_000_000_000_000)
)

var (
	agentAddr    = common.HexToAddress("0x0A")
	settleAddr   = common.HexToAddress("0x05")
	operatorAddr = common.HexToAddress("0x0B")
	borrowerAddr = common.HexToAddress("0xB0")
	t0           = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	maturity     = t0.Add(30 * 24 * time.Hour)
)

// ==========================================================================
// Harness
// ==========================================================================

type harness struct {
	t        *testing.T
	agent    *custody.Agent
	bridge   *bridge.Local
	settle   *message.Outbox
	quoter   *ecdsa.PrivateKey
	received []message.Envelope
}

type harnessOpt func(*custody.Deps)

func withStore(s custody.Store) harnessOpt { return func(d *custody.Deps) { d.Store = s } }

func newHarness(t *testing.T, b *bridge.Local, opts ...harnessOpt) *harness {
	t.Helper()
	agentKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	quoter, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	auth := access.NewAuthorizer()
	auth.Grant(access.RoleRelayer, operatorAddr)
	auth.Grant(access.RoleSigner, operatorAddr)
	auth.Grant(access.RoleSubmitter, operatorAddr)

	deps := custody.Deps{
		Authorizer: auth,
		Quotes:     quote.NewVerifier(ethcrypto.PubkeyToAddress(quoter.PublicKey)),
		Tracker:    b,
		Bridge:     b,
		Fees:       settlement.OriginationFeePolicy{TreasuryShareBps: 1000},
		Key:        agentKey,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	agent, err := custody.NewAgent(custody.Config{
		Address:         agentAddr,
		Settlement:      settleAddr,
		SettlementAsset: ledger.AssetUSDC,
	}, deps)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		t:      t,
		agent:  agent,
		bridge: b,
		settle: message.NewOutbox(message.DomainSettlement),
		quoter: quoter,
	}
	agent.SetSink(func(env message.Envelope) { h.received = append(h.received, env) })
	return h
}

// fromSettlement sends msg through a settlement-side outbox and hands it
// to the agent as the relay would.
func (h *harness) fromSettlement(msg message.Message) message.ID {
	h.t.Helper()
	if msg.Recipient == (common.Address{}) {
		msg.Recipient = agentAddr
	}
	env, err := h.settle.Send(msg)
	if err != nil {
		h.t.Fatalf("settlement send: %v", err)
	}
	if err := h.agent.AcceptIntent(operatorAddr, env.ID, env.Message); err != nil {
		h.t.Fatalf("accept %s: %v", msg.Kind, err)
	}
	return env.ID
}

// intent starts the deposit transfer and delivers the DepositIntent.
func (h *harness) intent(loanID uint64) message.ID {
	h.t.Helper()
	order := bridge.TransferRequest{
		ID:       bridge.OrderID(loanID, bridge.PurposeDeposit, 0),
		Asset:    ledger.AssetWBTC,
		Amount:   oneBTC,
		Receiver: agentAddr,
		Metadata: bridge.Metadata{LoanID: loanID, Purpose: bridge.PurposeDeposit},
	}
	if _, err := h.bridge.Transfer(context.Background(), order); err != nil {
		h.t.Fatal(err)
	}
	return h.fromSettlement(message.Message{
		Kind:             message.KindDepositIntent,
		LoanID:           loanID,
		Asset:            ledger.AssetWBTC,
		Amount:           oneBTC,
		CustodyAccountID: custodyID,
		BridgeTransferID: order.ID,
		AuxAmount:        maturity.Unix(),
	})
}

func (h *harness) deposit(loanID uint64) {
	h.t.Helper()
	id := h.intent(loanID)
	if err := h.bridge.Complete(bridge.OrderID(loanID, bridge.PurposeDeposit, 0)); err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.agent.SignDeposit(context.Background(), operatorAddr, id); err != nil {
		h.t.Fatalf("sign deposit: %v", err)
	}
}

func (h *harness) quote(loanID uint64) (quote.Quote, []byte) {
	h.t.Helper()
	q := quote.Quote{
		LoanID:           loanID,
		Borrower:         borrowerAddr,
		CollateralAsset:  ledger.AssetWBTC,
		CollateralAmount: oneBTC,
		CustodyAccountID: custodyID,
		Maturity:         maturity.Unix(),
		PutStrike:        20_000 * usdc,
		CallStrike:       25_000 * usdc,
		Principal:        principal,
		FeeRateWad:       feeRateWad,
		IssuedAt:         t0.Unix(),
		Expiry:           t0.Add(5 * time.Minute).Unix(),
		TakerNonce:       42,
	}
	sig, err := quote.Sign(q, h.quoter)
	if err != nil {
		h.t.Fatal(err)
	}
	return q, sig
}

func (h *harness) trade(loanID uint64) quote.Quote {
	h.t.Helper()
	q, sig := h.quote(loanID)
	if _, err := h.agent.RecordTradeConfirmed(operatorAddr, q, sig, t0.Unix()); err != nil {
		h.t.Fatalf("record trade: %v", err)
	}
	return q
}

func (h *harness) activate(q quote.Quote) {
	h.t.Helper()
	id := h.fromSettlement(message.Message{
		Kind:             message.KindMandateCreated,
		LoanID:           q.LoanID,
		Asset:            ledger.AssetUSDC,
		Amount:           q.Principal,
		CustodyAccountID: q.CustodyAccountID,
		AuxAmount:        q.Maturity,
		QuoteHash:        q.Hash(),
		TakerNonce:       q.TakerNonce,
	})
	if err := h.agent.ActivateMandate(operatorAddr, id); err != nil {
		h.t.Fatalf("activate: %v", err)
	}
}

func (h *harness) returnRequest(loanID uint64, kind message.Kind) message.ID {
	return h.fromSettlement(message.Message{
		Kind:             kind,
		LoanID:           loanID,
		Asset:            ledger.AssetWBTC,
		Amount:           oneBTC,
		CustodyAccountID: custodyID,
	})
}

func (h *harness) last() message.Message {
	h.t.Helper()
	if len(h.received) == 0 {
		h.t.Fatal("no outbound messages")
	}
	return h.received[len(h.received)-1].Message
}

func (h *harness) state(loanID uint64) custody.LoanState {
	rec, ok := h.agent.Loan(loanID)
	if !ok {
		return custody.LoanNone
	}
	return rec.State
}

// ==========================================================================
// Deposit
// ==========================================================================

func TestSignDeposit_WaitsForBridgeTransfer(t *testing.T) {
	h := newHarness(t, bridge.NewLocal())
	id := h.intent(1)
	if got := h.state(1); got != custody.LoanDepositPending {
		t.Fatalf("state = %s, want DEPOSIT_PENDING", got)
	}

	_, err := h.agent.SignDeposit(context.Background(), operatorAddr, id)
	if !errors.Is(err, bridge.ErrTransferPending) || !fault.IsRetryable(err) {
		t.Fatalf("expected retryable ErrTransferPending, got %v", err)
	}
	if len(h.received) != 0 {
		t.Fatal("nothing may be sent before the transfer lands")
	}

	_ = h.bridge.Complete(bridge.OrderID(1, bridge.PurposeDeposit, 0))
	signed, err := h.agent.SignDeposit(context.Background(), operatorAddr, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := signed.Verify(); err != nil {
		t.Fatalf("signature: %v", err)
	}
	if signed.Action.Kind != custody.ActionDeposit || signed.Action.Seq != 1 {
		t.Errorf("unexpected action %+v", signed.Action)
	}

	if got := h.state(1); got != custody.LoanDeposited {
		t.Fatalf("state = %s, want DEPOSITED", got)
	}
	acct, _ := h.agent.Account(custodyID)
	if acct.Base[ledger.AssetWBTC] != oneBTC {
		t.Errorf("base = %d, want %d", acct.Base[ledger.AssetWBTC], oneBTC)
	}

	msg := h.last()
	if msg.Kind != message.KindDepositConfirmed || msg.Source != message.DomainExecution {
		t.Fatalf("unexpected outbound %s from %s", msg.Kind, msg.Source)
	}
	if msg.BridgeTransferID != bridge.OrderID(1, bridge.PurposeDeposit, 0) || msg.Recipient != settleAddr {
		t.Errorf("confirmation does not carry the deposit transfer: %+v", msg)
	}

	if _, err := h.agent.SignDeposit(context.Background(), operatorAddr, id); !errors.Is(err, message.ErrAlreadyConsumed) {
		t.Fatalf("second sign: got %v", err)
	}
}

func TestAcceptIntent_Guards(t *testing.T) {
	h := newHarness(t, bridge.NewLocal())
	h.intent(1)

	base := message.Message{
		Kind:             message.KindDepositIntent,
		Source:           message.DomainSettlement,
		Nonce:            99,
		LoanID:           1,
		Asset:            ledger.AssetWBTC,
		Amount:           2 * oneBTC,
		Recipient:        agentAddr,
		CustodyAccountID: custodyID,
	}

	tests := []struct {
		name   string
		caller common.Address
		mutate func(*message.Message)
		want   error
	}{
		{"not a relayer", borrowerAddr, func(*message.Message) {}, access.ErrUnauthorized},
		{"wrong recipient", operatorAddr, func(m *message.Message) { m.Recipient = borrowerAddr }, custody.ErrRecipientMismatch},
		{"execution origin", operatorAddr, func(m *message.Message) {
			m.Kind = message.KindTradeConfirmed
			m.Source = message.DomainExecution
		}, message.ErrWrongOrigin},
		{"second intent for loan", operatorAddr, func(*message.Message) {}, custody.ErrLoanExists},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := base
			tc.mutate(&msg)
			if err := h.agent.AcceptIntent(tc.caller, msg.ID(), msg); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	rec, _ := h.agent.Loan(1)
	if rec.CollateralAmount != oneBTC {
		t.Fatal("rejected intent must not touch the record")
	}
}

// ==========================================================================
// Mutual exclusion between fill and return
// ==========================================================================

func TestTradeConfirmed_ForeclosesReturn(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	h.deposit(1)
	q := h.trade(1)

	msg := h.last()
	if msg.Kind != message.KindTradeConfirmed || msg.Amount != principal || msg.QuoteHash != q.Hash() {
		t.Fatalf("unexpected trade confirmation %+v", msg)
	}
	wantFee, _ := settlement.OriginationFeePolicy{}.OriginationFee(q.Principal, q.FeeRateWad, q.Duration())
	if msg.AuxAmount != wantFee {
		t.Errorf("fee = %d, want %d", msg.AuxAmount, wantFee)
	}

	acct, _ := h.agent.Account(custodyID)
	stats := acct.Stats(ledger.AssetWBTC)
	if stats.ShortCallExposure != oneBTC || len(acct.OpenPositions(1)) != 2 {
		t.Fatalf("expected long put and short call, got %+v", acct.Positions)
	}

	id := h.returnRequest(1, message.KindReturnRequest)
	_, err := h.agent.SignWithdrawal(context.Background(), operatorAddr, id)
	if !errors.Is(err, custody.ErrTradeAlreadyConfirmed) {
		t.Fatalf("return after trade: got %v", err)
	}

	q2, sig := h.quote(1)
	if _, err := h.agent.RecordTradeConfirmed(operatorAddr, q2, sig, t0.Unix()); !errors.Is(err, custody.ErrTradeAlreadyConfirmed) {
		t.Fatalf("second trade: got %v", err)
	}
}

func TestReturn_ForeclosesTrade(t *testing.T) {
	h := newHarness(t, bridge.NewLocal())
	h.deposit(1)

	id := h.returnRequest(1, message.KindReturnRequest)
	signed, err := h.agent.SignWithdrawal(context.Background(), operatorAddr, id)
	if err != nil {
		t.Fatal(err)
	}
	returnID := bridge.OrderID(1, bridge.PurposeReturn, 0)
	if signed.Action.BridgeTransferID != returnID || signed.Action.Counterparty != settleAddr {
		t.Fatalf("withdrawal not bound to the return transfer: %+v", signed.Action)
	}
	if tr, ok := h.bridge.Get(returnID); !ok || tr.Request.Amount != oneBTC {
		t.Fatal("return transfer not started")
	}
	if got := h.state(1); got != custody.LoanReturnPending {
		t.Fatalf("state = %s, want RETURN_PENDING", got)
	}

	cancel := h.returnRequest(1, message.KindCancelRequest)
	if _, err := h.agent.SignWithdrawal(context.Background(), operatorAddr, cancel); !errors.Is(err, custody.ErrReturnInFlight) {
		t.Fatalf("duplicate return: got %v", err)
	}
	q, sig := h.quote(1)
	if _, err := h.agent.RecordTradeConfirmed(operatorAddr, q, sig, t0.Unix()); !errors.Is(err, custody.ErrReturnInFlight) {
		t.Fatalf("trade during return: got %v", err)
	}

	err = h.agent.RecordCollateralReturned(context.Background(), operatorAddr, 1)
	if !fault.IsRetryable(err) {
		t.Fatalf("return before transfer lands: got %v", err)
	}
	_ = h.bridge.Complete(returnID)
	if err := h.agent.RecordCollateralReturned(context.Background(), operatorAddr, 1); err != nil {
		t.Fatal(err)
	}
	msg := h.last()
	if msg.Kind != message.KindCollateralReturned || msg.BridgeTransferID != returnID {
		t.Fatalf("unexpected outbound %+v", msg)
	}

	if err := h.agent.RecordCollateralReturned(context.Background(), operatorAddr, 1); !errors.Is(err, custody.ErrReturnAlreadyCompleted) {
		t.Fatalf("second return: got %v", err)
	}
	if _, err := h.agent.RecordTradeConfirmed(operatorAddr, q, sig, t0.Unix()); !errors.Is(err, custody.ErrReturnAlreadyCompleted) {
		t.Fatalf("trade after return: got %v", err)
	}

	acct, _ := h.agent.Account(custodyID)
	if acct.Base[ledger.AssetWBTC] != 0 {
		t.Errorf("base = %d after return", acct.Base[ledger.AssetWBTC])
	}
}

func TestSignWithdrawal_BeforeDepositIsRetryable(t *testing.T) {
	h := newHarness(t, bridge.NewLocal())
	h.intent(1)
	id := h.returnRequest(1, message.KindCancelRequest)

	_, err := h.agent.SignWithdrawal(context.Background(), operatorAddr, id)
	if !errors.Is(err, custody.ErrNotDeposited) || !fault.IsRetryable(err) {
		t.Fatalf("expected retryable ErrNotDeposited, got %v", err)
	}
}

func TestRecordTradeConfirmed_QuoteChecks(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	h.deposit(1)

	q, sig := h.quote(1)
	stranger, _ := ethcrypto.GenerateKey()
	strangerSig, _ := quote.Sign(q, stranger)

	other := q
	other.CollateralAmount = 2 * oneBTC
	otherSig, _ := quote.Sign(other, h.quoter)

	tests := []struct {
		name string
		q    quote.Quote
		sig  []byte
		now  int64
		want error
	}{
		{"expired", q, sig, q.Expiry + 1, quote.ErrQuoteExpired},
		{"untrusted quoter", q, strangerSig, t0.Unix(), quote.ErrUntrustedQuoter},
		{"terms differ from deposit", other, otherSig, t0.Unix(), custody.ErrTermsMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.agent.RecordTradeConfirmed(operatorAddr, tc.q, tc.sig, tc.now); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	if got := h.state(1); got != custody.LoanDeposited {
		t.Fatalf("rejected trades moved the loan to %s", got)
	}
}

// ==========================================================================
// Expiry
// ==========================================================================

func TestSettleExpiry_Neutral(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	h.deposit(1)
	q := h.trade(1)

	_, err := h.agent.SettleExpiry(context.Background(), operatorAddr, 1, settlement.OutcomeNeutral, 0, maturity.Unix())
	if !errors.Is(err, custody.ErrNotActivated) {
		t.Fatalf("before mandate: got %v", err)
	}
	h.activate(q)

	_, err = h.agent.SettleExpiry(context.Background(), operatorAddr, 1, settlement.OutcomeNeutral, 0, maturity.Unix()-1)
	if !errors.Is(err, custody.ErrNotMatured) || !fault.IsRetryable(err) {
		t.Fatalf("before maturity: got %v", err)
	}

	signed, err := h.agent.SettleExpiry(context.Background(), operatorAddr, 1, settlement.OutcomeNeutral, 0, maturity.Unix())
	if err != nil {
		t.Fatal(err)
	}
	if len(signed) != 2 || signed[0].Action.Kind != custody.ActionTrade || signed[1].Action.Kind != custody.ActionWithdraw {
		t.Fatalf("expected close then withdraw, got %+v", signed)
	}

	msg := h.last()
	if msg.Kind != message.KindCollateralReturned || msg.BridgeTransferID != bridge.OrderID(1, bridge.PurposeReturn, 1) {
		t.Fatalf("unexpected outbound %+v", msg)
	}
	acct, _ := h.agent.Account(custodyID)
	if len(acct.Positions) != 0 || acct.Base[ledger.AssetWBTC] != 0 {
		t.Fatalf("account not flat after neutral expiry: %+v", acct)
	}
	if got := h.state(1); got != custody.LoanSettled {
		t.Fatalf("state = %s, want SETTLED", got)
	}
}

func TestSettleExpiry_CashOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		outcome  settlement.Outcome
		proceeds int64
	}{
		{"underwater", settlement.OutcomeUnderwater, 18_000 * usdc},
		{"profit", settlement.OutcomeProfit, 25_000 * usdc},
		{"total loss", settlement.OutcomeUnderwater, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
			h.deposit(1)
			h.activate(h.trade(1))

			if _, err := h.agent.SettleExpiry(context.Background(), operatorAddr, 1, tc.outcome, tc.proceeds, maturity.Unix()); err != nil {
				t.Fatal(err)
			}

			msg := h.last()
			if msg.Kind != message.KindSettlementReport || msg.Amount != tc.proceeds || msg.AuxAmount != tc.outcome.Code() {
				t.Fatalf("unexpected report %+v", msg)
			}
			orderID := bridge.OrderID(1, bridge.PurposeSettlement, 0)
			_, bridged := h.bridge.Get(orderID)
			if tc.proceeds > 0 {
				if !bridged || msg.BridgeTransferID != orderID {
					t.Fatal("proceeds were not bridged")
				}
			} else if bridged || msg.HasTransfer() {
				t.Fatal("zero proceeds must not start a transfer")
			}

			acct, _ := h.agent.Account(custodyID)
			if acct.Cash != 0 || acct.Base[ledger.AssetWBTC] != 0 || len(acct.Positions) != 0 {
				t.Fatalf("account not flat: %+v", acct)
			}
		})
	}
}

func TestSettleExpiry_RejectsBadInput(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	h.deposit(1)
	h.activate(h.trade(1))

	tests := []struct {
		name     string
		outcome  settlement.Outcome
		proceeds int64
		want     error
	}{
		{"unknown outcome", settlement.OutcomeUnknown, 0, custody.ErrInvalidOutcome},
		{"negative proceeds", settlement.OutcomeProfit, -1, custody.ErrInvalidAmount},
		{"neutral with proceeds", settlement.OutcomeNeutral, 1, custody.ErrInvalidAmount},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.agent.SettleExpiry(context.Background(), operatorAddr, 1, tc.outcome, tc.proceeds, maturity.Unix())
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	if got := h.state(1); got != custody.LoanActivated {
		t.Fatalf("state = %s, want ACTIVATED", got)
	}
}

func TestActions_SequenceAcrossLoans(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	h.deposit(1)
	h.deposit(2)
	h.trade(2)

	// Loan 2's short call is covered by its own deposit, so loan 1 can
	// still leave the shared account.
	id := h.returnRequest(1, message.KindReturnRequest)
	signed, err := h.agent.SignWithdrawal(context.Background(), operatorAddr, id)
	if err != nil {
		t.Fatal(err)
	}
	if signed.Action.Seq != 4 {
		t.Fatalf("seq = %d, want 4", signed.Action.Seq)
	}
	acct, _ := h.agent.Account(custodyID)
	if s := acct.Stats(ledger.AssetWBTC); s.BaseAssetBalance != oneBTC || s.ShortCallExposure != oneBTC {
		t.Fatalf("unexpected stats %+v", s)
	}
}
