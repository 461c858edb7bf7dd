package core

import (
	"context"
	"fmt"

	"CollarLedger/internal/access"
	"CollarLedger/internal/bridge"
	"CollarLedger/internal/command"
	"CollarLedger/internal/event"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func (c *SettlementCore) handleFundPool(cmd *command.FundPool, fx *effects) error {
	if err := c.requireRole(cmd.Caller(), access.RoleAdmin); err != nil {
		return err
	}
	if cmd.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, cmd.Amount)
	}

	if err := c.pool.Supply(cmd.Amount); err != nil {
		return err
	}
	asset := c.params.SettlementAsset
	fx.batch.Add(
		ledger.NewSystemAccountKey(ledger.SubTypePoolLiquidity, asset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalLenderDeposits, asset),
		cmd.Amount, ledger.JournalTypePoolSupply,
	)
	fx.events = append(fx.events, event.Lifecycle{
		Type:     event.LifecyclePoolFunded,
		Borrower: cmd.Lender,
		Asset:    asset,
		Amount:   cmd.Amount,
	})
	return nil
}

// handleDeliverMessage stores an execution-side message in the registry.
func (c *SettlementCore) handleDeliverMessage(cmd *command.DeliverMessage, fx *effects) error {
	if err := c.requireRole(cmd.Caller(), access.RoleRelayer); err != nil {
		return err
	}
	if cmd.Message.Source != message.DomainExecution {
		return fmt.Errorf("%w: %s from %s", message.ErrWrongOrigin, cmd.Message.Kind, cmd.Message.Source)
	}
	if err := c.registry.Receive(cmd.MessageID, cmd.Message); err != nil {
		return err
	}
	fx.events = append(fx.events, event.Lifecycle{
		Type:      event.LifecycleMessageReceived,
		LoanID:    cmd.Message.LoanID,
		Asset:     cmd.Message.Asset,
		Amount:    cmd.Message.Amount,
		Outcome:   cmd.Message.Kind.String(),
		MessageID: cmd.MessageID,
	})
	return nil
}

func (c *SettlementCore) handleInitiateDeposit(cmd *command.InitiateDeposit, fx *effects) error {
	borrower := cmd.Caller()
	now := cmd.Time().Unix()

	if cmd.Maturity <= now {
		return fmt.Errorf("%w: maturity=%d now=%d", ErrInvalidMaturity, cmd.Maturity, now)
	}
	if _, ok := c.allowlist[cmd.CollateralAsset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedCollateral, cmd.CollateralAsset)
	}
	if cmd.CollateralAmount <= 0 || cmd.BridgeFee < 0 {
		return fmt.Errorf("%w: collateral=%d fee=%d", ErrInvalidAmount, cmd.CollateralAmount, cmd.BridgeFee)
	}
	if cmd.CustodyAccountID == 0 {
		return ErrInvalidCustodyAccount
	}
	if cmd.BridgeFee > cmd.MaxBridgeFee {
		return fmt.Errorf("%w: fee=%d max=%d", ErrBridgeFeeTooHigh, cmd.BridgeFee, cmd.MaxBridgeFee)
	}

	loanID := c.book.PeekNextLoanID()
	order := bridge.TransferRequest{
		ID:       bridge.OrderID(loanID, bridge.PurposeDeposit, 0),
		Asset:    cmd.CollateralAsset,
		Amount:   cmd.CollateralAmount,
		Receiver: c.params.CustodyReceiver,
		Metadata: bridge.Metadata{LoanID: loanID, Purpose: bridge.PurposeDeposit},
	}

	env, err := c.send(message.Message{
		Kind:             message.KindDepositIntent,
		LoanID:           loanID,
		Asset:            cmd.CollateralAsset,
		Amount:           cmd.CollateralAmount,
		Recipient:        c.params.CustodyReceiver,
		CustodyAccountID: cmd.CustodyAccountID,
		BridgeTransferID: order.ID,
		AuxAmount:        cmd.Maturity,
	}, fx)
	if err != nil {
		return err
	}

	if id := c.book.AssignLoanID(); id != loanID {
		panic(fmt.Sprintf("FATAL: loan id moved from %d to %d", loanID, id))
	}
	if err := c.book.AddPending(&state.PendingDeposit{
		LoanID:           loanID,
		Borrower:         borrower,
		CollateralAsset:  cmd.CollateralAsset,
		CollateralAmount: cmd.CollateralAmount,
		Maturity:         cmd.Maturity,
		CustodyAccountID: cmd.CustodyAccountID,
		TransferID:       order.ID,
		CreatedAt:        now,
	}); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	wallet := ledger.NewWalletKey(borrower, cmd.CollateralAsset)
	fx.batch.Add(ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeOutbound, cmd.CollateralAsset),
		wallet, cmd.CollateralAmount, ledger.JournalTypeCollateralPull)
	fx.batch.Add(ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeFees, cmd.CollateralAsset),
		wallet, cmd.BridgeFee, ledger.JournalTypeBridgeFee)

	fx.transfers = append(fx.transfers, order)
	fx.events = append(fx.events, event.Lifecycle{
		Type:      event.LifecycleDepositInitiated,
		LoanID:    loanID,
		Borrower:  borrower,
		State:     "PENDING",
		Asset:     cmd.CollateralAsset,
		Amount:    cmd.CollateralAmount,
		Fee:       cmd.BridgeFee,
		MessageID: env.ID,
	})
	return nil
}

// pendingOrResolved returns the pending deposit, or the error that explains
// why there is none.
func (c *SettlementCore) pendingOrResolved(loanID uint64) (*state.PendingDeposit, error) {
	if pd, ok := c.book.Pending(loanID); ok {
		return pd, nil
	}
	switch c.book.Resolution(loanID) {
	case state.ResolutionTraded:
		return nil, fmt.Errorf("%w: loan %d", ErrLoanAlreadyActive, loanID)
	case state.ResolutionReturned:
		return nil, fmt.Errorf("%w: loan %d", ErrReturnAlreadyRecorded, loanID)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownLoan, loanID)
	}
}

// checkInbound validates the fields every consumed message shares.
func (c *SettlementCore) checkInbound(msg message.Message, kind message.Kind, loanID uint64) error {
	if msg.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrMessageKindMismatch, kind, msg.Kind)
	}
	if msg.LoanID != loanID {
		return fmt.Errorf("%w: want %d, got %d", ErrMessageLoanMismatch, loanID, msg.LoanID)
	}
	if msg.Recipient != c.params.Self {
		return fmt.Errorf("%w: %s", ErrRecipientMismatch, msg.Recipient.Hex())
	}
	return nil
}

// checkCollateralMessage validates a message that carries the loan's collateral.
func (c *SettlementCore) checkCollateralMessage(msg message.Message, kind message.Kind, loanID uint64,
	asset ledger.AssetID, amount int64, custodyAccountID uint64) error {
	if err := c.checkInbound(msg, kind, loanID); err != nil {
		return err
	}
	if msg.Asset != asset {
		return fmt.Errorf("%w: want %s, got %s", ErrMessageAssetMismatch, asset, msg.Asset)
	}
	if msg.Amount != amount {
		return fmt.Errorf("%w: want %d, got %d", ErrMessageAmountMismatch, amount, msg.Amount)
	}
	if msg.CustodyAccountID != custodyAccountID {
		return fmt.Errorf("%w: want %d, got %d", ErrCustodyMismatch, custodyAccountID, msg.CustodyAccountID)
	}
	return nil
}

func (c *SettlementCore) handleFinalizeLoan(ctx context.Context, cmd *command.FinalizeLoan, fx *effects) error {
	if err := c.requireRole(cmd.Caller(), access.RoleKeeper); err != nil {
		return err
	}
	pd, err := c.pendingOrResolved(cmd.LoanID)
	if err != nil {
		return err
	}

	q := cmd.Quote
	if c.deps.Quotes == nil {
		return quote.ErrUntrustedQuoter
	}
	if err := c.deps.Quotes.Verify(q, cmd.QuoteSignature); err != nil {
		return err
	}
	if q.LoanID != pd.LoanID || q.Borrower != pd.Borrower || q.CollateralAsset != pd.CollateralAsset ||
		q.CollateralAmount != pd.CollateralAmount || q.Maturity != pd.Maturity ||
		q.CustodyAccountID != pd.CustodyAccountID {
		return fmt.Errorf("%w: loan %d", quote.ErrQuoteTermsDiffer, pd.LoanID)
	}

	deposit, err := c.registry.Peek(cmd.DepositMessageID)
	if err != nil {
		return fmt.Errorf("deposit message: %w", err)
	}
	if err := c.checkCollateralMessage(deposit, message.KindDepositConfirmed, pd.LoanID,
		pd.CollateralAsset, pd.CollateralAmount, pd.CustodyAccountID); err != nil {
		return fmt.Errorf("deposit message: %w", err)
	}

	trade, err := c.registry.Peek(cmd.TradeMessageID)
	if err != nil {
		return fmt.Errorf("trade message: %w", err)
	}
	if err := c.checkInbound(trade, message.KindTradeConfirmed, pd.LoanID); err != nil {
		return fmt.Errorf("trade message: %w", err)
	}
	if trade.Amount != q.Principal {
		return fmt.Errorf("trade message: %w: principal want %d, got %d", ErrMessageAmountMismatch, q.Principal, trade.Amount)
	}
	if trade.QuoteHash != q.Hash() {
		return ErrQuoteHashMismatch
	}
	if trade.TakerNonce != q.TakerNonce {
		return fmt.Errorf("%w: want %d, got %d", ErrTakerNonceMismatch, q.TakerNonce, trade.TakerNonce)
	}

	fee, err := c.deps.Fees.OriginationFee(q.Principal, q.FeeRateWad, q.Duration())
	if err != nil {
		return err
	}
	if trade.AuxAmount != fee {
		return fmt.Errorf("%w: want %d, got %d", ErrFeeMismatch, fee, trade.AuxAmount)
	}
	if fee > q.Principal {
		return fmt.Errorf("%w: fee %d exceeds principal %d", ErrFeeMismatch, fee, q.Principal)
	}
	poolShare, treasuryShare, err := c.deps.Fees.Split(fee)
	if err != nil {
		return err
	}
	if err := c.pool.CanBorrow(q.Principal); err != nil {
		return err
	}
	if err := c.requireTransfer(ctx, deposit.BridgeTransferID); err != nil {
		return fmt.Errorf("deposit message: %w", err)
	}

	// Every check passed. Mutate.
	if _, err := c.send(message.Message{
		Kind:             message.KindMandateCreated,
		LoanID:           pd.LoanID,
		Asset:            c.params.SettlementAsset,
		Amount:           q.Principal,
		Recipient:        c.params.CustodyReceiver,
		CustodyAccountID: pd.CustodyAccountID,
		AuxAmount:        pd.Maturity,
		QuoteHash:        trade.QuoteHash,
		TakerNonce:       q.TakerNonce,
	}, fx); err != nil {
		return err
	}
	c.mustConsume(cmd.DepositMessageID)
	c.mustConsume(cmd.TradeMessageID)

	loan := &state.Loan{
		LoanID:            pd.LoanID,
		Borrower:          pd.Borrower,
		CollateralAsset:   pd.CollateralAsset,
		CollateralAmount:  pd.CollateralAmount,
		Maturity:          pd.Maturity,
		PutStrike:         q.PutStrike,
		CallStrike:        q.CallStrike,
		Principal:         q.Principal,
		CustodyAccountID:  pd.CustodyAccountID,
		State:             state.LoanStateActiveFixed,
		StartTime:         cmd.Time().Unix(),
		FeeRateAnnualized: q.FeeRateWad,
		OriginationFee:    fee,
		QuoteHash:         trade.QuoteHash,
	}
	if err := c.book.Open(loan); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	if err := c.book.Resolve(pd.LoanID, state.ResolutionTraded); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	c.book.DeletePending(pd.LoanID)
	if c.metrics != nil {
		c.metrics.LoanTransitions.WithLabelValues(state.LoanStateActiveFixed.String()).Inc()
	}

	if err := c.pool.Borrow(q.Principal); err != nil {
		panic(fmt.Sprintf("FATAL: pool borrow after CanBorrow: %v", err))
	}
	if err := c.pool.AccrueIncome(poolShare); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	asset := c.params.SettlementAsset
	poolKey := ledger.NewSystemAccountKey(ledger.SubTypePoolLiquidity, asset)
	fx.batch.Add(ledger.NewWalletKey(pd.Borrower, asset), poolKey, q.Principal-fee, ledger.JournalTypeDisbursement)
	fx.batch.Add(ledger.NewSystemAccountKey(ledger.SubTypeTreasury, asset), poolKey, treasuryShare, ledger.JournalTypeOriginationFee)

	fx.events = append(fx.events, event.Lifecycle{
		Type:       event.LifecycleLoanCreated,
		LoanID:     loan.LoanID,
		Borrower:   loan.Borrower,
		State:      loan.State.String(),
		Asset:      loan.CollateralAsset,
		Amount:     loan.CollateralAmount,
		Principal:  loan.Principal,
		Fee:        fee,
		ToPool:     poolShare,
		ToTreasury: treasuryShare,
		ToBorrower: q.Principal - fee,
		MessageID:  cmd.TradeMessageID,
	})
	return nil
}

// handleRequestReturn serves both the borrower's return request and the
// admin cancel of a stale deposit. Neither cancels anything by itself.
func (c *SettlementCore) handleRequestReturn(caller common.Address, loanID uint64, admin bool, fx *effects) error {
	pd, err := c.pendingOrResolved(loanID)
	if err != nil {
		return err
	}
	kind := message.KindReturnRequest
	if admin {
		kind = message.KindCancelRequest
		if err := c.requireRole(caller, access.RoleAdmin); err != nil {
			return err
		}
	} else if err := c.requireBorrower(caller, pd.Borrower); err != nil {
		return err
	}

	if c.registry.HasDelivered(loanID, message.KindTradeConfirmed) {
		return fmt.Errorf("%w: loan %d", ErrTradeAlreadyConfirmed, loanID)
	}
	if pd.ReturnRequested {
		return fmt.Errorf("%w: loan %d", ErrReturnInFlight, loanID)
	}

	env, err := c.send(message.Message{
		Kind:             kind,
		LoanID:           loanID,
		Asset:            pd.CollateralAsset,
		Amount:           pd.CollateralAmount,
		Recipient:        c.params.CustodyReceiver,
		CustodyAccountID: pd.CustodyAccountID,
	}, fx)
	if err != nil {
		return err
	}
	pd.ReturnRequested = true

	fx.events = append(fx.events, event.Lifecycle{
		Type:      event.LifecycleReturnRequested,
		LoanID:    loanID,
		Borrower:  pd.Borrower,
		State:     "PENDING",
		Asset:     pd.CollateralAsset,
		Amount:    pd.CollateralAmount,
		Outcome:   kind.String(),
		MessageID: env.ID,
	})
	return nil
}

func (c *SettlementCore) handleFinalizeReturn(ctx context.Context, cmd *command.FinalizeReturn, fx *effects) error {
	if err := c.requireRole(cmd.Caller(), access.RoleKeeper); err != nil {
		return err
	}
	pd, ok := c.book.Pending(cmd.LoanID)
	if !ok {
		switch c.book.Resolution(cmd.LoanID) {
		case state.ResolutionTraded:
			return fmt.Errorf("%w: loan %d", ErrTradeAlreadyConfirmed, cmd.LoanID)
		case state.ResolutionReturned:
			return fmt.Errorf("%w: loan %d", ErrReturnAlreadyRecorded, cmd.LoanID)
		default:
			return fmt.Errorf("%w: %d", ErrUnknownLoan, cmd.LoanID)
		}
	}

	msg, err := c.registry.Peek(cmd.MessageID)
	if err != nil {
		return err
	}
	if err := c.checkCollateralMessage(msg, message.KindCollateralReturned, pd.LoanID,
		pd.CollateralAsset, pd.CollateralAmount, pd.CustodyAccountID); err != nil {
		return err
	}
	if err := c.requireTransfer(ctx, msg.BridgeTransferID); err != nil {
		return err
	}

	c.mustConsume(cmd.MessageID)
	if err := c.book.Resolve(pd.LoanID, state.ResolutionReturned); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	c.book.DeletePending(pd.LoanID)

	fx.batch.Add(ledger.NewWalletKey(pd.Borrower, pd.CollateralAsset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeInbound, pd.CollateralAsset),
		pd.CollateralAmount, ledger.JournalTypeCollateralRefund)

	fx.events = append(fx.events, event.Lifecycle{
		Type:      event.LifecycleReturnCompleted,
		LoanID:    pd.LoanID,
		Borrower:  pd.Borrower,
		State:     "RETURNED",
		Asset:     pd.CollateralAsset,
		Amount:    pd.CollateralAmount,
		MessageID: cmd.MessageID,
	})
	return nil
}

// mustConsume marks a message consumed after Peek validated it. The core
// is the only consumer, so a failure here is a programming error.
func (c *SettlementCore) mustConsume(id message.ID) message.Message {
	msg, err := c.registry.Consume(id)
	if err != nil {
		panic(fmt.Sprintf("FATAL: consume %s after peek: %v", id.Hex(), err))
	}
	return msg
}
