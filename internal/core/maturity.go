package core

import (
	"context"
	"fmt"

	"CollarLedger/internal/access"
	"CollarLedger/internal/command"
	"CollarLedger/internal/event"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/settlement"
	"CollarLedger/internal/state"
)

// maturedFixedLoan loads a loan that may be settled now: ACTIVE_FIXED and
// at or past maturity. The state guard is what makes a second settle fail.
func (c *SettlementCore) maturedFixedLoan(loanID uint64, now int64) (*state.Loan, error) {
	loan, ok := c.book.Loan(loanID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLoan, loanID)
	}
	if loan.State != state.LoanStateActiveFixed {
		return nil, fmt.Errorf("%w: loan %d is %s", ErrInvalidLoanState, loanID, loan.State)
	}
	if !loan.IsMatured(now) {
		return nil, fmt.Errorf("%w: loan %d matures at %d, now %d", ErrNotMatured, loanID, loan.Maturity, now)
	}
	return loan, nil
}

func (c *SettlementCore) handleSettle(ctx context.Context, cmd *command.Settle, fx *effects) error {
	if err := c.requireRole(cmd.Caller(), access.RoleKeeper); err != nil {
		return err
	}
	loan, err := c.maturedFixedLoan(cmd.LoanID, cmd.Time().Unix())
	if err != nil {
		return err
	}

	switch cmd.Outcome {
	case settlement.OutcomeNeutral:
		return c.convert(ctx, loan, cmd.MessageID, settlement.OutcomeNeutral.String(), fx)
	case settlement.OutcomeUnderwater, settlement.OutcomeProfit:
		return c.settleCash(ctx, loan, cmd, fx)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOutcome, cmd.Outcome)
	}
}

// settleCash closes a loan from bridged USDC proceeds.
func (c *SettlementCore) settleCash(ctx context.Context, loan *state.Loan, cmd *command.Settle, fx *effects) error {
	msg, err := c.registry.Peek(cmd.MessageID)
	if err != nil {
		return err
	}
	if err := c.checkInbound(msg, message.KindSettlementReport, loan.LoanID); err != nil {
		return err
	}
	if msg.Asset != c.params.SettlementAsset {
		return fmt.Errorf("%w: want %s, got %s", ErrMessageAssetMismatch, c.params.SettlementAsset, msg.Asset)
	}
	if msg.AuxAmount != cmd.Outcome.Code() {
		return fmt.Errorf("%w: command %s, report code %d", ErrOutcomeMismatch, cmd.Outcome, msg.AuxAmount)
	}
	if msg.Amount > 0 && !msg.HasTransfer() {
		return ErrTransferRequired
	}

	res, err := settlement.Resolve(cmd.Outcome, msg.Amount, loan.Principal, c.params.SurplusTreasuryBps)
	if err != nil {
		return err
	}
	if err := c.pool.CanRepay(res.Repay, res.Shortfall); err != nil {
		return err
	}
	if err := c.requireTransfer(ctx, msg.BridgeTransferID); err != nil {
		return err
	}

	c.mustConsume(cmd.MessageID)
	if res.Repay > 0 {
		if err := c.pool.Repay(res.Repay); err != nil {
			panic(fmt.Sprintf("FATAL: pool repay after CanRepay: %v", err))
		}
	}
	if res.Shortfall > 0 {
		if err := c.pool.WriteOff(res.Shortfall); err != nil {
			panic(fmt.Sprintf("FATAL: pool write-off after CanRepay: %v", err))
		}
	}
	if err := c.pool.AccrueIncome(res.SurplusPool); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	asset := c.params.SettlementAsset
	inbound := ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeInbound, asset)
	poolKey := ledger.NewSystemAccountKey(ledger.SubTypePoolLiquidity, asset)
	fx.batch.Add(poolKey, inbound, res.Repay, ledger.JournalTypeSettlementRepay)
	fx.batch.Add(poolKey, inbound, res.SurplusPool, ledger.JournalTypeSurplusPool)
	fx.batch.Add(ledger.NewSystemAccountKey(ledger.SubTypeTreasury, asset), inbound, res.SurplusTreasury, ledger.JournalTypeSurplusTreasury)
	fx.batch.Add(ledger.NewWalletKey(loan.Borrower, asset), inbound, res.SurplusBorrower, ledger.JournalTypeSurplusBorrower)

	c.transition(loan, state.LoanStateClosed)
	loan.ClosedAt = cmd.Time().Unix()

	fx.events = append(fx.events, event.Lifecycle{
		Type:       event.LifecycleLoanSettled,
		LoanID:     loan.LoanID,
		Borrower:   loan.Borrower,
		State:      loan.State.String(),
		Asset:      asset,
		Amount:     res.SettlementAmount,
		Principal:  loan.Principal,
		Repay:      res.Repay,
		Shortfall:  res.Shortfall,
		Surplus:    res.Surplus,
		ToPool:     res.SurplusPool,
		ToTreasury: res.SurplusTreasury,
		ToBorrower: res.SurplusBorrower,
		Outcome:    cmd.Outcome.String(),
		MessageID:  cmd.MessageID,
	})
	if res.Shortfall > 0 {
		fx.events = append(fx.events, event.Lifecycle{
			Type:      event.LifecycleShortfallWrittenOff,
			LoanID:    loan.LoanID,
			Asset:     asset,
			Principal: loan.Principal,
			Shortfall: res.Shortfall,
		})
	}
	fx.events = append(fx.events, event.Lifecycle{
		Type:     event.LifecycleLoanClosed,
		LoanID:   loan.LoanID,
		Borrower: loan.Borrower,
		State:    loan.State.String(),
		Outcome:  cmd.Outcome.String(),
	})
	return nil
}

func (c *SettlementCore) handleConvertToVariable(ctx context.Context, cmd *command.ConvertToVariable, fx *effects) error {
	if err := c.requireRole(cmd.Caller(), access.RoleKeeper); err != nil {
		return err
	}
	loan, err := c.maturedFixedLoan(cmd.LoanID, cmd.Time().Unix())
	if err != nil {
		return err
	}
	return c.convert(ctx, loan, cmd.MessageID, "", fx)
}

// convert moves a matured loan onto the yield market: the returned
// collateral is supplied there, principal is borrowed against it and repaid
// to the fixed-rate pool.
func (c *SettlementCore) convert(ctx context.Context, loan *state.Loan, msgID message.ID, outcome string, fx *effects) error {
	if c.deps.Yield == nil {
		return fmt.Errorf("%w: no yield market configured", ErrInvalidLoanState)
	}
	msg, err := c.registry.Peek(msgID)
	if err != nil {
		return err
	}
	if err := c.checkCollateralMessage(msg, message.KindCollateralReturned, loan.LoanID,
		loan.CollateralAsset, loan.CollateralAmount, loan.CustodyAccountID); err != nil {
		return err
	}
	if err := c.pool.CanRepay(loan.Principal, 0); err != nil {
		return err
	}
	if err := c.requireTransfer(ctx, msg.BridgeTransferID); err != nil {
		return err
	}

	self := c.params.Self
	asset := c.params.SettlementAsset
	if err := c.deps.Yield.DepositCollateral(ctx, loan.CollateralAsset, loan.CollateralAmount, self); err != nil {
		return fmt.Errorf("yield deposit: %w", err)
	}
	if err := c.deps.Yield.Borrow(ctx, asset, loan.Principal, self, self); err != nil {
		if uerr := c.deps.Yield.WithdrawCollateral(ctx, loan.CollateralAsset, loan.CollateralAmount, self, self); uerr != nil {
			panic(fmt.Sprintf("FATAL: unwind yield deposit for loan %d: %v (borrow: %v)", loan.LoanID, uerr, err))
		}
		return fmt.Errorf("yield borrow: %w", err)
	}

	c.mustConsume(msgID)
	if err := c.pool.Repay(loan.Principal); err != nil {
		panic(fmt.Sprintf("FATAL: pool repay after CanRepay: %v", err))
	}
	loan.VariableDebt = loan.Principal
	c.transition(loan, state.LoanStateActiveVariable)

	market := ledger.NewExternalAccountKey(ledger.SubTypeExternalYieldMarket, loan.CollateralAsset)
	fx.batch.Add(market, ledger.NewExternalAccountKey(ledger.SubTypeExternalBridgeInbound, loan.CollateralAsset),
		loan.CollateralAmount, ledger.JournalTypeYieldCollateralDeposit)
	fx.batch.Add(ledger.NewSystemAccountKey(ledger.SubTypePoolLiquidity, asset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalYieldMarket, asset),
		loan.Principal, ledger.JournalTypeYieldBorrow)

	fx.events = append(fx.events, event.Lifecycle{
		Type:      event.LifecycleLoanConverted,
		LoanID:    loan.LoanID,
		Borrower:  loan.Borrower,
		State:     loan.State.String(),
		Asset:     loan.CollateralAsset,
		Amount:    loan.CollateralAmount,
		Principal: loan.Principal,
		Repay:     loan.Principal,
		Outcome:   outcome,
		MessageID: msgID,
	})
	return nil
}

func (c *SettlementCore) handleRepayVariable(ctx context.Context, cmd *command.RepayVariable, fx *effects) error {
	loan, ok := c.book.Loan(cmd.LoanID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLoan, cmd.LoanID)
	}
	if err := c.requireBorrower(cmd.Caller(), loan.Borrower); err != nil {
		return err
	}
	if loan.State != state.LoanStateActiveVariable {
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidLoanState, loan.LoanID, loan.State)
	}
	if cmd.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, cmd.Amount)
	}
	if c.deps.Yield == nil {
		return fmt.Errorf("%w: no yield market configured", ErrInvalidLoanState)
	}

	amount := cmd.Amount
	if amount > loan.VariableDebt {
		amount = loan.VariableDebt
	}
	final := amount == loan.VariableDebt

	self := c.params.Self
	asset := c.params.SettlementAsset
	if err := c.deps.Yield.Repay(ctx, asset, amount, self); err != nil {
		return fmt.Errorf("yield repay: %w", err)
	}
	if final {
		if err := c.deps.Yield.WithdrawCollateral(ctx, loan.CollateralAsset, loan.CollateralAmount, self, loan.Borrower); err != nil {
			if uerr := c.deps.Yield.Borrow(ctx, asset, amount, self, self); uerr != nil {
				panic(fmt.Sprintf("FATAL: unwind yield repay for loan %d: %v (withdraw: %v)", loan.LoanID, uerr, err))
			}
			return fmt.Errorf("yield withdraw: %w", err)
		}
	}

	loan.VariableDebt -= amount
	wallet := ledger.NewWalletKey(loan.Borrower, asset)
	fx.batch.Add(ledger.NewExternalAccountKey(ledger.SubTypeExternalYieldMarket, asset), wallet, amount, ledger.JournalTypeVariableRepay)

	fx.events = append(fx.events, event.Lifecycle{
		Type:     event.LifecycleVariableRepaid,
		LoanID:   loan.LoanID,
		Borrower: loan.Borrower,
		State:    loan.State.String(),
		Asset:    asset,
		Amount:   amount,
		Repay:    amount,
	})
	if !final {
		return nil
	}

	fx.batch.Add(ledger.NewWalletKey(loan.Borrower, loan.CollateralAsset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalYieldMarket, loan.CollateralAsset),
		loan.CollateralAmount, ledger.JournalTypeCollateralRelease)
	c.transition(loan, state.LoanStateClosed)
	loan.ClosedAt = cmd.Time().Unix()

	fx.events = append(fx.events, event.Lifecycle{
		Type:     event.LifecycleLoanClosed,
		LoanID:   loan.LoanID,
		Borrower: loan.Borrower,
		State:    loan.State.String(),
		Asset:    loan.CollateralAsset,
		Amount:   loan.CollateralAmount,
	})
	return nil
}
