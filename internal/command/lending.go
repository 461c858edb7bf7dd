package command

import (
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
)

// FundPool adds lender liquidity to the pool (admin).
type FundPool struct {
	Meta
	Lender common.Address `json:"lender"`
	Amount int64          `json:"amount"`
}

func (c *FundPool) CommandType() CommandType { return CommandTypeFundPool }
func (c *FundPool) LoanRef() uint64 { return 0 }

// DeliverMessage stores an inbound cross-domain message (relayer).
type DeliverMessage struct {
	Meta
	MessageID message.ID      `json:"messageId"`
	Message   message.Message `json:"message"`
}

// IdempotencyKey binds the claimed id to the content so a conflicting
// redelivery reaches the registry instead of being deduplicated away.
func (c *DeliverMessage) IdempotencyKey() string {
	return c.MessageID.Hex() + ":" + c.Message.ID().Hex()
}
func (c *DeliverMessage) CommandType() CommandType { return CommandTypeDeliverMessage }
func (c *DeliverMessage) LoanRef() uint64 { return c.Message.LoanID }

// InitiateDeposit pulls collateral and starts its transfer to custody (borrower).
type InitiateDeposit struct {
	Meta
	CollateralAsset  ledger.AssetID `json:"collateralAsset"`
	CollateralAmount int64          `json:"collateralAmount"`
	Maturity         int64          `json:"maturity"`
	CustodyAccountID uint64         `json:"custodyAccountId"`
	BridgeFee        int64          `json:"bridgeFee"`
	MaxBridgeFee     int64          `json:"maxBridgeFee"`
}

func (c *InitiateDeposit) CommandType() CommandType { return CommandTypeInitiateDeposit }
func (c *InitiateDeposit) LoanRef() uint64 { return 0 }

// FinalizeLoan activates a loan from its deposit and trade confirmations (keeper).
type FinalizeLoan struct {
	Meta
	LoanID           uint64      `json:"loanId"`
	DepositMessageID message.ID  `json:"depositMessageId"`
	TradeMessageID   message.ID  `json:"tradeMessageId"`
	Quote            quote.Quote `json:"quote"`
	QuoteSignature   []byte      `json:"quoteSignature"`
}

func (c *FinalizeLoan) CommandType() CommandType { return CommandTypeFinalizeLoan }
func (c *FinalizeLoan) LoanRef() uint64 { return c.LoanID }

// RequestReturn asks the execution side to return a pending deposit (borrower).
type RequestReturn struct {
	Meta
	LoanID uint64 `json:"loanId"`
}

func (c *RequestReturn) CommandType() CommandType { return CommandTypeRequestReturn }
func (c *RequestReturn) LoanRef() uint64 { return c.LoanID }

// RequestCancel is the admin variant of RequestReturn for stale deposits.
type RequestCancel struct {
	Meta
	LoanID uint64 `json:"loanId"`
}

func (c *RequestCancel) CommandType() CommandType { return CommandTypeRequestCancel }
func (c *RequestCancel) LoanRef() uint64 { return c.LoanID }

// FinalizeReturn refunds collateral once its return is confirmed (keeper).
type FinalizeReturn struct {
	Meta
	LoanID    uint64     `json:"loanId"`
	MessageID message.ID `json:"messageId"`
}

func (c *FinalizeReturn) CommandType() CommandType { return CommandTypeFinalizeReturn }
func (c *FinalizeReturn) LoanRef() uint64 { return c.LoanID }

// Settle resolves a matured fixed-rate loan (keeper).
type Settle struct {
	Meta
	LoanID    uint64             `json:"loanId"`
	Outcome   settlement.Outcome `json:"outcome"`
	MessageID message.ID         `json:"messageId"`
}

func (c *Settle) CommandType() CommandType { return CommandTypeSettle }
func (c *Settle) LoanRef() uint64 { return c.LoanID }

// ConvertToVariable moves a matured loan onto the yield market (keeper).
type ConvertToVariable struct {
	Meta
	LoanID    uint64     `json:"loanId"`
	MessageID message.ID `json:"messageId"`
}

func (c *ConvertToVariable) CommandType() CommandType { return CommandTypeConvertToVariable }
func (c *ConvertToVariable) LoanRef() uint64 { return c.LoanID }

// RepayVariable pays down variable debt; the final payment closes the loan (borrower).
type RepayVariable struct {
	Meta
	LoanID uint64 `json:"loanId"`
	Amount int64  `json:"amount"`
}

func (c *RepayVariable) CommandType() CommandType { return CommandTypeRepayVariable }
func (c *RepayVariable) LoanRef() uint64 { return c.LoanID }
