package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"CollarLedger/internal/command"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/quote"
	"CollarLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrBadRequest = fault.Validation("ingestion: malformed command")

// ParseCommand converts an API request body into a typed command issued by
// caller at the given time. The shell validates formats here; business
// rules stay in the core.
func ParseCommand(commandType string, caller common.Address, at time.Time, data []byte) (command.Command, error) {
	meta := command.NewMeta(caller, at)
	switch command.ParseCommandType(commandType) {
	case command.CommandTypeFundPool:
		return parseFundPool(meta, data)
	case command.CommandTypeInitiateDeposit:
		return parseInitiateDeposit(meta, data)
	case command.CommandTypeFinalizeLoan:
		return parseFinalizeLoan(meta, data)
	case command.CommandTypeRequestReturn:
		var j loanJSON
		if err := decode(data, &j, commandType); err != nil {
			return nil, err
		}
		return &command.RequestReturn{Meta: meta, LoanID: j.LoanID}, nil
	case command.CommandTypeRequestCancel:
		var j loanJSON
		if err := decode(data, &j, commandType); err != nil {
			return nil, err
		}
		return &command.RequestCancel{Meta: meta, LoanID: j.LoanID}, nil
	case command.CommandTypeFinalizeReturn:
		j, id, err := parseLoanMessage(data, commandType)
		if err != nil {
			return nil, err
		}
		return &command.FinalizeReturn{Meta: meta, LoanID: j.LoanID, MessageID: id}, nil
	case command.CommandTypeSettle:
		return parseSettle(meta, data)
	case command.CommandTypeConvertToVariable:
		j, id, err := parseLoanMessage(data, commandType)
		if err != nil {
			return nil, err
		}
		return &command.ConvertToVariable{Meta: meta, LoanID: j.LoanID, MessageID: id}, nil
	case command.CommandTypeRepayVariable:
		var j amountJSON
		if err := decode(data, &j, commandType); err != nil {
			return nil, err
		}
		return &command.RepayVariable{Meta: meta, LoanID: j.LoanID, Amount: j.Amount}, nil
	case command.CommandTypeDeliverMessage:
		return nil, fmt.Errorf("%w: %s arrives through the relay", ErrBadRequest, commandType)
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrBadRequest, commandType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match the relay payloads.

type loanJSON struct {
	LoanID uint64 `json:"loan_id"`
}

type loanMessageJSON struct {
	LoanID    uint64 `json:"loan_id"`
	MessageID string `json:"message_id"`
}

type amountJSON struct {
	LoanID uint64 `json:"loan_id"`
	Amount int64  `json:"amount"`
}

type fundPoolJSON struct {
	Lender string `json:"lender"`
	Amount int64  `json:"amount"`
}

type initiateDepositJSON struct {
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	Maturity         int64  `json:"maturity"`
	CustodyAccountID uint64 `json:"custody_account_id"`
	MaxBridgeFee     int64  `json:"max_bridge_fee"`
}

type finalizeLoanJSON struct {
	LoanID           uint64        `json:"loan_id"`
	DepositMessageID string        `json:"deposit_message_id"`
	TradeMessageID   string        `json:"trade_message_id"`
	Quote            quote.Quote   `json:"quote"`
	QuoteSignature   hexutil.Bytes `json:"quote_signature"`
}

type settleJSON struct {
	LoanID    uint64 `json:"loan_id"`
	Outcome   string `json:"outcome"`
	MessageID string `json:"message_id"`
}

func decode(data []byte, v any, commandType string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrBadRequest, commandType, err)
	}
	return nil
}

func parseFundPool(meta command.Meta, data []byte) (*command.FundPool, error) {
	var j fundPoolJSON
	if err := decode(data, &j, "FundPool"); err != nil {
		return nil, err
	}
	lender, err := parseAddress(j.Lender, "lender")
	if err != nil {
		return nil, err
	}
	return &command.FundPool{Meta: meta, Lender: lender, Amount: j.Amount}, nil
}

// parseInitiateDeposit leaves BridgeFee zero; the API fills it from the
// bridge's estimate before submitting.
func parseInitiateDeposit(meta command.Meta, data []byte) (*command.InitiateDeposit, error) {
	var j initiateDepositJSON
	if err := decode(data, &j, "InitiateDeposit"); err != nil {
		return nil, err
	}
	asset, ok := ledger.GetAssetID(j.CollateralAsset)
	if !ok {
		return nil, fmt.Errorf("%w: collateral_asset %q", ErrBadRequest, j.CollateralAsset)
	}
	return &command.InitiateDeposit{
		Meta:             meta,
		CollateralAsset:  asset,
		CollateralAmount: j.CollateralAmount,
		Maturity:         j.Maturity,
		CustodyAccountID: j.CustodyAccountID,
		MaxBridgeFee:     j.MaxBridgeFee,
	}, nil
}

func parseFinalizeLoan(meta command.Meta, data []byte) (*command.FinalizeLoan, error) {
	var j finalizeLoanJSON
	if err := decode(data, &j, "FinalizeLoan"); err != nil {
		return nil, err
	}
	depositID, err := parseMessageID(j.DepositMessageID, "deposit_message_id")
	if err != nil {
		return nil, err
	}
	tradeID, err := parseMessageID(j.TradeMessageID, "trade_message_id")
	if err != nil {
		return nil, err
	}
	if len(j.QuoteSignature) == 0 {
		return nil, fmt.Errorf("%w: quote_signature required", ErrBadRequest)
	}
	return &command.FinalizeLoan{
		Meta:             meta,
		LoanID:           j.LoanID,
		DepositMessageID: depositID,
		TradeMessageID:   tradeID,
		Quote:            j.Quote,
		QuoteSignature:   j.QuoteSignature,
	}, nil
}

func parseSettle(meta command.Meta, data []byte) (*command.Settle, error) {
	var j settleJSON
	if err := decode(data, &j, "Settle"); err != nil {
		return nil, err
	}
	outcome, ok := settlement.ParseOutcome(j.Outcome)
	if !ok {
		return nil, fmt.Errorf("%w: outcome %q", ErrBadRequest, j.Outcome)
	}
	id, err := parseMessageID(j.MessageID, "message_id")
	if err != nil {
		return nil, err
	}
	return &command.Settle{Meta: meta, LoanID: j.LoanID, Outcome: outcome, MessageID: id}, nil
}

func parseLoanMessage(data []byte, commandType string) (loanMessageJSON, message.ID, error) {
	var j loanMessageJSON
	if err := decode(data, &j, commandType); err != nil {
		return j, message.ID{}, err
	}
	id, err := parseMessageID(j.MessageID, "message_id")
	return j, id, err
}

func parseMessageID(s, field string) (message.ID, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return message.ID{}, fmt.Errorf("%w: %s %q", ErrBadRequest, field, s)
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q", ErrBadRequest, field, s)
	}
	return common.HexToAddress(s), nil
}
