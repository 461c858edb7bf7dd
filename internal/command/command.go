package command

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandType discriminator for settlement-side inputs
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeFundPool
	CommandTypeDeliverMessage
	CommandTypeInitiateDeposit
	CommandTypeFinalizeLoan
	CommandTypeRequestReturn
	CommandTypeRequestCancel
	CommandTypeFinalizeReturn
	CommandTypeSettle
	CommandTypeConvertToVariable
	CommandTypeRepayVariable
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeFundPool:
		return "FundPool"
	case CommandTypeDeliverMessage:
		return "DeliverMessage"
	case CommandTypeInitiateDeposit:
		return "InitiateDeposit"
	case CommandTypeFinalizeLoan:
		return "FinalizeLoan"
	case CommandTypeRequestReturn:
		return "RequestReturn"
	case CommandTypeRequestCancel:
		return "RequestCancel"
	case CommandTypeFinalizeReturn:
		return "FinalizeReturn"
	case CommandTypeSettle:
		return "Settle"
	case CommandTypeConvertToVariable:
		return "ConvertToVariable"
	case CommandTypeRepayVariable:
		return "RepayVariable"
	default:
		return "Unknown"
	}
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) CommandType {
	for ct := CommandTypeFundPool; ct <= CommandTypeRepayVariable; ct++ {
		if ct.String() == s {
			return ct
		}
	}
	return CommandTypeUnknown
}

// Command is the interface all settlement-side inputs implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Caller is the authenticated address issuing the command
	Caller() common.Address

	// Time is the versioned input timestamp. The core never reads the wall clock.
	Time() time.Time

	// LoanRef returns the loan this command targets (0 for none)
	LoanRef() uint64
}

// Meta carries the fields every command shares.
type Meta struct {
	CommandID uuid.UUID      `json:"commandId"`
	Sender    common.Address `json:"sender"`
	IssuedAt  time.Time      `json:"issuedAt"`
}

// NewMeta stamps a fresh command id.
func NewMeta(sender common.Address, at time.Time) Meta {
	return Meta{CommandID: uuid.New(), Sender: sender, IssuedAt: at.UTC()}
}

func (m Meta) IdempotencyKey() string { return m.CommandID.String() }
func (m Meta) Caller() common.Address { return m.Sender }
func (m Meta) Time() time.Time { return m.IssuedAt }
