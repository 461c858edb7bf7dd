package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypePoolSupply JournalType = iota
	JournalTypeCollateralPull
	JournalTypeBridgeFee
	JournalTypeDisbursement
	JournalTypeOriginationFee
	JournalTypeCollateralRefund
	JournalTypeSettlementRepay
	JournalTypeSurplusPool
	JournalTypeSurplusTreasury
	JournalTypeSurplusBorrower
	JournalTypeYieldCollateralDeposit
	JournalTypeYieldBorrow
	JournalTypeVariableRepay
	JournalTypeCollateralRelease
	JournalTypeCustodyCredit
	JournalTypeCustodyDebit
	JournalTypeCustodyTransfer
)

func (t JournalType) String() string {
	switch t {
	case JournalTypePoolSupply:
		return "pool_supply"
	case JournalTypeCollateralPull:
		return "collateral_pull"
	case JournalTypeBridgeFee:
		return "bridge_fee"
	case JournalTypeDisbursement:
		return "disbursement"
	case JournalTypeOriginationFee:
		return "origination_fee"
	case JournalTypeCollateralRefund:
		return "collateral_refund"
	case JournalTypeSettlementRepay:
		return "settlement_repay"
	case JournalTypeSurplusPool:
		return "surplus_pool"
	case JournalTypeSurplusTreasury:
		return "surplus_treasury"
	case JournalTypeSurplusBorrower:
		return "surplus_borrower"
	case JournalTypeYieldCollateralDeposit:
		return "yield_collateral_deposit"
	case JournalTypeYieldBorrow:
		return "yield_borrow"
	case JournalTypeVariableRepay:
		return "variable_repay"
	case JournalTypeCollateralRelease:
		return "collateral_release"
	case JournalTypeCustodyCredit:
		return "custody_credit"
	case JournalTypeCustodyDebit:
		return "custody_debit"
	case JournalTypeCustodyTransfer:
		return "custody_transfer"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Base units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch for one command.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Add appends a transfer of amount from credit to debit. Zero amounts are
// skipped so callers can pass optional legs unconditionally.
func (b *Batch) Add(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount between two accounts of the same asset, so every entry balances on
// its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.CreditAccount.AssetID || j.AssetID != j.DebitAccount.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
