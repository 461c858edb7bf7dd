package query

import "encoding/json"

// LoanResponse is a loan as seen by the read model.
type LoanResponse struct {
	LoanID           uint64 `json:"loan_id"`
	Borrower         string `json:"borrower"`
	State            string `json:"state"`
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	Principal        int64  `json:"principal"`
	Repaid           int64  `json:"repaid"`
	Outcome          string `json:"outcome,omitempty"`
	LastSequence     int64  `json:"last_sequence"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// LifecycleEntry is one audit-trail record for a loan.
type LifecycleEntry struct {
	Sequence int64           `json:"sequence"`
	Type     string          `json:"type"`
	Event    json.RawMessage `json:"event"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
