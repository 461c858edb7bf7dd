package query

// BalanceResponse is one projected ledger balance.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// WalletResponse lists an address's wallet balances across assets.
type WalletResponse struct {
	Owner        string            `json:"owner"`
	Balances     []BalanceResponse `json:"balances"`
	AsOfSequence int64             `json:"as_of_sequence"` // last applied command sequence
}
