package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNotFound = errors.New("query: not found")

// QueryService provides read-only access to the projection tables and the
// event log. Responses carry as_of_sequence so callers can tell how far
// the read model has caught up.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetLoan returns one loan.
func (qs *QueryService) GetLoan(ctx context.Context, loanID uint64) (*LoanResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	l, err := scanLoan(qs.db.QueryRowContext(ctx, `
		SELECT loan_id, borrower, state, collateral_asset, collateral_amount,
		       principal, repaid, outcome, last_sequence
		FROM projections.loans
		WHERE loan_id = $1
	`, int64(loanID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: loan %d", ErrNotFound, loanID)
	}
	if err != nil {
		return nil, err
	}
	l.AsOfSequence = asOfSeq
	return l, nil
}

// ListLoans returns a borrower's loans, newest first. afterLoanID is the
// pagination cursor: only loans with a smaller id are returned.
func (qs *QueryService) ListLoans(
	ctx context.Context,
	borrower common.Address,
	limit int,
	afterLoanID *uint64,
) ([]LoanResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT loan_id, borrower, state, collateral_asset, collateral_amount,
		       principal, repaid, outcome, last_sequence
		FROM projections.loans
		WHERE borrower = $1
	`
	args := []interface{}{borrower.Hex()}
	argIdx := 2

	if afterLoanID != nil {
		query += fmt.Sprintf(" AND loan_id < $%d", argIdx)
		args = append(args, int64(*afterLoanID))
		argIdx++
	}

	query += " ORDER BY loan_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []LoanResponse
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		l.AsOfSequence = asOfSeq
		loans = append(loans, *l)
	}
	return loans, rows.Err()
}

// GetLoanHistory returns the audit trail of one loan in order.
func (qs *QueryService) GetLoanHistory(ctx context.Context, loanID uint64) ([]LifecycleEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, type, payload
		FROM event_log.lifecycle
		WHERE loan_id = $1
		ORDER BY sequence ASC, idx ASC
	`, int64(loanID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []LifecycleEntry
	for rows.Next() {
		var e LifecycleEntry
		if err := rows.Scan(&e.Sequence, &e.Type, &e.Event); err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

// GetWallet returns every wallet balance an address holds.
func (qs *QueryService) GetWallet(ctx context.Context, owner common.Address) (*WalletResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY asset_id
	`, fmt.Sprintf("user:%s:wallet:%%", owner.Hex()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &WalletResponse{Owner: owner.Hex(), AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			b     BalanceResponse
			asset uint16
		)
		if err := rows.Scan(&b.AccountPath, &asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Asset = ledger.AssetID(asset).String()
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching an address's
// accounts, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the log and that every
// asset's projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*LoanResponse, error) {
	var (
		l       LoanResponse
		loanID  int64
		assetID uint16
	)
	if err := row.Scan(
		&loanID, &l.Borrower, &l.State, &assetID, &l.CollateralAmount,
		&l.Principal, &l.Repaid, &l.Outcome, &l.LastSequence,
	); err != nil {
		return nil, err
	}
	l.LoanID = uint64(loanID)
	if assetID != 0 {
		l.CollateralAsset = ledger.AssetID(assetID).String()
	}
	return &l, nil
}

// clampLimit keeps page sizes between 1 and 500, defaulting to 50.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
