package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CollarLedger/internal/core"
	"CollarLedger/internal/event"
	"CollarLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates the read models from core outputs. The core
// sends on the projection channel without blocking and drops when it is
// full, so the worker may see gaps; the tables can always be rebuilt from
// the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
		lastSeq:   -1,
	}
}

// Run applies outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil {
				continue
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if pw.lastSeq >= 0 && seq > pw.lastSeq+1 {
				pw.logger.Warn().Int64("from", pw.lastSeq+1).Int64("to", seq-1).
					Msg("projection gap; rebuild from the event log to recover")
				pw.countError("gap")
			}

			// Projections are eventually consistent; a failed update is
			// logged and the worker moves on.
			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				pw.countError("apply")
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyJournal(ctx, tx, j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(),
				uint16(j.AssetID), j.Amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	for _, ev := range output.Events {
		applied, err := applyLifecycle(ctx, tx, ev)
		if err != nil {
			return fmt.Errorf("loan projection: %w", err)
		}
		if applied && pw.metrics != nil {
			pw.metrics.ProjectionApplied.WithLabelValues(ev.Type.String()).Inc()
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) countError(table string) {
	if pw.metrics != nil {
		pw.metrics.ProjectionErrors.WithLabelValues(table).Inc()
	}
}

// LoanUpdate is the change one lifecycle event makes to projections.loans.
// Zero fields leave the stored value untouched, except Repaid which adds.
type LoanUpdate struct {
	LoanID           uint64
	Borrower         string
	State            string
	CollateralAsset  uint16
	CollateralAmount int64
	Principal        int64
	Repaid           int64
	Outcome          string
	Sequence         int64
	At               time.Time
}

// LoanUpdateFor maps a lifecycle event to a loan row change. Events that
// carry no loan state (pool funding, message receipt, write-offs) return
// false.
func LoanUpdateFor(ev event.Lifecycle) (LoanUpdate, bool) {
	if ev.LoanID == 0 || ev.State == "" {
		return LoanUpdate{}, false
	}
	u := LoanUpdate{
		LoanID:   ev.LoanID,
		Borrower: ev.Borrower.Hex(),
		State:    ev.State,
		Sequence: ev.Sequence,
		At:       ev.Timestamp,
	}
	switch ev.Type {
	case event.LifecycleDepositInitiated:
		u.CollateralAsset = uint16(ev.Asset)
		u.CollateralAmount = ev.Amount
	case event.LifecycleLoanCreated:
		u.CollateralAsset = uint16(ev.Asset)
		u.CollateralAmount = ev.Amount
		u.Principal = ev.Principal
	case event.LifecycleLoanSettled, event.LifecycleVariableRepaid:
		u.Repaid = ev.Repay
		u.Outcome = ev.Outcome
	case event.LifecycleLoanClosed, event.LifecycleLoanConverted:
		u.Outcome = ev.Outcome
	}
	return u, true
}

func applyLifecycle(ctx context.Context, tx *sql.Tx, ev event.Lifecycle) (bool, error) {
	u, ok := LoanUpdateFor(ev)
	if !ok {
		return false, nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.loans
			(loan_id, borrower, state, collateral_asset, collateral_amount, principal, repaid, outcome, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (loan_id) DO UPDATE SET
			state             = EXCLUDED.state,
			collateral_asset  = CASE WHEN EXCLUDED.collateral_asset <> 0 THEN EXCLUDED.collateral_asset ELSE projections.loans.collateral_asset END,
			collateral_amount = CASE WHEN EXCLUDED.collateral_amount <> 0 THEN EXCLUDED.collateral_amount ELSE projections.loans.collateral_amount END,
			principal         = CASE WHEN EXCLUDED.principal <> 0 THEN EXCLUDED.principal ELSE projections.loans.principal END,
			repaid            = projections.loans.repaid + EXCLUDED.repaid,
			outcome           = CASE WHEN EXCLUDED.outcome <> '' THEN EXCLUDED.outcome ELSE projections.loans.outcome END,
			last_sequence     = EXCLUDED.last_sequence,
			updated_at        = EXCLUDED.updated_at
		WHERE projections.loans.last_sequence <= EXCLUDED.last_sequence
	`, int64(u.LoanID), u.Borrower, u.State, u.CollateralAsset, u.CollateralAmount,
		u.Principal, u.Repaid, u.Outcome, u.Sequence, u.At)
	return err == nil, err
}

func applyJournal(ctx context.Context, tx *sql.Tx, debit, credit string, asset uint16, amount, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, debit, asset, amount, seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -($3::BIGINT), $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, credit, asset, amount, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq)
	return err
}

// RebuildProjections rebuilds every projection table from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.loans`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT payload FROM event_log.lifecycle ORDER BY sequence ASC, idx ASC
	`)
	if err != nil {
		return fmt.Errorf("load lifecycle: %w", err)
	}
	var events []event.Lifecycle
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return err
		}
		var ev event.Lifecycle
		if err := json.Unmarshal(payload, &ev); err != nil {
			rows.Close()
			return fmt.Errorf("decode lifecycle: %w", err)
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ev := range events {
		if _, err := applyLifecycle(ctx, tx, ev); err != nil {
			return fmt.Errorf("rebuild loans at seq=%d: %w", ev.Sequence, err)
		}
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&last); err != nil {
		return err
	}
	if last.Valid {
		if err := setWatermark(ctx, tx, last.Int64); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int("lifecycle_events", len(events)).Int64("watermark", last.Int64).
		Msg("projection rebuild complete")
	return nil
}
