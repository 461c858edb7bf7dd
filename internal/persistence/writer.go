package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes the command log and its side tables with multi-row
// INSERTs. Every statement is idempotent on its primary key so a retried
// flush after a partial failure is safe.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	LoanID         int64
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// OutboundRow represents a row in event_log.outbound: a cross-domain
// message the core sent.
type OutboundRow struct {
	MessageID string
	Sequence  int64
	Nonce     int64
	Kind      string
	LoanID    int64
	Payload   []byte
}

// TransferRow represents a row in event_log.transfers: a bridge order the
// core emitted.
type TransferRow struct {
	TransferID string
	Sequence   int64
	LoanID     int64
	Purpose    string
	AssetID    uint16
	Amount     int64
	Receiver   string
}

// LifecycleRow represents a row in event_log.lifecycle: one audit-trail
// record, keyed by sequence and its position within the command.
type LifecycleRow struct {
	Sequence  int64
	Index     int
	Type      string
	LoanID    int64
	Payload   []byte // JSON-encoded event.Lifecycle
	Timestamp time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// placeholders renders "($1, $2, ...), (...)" for rows of width columns.
func placeholders(rows, width int) string {
	values := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		cols := make([]string, width)
		for c := 0; c < width; c++ {
			cols[c] = fmt.Sprintf("$%d", i*width+c+1)
		}
		values = append(values, "("+strings.Join(cols, ", ")+")")
	}
	return strings.Join(values, ", ")
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]any, 0, len(events)*8)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.LoanID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, loan_id, payload, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(events), 8) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	args := make([]any, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 10) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteOutboundBatch records sent messages.
func (w *EventLogWriter) WriteOutboundBatch(ctx context.Context, tx execer, rows []OutboundRow) error {
	if len(rows) == 0 {
		return nil
	}
	args := make([]any, 0, len(rows)*6)
	for _, r := range rows {
		args = append(args, r.MessageID, r.Sequence, r.Nonce, r.Kind, r.LoanID, r.Payload)
	}
	query := `INSERT INTO event_log.outbound
		(message_id, sequence, nonce, kind, loan_id, payload)
		VALUES ` + placeholders(len(rows), 6) + ` ON CONFLICT (message_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch records bridge orders.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, tx execer, rows []TransferRow) error {
	if len(rows) == 0 {
		return nil
	}
	args := make([]any, 0, len(rows)*7)
	for _, r := range rows {
		args = append(args, r.TransferID, r.Sequence, r.LoanID, r.Purpose, r.AssetID, r.Amount, r.Receiver)
	}
	query := `INSERT INTO event_log.transfers
		(transfer_id, sequence, loan_id, purpose, asset_id, amount, receiver)
		VALUES ` + placeholders(len(rows), 7) + ` ON CONFLICT (transfer_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// PendingTransfers returns the recorded bridge orders that were never
// accepted by the bridge, in log order.
func (w *EventLogWriter) PendingTransfers(ctx context.Context) ([]TransferRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT transfer_id, sequence, loan_id, purpose, asset_id, amount, receiver
		FROM event_log.transfers
		WHERE dispatched_at IS NULL
		ORDER BY sequence ASC, transfer_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransferRow
	for rows.Next() {
		var r TransferRow
		if err := rows.Scan(&r.TransferID, &r.Sequence, &r.LoanID, &r.Purpose, &r.AssetID, &r.Amount, &r.Receiver); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkTransferDispatched records that the bridge accepted transferID.
func (w *EventLogWriter) MarkTransferDispatched(ctx context.Context, transferID common.Hash) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE event_log.transfers SET dispatched_at = NOW()
		WHERE transfer_id = $1 AND dispatched_at IS NULL
	`, transferID.Hex())
	return err
}

// WriteLifecycleBatch records audit-trail events.
func (w *EventLogWriter) WriteLifecycleBatch(ctx context.Context, tx execer, rows []LifecycleRow) error {
	if len(rows) == 0 {
		return nil
	}
	args := make([]any, 0, len(rows)*6)
	for _, r := range rows {
		args = append(args, r.Sequence, r.Index, r.Type, r.LoanID, r.Payload, r.Timestamp)
	}
	query := `INSERT INTO event_log.lifecycle
		(sequence, idx, type, loan_id, payload, timestamp)
		VALUES ` + placeholders(len(rows), 6) + ` ON CONFLICT (sequence, idx) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, loan_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.LoanID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log, or -1 when
// the log is empty.
func (w *EventLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
