package persistence

import (
	"encoding/json"
	"fmt"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/core"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/relay"

	"github.com/ethereum/go-ethereum/common"
)

// Record is one applied command as it is written to the log. Envelopes and
// Orders are handed onward only after the record is committed.
type Record struct {
	Event     EventRow
	Journals  []JournalRow
	Outbound  []OutboundRow
	Transfers []TransferRow
	Lifecycle []LifecycleRow

	Envelopes []message.Envelope
	Orders    []bridge.TransferRequest
}

// NewRecord converts a core output into rows.
func NewRecord(out core.CoreOutput) (Record, error) {
	env := out.Envelope
	if env == nil {
		return Record{}, fmt.Errorf("core output without envelope")
	}
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			LoanID:         int64(env.LoanID),
			Payload:        env.Payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
		Envelopes: out.Outbound,
		Orders:    out.Transfers,
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for _, m := range out.Outbound {
		payload, err := relay.EncodeEnvelope(m)
		if err != nil {
			return Record{}, err
		}
		rec.Outbound = append(rec.Outbound, OutboundRow{
			MessageID: m.ID.Hex(),
			Sequence:  env.Sequence,
			Nonce:     int64(m.Message.Nonce),
			Kind:      m.Message.Kind.String(),
			LoanID:    int64(m.Message.LoanID),
			Payload:   payload,
		})
	}

	for i, ev := range out.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return Record{}, fmt.Errorf("encode lifecycle %s: %w", ev.Type, err)
		}
		rec.Lifecycle = append(rec.Lifecycle, LifecycleRow{
			Sequence:  env.Sequence,
			Index:     i,
			Type:      ev.Type.String(),
			LoanID:    int64(ev.LoanID),
			Payload:   payload,
			Timestamp: ev.Timestamp,
		})
	}

	for _, t := range out.Transfers {
		rec.Transfers = append(rec.Transfers, TransferRow{
			TransferID: t.ID.Hex(),
			Sequence:   env.Sequence,
			LoanID:     int64(t.Metadata.LoanID),
			Purpose:    t.Metadata.Purpose.String(),
			AssetID:    uint16(t.Asset),
			Amount:     t.Amount,
			Receiver:   t.Receiver.Hex(),
		})
	}
	return rec, nil
}

// Request rebuilds the bridge order a transfer row was recorded from.
func (r TransferRow) Request() (bridge.TransferRequest, error) {
	purpose, err := bridge.ParsePurpose(r.Purpose)
	if err != nil {
		return bridge.TransferRequest{}, fmt.Errorf("transfer %s: %w", r.TransferID, err)
	}
	if !common.IsHexAddress(r.Receiver) {
		return bridge.TransferRequest{}, fmt.Errorf("transfer %s: invalid receiver %q", r.TransferID, r.Receiver)
	}
	return bridge.TransferRequest{
		ID:       common.HexToHash(r.TransferID),
		Asset:    ledger.AssetID(r.AssetID),
		Amount:   r.Amount,
		Receiver: common.HexToAddress(r.Receiver),
		Metadata: bridge.Metadata{LoanID: uint64(r.LoanID), Purpose: purpose},
	}, nil
}
