package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"

	"github.com/ethereum/go-ethereum/common"
)

var ErrMalformed = fault.Validation("relay: malformed payload")

// --- JSON wire format ---
// Field names use snake_case to match the other producers on the bus.

type wireMessage struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Source           string `json:"source"`
	Nonce            uint64 `json:"nonce"`
	LoanID           uint64 `json:"loan_id"`
	Asset            string `json:"asset"`
	Amount           int64  `json:"amount"`
	Recipient        string `json:"recipient"`
	CustodyAccountID uint64 `json:"custody_account_id"`
	BridgeTransferID string `json:"bridge_transfer_id,omitempty"`
	AuxAmount        int64  `json:"aux_amount"`
	QuoteHash        string `json:"quote_hash,omitempty"`
	TakerNonce       uint64 `json:"taker_nonce"`
}

// EncodeEnvelope renders an envelope for the bus.
func EncodeEnvelope(env message.Envelope) ([]byte, error) {
	m := env.Message
	w := wireMessage{
		ID:               env.ID.Hex(),
		Kind:             m.Kind.String(),
		Source:           m.Source.String(),
		Nonce:            m.Nonce,
		LoanID:           m.LoanID,
		Asset:            m.Asset.String(),
		Amount:           m.Amount,
		Recipient:        m.Recipient.Hex(),
		CustodyAccountID: m.CustodyAccountID,
		AuxAmount:        m.AuxAmount,
		TakerNonce:       m.TakerNonce,
	}
	if m.HasTransfer() {
		w.BridgeTransferID = m.BridgeTransferID.Hex()
	}
	if m.QuoteHash != (common.Hash{}) {
		w.QuoteHash = m.QuoteHash.Hex()
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return data, nil
}

// DecodeEnvelope parses a bus payload and checks that the claimed id
// matches the content.
func DecodeEnvelope(data []byte) (message.Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return message.Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, ok := message.ParseKind(w.Kind)
	if !ok {
		return message.Envelope{}, fmt.Errorf("%w: kind %q", ErrMalformed, w.Kind)
	}
	source, ok := parseDomain(w.Source)
	if !ok {
		return message.Envelope{}, fmt.Errorf("%w: source %q", ErrMalformed, w.Source)
	}
	asset, ok := ledger.GetAssetID(w.Asset)
	if !ok {
		return message.Envelope{}, fmt.Errorf("%w: asset %q", ErrMalformed, w.Asset)
	}
	if !common.IsHexAddress(w.Recipient) {
		return message.Envelope{}, fmt.Errorf("%w: recipient %q", ErrMalformed, w.Recipient)
	}
	id, err := parseHash(w.ID, false)
	if err != nil {
		return message.Envelope{}, err
	}
	transferID, err := parseHash(w.BridgeTransferID, true)
	if err != nil {
		return message.Envelope{}, err
	}
	quoteHash, err := parseHash(w.QuoteHash, true)
	if err != nil {
		return message.Envelope{}, err
	}

	msg := message.Message{
		Kind:             kind,
		Source:           source,
		Nonce:            w.Nonce,
		LoanID:           w.LoanID,
		Asset:            asset,
		Amount:           w.Amount,
		Recipient:        common.HexToAddress(w.Recipient),
		CustodyAccountID: w.CustodyAccountID,
		BridgeTransferID: transferID,
		AuxAmount:        w.AuxAmount,
		QuoteHash:        quoteHash,
		TakerNonce:       w.TakerNonce,
	}
	if msg.ID() != id {
		return message.Envelope{}, fmt.Errorf("%w: claimed %s, computed %s", message.ErrIDMismatch, id.Hex(), msg.ID().Hex())
	}
	return message.Envelope{ID: id, Message: msg}, nil
}

func parseDomain(s string) (message.Domain, bool) {
	switch s {
	case message.DomainSettlement.String():
		return message.DomainSettlement, true
	case message.DomainExecution.String():
		return message.DomainExecution, true
	}
	return message.DomainUnknown, false
}

func parseHash(s string, optional bool) (common.Hash, error) {
	if s == "" && optional {
		return common.Hash{}, nil
	}
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("%w: hash %q", ErrMalformed, s)
	}
	return common.HexToHash(s), nil
}
