package message

import (
	"encoding/binary"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ID is the unique identifier of a message: keccak256 of its canonical encoding.
type ID = common.Hash

var (
	ErrInvalidLoanID     = fault.Validation("message: loan id 0 is invalid")
	ErrInvalidKind       = fault.Validation("message: unknown kind")
	ErrWrongOrigin       = fault.Validation("message: kind not sendable from this domain")
	ErrIDMismatch        = fault.Validation("message: id does not match content")
	ErrNegativeAmount    = fault.Validation("message: negative amount")
	ErrMissingRecipient  = fault.Validation("message: recipient is zero")
	ErrMessageNotFound   = fault.Retryable("message: not found")
	ErrAlreadyConsumed   = fault.Invariant("message: already consumed")
	ErrConflictingResend = fault.Invariant("message: redelivery with different content")
)

// Message is the immutable cross-domain envelope. Only content crosses
// domains; each side keeps its own copy.
type Message struct {
	Kind             Kind
	Source           Domain
	Nonce            uint64
	LoanID           uint64
	Asset            ledger.AssetID
	Amount           int64
	Recipient        common.Address
	CustodyAccountID uint64
	BridgeTransferID common.Hash // zero means no asset movement attached
	AuxAmount        int64
	QuoteHash        common.Hash
	TakerNonce       uint64
}

// HasTransfer reports whether an asset transfer proof is attached.
func (m Message) HasTransfer() bool {
	return m.BridgeTransferID != (common.Hash{})
}

// Encode returns the canonical fixed-width big-endian encoding.
func (m Message) Encode() []byte {
	buf := make([]byte, 0, 2+8+8+2+8+20+8+32+8+32+8)
	buf = append(buf, byte(m.Kind), byte(m.Source))
	buf = binary.BigEndian.AppendUint64(buf, m.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, m.LoanID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Asset))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Amount))
	buf = append(buf, m.Recipient.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, m.CustodyAccountID)
	buf = append(buf, m.BridgeTransferID.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.AuxAmount))
	buf = append(buf, m.QuoteHash.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, m.TakerNonce)
	return buf
}

// ID computes the message identifier.
func (m Message) ID() ID {
	return crypto.Keccak256Hash(m.Encode())
}

// Validate checks structural well-formedness independent of any loan.
func (m Message) Validate() error {
	if m.Kind == KindUnknown || m.Kind > KindCancelRequest {
		return ErrInvalidKind
	}
	if m.Source != m.Kind.Origin() {
		return ErrWrongOrigin
	}
	if m.LoanID == 0 {
		return ErrInvalidLoanID
	}
	if m.Amount < 0 || m.AuxAmount < 0 {
		return ErrNegativeAmount
	}
	if m.Recipient == (common.Address{}) {
		return ErrMissingRecipient
	}
	return nil
}

// Envelope pairs a message with its identifier for transport.
type Envelope struct {
	ID      ID
	Message Message
}
