package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CollarLedger/internal/quote"
	"CollarLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	FillStreamName = "COLLAR_FILLS"
	FillSubject    = "collar.fills.>"
)

// FillType discriminates venue reports consumed by the execution agent.
type FillType string

const (
	FillTrade  FillType = "trade"
	FillExpiry FillType = "expiry"
)

// Fill is a venue report: either the collar trade for a quote or the
// expiry of a loan's positions.
type Fill struct {
	Type      FillType      `json:"type"`
	Quote     *quote.Quote  `json:"quote,omitempty"`
	Signature hexutil.Bytes `json:"signature,omitempty"`
	LoanID    uint64        `json:"loan_id,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Proceeds  int64         `json:"proceeds,omitempty"`
	FilledAt  int64         `json:"filled_at"`
}

// ParsedOutcome returns the settlement outcome of an expiry fill.
func (f Fill) ParsedOutcome() (settlement.Outcome, error) {
	o, ok := settlement.ParseOutcome(f.Outcome)
	if !ok {
		return settlement.OutcomeUnknown, fmt.Errorf("%w: outcome %q", ErrMalformed, f.Outcome)
	}
	return o, nil
}

func DecodeFill(data []byte) (Fill, error) {
	var f Fill
	if err := json.Unmarshal(data, &f); err != nil {
		return Fill{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case FillTrade:
		if f.Quote == nil || len(f.Signature) == 0 {
			return Fill{}, fmt.Errorf("%w: trade fill needs quote and signature", ErrMalformed)
		}
	case FillExpiry:
		if f.LoanID == 0 {
			return Fill{}, fmt.Errorf("%w: expiry fill needs loan_id", ErrMalformed)
		}
		if _, err := f.ParsedOutcome(); err != nil {
			return Fill{}, err
		}
	default:
		return Fill{}, fmt.Errorf("%w: fill type %q", ErrMalformed, f.Type)
	}
	return f, nil
}

// FillHandler decodes fills and hands them to apply.
func FillHandler(apply func(ctx context.Context, f Fill) error) Handler {
	return func(ctx context.Context, _ string, data []byte) error {
		f, err := DecodeFill(data)
		if err != nil {
			return err
		}
		return apply(ctx, f)
	}
}

// EnsureFillStream creates the venue fill stream.
func EnsureFillStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      FillStreamName,
		Subjects:  []string{FillSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", FillStreamName, err)
	}
	return nil
}
