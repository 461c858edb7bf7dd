package relay_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/relay"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func sampleEnvelope(t *testing.T, nonce uint64) message.Envelope {
	t.Helper()
	out := message.NewOutbox(message.DomainExecution)
	var env message.Envelope
	for i := uint64(0); i < nonce; i++ {
		var err error
		env, err = out.Send(message.Message{
			Kind:             message.KindSettlementReport,
			LoanID:           3,
			Asset:            ledger.AssetUSDC,
			Amount:           18_000_000_000,
			Recipient:        common.HexToAddress("0x05"),
			CustodyAccountID: 7,
			BridgeTransferID: bridge.OrderID(3, bridge.PurposeSettlement, 0),
			AuxAmount:        1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return env
}

// ==========================================================================
// Codec
// ==========================================================================

func TestEnvelope_EncodeDecode(t *testing.T) {
	env := sampleEnvelope(t, 1)
	data, err := relay.EncodeEnvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"kind":"SettlementReport"`) || !strings.Contains(string(data), `"asset":"USDC"`) {
		t.Fatalf("wire format not human readable: %s", data)
	}

	got, err := relay.DecodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if got != env {
		t.Fatalf("decoded %+v, want %+v", got, env)
	}
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	env := sampleEnvelope(t, 1)
	data, _ := relay.EncodeEnvelope(env)

	tests := []struct {
		name   string
		mutate func(string) string
		want   error
	}{
		{"not json", func(string) string { return "{" }, relay.ErrMalformed},
		{"unknown kind", func(s string) string {
			return strings.Replace(s, `"SettlementReport"`, `"Withdrawal"`, 1)
		}, relay.ErrMalformed},
		{"unknown asset", func(s string) string { return strings.Replace(s, `"USDC"`, `"DOGE"`, 1) }, relay.ErrMalformed},
		{"tampered amount", func(s string) string {
			return strings.Replace(s, `"amount":18000000000`, `"amount":19000000000`, 1)
		}, message.ErrIDMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := relay.DecodeEnvelope([]byte(tc.mutate(string(data))))
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if relay.Dispose(err) != relay.DispositionDrop {
				t.Fatal("a malformed payload must be terminated, not redelivered")
			}
		})
	}
}

func TestSubject(t *testing.T) {
	env := sampleEnvelope(t, 1)
	if got := relay.Subject(env); got != "collar.msg.execution.SettlementReport.3" {
		t.Fatalf("subject = %q", got)
	}
	if got := relay.InboundFilter(message.DomainExecution); got != "collar.msg.execution.>" {
		t.Fatalf("filter = %q", got)
	}
}

// ==========================================================================
// Nonce tracking
// ==========================================================================

func TestNonceTracker(t *testing.T) {
	nt := relay.NewNonceTracker()
	steps := []struct {
		nonce uint64
		want  relay.Arrival
	}{
		{1, relay.ArrivalInOrder},
		{2, relay.ArrivalInOrder},
		{4, relay.ArrivalGap},
		{3, relay.ArrivalLate},
		{4, relay.ArrivalLate},
		{5, relay.ArrivalInOrder},
	}
	for _, s := range steps {
		if got := nt.Observe(message.DomainExecution, s.nonce); got != s.want {
			t.Fatalf("nonce %d: got %s, want %s", s.nonce, got, s.want)
		}
	}
	if nt.HighWater(message.DomainExecution) != 5 {
		t.Errorf("high water = %d", nt.HighWater(message.DomainExecution))
	}
	if nt.Gaps(message.DomainExecution) != 1 || nt.Late(message.DomainExecution) != 2 {
		t.Errorf("gaps=%d late=%d", nt.Gaps(message.DomainExecution), nt.Late(message.DomainExecution))
	}
	if nt.HighWater(message.DomainSettlement) != 0 {
		t.Error("sources are tracked independently")
	}
}

// A restarted daemon seeds the tracker from its registry so the first
// message after the restart is not counted as a gap.
func TestNonceTracker_SeededFromRegistry(t *testing.T) {
	reg := message.NewRegistry()
	for n := uint64(1); n <= 3; n++ {
		env := sampleEnvelope(t, n)
		if err := reg.Receive(env.ID, env.Message); err != nil {
			t.Fatal(err)
		}
	}

	nt := relay.NewNonceTracker()
	nt.SetHighWater(message.DomainExecution, reg.MaxNonce())

	if got := nt.Observe(message.DomainExecution, 3); got != relay.ArrivalLate {
		t.Errorf("redelivered nonce 3: got %s, want late", got)
	}
	if got := nt.Observe(message.DomainExecution, 4); got != relay.ArrivalInOrder {
		t.Errorf("nonce 4: got %s, want in_order", got)
	}
	if nt.Gaps(message.DomainExecution) != 0 {
		t.Errorf("gaps = %d after seeding", nt.Gaps(message.DomainExecution))
	}
}

// ==========================================================================
// Handler and disposition
// ==========================================================================

func TestDispose(t *testing.T) {
	tests := []struct {
		err  error
		want relay.Disposition
	}{
		{nil, relay.DispositionAck},
		{fault.Retryable("later"), relay.DispositionRetry},
		{errors.New("connection reset"), relay.DispositionRetry},
		{context.DeadlineExceeded, relay.DispositionRetry},
		{fault.Validation("bad"), relay.DispositionDrop},
		{fault.Invariant("broken"), relay.DispositionDrop},
		{fault.Unauthorized("no"), relay.DispositionDrop},
	}
	for _, tc := range tests {
		if got := relay.Dispose(tc.err); got != tc.want {
			t.Errorf("Dispose(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMessageHandler_DeliversFromExpectedSource(t *testing.T) {
	var delivered []message.Envelope
	tracker := relay.NewNonceTracker()
	h := relay.MessageHandler(message.DomainExecution, tracker, func(_ context.Context, env message.Envelope) error {
		delivered = append(delivered, env)
		return nil
	}, zerolog.Nop(), nil)

	second := sampleEnvelope(t, 2)
	data, _ := relay.EncodeEnvelope(second)
	if err := h(context.Background(), relay.Subject(second), data); err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 || delivered[0] != second {
		t.Fatalf("delivered %+v", delivered)
	}
	if tracker.Gaps(message.DomainExecution) != 1 {
		t.Error("nonce 2 before 1 should count as a gap")
	}

	settle := message.NewOutbox(message.DomainSettlement)
	env, _ := settle.Send(message.Message{
		Kind:      message.KindReturnRequest,
		LoanID:    1,
		Asset:     ledger.AssetWBTC,
		Amount:    1,
		Recipient: common.HexToAddress("0x0A"),
	})
	data, _ = relay.EncodeEnvelope(env)
	err := h(context.Background(), relay.Subject(env), data)
	if !errors.Is(err, message.ErrWrongOrigin) {
		t.Fatalf("expected ErrWrongOrigin, got %v", err)
	}
	if len(delivered) != 1 {
		t.Fatal("wrong-source message must not be delivered")
	}
}

// ==========================================================================
// Publisher
// ==========================================================================

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	failures int
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("no responders")
	}
	if len(opts) != 1 {
		return nil, errors.New("expected a message id option")
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	return &jetstream.PubAck{Stream: relay.StreamName, Sequence: uint64(len(f.subjects))}, nil
}

func TestPublisher_RepublishRetriesUntilAccepted(t *testing.T) {
	js := &fakeJetStream{failures: 2}
	p := relay.NewPublisher(js, zerolog.Nop(), nil)

	envs := []message.Envelope{sampleEnvelope(t, 1), sampleEnvelope(t, 2)}
	if err := p.Republish(context.Background(), envs); err != nil {
		t.Fatal(err)
	}
	if len(js.subjects) != 2 {
		t.Fatalf("published %d, want 2", len(js.subjects))
	}
	got, err := relay.DecodeEnvelope(js.payloads[1])
	if err != nil || got != envs[1] {
		t.Fatalf("second payload decoded to %+v (%v)", got, err)
	}
}

func TestPublisher_RunStopsWhenChannelCloses(t *testing.T) {
	js := &fakeJetStream{}
	p := relay.NewPublisher(js, zerolog.Nop(), nil)

	in := make(chan message.Envelope, 1)
	in <- sampleEnvelope(t, 1)
	close(in)
	if err := p.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if len(js.subjects) != 1 {
		t.Fatalf("published %d", len(js.subjects))
	}
}

// ==========================================================================
// Fills
// ==========================================================================

func TestDecodeFill(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"expiry", `{"type":"expiry","loan_id":4,"outcome":"underwater","proceeds":18000,"filled_at":1}`, true},
		{"expiry without loan", `{"type":"expiry","outcome":"neutral"}`, false},
		{"expiry bad outcome", `{"type":"expiry","loan_id":4,"outcome":"sideways"}`, false},
		{"trade without quote", `{"type":"trade","signature":"0x01"}`, false},
		{"trade", `{"type":"trade","quote":{"loanId":4},"signature":"0x0102"}`, true},
		{"unknown type", `{"type":"swap"}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := relay.DecodeFill([]byte(tc.data))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if !tc.ok && !errors.Is(err, relay.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if tc.name == "trade" && (f.Quote.LoanID != 4 || len(f.Signature) != 2) {
				t.Fatalf("decoded %+v", f)
			}
		})
	}
}
