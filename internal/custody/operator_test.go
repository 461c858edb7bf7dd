package custody_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/custody"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestOperator_TickDrivesDepositAndReturn(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	var logs bytes.Buffer
	op := custody.NewOperator(h.agent, operatorAddr, time.Second, zerolog.New(&logs), nil)

	h.intent(1)
	op.Tick(context.Background())
	if got := h.state(1); got != custody.LoanDeposited {
		t.Fatalf("after first tick: %s", got)
	}

	h.returnRequest(1, message.KindReturnRequest)
	op.Tick(context.Background())
	if got := h.state(1); got != custody.LoanReturned {
		t.Fatalf("after second tick: %s", got)
	}

	var kinds []message.Kind
	for _, env := range h.received {
		kinds = append(kinds, env.Message.Kind)
	}
	if len(kinds) != 2 || kinds[0] != message.KindDepositConfirmed || kinds[1] != message.KindCollateralReturned {
		t.Fatalf("outbound kinds = %v", kinds)
	}
	if len(h.agent.PendingMessages()) != 0 {
		t.Fatal("all inbound messages should be consumed")
	}
}

func TestOperator_RetryableWorkWaitsForNextTick(t *testing.T) {
	h := newHarness(t, bridge.NewLocal())
	op := custody.NewOperator(h.agent, operatorAddr, time.Second, zerolog.Nop(), nil)

	h.intent(1)
	op.Tick(context.Background())
	if got := h.state(1); got != custody.LoanDepositPending {
		t.Fatalf("deposit signed before transfer landed: %s", got)
	}

	_ = h.bridge.Complete(bridge.OrderID(1, bridge.PurposeDeposit, 0))
	op.Tick(context.Background())
	if got := h.state(1); got != custody.LoanDeposited {
		t.Fatalf("deposit not retried: %s", got)
	}
}

func TestOperator_ParksRejectedMessages(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	var logs bytes.Buffer
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	op := custody.NewOperator(h.agent, operatorAddr, time.Second, zerolog.New(&logs), metrics)

	h.deposit(1)
	// A mandate for a loan that never traded can never be applied.
	h.fromSettlement(message.Message{
		Kind:             message.KindMandateCreated,
		LoanID:           1,
		Asset:            ledger.AssetUSDC,
		Amount:           principal,
		CustodyAccountID: custodyID,
	})

	op.Tick(context.Background())
	op.Tick(context.Background())

	if n := strings.Count(logs.String(), "custody step rejected"); n != 1 {
		t.Fatalf("rejection logged %d times, want 1", n)
	}
	if got := testutil.ToFloat64(metrics.CustodyRejections.WithLabelValues("invariant")); got != 1 {
		t.Fatalf("rejections metric = %v", got)
	}
	if got := h.state(1); got != custody.LoanDeposited {
		t.Fatalf("state = %s", got)
	}
}

func TestOperator_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, bridge.NewLocal(bridge.WithAutoComplete()))
	op := custody.NewOperator(h.agent, operatorAddr, 5*time.Millisecond, zerolog.Nop(), nil)
	h.intent(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- op.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.state(1) != custody.LoanDeposited {
		select {
		case <-deadline:
			t.Fatal("operator never signed the deposit")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}
