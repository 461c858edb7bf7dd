package bridge_test

import (
	"context"
	"errors"
	"testing"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

func order(loanID uint64, purpose bridge.Purpose) bridge.TransferRequest {
	return bridge.TransferRequest{
		ID:       bridge.OrderID(loanID, purpose, 0),
		Asset:    ledger.AssetUSDC,
		Amount:   1_000,
		Receiver: common.HexToAddress("0x0B"),
		Metadata: bridge.Metadata{LoanID: loanID, Purpose: purpose},
	}
}

func TestDispatcher_BacklogBeforeNewOrders(t *testing.T) {
	local := bridge.NewLocal()
	orders := make(chan bridge.TransferRequest, 1)
	backlog := []bridge.TransferRequest{order(1, bridge.PurposeReturn), order(2, bridge.PurposeSettlement)}
	fresh := order(3, bridge.PurposeDeposit)

	var submitted []common.Hash
	d := bridge.NewDispatcher(local, orders, zerolog.Nop(), nil,
		bridge.WithBacklog(backlog),
		bridge.WithOnSubmitted(func(_ context.Context, id common.Hash) error {
			submitted = append(submitted, id)
			return nil
		}))

	orders <- fresh
	close(orders)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []common.Hash{backlog[0].ID, backlog[1].ID, fresh.ID}
	if len(submitted) != len(want) {
		t.Fatalf("submitted %d orders, want %d", len(submitted), len(want))
	}
	for i := range want {
		if submitted[i] != want[i] {
			t.Errorf("order %d = %s, want %s", i, submitted[i].Hex(), want[i].Hex())
		}
		if _, ok := local.Get(want[i]); !ok {
			t.Errorf("bridge never saw %s", want[i].Hex())
		}
	}
}

func TestDispatcher_HookFailureDoesNotStopDispatch(t *testing.T) {
	local := bridge.NewLocal()
	orders := make(chan bridge.TransferRequest, 2)
	orders <- order(1, bridge.PurposeReturn)
	orders <- order(2, bridge.PurposeReturn)
	close(orders)

	calls := 0
	d := bridge.NewDispatcher(local, orders, zerolog.Nop(), nil,
		bridge.WithOnSubmitted(func(context.Context, common.Hash) error {
			calls++
			return errors.New("db down")
		}))
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("hook called %d times, want 2", calls)
	}
}

func TestDispatcher_CancelledBeforeBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := bridge.NewDispatcher(bridge.NewLocal(), nil, zerolog.Nop(), nil,
		bridge.WithBacklog([]bridge.TransferRequest{order(1, bridge.PurposeReturn)}))
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestParsePurpose(t *testing.T) {
	for _, p := range []bridge.Purpose{bridge.PurposeDeposit, bridge.PurposeReturn, bridge.PurposeSettlement} {
		got, err := bridge.ParsePurpose(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePurpose(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := bridge.ParsePurpose("unknown"); !errors.Is(err, bridge.ErrUnknownPurpose) {
		t.Errorf("expected ErrUnknownPurpose, got %v", err)
	}
}
