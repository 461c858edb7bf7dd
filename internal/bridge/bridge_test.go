package bridge_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"CollarLedger/internal/bridge"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

func TestLocal_TransferIsIdempotentPerID(t *testing.T) {
	ctx := context.Background()
	b := bridge.NewLocal()
	req := bridge.TransferRequest{
		ID:       bridge.OrderID(1, bridge.PurposeDeposit, 1),
		Asset:    ledger.AssetWBTC,
		Amount:   100,
		Receiver: common.HexToAddress("0x02"),
		Metadata: bridge.Metadata{LoanID: 1, Purpose: bridge.PurposeDeposit},
	}

	id1, err := b.Transfer(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Complete(id1); err != nil {
		t.Fatal(err)
	}
	id2, _ := b.Transfer(ctx, req)
	if id1 != id2 {
		t.Fatal("same order must map to same transfer")
	}
	done, _ := b.IsTransferComplete(ctx, id1)
	if !done {
		t.Fatal("resubmission must not reset completion")
	}
}

func TestRequireComplete(t *testing.T) {
	ctx := context.Background()
	b := bridge.NewLocal()
	id, _ := b.Transfer(ctx, bridge.TransferRequest{Asset: ledger.AssetUSDC, Amount: 5})

	err := bridge.RequireComplete(ctx, b, id)
	if !errors.Is(err, bridge.ErrTransferPending) || !fault.IsRetryable(err) {
		t.Fatalf("expected retryable pending error, got %v", err)
	}
	_ = b.Complete(id)
	if err := bridge.RequireComplete(ctx, b, id); err != nil {
		t.Fatalf("expected complete, got %v", err)
	}
}

func TestLocal_FeeEstimate(t *testing.T) {
	b := bridge.NewLocal(bridge.WithFee(10, 5))
	fee, err := b.FeeEstimate(context.Background(), ledger.AssetWBTC, common.Address{}, 100_000)
	if err != nil {
		t.Fatal(err)
	}
	if fee != 60 {
		t.Errorf("fee = %d, want 60", fee)
	}
}

type stubClient struct {
	receipt *gethtypes.Receipt
	head    *big.Int
	err     error
}

func (s stubClient) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return s.receipt, s.err
}

func (s stubClient) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: s.head}, nil
}

func TestEVMTracker(t *testing.T) {
	ctx := context.Background()
	id := common.HexToHash("0xabc")

	tests := []struct {
		name   string
		client stubClient
		want   bool
	}{
		{"not mined", stubClient{err: ethereum.NotFound}, false},
		{"reverted", stubClient{receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}, head: big.NewInt(20)}, false},
		{"too shallow", stubClient{receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}, head: big.NewInt(10)}, false},
		{"confirmed", stubClient{receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}, head: big.NewInt(11)}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lookup := func(context.Context, common.Hash) (common.Hash, bool, error) { return id, true, nil }
			tracker := bridge.NewEVMTracker(tc.client, lookup, 2)
			got, err := tracker.IsTransferComplete(ctx, id)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEVMTracker_LookupMiss(t *testing.T) {
	tracker := bridge.NewEVMTracker(stubClient{}, func(context.Context, common.Hash) (common.Hash, bool, error) {
		return common.Hash{}, false, nil
	}, 0)
	got, err := tracker.IsTransferComplete(context.Background(), common.HexToHash("0x1"))
	if err != nil || got {
		t.Fatalf("expected (false, nil), got (%v, %v)", got, err)
	}
}
