package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMClient is the subset of the Ethereum RPC the tracker needs.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient opens an RPC client for endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// TxLookup maps a transfer id to the destination-chain transaction that
// delivered it. Returning false means no delivery has been reported yet.
// SharedBridge.DeliveryTx is the production lookup.
type TxLookup func(ctx context.Context, transferID common.Hash) (common.Hash, bool, error)

// EVMTracker proves transfer completion from a successful receipt buried
// under enough confirmations.
type EVMTracker struct {
	client        EVMClient
	lookup        TxLookup
	confirmations uint64
}

func NewEVMTracker(client EVMClient, lookup TxLookup, confirmations uint64) *EVMTracker {
	return &EVMTracker{client: client, lookup: lookup, confirmations: confirmations}
}

func (t *EVMTracker) IsTransferComplete(ctx context.Context, transferID common.Hash) (bool, error) {
	if t == nil || t.client == nil || t.lookup == nil {
		return false, fmt.Errorf("evm tracker not initialised")
	}
	txHash, ok, err := t.lookup(ctx, transferID)
	if err != nil {
		return false, fmt.Errorf("lookup delivery: %w", err)
	}
	if !ok {
		return false, nil
	}

	receipt, err := t.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil || receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return false, nil
	}
	if t.confirmations == 0 {
		return true, nil
	}

	header, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(t.confirmations)) >= 0, nil
}
