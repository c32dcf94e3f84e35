package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEventMissing means the transaction mined without emitting the
// permission-added event. The transaction already succeeded on-chain, so
// callers must treat this as fatal rather than retry: a retry would
// double-submit.
var ErrEventMissing = errors.New("chain: permission event missing from mined transaction")

// ErrConfirmTimeout means the transaction was not mined within the wait
// window.
var ErrConfirmTimeout = errors.New("chain: timeout waiting for transaction confirmation")

// permissionAddedTopic is the topic0 of PermissionAdded(uint256,address).
var permissionAddedTopic = crypto.Keccak256Hash([]byte("PermissionAdded(uint256,address)"))

// ReceiptFetcher is satisfied by *ethclient.Client.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

const receiptPollInterval = 2 * time.Second

// WaitForPermission polls for the receipt of txHash until timeout, then
// extracts the permission ID from the PermissionAdded event in its logs.
func WaitForPermission(ctx context.Context, fetcher ReceiptFetcher, txHash common.Hash, timeout time.Duration) (*big.Int, error) {
	deadline := time.Now().Add(timeout)
	for {
		receipt, err := fetcher.TransactionReceipt(ctx, txHash)
		if err == nil {
			return extractPermissionID(receipt, txHash)
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to fetch receipt for %s: %w", txHash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrConfirmTimeout, txHash.Hex(), timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

func extractPermissionID(receipt *types.Receipt, txHash common.Hash) (*big.Int, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted on-chain", txHash.Hex())
	}
	for _, lg := range receipt.Logs {
		if len(lg.Topics) >= 2 && lg.Topics[0] == permissionAddedTopic {
			return new(big.Int).SetBytes(lg.Topics[1].Bytes()), nil
		}
	}
	return nil, fmt.Errorf("%w: tx %s", ErrEventMissing, txHash.Hex())
}
