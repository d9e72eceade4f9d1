package payment

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// ChainTx is the subset of an on-chain transaction the verifier inspects.
type ChainTx struct {
	To            string
	Value         *big.Int
	Confirmations int
}

// ChainClient looks up transactions on the payment chain. A nil To means the
// transaction has no recipient (contract creation).
type ChainClient interface {
	TransactionByHash(ctx context.Context, txHash string) (*ChainTx, error)
}

// ErrTxNotFound is returned when the chain has no transaction for the hash.
var ErrTxNotFound = errors.New("transaction not found")

// EthChainClient implements ChainClient over a JSON-RPC endpoint. Every
// lookup is bounded by the configured timeout so a hung node cannot stall
// verification.
type EthChainClient struct {
	client  *ethclient.Client
	timeout time.Duration
}

func DialChain(rpcURL string, timeout time.Duration) (*EthChainClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dialing chain rpc")
	}
	return &EthChainClient{client: client, timeout: timeout}, nil
}

func (c *EthChainClient) TransactionByHash(ctx context.Context, txHash string) (*ChainTx, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)

	tx, pending, err := c.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, errors.Wrap(err, "looking up transaction")
	}

	result := &ChainTx{Value: tx.Value()}
	if to := tx.To(); to != nil {
		result.To = to.Hex()
	}
	if pending {
		return result, nil
	}

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return result, nil
		}
		return nil, errors.Wrap(err, "looking up receipt")
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "looking up head block")
	}

	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		result.Confirmations = int(head-receipt.BlockNumber.Uint64()) + 1
	}
	return result, nil
}

func (c *EthChainClient) Close() {
	c.client.Close()
}
