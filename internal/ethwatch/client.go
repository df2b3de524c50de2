package ethwatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrTxNotFound = errors.New("transaction not found")

// Transaction is the read-only view of a transfer the tracker works with.
type Transaction struct {
	Hash     string
	From     string
	To       *string
	ValueWei *big.Int
	// IncludedBlock is nil while the transaction sits in the mempool.
	IncludedBlock *uint64
}

type ChainClient interface {
	TransactionByHash(ctx context.Context, hash string) (Transaction, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// backend is the subset of *ethclient.Client the client needs.
type backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Client struct {
	eth         backend
	signer      types.Signer
	callTimeout time.Duration
}

func NewClient(eth backend, chainID *big.Int, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Client{
		eth:         eth,
		signer:      types.LatestSignerForChainID(chainID),
		callTimeout: callTimeout,
	}
}

func (c *Client) TransactionByHash(ctx context.Context, hash string) (Transaction, error) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	h := common.HexToHash(hash)

	tx, isPending, err := c.eth.TransactionByHash(cctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return Transaction{}, ErrTxNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction by hash: %w", err)
	}

	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return Transaction{}, fmt.Errorf("recover sender: %w", err)
	}

	val := tx.Value()
	if val == nil {
		val = big.NewInt(0)
	}

	out := Transaction{
		Hash:     tx.Hash().Hex(),
		From:     from.Hex(),
		ValueWei: new(big.Int).Set(val),
	}
	if to := tx.To(); to != nil {
		s := to.Hex()
		out.To = &s
	}

	if isPending {
		return out, nil
	}

	receipt, err := c.eth.TransactionReceipt(cctx, h)
	switch {
	case errors.Is(err, ethereum.NotFound):
		// node knows the tx as mined but has not indexed the receipt yet
		return out, nil
	case err != nil:
		return Transaction{}, fmt.Errorf("transaction receipt: %w", err)
	}
	if receipt != nil && receipt.BlockNumber != nil {
		bn := receipt.BlockNumber.Uint64()
		out.IncludedBlock = &bn
	}
	return out, nil
}

func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	n, err := c.eth.BlockNumber(cctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}
