// Package devnet runs the ABCI application in-process as a single-node chain.
// Transactions are admitted through CheckTx into a mempool and delivered in
// arrival order when a block is produced, the way a Tendermint validator
// would. It serves the same broadcast/query surface as the Tendermint RPC
// client so the client adapter runs unchanged against either.
package devnet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	abci "github.com/tendermint/tendermint/abci/types"
	tmproto "github.com/tendermint/tendermint/proto/tendermint/types"
	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/types"
)

// ErrTxInMempool is returned when the same transaction bytes are broadcast
// twice.
var ErrTxInMempool = errors.New("tx already exists in cache")

const defaultMaxResults = 10000

type pendingTx struct {
	hash string
	tx   []byte
}

// Chain is an in-process single-validator chain.
type Chain struct {
	app     abci.Application
	chainID string
	log     *zap.Logger
	now     func() time.Time

	// execMu serializes CheckTx and block execution against the app.
	execMu sync.Mutex

	mu         sync.Mutex
	height     int64
	mempool    []pendingTx
	results    map[string]*types.TxResult
	order      []string
	maxResults int
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Chain) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMaxResults bounds how many delivered results are kept for QueryTx.
func WithMaxResults(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// New returns a chain that continues from the height the app reports.
func New(app abci.Application, opts ...Option) *Chain {
	c := &Chain{
		app:        app,
		chainID:    "bazaar-devnet",
		log:        zap.NewNop(),
		now:        time.Now,
		results:    make(map[string]*types.TxResult),
		maxResults: defaultMaxResults,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.height = app.Info(abci.RequestInfo{}).LastBlockHeight
	return c
}

// TxHash returns the Tendermint-style hash of tx: upper-case hex sha256.
func TxHash(tx []byte) string {
	sum := sha256.Sum256(tx)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// BroadcastTxSync runs CheckTx and queues the transaction for the next block.
// A rejection is returned as *types.TxError.
func (c *Chain) BroadcastTxSync(ctx context.Context, tx []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := TxHash(tx)

	c.mu.Lock()
	_, done := c.results[hash]
	queued := c.inMempool(hash)
	c.mu.Unlock()
	if done || queued {
		return "", ErrTxInMempool
	}

	c.execMu.Lock()
	res := c.app.CheckTx(abci.RequestCheckTx{Tx: tx, Type: abci.CheckTxType_New})
	c.execMu.Unlock()
	if res.Code != 0 {
		return "", &types.TxError{Code: res.Code, Log: res.Log}
	}

	c.mu.Lock()
	c.mempool = append(c.mempool, pendingTx{hash: hash, tx: tx})
	c.mu.Unlock()
	return hash, nil
}

func (c *Chain) inMempool(hash string) bool {
	for _, p := range c.mempool {
		if p.hash == hash {
			return true
		}
	}
	return false
}

// ProduceBlock delivers every queued transaction in order and commits. No
// block is produced when the mempool is empty. It returns the new height and
// the number of transactions included.
func (c *Chain) ProduceBlock() (int64, int) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	txs := c.mempool
	c.mempool = nil
	height := c.height + 1
	c.mu.Unlock()

	if len(txs) == 0 {
		return height - 1, 0
	}

	c.app.BeginBlock(abci.RequestBeginBlock{
		Header: tmproto.Header{ChainID: c.chainID, Height: height, Time: c.now().UTC()},
	})

	results := make([]*types.TxResult, 0, len(txs))
	for i, p := range txs {
		res := c.app.DeliverTx(abci.RequestDeliverTx{Tx: p.tx})
		if res.Code != 0 {
			c.log.Debug("transaction failed in block",
				zap.Int64("height", height),
				zap.Int("index", i),
				zap.Uint32("code", res.Code),
				zap.String("log", res.Log))
		}
		results = append(results, &types.TxResult{
			Hash:   p.hash,
			Height: height,
			Code:   res.Code,
			Data:   res.Data,
			Log:    res.Log,
		})
	}

	c.app.EndBlock(abci.RequestEndBlock{Height: height})
	commit := c.app.Commit()

	c.mu.Lock()
	c.height = height
	for _, r := range results {
		c.results[r.Hash] = r
		c.order = append(c.order, r.Hash)
	}
	c.pruneResults()
	c.mu.Unlock()

	c.log.Info("block committed",
		zap.Int64("height", height),
		zap.Int("txs", len(txs)),
		zap.String("app_hash", fmt.Sprintf("%X", commit.Data)))
	return height, len(txs)
}

func (c *Chain) pruneResults() {
	for len(c.order) > c.maxResults {
		delete(c.results, c.order[0])
		c.order = c.order[1:]
	}
}

// Run produces a block every interval until ctx is done.
func (c *Chain) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("block interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("devnet producing blocks", zap.Duration("interval", interval), zap.Int64("height", c.Height()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ProduceBlock()
		}
	}
}

// QueryTx returns the delivered result of a transaction, or
// types.ErrTxNotFound while it is still pending or unknown.
func (c *Chain) QueryTx(ctx context.Context, hash string) (*types.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[strings.ToUpper(hash)]
	if !ok {
		return nil, types.ErrTxNotFound
	}
	cp := *res
	return &cp, nil
}

// ABCIQuery runs a query against the application.
func (c *Chain) ABCIQuery(ctx context.Context, path string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := c.app.Query(abci.RequestQuery{Path: path, Data: data})
	if res.Code != 0 {
		return nil, fmt.Errorf("query %s failed with code %d: %s", path, res.Code, res.Log)
	}
	return res.Value, nil
}

// Height returns the last committed height.
func (c *Chain) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// PendingCount returns the number of queued transactions.
func (c *Chain) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mempool)
}
