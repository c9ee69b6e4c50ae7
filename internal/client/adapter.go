// Package client is the marketplace client adapter. It holds the wallet
// session, turns marketplace calls into signed transactions, broadcasts them
// through a Chain and reports each one's final outcome through a callback once
// it is confirmed. Reads go straight to the chain's ABCI query interface.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/abci"
	"sbtc.bazaar/bazaar/internal/ledger"
	"sbtc.bazaar/bazaar/internal/types"
)

var (
	ErrNotConnected   = errors.New("wallet not connected")
	ErrConfirmTimeout = errors.New("transaction confirmation timed out")
	ErrClosed         = errors.New("adapter closed")
)

// Chain is the execution environment the adapter talks to: the Tendermint
// RPC client or the in-process devnet.
type Chain interface {
	BroadcastTxSync(ctx context.Context, tx []byte) (string, error)
	QueryTx(ctx context.Context, hash string) (*types.TxResult, error)
	ABCIQuery(ctx context.Context, path string, data []byte) ([]byte, error)
}

// Wallet signs on behalf of a principal.
type Wallet interface {
	types.Signer
	Principal() types.Principal
}

// Confirmation is the final outcome of a submitted transaction.
type Confirmation struct {
	ID      string
	Hash    string
	Kind    Kind
	Success bool
	Code    uint32
	Err     error
	TokenID uint64 // set for successful mints
}

// Callback receives the confirmation of a submission. It runs on the
// adapter's polling goroutine.
type Callback func(Confirmation)

// Adapter implements the client side of the marketplace.
type Adapter struct {
	chain   Chain
	tracker *Tracker
	log     *zap.Logger

	pollInterval       time.Duration
	confirmTimeout     time.Duration
	galleryConcurrency int

	mu     sync.RWMutex
	wallet Wallet
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPollInterval sets how often pending transactions are looked up.
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithConfirmTimeout sets how long to wait for a transaction to be committed.
func WithConfirmTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.confirmTimeout = d
		}
	}
}

// WithTracker replaces the default transaction tracker.
func WithTracker(t *Tracker) Option {
	return func(a *Adapter) {
		if t != nil {
			a.tracker = t
		}
	}
}

// WithGalleryConcurrency bounds the parallel token loads of Gallery.
func WithGalleryConcurrency(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.galleryConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// New returns a disconnected adapter for chain.
func New(chain Chain, opts ...Option) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		chain:              chain,
		tracker:            NewTracker(defaultHistory),
		log:                zap.NewNop(),
		pollInterval:       time.Second,
		confirmTimeout:     60 * time.Second,
		galleryConcurrency: 8,
		ctx:                ctx,
		cancel:             cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect starts a wallet session. A previous session is replaced.
func (a *Adapter) Connect(w Wallet) {
	a.mu.Lock()
	a.wallet = w
	a.mu.Unlock()
	a.log.Info("wallet connected", zap.String("principal", w.Principal().Short()))
}

// Disconnect ends the wallet session. Submissions already broadcast are
// still confirmed.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.wallet = nil
	a.mu.Unlock()
}

// Connected reports whether a wallet session is active.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.wallet != nil
}

// Principal returns the principal of the connected wallet.
func (a *Adapter) Principal() (types.Principal, error) {
	w, err := a.currentWallet()
	if err != nil {
		return "", err
	}
	return w.Principal(), nil
}

// Tracker returns the transaction tracker.
func (a *Adapter) Tracker() *Tracker {
	return a.tracker
}

// Wait blocks until every outstanding confirmation has been delivered.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// Close stops confirmation polling. Outstanding submissions are reported as
// failed with context.Canceled and later ones return ErrClosed.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

func (a *Adapter) currentWallet() (Wallet, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.wallet == nil {
		return nil, ErrNotConnected
	}
	return a.wallet, nil
}

// Mint submits mint-nft and returns the local tracking id.
func (a *Adapter) Mint(ctx context.Context, collateral uint64, meta types.Metadata, cb Callback) (string, error) {
	payload := types.MintPayload{
		Collateral:  collateral,
		Name:        meta.Name,
		Description: meta.Description,
		ImageURI:    meta.ImageURI,
	}
	return a.submit(ctx, MintIntent{Collateral: collateral, Metadata: meta}, types.TxMintNFT, payload, cb)
}

// List submits list-nft.
func (a *Adapter) List(ctx context.Context, tokenID, price uint64, cb Callback) (string, error) {
	return a.submit(ctx, ListIntent{TokenID: tokenID, Price: price}, types.TxListNFT,
		types.ListPayload{TokenID: tokenID, Price: price}, cb)
}

// Buy submits buy-nft.
func (a *Adapter) Buy(ctx context.Context, tokenID uint64, cb Callback) (string, error) {
	return a.submit(ctx, BuyIntent{TokenID: tokenID}, types.TxBuyNFT,
		types.TokenPayload{TokenID: tokenID}, cb)
}

// CancelListing submits cancel-listing.
func (a *Adapter) CancelListing(ctx context.Context, tokenID uint64, cb Callback) (string, error) {
	return a.submit(ctx, CancelIntent{TokenID: tokenID}, types.TxCancelListing,
		types.TokenPayload{TokenID: tokenID}, cb)
}

func (a *Adapter) submit(ctx context.Context, intent Intent, txType types.TransactionType, payload interface{}, cb Callback) (string, error) {
	w, err := a.currentWallet()
	if err != nil {
		return "", err
	}

	tx, err := types.NewTransaction(txType, payload)
	if err != nil {
		return "", fmt.Errorf("build %s: %w", txType, err)
	}
	signed, err := tx.Sign(w)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", txType, err)
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", txType, err)
	}

	id := a.tracker.Track(intent)
	hash, err := a.chain.BroadcastTxSync(ctx, raw)
	if err != nil {
		err = resultError(err)
		a.tracker.Resolve(id, err)
		a.log.Warn("broadcast failed",
			zap.String("kind", string(intent.Kind())),
			zap.Error(err))
		return "", err
	}
	a.tracker.SetHash(id, hash)
	a.log.Info("transaction broadcast",
		zap.String("id", id),
		zap.String("kind", string(intent.Kind())),
		zap.String("hash", hash))

	// wg.Add must not run concurrently with the Wait in Close.
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.tracker.Resolve(id, ErrClosed)
		return "", ErrClosed
	}
	a.wg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.wg.Done()
		conf := a.awaitConfirmation(id, hash, intent.Kind())
		a.tracker.Resolve(id, conf.Err)
		if cb != nil {
			cb(conf)
		}
	}()
	return id, nil
}

// awaitConfirmation polls the chain until the transaction is in a block or
// the confirmation timeout passes.
func (a *Adapter) awaitConfirmation(id, hash string, kind Kind) Confirmation {
	conf := Confirmation{ID: id, Hash: hash, Kind: kind}

	ctx, cancel := context.WithTimeout(a.ctx, a.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		res, err := a.chain.QueryTx(ctx, hash)
		switch {
		case err == nil:
			conf.Code = res.Code
			conf.Success = res.OK()
			if !conf.Success {
				conf.Err = resultError(&types.TxError{Code: res.Code, Log: res.Log})
			} else if kind == KindMint {
				var mr types.MintResult
				if err := json.Unmarshal(res.Data, &mr); err == nil {
					conf.TokenID = mr.TokenID
				}
			}
			return conf
		case errors.Is(err, types.ErrTxNotFound):
		default:
			if ctx.Err() == nil {
				a.log.Debug("confirmation lookup failed", zap.String("hash", hash), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				conf.Err = ErrConfirmTimeout
			} else {
				conf.Err = ctx.Err()
			}
			return conf
		case <-ticker.C:
		}
	}
}

// resultError maps a rejected transaction to its ledger error when the code
// belongs to the ledger.
func resultError(err error) error {
	var txErr *types.TxError
	if errors.As(err, &txErr) {
		if le := ledger.ErrorFromCode(txErr.Code); le != nil {
			return le
		}
	}
	return err
}

// LastTokenID returns the id of the most recently minted token.
func (a *Adapter) LastTokenID(ctx context.Context) (uint64, error) {
	var id uint64
	err := a.query(ctx, abci.QueryLastTokenID, nil, &id)
	return id, err
}

// MarketplaceFee returns the fee in basis points.
func (a *Adapter) MarketplaceFee(ctx context.Context) (uint64, error) {
	var fee uint64
	err := a.query(ctx, abci.QueryMarketplaceFee, nil, &fee)
	return fee, err
}

// TokenMetadata returns the metadata of a token, nil if it does not exist.
func (a *Adapter) TokenMetadata(ctx context.Context, tokenID uint64) (*types.Metadata, error) {
	var meta *types.Metadata
	err := a.query(ctx, abci.QueryTokenMetadata, types.TokenPayload{TokenID: tokenID}, &meta)
	return meta, err
}

// TokenListing returns the active listing of a token, nil if none.
func (a *Adapter) TokenListing(ctx context.Context, tokenID uint64) (*types.Listing, error) {
	var listing *types.Listing
	err := a.query(ctx, abci.QueryTokenListing, types.TokenPayload{TokenID: tokenID}, &listing)
	return listing, err
}

// TokenOwner returns the owner of a token. ok is false if it does not exist.
func (a *Adapter) TokenOwner(ctx context.Context, tokenID uint64) (owner types.Principal, ok bool, err error) {
	var p *types.Principal
	if err := a.query(ctx, abci.QueryTokenOwner, types.TokenPayload{TokenID: tokenID}, &p); err != nil {
		return "", false, err
	}
	if p == nil {
		return "", false, nil
	}
	return *p, true, nil
}

// Token returns the full token record, nil if it does not exist.
func (a *Adapter) Token(ctx context.Context, tokenID uint64) (*types.Token, error) {
	var token *types.Token
	err := a.query(ctx, abci.QueryToken, types.TokenPayload{TokenID: tokenID}, &token)
	return token, err
}

// TokenView returns a token with its active listing from a single ledger
// read, nil if the token does not exist.
func (a *Adapter) TokenView(ctx context.Context, tokenID uint64) (*types.TokenView, error) {
	var view *types.TokenView
	err := a.query(ctx, abci.QueryTokenView, types.TokenPayload{TokenID: tokenID}, &view)
	return view, err
}

// Balance returns the payment balance of a principal.
func (a *Adapter) Balance(ctx context.Context, p types.Principal) (uint64, error) {
	var balance uint64
	err := a.query(ctx, abci.QueryBalance, abci.BalanceQuery{Principal: p}, &balance)
	return balance, err
}

func (a *Adapter) query(ctx context.Context, path string, arg interface{}, out interface{}) error {
	var data []byte
	if arg != nil {
		var err error
		if data, err = json.Marshal(arg); err != nil {
			return fmt.Errorf("encode %s query: %w", path, err)
		}
	}
	value, err := a.chain.ABCIQuery(ctx, path, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
