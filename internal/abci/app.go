// Package abci contains the ABCI application that connects the marketplace
// ledger to the Tendermint consensus engine. CheckTx does the stateless
// admission checks (encoding, signature, argument ranges) and DeliverTx runs
// the ledger transition with the signer as caller. Each signer nonce is
// accepted once, so delivered bytes cannot be replayed. Commit persists the
// state through the store and emits the block's marketplace events.
package abci

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	abci "github.com/tendermint/tendermint/abci/types"
	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/ledger"
	"sbtc.bazaar/bazaar/internal/payments"
	"sbtc.bazaar/bazaar/internal/store"
	"sbtc.bazaar/bazaar/internal/types"
)

const (
	CodeTypeOK            uint32 = 0
	CodeTypeEncodingError uint32 = 1
	CodeTypeAuthError     uint32 = 2
	CodeTypeInvalidTx     uint32 = 3
	CodeTypeUnknownQuery  uint32 = 4
	CodeTypeReplayedTx    uint32 = 5
)

// Query paths served by Query.
const (
	QueryLastTokenID    = "/last-token-id"
	QueryMarketplaceFee = "/marketplace-fee"
	QueryTokenMetadata  = "/token-metadata"
	QueryTokenListing   = "/token-listing"
	QueryTokenOwner     = "/token-owner"
	QueryToken          = "/token"
	QueryTokenView      = "/token-view"
	QueryBalance        = "/balance"
)

// EventTypeMarketplace is the ABCI event type attached to DeliverTx results.
const EventTypeMarketplace = "marketplace"

const appName = "sbtc-bazaar"

// BalanceQuery is the request data of the /balance query.
type BalanceQuery struct {
	Principal types.Principal `json:"principal"`
}

// Options configures the application.
type Options struct {
	Store           store.Store
	Treasury        types.Principal
	GenesisBalances map[types.Principal]uint64
	Logger          *zap.Logger
	// OnEvent receives committed marketplace events, after Commit.
	OnEvent func(types.Event)
}

// ABCIApplication implements the ABCI interface.
type ABCIApplication struct {
	abci.BaseApplication

	ledger *ledger.Ledger
	book   *payments.Book
	store  store.Store
	log    *zap.Logger

	mu          sync.Mutex
	height      int64
	appHash     []byte
	blockEvents []types.Event
	onEvent     func(types.Event)
	// nonces holds every NonceKey delivered so far, committed or not.
	nonces map[string]struct{}
}

// NewABCIApplication builds the ledger and payment book and restores them
// from the store. Genesis balances are credited only when the store holds no
// committed state.
func NewABCIApplication(opts Options) (*ABCIApplication, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	app := &ABCIApplication{
		book:    payments.NewBook(),
		store:   opts.Store,
		log:     log,
		onEvent: opts.OnEvent,
		nonces:  make(map[string]struct{}),
	}
	app.ledger = ledger.New(
		ledger.WithPayments(app.book),
		ledger.WithTreasury(opts.Treasury),
		ledger.WithEventHandler(app.recordEvent),
		ledger.WithLogger(log.Named("ledger")),
	)

	var snap *types.Snapshot
	if app.store != nil {
		var err error
		if snap, err = app.store.Load(); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	if snap == nil {
		for p, amount := range opts.GenesisBalances {
			if err := app.book.Credit(p, amount); err != nil {
				return nil, fmt.Errorf("credit genesis balance for %s: %w", p.Short(), err)
			}
		}
		return app, nil
	}

	if err := app.ledger.Restore(*snap); err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}
	app.book.Restore(snap.Balances)
	for _, key := range snap.Nonces {
		app.nonces[key] = struct{}{}
	}
	app.height = snap.Height
	app.appHash = snap.AppHash
	log.Info("restored marketplace state",
		zap.Int64("height", snap.Height),
		zap.Uint64("last_token_id", snap.LastTokenID),
		zap.Int("listings", len(snap.Listings)),
		zap.Int("nonces", len(snap.Nonces)))
	return app, nil
}

// Ledger returns the marketplace ledger for read access.
func (app *ABCIApplication) Ledger() *ledger.Ledger {
	return app.ledger
}

// Book returns the payment book for read access.
func (app *ABCIApplication) Book() *payments.Book {
	return app.book
}

// Height returns the last committed height.
func (app *ABCIApplication) Height() int64 {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.height
}

// SetEventHandler replaces the committed-event callback.
func (app *ABCIApplication) SetEventHandler(fn func(types.Event)) {
	app.mu.Lock()
	app.onEvent = fn
	app.mu.Unlock()
}

func (app *ABCIApplication) Info(req abci.RequestInfo) abci.ResponseInfo {
	app.mu.Lock()
	defer app.mu.Unlock()
	return abci.ResponseInfo{
		Data:             appName,
		Version:          types.Version,
		LastBlockHeight:  app.height,
		LastBlockAppHash: app.appHash,
	}
}

func (app *ABCIApplication) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	signedTx, tx, code, msg := decodeTx(req.Tx)
	if code != CodeTypeOK {
		return abci.ResponseCheckTx{Code: code, Log: msg}
	}
	if code, msg := app.checkNonce(signedTx.Signer(), tx.Nonce); code != CodeTypeOK {
		return abci.ResponseCheckTx{Code: code, Log: msg}
	}

	var err error
	switch tx.Type {
	case types.TxMintNFT:
		var payload types.MintPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			return abci.ResponseCheckTx{Code: CodeTypeEncodingError, Log: "failed to decode mint payload"}
		}
		err = ledger.ValidateMint(payload.Collateral, payload.Metadata())
	case types.TxListNFT:
		var payload types.ListPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			return abci.ResponseCheckTx{Code: CodeTypeEncodingError, Log: "failed to decode list payload"}
		}
		err = ledger.ValidatePrice(payload.Price)
	case types.TxCancelListing, types.TxBuyNFT:
		var payload types.TokenPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			return abci.ResponseCheckTx{Code: CodeTypeEncodingError, Log: "failed to decode token payload"}
		}
	default:
		return abci.ResponseCheckTx{Code: CodeTypeInvalidTx, Log: "unknown transaction type"}
	}

	if err != nil {
		return abci.ResponseCheckTx{Code: resultCode(err), Log: err.Error()}
	}
	return abci.ResponseCheckTx{Code: CodeTypeOK}
}

func (app *ABCIApplication) DeliverTx(req abci.RequestDeliverTx) abci.ResponseDeliverTx {
	signedTx, tx, code, msg := decodeTx(req.Tx)
	if code != CodeTypeOK {
		return abci.ResponseDeliverTx{Code: code, Log: msg}
	}
	caller := signedTx.Signer()
	if code, msg := app.checkNonce(caller, tx.Nonce); code != CodeTypeOK {
		return abci.ResponseDeliverTx{Code: code, Log: msg}
	}
	// The nonce is spent even when the ledger rejects the call, so a failed
	// purchase cannot be replayed once it would succeed.
	app.consumeNonce(caller, tx.Nonce)

	var (
		data []byte
		err  error
	)
	switch tx.Type {
	case types.TxMintNFT:
		var payload types.MintPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			return abci.ResponseDeliverTx{Code: CodeTypeEncodingError, Log: "failed to decode mint payload"}
		}
		var id uint64
		id, err = app.ledger.Mint(caller, payload.Collateral, payload.Metadata())
		if err == nil {
			data, _ = json.Marshal(types.MintResult{TokenID: id})
		}

	case types.TxListNFT:
		var payload types.ListPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			return abci.ResponseDeliverTx{Code: CodeTypeEncodingError, Log: "failed to decode list payload"}
		}
		err = app.ledger.List(caller, payload.TokenID, payload.Price)

	case types.TxCancelListing:
		var payload types.TokenPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			return abci.ResponseDeliverTx{Code: CodeTypeEncodingError, Log: "failed to decode token payload"}
		}
		err = app.ledger.CancelListing(caller, payload.TokenID)

	case types.TxBuyNFT:
		var payload types.TokenPayload
		if err := json.Unmarshal(tx.Payload, &payload); err != nil {
			return abci.ResponseDeliverTx{Code: CodeTypeEncodingError, Log: "failed to decode token payload"}
		}
		err = app.ledger.Buy(caller, payload.TokenID)

	default:
		return abci.ResponseDeliverTx{Code: CodeTypeInvalidTx, Log: "unknown transaction type"}
	}

	if err != nil {
		app.log.Debug("transaction rejected",
			zap.String("type", string(tx.Type)),
			zap.String("caller", caller.Short()),
			zap.Error(err))
		return abci.ResponseDeliverTx{Code: resultCode(err), Log: err.Error()}
	}

	return abci.ResponseDeliverTx{
		Code:   CodeTypeOK,
		Data:   data,
		Events: app.lastEventAttributes(),
	}
}

// Commit persists the block state before advancing the height. A store
// failure panics: the block cannot be acknowledged, and Tendermint stops the
// node when the ABCI connection breaks.
func (app *ABCIApplication) Commit() abci.ResponseCommit {
	snap := app.ledger.Snapshot()
	snap.Balances = app.book.Snapshot()

	app.mu.Lock()
	snap.Height = app.height + 1
	snap.Nonces = app.sortedNonces()
	app.mu.Unlock()
	snap.AppHash = StateHash(snap)

	if app.store != nil {
		if err := app.store.Save(&snap); err != nil {
			app.log.Error("persisting snapshot failed", zap.Int64("height", snap.Height), zap.Error(err))
			panic(fmt.Errorf("persist snapshot at height %d: %w", snap.Height, err))
		}
	}

	app.mu.Lock()
	app.height = snap.Height
	app.appHash = snap.AppHash
	events := app.blockEvents
	app.blockEvents = nil
	onEvent := app.onEvent
	app.mu.Unlock()

	if onEvent != nil {
		for _, ev := range events {
			ev.Height = snap.Height
			onEvent(ev)
		}
	}

	return abci.ResponseCommit{Data: snap.AppHash}
}

func (app *ABCIApplication) Query(req abci.RequestQuery) abci.ResponseQuery {
	var (
		value any
		err   error
	)
	switch req.Path {
	case QueryLastTokenID:
		value = app.ledger.LastTokenID()
	case QueryMarketplaceFee:
		value = app.ledger.MarketplaceFee()
	case QueryTokenMetadata:
		value, err = app.tokenQuery(req.Data, func(id uint64) (any, bool) {
			return app.ledger.TokenMetadata(id)
		})
	case QueryTokenListing:
		value, err = app.tokenQuery(req.Data, func(id uint64) (any, bool) {
			return app.ledger.TokenListing(id)
		})
	case QueryTokenOwner:
		value, err = app.tokenQuery(req.Data, func(id uint64) (any, bool) {
			return app.ledger.TokenOwner(id)
		})
	case QueryToken:
		value, err = app.tokenQuery(req.Data, func(id uint64) (any, bool) {
			return app.ledger.Token(id)
		})
	case QueryTokenView:
		value, err = app.tokenQuery(req.Data, func(id uint64) (any, bool) {
			return app.ledger.TokenView(id)
		})
	case QueryBalance:
		var q BalanceQuery
		if err = json.Unmarshal(req.Data, &q); err == nil {
			value = app.book.Balance(q.Principal)
		}
	default:
		return abci.ResponseQuery{Code: CodeTypeUnknownQuery, Log: "unknown query path " + req.Path}
	}
	if err != nil {
		return abci.ResponseQuery{Code: CodeTypeEncodingError, Log: err.Error()}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return abci.ResponseQuery{Code: CodeTypeEncodingError, Log: err.Error()}
	}
	return abci.ResponseQuery{Code: CodeTypeOK, Value: raw, Height: app.Height()}
}

// tokenQuery decodes a TokenPayload and returns nil (encoded as JSON null)
// when lookup finds nothing.
func (app *ABCIApplication) tokenQuery(data []byte, lookup func(uint64) (any, bool)) (any, error) {
	var q types.TokenPayload
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("decode token query: %w", err)
	}
	v, ok := lookup(q.TokenID)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (app *ABCIApplication) checkNonce(signer types.Principal, nonce string) (uint32, string) {
	if nonce == "" {
		return CodeTypeInvalidTx, "missing nonce"
	}
	app.mu.Lock()
	_, used := app.nonces[types.NonceKey(signer, nonce)]
	app.mu.Unlock()
	if used {
		return CodeTypeReplayedTx, "nonce already used"
	}
	return CodeTypeOK, ""
}

func (app *ABCIApplication) consumeNonce(signer types.Principal, nonce string) {
	app.mu.Lock()
	app.nonces[types.NonceKey(signer, nonce)] = struct{}{}
	app.mu.Unlock()
}

// sortedNonces must be called with app.mu held.
func (app *ABCIApplication) sortedNonces() []string {
	if len(app.nonces) == 0 {
		return nil
	}
	keys := make([]string, 0, len(app.nonces))
	for k := range app.nonces {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (app *ABCIApplication) recordEvent(ev types.Event) {
	app.mu.Lock()
	app.blockEvents = append(app.blockEvents, ev)
	app.mu.Unlock()
}

// lastEventAttributes converts the event recorded by the current DeliverTx
// into an ABCI event so it can be searched through the tx index.
func (app *ABCIApplication) lastEventAttributes() []abci.Event {
	app.mu.Lock()
	defer app.mu.Unlock()
	if len(app.blockEvents) == 0 {
		return nil
	}
	ev := app.blockEvents[len(app.blockEvents)-1]
	attrs := []abci.EventAttribute{
		{Key: []byte("action"), Value: []byte(ev.Type), Index: true},
		{Key: []byte("token_id"), Value: []byte(strconv.FormatUint(ev.TokenID, 10)), Index: true},
		{Key: []byte("actor"), Value: []byte(ev.Actor), Index: true},
	}
	if ev.Type == types.EventSold {
		attrs = append(attrs,
			abci.EventAttribute{Key: []byte("price"), Value: []byte(strconv.FormatUint(ev.Price, 10))},
			abci.EventAttribute{Key: []byte("fee"), Value: []byte(strconv.FormatUint(ev.Fee, 10))},
		)
	}
	return []abci.Event{{Type: EventTypeMarketplace, Attributes: attrs}}
}

// StateHash is the app hash of a snapshot: sha256 over its JSON encoding with
// height and previous hash cleared. encoding/json sorts map keys, the ledger
// sorts tokens and listings and Commit sorts nonces, so the encoding is
// canonical.
func StateHash(snap types.Snapshot) []byte {
	snap.Height = 0
	snap.AppHash = nil
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

func decodeTx(raw []byte) (*types.SignedTransaction, *types.Transaction, uint32, string) {
	var signedTx types.SignedTransaction
	if err := json.Unmarshal(raw, &signedTx); err != nil {
		return nil, nil, CodeTypeEncodingError, "failed to decode signed tx"
	}
	if !signedTx.Verify() {
		return nil, nil, CodeTypeAuthError, "invalid signature"
	}
	tx, err := signedTx.GetTransaction()
	if err != nil {
		return nil, nil, CodeTypeEncodingError, "failed to decode inner tx"
	}
	return &signedTx, tx, CodeTypeOK, ""
}

func resultCode(err error) uint32 {
	if code, ok := ledger.CodeOf(err); ok {
		return code
	}
	return CodeTypeInvalidTx
}
