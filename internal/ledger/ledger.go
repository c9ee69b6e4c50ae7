// Package ledger is the marketplace state machine. It tracks non-fungible
// token ownership, enforces the collateral floor at mint time and settles
// sales with the platform fee split. Every mutating call is a whole-state
// transaction: it runs under the ledger's write lock and either commits with
// all invariants holding or returns an error without touching state. Reads
// share a read lock and so always observe a consistent snapshot.
//
// The ledger itself is deterministic and synchronous. Consensus, broadcast
// and confirmation live in the ABCI layer and the client adapter.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/types"
)

// Marketplace is the call surface of the ledger.
type Marketplace interface {
	Mint(caller types.Principal, collateral uint64, meta types.Metadata) (uint64, error)
	List(caller types.Principal, tokenID, price uint64) error
	CancelListing(caller types.Principal, tokenID uint64) error
	Buy(caller types.Principal, tokenID uint64) error

	LastTokenID() uint64
	MarketplaceFee() uint64
	TokenMetadata(tokenID uint64) (types.Metadata, bool)
	TokenListing(tokenID uint64) (types.Listing, bool)
	TokenOwner(tokenID uint64) (types.Principal, bool)
}

// Settlement is the payment instruction of a sale: Price leaves Buyer, Fee
// reaches Treasury and Proceeds reach Seller.
type Settlement struct {
	TokenID  uint64
	Buyer    types.Principal
	Seller   types.Principal
	Treasury types.Principal
	Price    uint64
	Fee      uint64
	Proceeds uint64
}

// Payments moves funds for a sale. Settle must apply every leg or none.
type Payments interface {
	Settle(s Settlement) error
}

// NoopRails accepts every settlement without moving funds. It is used when
// balances are tracked outside the node.
type NoopRails struct{}

// Settle implements Payments.
func (NoopRails) Settle(Settlement) error { return nil }

// Ledger implements Marketplace.
type Ledger struct {
	mu          sync.RWMutex
	lastTokenID uint64
	tokens      map[uint64]types.Token
	listings    map[uint64]types.Listing

	payments Payments
	treasury types.Principal
	onEvent  func(types.Event)
	now      func() time.Time
	log      *zap.Logger
}

var _ Marketplace = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithPayments sets the payment rails used by Buy.
func WithPayments(p Payments) Option {
	return func(l *Ledger) {
		if p != nil {
			l.payments = p
		}
	}
}

// WithTreasury sets the principal that receives marketplace fees.
func WithTreasury(p types.Principal) Option {
	return func(l *Ledger) { l.treasury = p }
}

// WithEventHandler registers a callback invoked after each committed
// transition, outside the ledger lock.
func WithEventHandler(fn func(types.Event)) Option {
	return func(l *Ledger) { l.onEvent = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		tokens:   make(map[uint64]types.Token),
		listings: make(map[uint64]types.Listing),
		payments: NoopRails{},
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mint creates a token owned by caller and returns its id.
func (l *Ledger) Mint(caller types.Principal, collateral uint64, meta types.Metadata) (uint64, error) {
	if err := ValidateMint(collateral, meta); err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.lastTokenID++
	id := l.lastTokenID
	l.tokens[id] = types.Token{
		ID:         id,
		Owner:      caller,
		Metadata:   meta,
		Collateral: collateral,
	}
	l.mu.Unlock()

	l.log.Info("token minted",
		zap.Uint64("token_id", id),
		zap.String("owner", caller.Short()),
		zap.Uint64("collateral", collateral))
	l.emit(types.Event{Type: types.EventMinted, TokenID: id, Actor: caller})
	return id, nil
}

// List offers a token for sale at price. Only the owner may list, and a
// token has at most one active listing.
func (l *Ledger) List(caller types.Principal, tokenID, price uint64) error {
	l.mu.Lock()
	token, ok := l.tokens[tokenID]
	if !ok {
		l.mu.Unlock()
		return ErrTokenNotFound
	}
	if token.Owner != caller {
		l.mu.Unlock()
		return ErrNotOwner
	}
	if err := ValidatePrice(price); err != nil {
		l.mu.Unlock()
		return err
	}
	if _, listed := l.listings[tokenID]; listed {
		l.mu.Unlock()
		return ErrAlreadyListed
	}
	l.listings[tokenID] = types.Listing{Price: price, Seller: caller}
	l.mu.Unlock()

	l.log.Info("token listed",
		zap.Uint64("token_id", tokenID),
		zap.Uint64("price", price),
		zap.String("seller", caller.Short()))
	l.emit(types.Event{Type: types.EventListed, TokenID: tokenID, Actor: caller, Seller: caller, Price: price})
	return nil
}

// CancelListing withdraws the caller's listing. Ownership is unaffected.
func (l *Ledger) CancelListing(caller types.Principal, tokenID uint64) error {
	l.mu.Lock()
	listing, ok := l.listings[tokenID]
	if !ok {
		l.mu.Unlock()
		return ErrListingNotFound
	}
	if listing.Seller != caller {
		l.mu.Unlock()
		return ErrNotSeller
	}
	delete(l.listings, tokenID)
	l.mu.Unlock()

	l.log.Info("listing cancelled", zap.Uint64("token_id", tokenID))
	l.emit(types.Event{Type: types.EventCancelled, TokenID: tokenID, Actor: caller, Seller: caller, Price: listing.Price})
	return nil
}

// Buy purchases a listed token. The payment settles first; ownership moves
// and the listing is removed only if it succeeded.
func (l *Ledger) Buy(caller types.Principal, tokenID uint64) error {
	l.mu.Lock()
	listing, ok := l.listings[tokenID]
	if !ok {
		l.mu.Unlock()
		return ErrListingNotFound
	}
	if listing.Seller == caller {
		l.mu.Unlock()
		return ErrSelfPurchase
	}
	token := l.tokens[tokenID]
	if token.Owner != listing.Seller {
		l.mu.Unlock()
		return ErrNotOwner
	}

	fee, proceeds := SplitPrice(listing.Price, FeeBasisPoints)
	settlement := Settlement{
		TokenID:  tokenID,
		Buyer:    caller,
		Seller:   listing.Seller,
		Treasury: l.treasury,
		Price:    listing.Price,
		Fee:      fee,
		Proceeds: proceeds,
	}
	if err := l.payments.Settle(settlement); err != nil {
		l.mu.Unlock()
		l.log.Warn("sale payment failed",
			zap.Uint64("token_id", tokenID),
			zap.String("buyer", caller.Short()),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	token.Owner = caller
	l.tokens[tokenID] = token
	delete(l.listings, tokenID)
	l.mu.Unlock()

	l.log.Info("token sold",
		zap.Uint64("token_id", tokenID),
		zap.String("buyer", caller.Short()),
		zap.String("seller", listing.Seller.Short()),
		zap.Uint64("price", listing.Price),
		zap.Uint64("fee", fee))
	l.emit(types.Event{
		Type:    types.EventSold,
		TokenID: tokenID,
		Actor:   caller,
		Seller:  listing.Seller,
		Price:   listing.Price,
		Fee:     fee,
	})
	return nil
}

// LastTokenID returns the id of the most recently minted token, 0 if none.
func (l *Ledger) LastTokenID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTokenID
}

// MarketplaceFee returns the sale fee in basis points.
func (l *Ledger) MarketplaceFee() uint64 {
	return FeeBasisPoints
}

// Treasury returns the fee recipient.
func (l *Ledger) Treasury() types.Principal {
	return l.treasury
}

// TokenMetadata returns the metadata of a token.
func (l *Ledger) TokenMetadata(tokenID uint64) (types.Metadata, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tokens[tokenID]
	return t.Metadata, ok
}

// TokenListing returns the active listing of a token.
func (l *Ledger) TokenListing(tokenID uint64) (types.Listing, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	li, ok := l.listings[tokenID]
	return li, ok
}

// TokenOwner returns the current owner of a token.
func (l *Ledger) TokenOwner(tokenID uint64) (types.Principal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tokens[tokenID]
	return t.Owner, ok
}

// Token returns the full token record.
func (l *Ledger) Token(tokenID uint64) (types.Token, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tokens[tokenID]
	return t, ok
}

// TokenView returns a token and its listing under one read lock, so the pair
// always satisfies the listing-held-by-owner invariant.
func (l *Ledger) TokenView(tokenID uint64) (types.TokenView, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tokens[tokenID]
	if !ok {
		return types.TokenView{}, false
	}
	view := types.TokenView{Token: t}
	if li, listed := l.listings[tokenID]; listed {
		view.Listing = &li
	}
	return view, true
}

// Snapshot copies the ledger state, tokens and listings ordered by id.
// Height, AppHash and Balances are left for the caller to fill.
func (l *Ledger) Snapshot() types.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := types.Snapshot{
		LastTokenID: l.lastTokenID,
		Tokens:      make([]types.Token, 0, len(l.tokens)),
		Listings:    make([]types.ListingEntry, 0, len(l.listings)),
	}
	for _, t := range l.tokens {
		snap.Tokens = append(snap.Tokens, t)
	}
	for id, li := range l.listings {
		snap.Listings = append(snap.Listings, types.ListingEntry{TokenID: id, Listing: li})
	}
	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].ID < snap.Tokens[j].ID })
	sort.Slice(snap.Listings, func(i, j int) bool { return snap.Listings[i].TokenID < snap.Listings[j].TokenID })
	return snap
}

// Restore replaces the ledger state with snap. The snapshot is checked
// against the ledger invariants first; on error the ledger is unchanged.
func (l *Ledger) Restore(snap types.Snapshot) error {
	tokens := make(map[uint64]types.Token, len(snap.Tokens))
	for _, t := range snap.Tokens {
		tokens[t.ID] = t
	}
	listings := make(map[uint64]types.Listing, len(snap.Listings))
	for _, e := range snap.Listings {
		if _, dup := listings[e.TokenID]; dup {
			return fmt.Errorf("duplicate listing for token %d", e.TokenID)
		}
		listings[e.TokenID] = e.Listing
	}
	if err := checkInvariants(snap.LastTokenID, tokens, listings); err != nil {
		return err
	}

	l.mu.Lock()
	l.lastTokenID = snap.LastTokenID
	l.tokens = tokens
	l.listings = listings
	l.mu.Unlock()
	return nil
}

// CheckInvariants verifies the state invariants of the marketplace.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return checkInvariants(l.lastTokenID, l.tokens, l.listings)
}

func checkInvariants(lastTokenID uint64, tokens map[uint64]types.Token, listings map[uint64]types.Listing) error {
	if uint64(len(tokens)) != lastTokenID {
		return fmt.Errorf("last token id %d does not match %d tokens", lastTokenID, len(tokens))
	}
	for id, t := range tokens {
		if id == 0 || id > lastTokenID || t.ID != id {
			return fmt.Errorf("token id %d out of range", id)
		}
		if t.Collateral < MinCollateral {
			return fmt.Errorf("token %d collateral %d below minimum", id, t.Collateral)
		}
	}
	for id, li := range listings {
		token, ok := tokens[id]
		if !ok {
			return fmt.Errorf("listing for unknown token %d", id)
		}
		if li.Price == 0 {
			return fmt.Errorf("listing for token %d has zero price", id)
		}
		if li.Seller != token.Owner {
			return fmt.Errorf("listing for token %d not held by owner", id)
		}
	}
	return nil
}

func (l *Ledger) emit(ev types.Event) {
	if l.onEvent == nil {
		return
	}
	ev.Timestamp = l.now()
	l.onEvent(ev)
}
