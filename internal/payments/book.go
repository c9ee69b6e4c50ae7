// Package payments provides the balance book used to settle marketplace
// sales. A settlement stages every balance change in a scratch set and
// applies it only once all legs validated, so a sale either moves the whole
// price or nothing.
package payments

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"sbtc.bazaar/bazaar/internal/ledger"
	"sbtc.bazaar/bazaar/internal/types"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrUnbalanced          = errors.New("settlement legs do not add up to price")
)

// Book holds account balances in the smallest currency unit.
type Book struct {
	mu       sync.RWMutex
	balances map[types.Principal]uint64
}

var _ ledger.Payments = (*Book)(nil)

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{balances: make(map[types.Principal]uint64)}
}

// Credit adds amount to an account. It is used for genesis funding.
func (b *Book) Credit(p types.Principal, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.balances[p]
	if cur > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	b.balances[p] = cur + amount
	return nil
}

// Balance returns the balance of an account, 0 if unknown.
func (b *Book) Balance(p types.Principal) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[p]
}

// Settle implements ledger.Payments.
func (b *Book) Settle(s ledger.Settlement) error {
	if s.Fee+s.Proceeds != s.Price || s.Fee > s.Price {
		return ErrUnbalanced
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pending := newPendingBalances(b.balances)
	if err := pending.debit(s.Buyer, s.Price); err != nil {
		return fmt.Errorf("buyer %s: %w", s.Buyer.Short(), err)
	}
	if err := pending.credit(s.Seller, s.Proceeds); err != nil {
		return fmt.Errorf("seller %s: %w", s.Seller.Short(), err)
	}
	if s.Fee > 0 {
		if err := pending.credit(s.Treasury, s.Fee); err != nil {
			return fmt.Errorf("treasury: %w", err)
		}
	}
	pending.apply(b.balances)
	return nil
}

// Snapshot returns a copy of all non-zero balances.
func (b *Book) Snapshot() map[types.Principal]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[types.Principal]uint64, len(b.balances))
	for p, v := range b.balances {
		if v > 0 {
			out[p] = v
		}
	}
	return out
}

// Restore replaces all balances.
func (b *Book) Restore(balances map[types.Principal]uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = make(map[types.Principal]uint64, len(balances))
	for p, v := range balances {
		b.balances[p] = v
	}
}

// pendingBalances buffers uncommitted balances on top of the committed ones.
type pendingBalances struct {
	committed   map[types.Principal]uint64
	uncommitted map[types.Principal]uint64
}

func newPendingBalances(committed map[types.Principal]uint64) *pendingBalances {
	return &pendingBalances{
		committed:   committed,
		uncommitted: make(map[types.Principal]uint64),
	}
}

func (p *pendingBalances) get(name types.Principal) uint64 {
	if v, ok := p.uncommitted[name]; ok {
		return v
	}
	return p.committed[name]
}

func (p *pendingBalances) debit(name types.Principal, amount uint64) error {
	cur := p.get(name)
	if cur < amount {
		return ErrInsufficientBalance
	}
	p.uncommitted[name] = cur - amount
	return nil
}

func (p *pendingBalances) credit(name types.Principal, amount uint64) error {
	cur := p.get(name)
	if cur > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	p.uncommitted[name] = cur + amount
	return nil
}

func (p *pendingBalances) apply(dst map[types.Principal]uint64) {
	for name, v := range p.uncommitted {
		dst[name] = v
	}
}
