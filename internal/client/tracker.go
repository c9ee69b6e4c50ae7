package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sbtc.bazaar/bazaar/internal/types"
)

// Kind names the marketplace call behind a tracked transaction.
type Kind string

const (
	KindMint   Kind = "mint"
	KindList   Kind = "list"
	KindBuy    Kind = "buy"
	KindCancel Kind = "cancel"
)

// Label returns a human readable name for the kind.
func (k Kind) Label() string {
	switch k {
	case KindMint:
		return "Mint NFT"
	case KindList:
		return "List NFT"
	case KindBuy:
		return "Buy NFT"
	case KindCancel:
		return "Cancel Listing"
	default:
		return string(k)
	}
}

// Intent is the call a user submitted. It is one of MintIntent, ListIntent,
// BuyIntent or CancelIntent.
type Intent interface {
	Kind() Kind
	Describe() string
}

type MintIntent struct {
	Collateral uint64
	Metadata   types.Metadata
}

func (MintIntent) Kind() Kind { return KindMint }

func (i MintIntent) Describe() string {
	return fmt.Sprintf("Minting %q with %s collateral", i.Metadata.Name, FormatPrice(i.Collateral))
}

type ListIntent struct {
	TokenID uint64
	Price   uint64
}

func (ListIntent) Kind() Kind { return KindList }

func (i ListIntent) Describe() string {
	return fmt.Sprintf("Listing NFT #%d for %s", i.TokenID, FormatPrice(i.Price))
}

type BuyIntent struct {
	TokenID uint64
}

func (BuyIntent) Kind() Kind { return KindBuy }

func (i BuyIntent) Describe() string {
	return fmt.Sprintf("Buying NFT #%d", i.TokenID)
}

type CancelIntent struct {
	TokenID uint64
}

func (CancelIntent) Kind() Kind { return KindCancel }

func (i CancelIntent) Describe() string {
	return fmt.Sprintf("Cancelling listing of NFT #%d", i.TokenID)
}

// Status is the local lifecycle of a submitted transaction.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Entry is one tracked submission.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Status    Status    `json:"status"`
	Details   string    `json:"details"`
	Hash      string    `json:"hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	Intent    Intent    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultHistory = 50

// Tracker records submitted transactions and their outcome, newest first.
// Once the history is full the oldest finished entry is dropped.
type Tracker struct {
	mu      sync.Mutex
	entries []*Entry
	limit   int
	now     func() time.Time
}

// NewTracker returns a tracker keeping at most limit entries.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &Tracker{limit: limit, now: time.Now}
}

// Track records a new pending submission and returns its local id.
func (t *Tracker) Track(intent Intent) string {
	e := &Entry{
		ID:        uuid.NewString(),
		Kind:      intent.Kind(),
		Status:    StatusPending,
		Details:   intent.Describe(),
		Intent:    intent,
		Timestamp: t.now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append([]*Entry{e}, t.entries...)
	t.evict()
	return e.ID
}

func (t *Tracker) evict() {
	for len(t.entries) > t.limit {
		drop := len(t.entries) - 1
		for i := len(t.entries) - 1; i >= 0; i-- {
			if t.entries[i].Status != StatusPending {
				drop = i
				break
			}
		}
		t.entries = append(t.entries[:drop], t.entries[drop+1:]...)
	}
}

// SetHash attaches the chain hash to a pending entry.
func (t *Tracker) SetHash(id, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.find(id); e != nil {
		e.Hash = hash
	}
}

// Resolve marks an entry finished. A nil err means success.
func (t *Tracker) Resolve(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.find(id)
	if e == nil {
		return
	}
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	} else {
		e.Status = StatusSuccess
	}
	e.Timestamp = t.now()
}

func (t *Tracker) find(id string) *Entry {
	for _, e := range t.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Get returns a copy of the entry with the given id.
func (t *Tracker) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.find(id); e != nil {
		return *e, true
	}
	return Entry{}, false
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (t *Tracker) Recent(n int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.entries) {
		n = len(t.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = *t.entries[i]
	}
	return out
}

// PendingCount returns how many entries await confirmation.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}

// Clear drops finished entries. Pending entries stay so that their
// confirmations still land.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Status == StatusPending {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}
