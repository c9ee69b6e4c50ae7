// Package types defines the core domain models for the sBTC Bazaar
// marketplace. It contains the token, listing and snapshot records shared by
// the ledger, the ABCI application, the storage layer and the client adapter.
package types

import (
	"encoding/hex"
	"time"
)

// Version is the current version of the marketplace node
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// Principal identifies an account. It is the hex-encoded ed25519 public key
// of the wallet that signs transactions.
type Principal string

// Metadata is the immutable descriptive part of a token.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURI    string `json:"image-uri"`
}

// Token is a non-fungible asset record. Only Owner ever changes.
type Token struct {
	ID         uint64    `json:"id"`
	Owner      Principal `json:"owner"`
	Metadata   Metadata  `json:"metadata"`
	Collateral uint64    `json:"collateral"` // smallest currency unit, locked at mint
}

// Listing is an active sale offer, keyed by token id.
type Listing struct {
	Price  uint64    `json:"price"`
	Seller Principal `json:"seller"`
}

// ListingEntry pairs a listing with its token id for serialization.
type ListingEntry struct {
	TokenID uint64 `json:"token_id"`
	Listing
}

// TokenView is a token together with its active listing, if any, as read at
// one instant.
type TokenView struct {
	Token   Token    `json:"token"`
	Listing *Listing `json:"listing,omitempty"`
}

// Snapshot is the full persisted marketplace state at a committed height.
// Nonces holds the consumed "<principal>/<nonce>" pairs in ascending order.
type Snapshot struct {
	Height      int64                `json:"height"`
	AppHash     []byte               `json:"app_hash,omitempty"`
	LastTokenID uint64               `json:"last_token_id"`
	Tokens      []Token              `json:"tokens"`
	Listings    []ListingEntry       `json:"listings"`
	Balances    map[Principal]uint64 `json:"balances,omitempty"`
	Nonces      []string             `json:"nonces,omitempty"`
}

// EventType names a committed marketplace state change.
type EventType string

const (
	EventMinted    EventType = "minted"
	EventListed    EventType = "listed"
	EventCancelled EventType = "cancelled"
	EventSold      EventType = "sold"
)

// Event describes a successful transition. Fields not relevant to the event
// type are left zero.
type Event struct {
	Type      EventType `json:"type"`
	TokenID   uint64    `json:"token_id"`
	Actor     Principal `json:"actor"`
	Seller    Principal `json:"seller,omitempty"`
	Price     uint64    `json:"price,omitempty"`
	Fee       uint64    `json:"fee,omitempty"`
	Height    int64     `json:"height,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PrincipalFromKey returns the principal for a public key.
func PrincipalFromKey(pub []byte) Principal {
	return Principal(hex.EncodeToString(pub))
}

// Short returns an abbreviated form for log lines and terminals.
func (p Principal) Short() string {
	if len(p) <= 16 {
		return string(p)
	}
	return string(p[:8]) + "..." + string(p[len(p)-8:])
}
