package wallet

import (
	"crypto/ed25519"

	"sbtc.bazaar/bazaar/internal/types"
)

// Wallet is a marketplace account backed by an ed25519 keypair.
type Wallet struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	principal  types.Principal
}

// New creates a Wallet from a private key
func New(privKey ed25519.PrivateKey) *Wallet {
	pubKey := privKey.Public().(ed25519.PublicKey)
	return &Wallet{
		privateKey: privKey,
		publicKey:  pubKey,
		principal:  types.PrincipalFromKey(pubKey),
	}
}

// Sign signs the provided message with the wallet's private key
func (w *Wallet) Sign(message []byte) []byte {
	return ed25519.Sign(w.privateKey, message)
}

// Verify verifies a signature against a message using the wallet's public key
func (w *Wallet) Verify(message, signature []byte) bool {
	return ed25519.Verify(w.publicKey, message, signature)
}

// PublicKey returns the raw public key
func (w *Wallet) PublicKey() ed25519.PublicKey {
	return w.publicKey
}

// Principal returns the account identifier used for ownership checks.
func (w *Wallet) Principal() types.Principal {
	return w.principal
}
