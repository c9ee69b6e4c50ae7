package types

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TransactionType selects the ledger call a transaction invokes.
type TransactionType string

const (
	TxMintNFT       TransactionType = "mint_nft"
	TxListNFT       TransactionType = "list_nft"
	TxCancelListing TransactionType = "cancel_listing"
	TxBuyNFT        TransactionType = "buy_nft"
)

// Transaction is the unsigned envelope of a mutating ledger call. Nonce makes
// every submission distinct, so resubmitting a call never collides with an
// earlier attempt.
type Transaction struct {
	Type      TransactionType `json:"type"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MintPayload carries the arguments of mint-nft.
type MintPayload struct {
	Collateral  uint64 `json:"collateral"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURI    string `json:"image_uri"`
}

// Metadata returns the token metadata described by the payload.
func (p MintPayload) Metadata() Metadata {
	return Metadata{Name: p.Name, Description: p.Description, ImageURI: p.ImageURI}
}

// ListPayload carries the arguments of list-nft.
type ListPayload struct {
	TokenID uint64 `json:"token_id"`
	Price   uint64 `json:"price"`
}

// TokenPayload carries the single token id of buy-nft and cancel-listing.
type TokenPayload struct {
	TokenID uint64 `json:"token_id"`
}

// MintResult is returned in the DeliverTx data of a successful mint.
type MintResult struct {
	TokenID uint64 `json:"token_id"`
}

// Signer is anything able to sign on behalf of a principal.
type Signer interface {
	Sign(message []byte) []byte
	PublicKey() ed25519.PublicKey
}

// SignedTransaction is what travels over the wire.
type SignedTransaction struct {
	Tx        []byte `json:"tx"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// NewTransaction builds a transaction with a fresh nonce and the payload
// marshalled to JSON.
func NewTransaction(txType TransactionType, payload interface{}) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Type:      txType,
		Nonce:     uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Sign serializes the transaction and signs it with signer.
func (tx *Transaction) Sign(signer Signer) (*SignedTransaction, error) {
	if signer == nil {
		return nil, errors.New("nil signer")
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{
		Tx:        raw,
		PublicKey: []byte(signer.PublicKey()),
		Signature: signer.Sign(raw),
	}, nil
}

// Verify checks the signature against the embedded public key.
func (st *SignedTransaction) Verify() bool {
	if len(st.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(st.PublicKey), st.Tx, st.Signature)
}

// GetTransaction decodes the inner transaction.
func (st *SignedTransaction) GetTransaction() (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(st.Tx, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// NonceKey identifies a transaction for replay protection: the signer
// principal and the nonce it chose.
func NonceKey(signer Principal, nonce string) string {
	return string(signer) + "/" + nonce
}

// Signer returns the principal of the signing key.
func (st *SignedTransaction) Signer() Principal {
	return PrincipalFromKey(ed25519.PublicKey(st.PublicKey))
}
