// Package types tests exercise the transaction signing and payload helpers
// defined in the `internal/types` package.
package types_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"sbtc.bazaar/bazaar/internal/types"
	"sbtc.bazaar/bazaar/internal/wallet"
)

func TestTransactionSigning(t *testing.T) {
	w, err := wallet.LoadOrCreate(filepath.Join(t.TempDir(), "test_key.pem"))
	if err != nil {
		t.Fatalf("Failed to create test wallet: %v", err)
	}

	tx, err := types.NewTransaction(types.TxListNFT, types.ListPayload{TokenID: 1, Price: 5000000})
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}

	signedTx, err := tx.Sign(w)
	if err != nil {
		t.Fatalf("Failed to sign transaction: %v", err)
	}

	if !signedTx.Verify() {
		t.Error("Failed to verify transaction signature")
	}
	if signedTx.Signer() != w.Principal() {
		t.Errorf("Signer mismatch. Got %s, want %s", signedTx.Signer(), w.Principal())
	}

	extractedTx, err := signedTx.GetTransaction()
	if err != nil {
		t.Fatalf("Failed to extract transaction: %v", err)
	}
	if extractedTx.Type != tx.Type {
		t.Errorf("Transaction type mismatch. Got %s, want %s", extractedTx.Type, tx.Type)
	}

	var payload types.ListPayload
	if err := json.Unmarshal(extractedTx.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TokenID != 1 || payload.Price != 5000000 {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestTamperedTransactionFailsVerify(t *testing.T) {
	w, err := wallet.LoadOrCreate(filepath.Join(t.TempDir(), "k.pem"))
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	tx, _ := types.NewTransaction(types.TxBuyNFT, types.TokenPayload{TokenID: 7})
	stx, err := tx.Sign(w)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	stx.Tx = append([]byte{}, stx.Tx...)
	stx.Tx[len(stx.Tx)-2] ^= 0x01
	if stx.Verify() {
		t.Fatal("tampered transaction verified")
	}

	stx.PublicKey = []byte("short")
	if stx.Verify() {
		t.Fatal("malformed public key verified")
	}
}

func TestNewTransactionUsesFreshNonce(t *testing.T) {
	a, _ := types.NewTransaction(types.TxMintNFT, types.MintPayload{Collateral: 1000000})
	b, _ := types.NewTransaction(types.TxMintNFT, types.MintPayload{Collateral: 1000000})
	if a.Nonce == "" || a.Nonce == b.Nonce {
		t.Fatalf("expected distinct nonces, got %q and %q", a.Nonce, b.Nonce)
	}
}

func TestPrincipalShort(t *testing.T) {
	p := types.Principal("0123456789abcdef0123456789abcdef")
	if got := p.Short(); got != "01234567...89abcdef" {
		t.Fatalf("unexpected short form %q", got)
	}
	if got := types.Principal("abc").Short(); got != "abc" {
		t.Fatalf("short principal should be unchanged, got %q", got)
	}
}
