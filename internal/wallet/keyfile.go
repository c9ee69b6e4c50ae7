// Package wallet handles loading, generating, and persisting the ed25519
// keypairs that act as marketplace accounts. The hex-encoded public key is the
// principal recorded as token owner and listing seller, and the private key
// signs every transaction submitted on the account's behalf.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
)

// LoadOrCreate loads the wallet key stored at keyPath, generating and saving
// a new one when the file is missing or empty.
//
// The key file is stored in PEM format with PKCS8 encoding and
// 0600 permissions.
func LoadOrCreate(keyPath string) (*Wallet, error) {
	info, err := os.Stat(keyPath)
	if os.IsNotExist(err) {
		return Generate(keyPath)
	}
	if err != nil {
		return nil, err
	}

	// An empty file is treated as missing
	if info.Size() == 0 {
		return Generate(keyPath)
	}

	return Load(keyPath)
}

// Load reads an existing key file.
func Load(keyPath string) (*Wallet, error) {
	priv, err := loadKeyPair(keyPath)
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// Generate creates a fresh keypair and writes it to keyPath.
func Generate(keyPath string) (*Wallet, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := saveKeyPair(keyPath, priv); err != nil {
		return nil, err
	}
	return New(priv), nil
}

func saveKeyPair(keyPath string, priv ed25519.PrivateKey) error {
	x509Encoded, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return pem.Encode(file, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: x509Encoded,
	})
}

func loadKeyPair(keyPath string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	pemBlock, _ := pem.Decode(keyData)
	if pemBlock == nil {
		return nil, errors.New("failed to decode PEM block from key file")
	}

	genericKey, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
	if err != nil {
		return nil, err
	}

	privKey, ok := genericKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}

	return privKey, nil
}
