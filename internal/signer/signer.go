// Package signer manages the RSA keypair a daemon signs items and messages
// with: generate a PEM-encoded keypair, or load the one already persisted
// on disk.
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyBits is the RSA modulus size for generated keys.
const KeyBits = 2048

// Keypair bundles a private key with its PEM-encoded public key, the form
// dht.Contact and the envelope/message signer expect.
type Keypair struct {
	Private      *rsa.PrivateKey
	PublicKeyPEM string
}

// Generate creates a fresh RSA keypair.
func Generate() (Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return Keypair{}, fmt.Errorf("signer: generating key: %w", err)
	}
	return fromPrivateKey(priv)
}

// LoadOrGenerate reads a PEM-encoded PKCS1 private key from path, creating
// and persisting a fresh one if the file doesn't exist.
func LoadOrGenerate(path string) (Keypair, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, genErr := Generate()
		if genErr != nil {
			return Keypair{}, genErr
		}
		if saveErr := save(path, kp.Private); saveErr != nil {
			return Keypair{}, saveErr
		}
		return kp, nil
	}
	if err != nil {
		return Keypair{}, fmt.Errorf("signer: reading %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return Keypair{}, fmt.Errorf("signer: %s: no PEM block found", path)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return Keypair{}, fmt.Errorf("signer: %s: %w", path, err)
	}
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv *rsa.PrivateKey) (Keypair, error) {
	pubBytes := x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: pubBytes})
	return Keypair{Private: priv, PublicKeyPEM: string(pubPEM)}, nil
}

func save(path string, priv *rsa.PrivateKey) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}
