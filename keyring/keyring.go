// Package keyring supplies the key and decryption capability consumed by the
// settlement engine. Bidders fetch the public key, seal their bid amount with
// hybrid RSA-OAEP + AES-256-GCM, and the sealed amount stays opaque to every
// component except the settlement path, which decrypts it here.
package keyring

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

// ErrMalformedPayload reports a ciphertext that decrypted cleanly but did not
// contain a valid bid payload. Callers distinguish this from a raw decryption
// failure for audit purposes; both disqualify only the affected bid.
var ErrMalformedPayload = errors.New("keyring: malformed sealed payload")

// SealedAmount is an encrypted bid amount. All fields are base64-encoded.
// The ledger stores these verbatim and never decrypts them.
type SealedAmount struct {
	KeyCiphertext string `json:"key_ciphertext"`           // RSA-OAEP encrypted AES key
	Payload       string `json:"payload"`                  // AES-GCM encrypted CBOR payload
	Nonce         string `json:"nonce"`                    // GCM nonce (12 bytes)
	HashAlgorithm string `json:"hash_algorithm,omitempty"` // Optional: "SHA-256" (default) or "SHA-1"
}

// sealedPayload is the CBOR structure inside the AES-GCM envelope. The amount
// travels as a string so decimal values survive the round trip exactly.
type sealedPayload struct {
	Amount string `cbor:"amount"`
}

// Decrypter recovers the plaintext amount from a sealed bid. The settlement
// engine is the only consumer.
type Decrypter interface {
	Decrypt(sealed SealedAmount) (decimal.Decimal, error)
}

// KeySource exposes the public key bidders encrypt against.
type KeySource interface {
	PublicKeyPEM() (string, error)
}

// KeyManager holds the RSA key pair backing both capabilities.
type KeyManager struct {
	privateKey *rsa.PrivateKey // Keep private - sensitive!
	PublicKey  *rsa.PublicKey
}

// NewKeyManager creates a new KeyManager and generates a fresh RSA key pair
func NewKeyManager() (*KeyManager, error) {
	privateKey, err := GenerateRSAKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyManager{
		privateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// PublicKeyPEM returns the public key in PEM format
func (km *KeyManager) PublicKeyPEM() (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(km.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	pemBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}

	return string(pem.EncodeToMemory(pemBlock)), nil
}

// Decrypt opens a sealed amount and returns the plaintext bid value.
// Returns ErrMalformedPayload (wrapped) when the ciphertext opens but the
// payload is not a positive decimal amount.
func (km *KeyManager) Decrypt(sealed SealedAmount) (decimal.Decimal, error) {
	hashAlg := HashAlgorithm(sealed.HashAlgorithm)
	if hashAlg == "" {
		hashAlg = HashAlgorithmSHA256
	}

	plaintext, err := DecryptHybrid(sealed.KeyCiphertext, sealed.Payload, sealed.Nonce, km.privateKey, hashAlg)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var payload sealedPayload
	if err := cbor.Unmarshal(plaintext, &payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: bad amount %q", ErrMalformedPayload, payload.Amount)
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive amount %s", ErrMalformedPayload, amount)
	}

	return amount, nil
}
