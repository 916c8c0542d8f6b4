package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

// ParsePublicKeyPEM parses a PEM-encoded RSA public key as served by the
// public key endpoint. This is the bidder-side half of the capability.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

// SealAmount encrypts a bid amount against the auction public key using
// hybrid RSA-OAEP + AES-256-GCM. This mirrors what bidder clients do before
// submitting a bid; the engine itself only ever decrypts.
func SealAmount(amount decimal.Decimal, publicKey *rsa.PublicKey, hashAlg HashAlgorithm) (SealedAmount, error) {
	plaintext, err := cbor.Marshal(sealedPayload{Amount: amount.String()})
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return sealBytes(plaintext, publicKey, hashAlg)
}

// sealBytes wraps an arbitrary plaintext in the hybrid envelope.
func sealBytes(plaintext []byte, publicKey *rsa.PublicKey, hashAlg HashAlgorithm) (SealedAmount, error) {
	hasher, err := newHash(hashAlg)
	if err != nil {
		return SealedAmount{}, err
	}

	// Generate random AES-256 key
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return SealedAmount{}, fmt.Errorf("failed to generate AES key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceBytes := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonceBytes); err != nil {
		return SealedAmount{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesgcm.Seal(nil, nonceBytes, plaintext, nil)

	encryptedAESKey, err := rsa.EncryptOAEP(hasher, rand.Reader, publicKey, aesKey, nil)
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to encrypt AES key: %w", err)
	}

	return SealedAmount{
		KeyCiphertext: base64.StdEncoding.EncodeToString(encryptedAESKey),
		Payload:       base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:         base64.StdEncoding.EncodeToString(nonceBytes),
		HashAlgorithm: string(hashAlg),
	}, nil
}
