package keyprovider

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const localKeySize = 32

// LocalProvider seals with XChaCha20-Poly1305 under a key derived from a locally
// configured secret. Sealed layout: nonce(24) || ciphertext || tag(16).
type LocalProvider struct {
	keyID string
	key   []byte
}

// NewLocalProvider derives the AEAD key for keyID from a 32-byte secret.
func NewLocalProvider(keyID string, secret []byte) (*LocalProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("keyprovider: local key id is required")
	}
	if len(secret) != localKeySize {
		return nil, fmt.Errorf("keyprovider: local key %q must be %d bytes, got %d", keyID, localKeySize, len(secret))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("shannon-callbacks/"+keyID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("keyprovider: derive key: %w", err)
	}
	return &LocalProvider{keyID: keyID, key: key}, nil
}

// NewLocalProviderFromConfig looks keyID up in a map of base64-encoded secrets.
func NewLocalProviderFromConfig(keyID string, keys map[string]string) (*LocalProvider, error) {
	encoded, ok := keys[keyID]
	if !ok {
		return nil, fmt.Errorf("keyprovider: local key %q: %w", keyID, ErrKeyUnavailable)
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: decode local key %q: %w", keyID, err)
	}
	return NewLocalProvider(keyID, secret)
}

func (p *LocalProvider) KeyID() string { return p.keyID }

func (p *LocalProvider) Seal(_ context.Context, plaintext, aad []byte) ([]byte, error) {
	return sealXChaCha(p.key, plaintext, aad)
}

func (p *LocalProvider) Open(_ context.Context, sealed, aad []byte) ([]byte, error) {
	return openXChaCha(p.key, sealed, aad)
}

func sealXChaCha(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyprovider: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func openXChaCha(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: aead: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrIntegrity
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrIntegrity
	}
	return pt, nil
}
