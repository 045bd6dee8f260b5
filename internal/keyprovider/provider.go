// Package keyprovider seals and opens callback credentials with authenticated encryption.
//
// A Provider is bound to a single key identifier for its whole lifetime; the key is
// deployment configuration and never chosen per request.
package keyprovider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIntegrity is returned by Open when the ciphertext or its tag does not verify.
	ErrIntegrity = errors.New("ciphertext failed authentication")

	// ErrKeyUnavailable is returned when the key is missing, disabled, or the
	// key service cannot be reached.
	ErrKeyUnavailable = errors.New("encryption key unavailable")
)

// Provider performs authenticated encryption under a fixed key identifier.
type Provider interface {
	// Seal encrypts plaintext and binds aad to the result.
	Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error)

	// Open verifies and decrypts a value produced by Seal with the same aad.
	Open(ctx context.Context, sealed, aad []byte) ([]byte, error)

	// KeyID returns the key identifier this provider is bound to.
	KeyID() string
}

// Config selects and configures a provider.
type Config struct {
	Provider  string            // "kms" or "local"
	KeyID     string            // KMS key id/ARN/alias, or a local key name
	LocalKeys map[string]string // local key name -> base64 32-byte secret
	Region    string
	Endpoint  string // optional KMS endpoint override (LocalStack)
}

// New builds the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "kms":
		return NewKMSProvider(ctx, KMSConfig{KeyID: cfg.KeyID, Region: cfg.Region, Endpoint: cfg.Endpoint})
	case "local", "":
		return NewLocalProviderFromConfig(cfg.KeyID, cfg.LocalKeys)
	default:
		return nil, fmt.Errorf("keyprovider: unknown provider %q", cfg.Provider)
	}
}
