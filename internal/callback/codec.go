package callback

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
)

const (
	plainPrefix     = "1-"
	encryptedPrefix = "2-"

	// MaxCredentialLength bounds the credential accepted from a URL.
	MaxCredentialLength = 16 * 1024
)

var b64 = base64.RawURLEncoding

// Credential is a parsed callback credential: either PlainCredential or EncryptedCredential.
type Credential interface {
	String() string
	credential()
}

// PlainCredential carries canonical claims JSON as is.
type PlainCredential struct {
	Payload []byte
}

func (c PlainCredential) String() string { return plainPrefix + b64.EncodeToString(c.Payload) }
func (PlainCredential) credential()      {}

// EncryptedCredential carries claims sealed by the key provider.
type EncryptedCredential struct {
	Sealed []byte
}

func (c EncryptedCredential) String() string { return encryptedPrefix + b64.EncodeToString(c.Sealed) }
func (EncryptedCredential) credential()      {}

// ParseCredential splits a credential string into its variant and raw bytes.
func ParseCredential(s string) (Credential, error) {
	const op = "ParseCredential"
	if s == "" {
		return nil, newError(KindMalformedCredential, op, "missing credential", nil)
	}
	if len(s) > MaxCredentialLength {
		return nil, newError(KindMalformedCredential, op, "credential too long", nil)
	}

	var prefix string
	switch {
	case strings.HasPrefix(s, plainPrefix):
		prefix = plainPrefix
	case strings.HasPrefix(s, encryptedPrefix):
		prefix = encryptedPrefix
	default:
		return nil, newError(KindMalformedCredential, op, "unknown credential version", nil)
	}

	raw, err := b64.DecodeString(s[len(prefix):])
	if err != nil {
		return nil, newError(KindMalformedCredential, op, "credential is not base64url", err)
	}
	if len(raw) == 0 {
		return nil, newError(KindMalformedCredential, op, "empty credential", nil)
	}
	if prefix == encryptedPrefix {
		return EncryptedCredential{Sealed: raw}, nil
	}
	return PlainCredential{Payload: raw}, nil
}

// Fingerprint identifies a credential in logs without revealing it.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:6])
}

// Codec converts claims to credentials and back. With a nil provider it produces
// PlainCredential values; otherwise EncryptedCredential values, and it refuses plain
// credentials on decode.
type Codec struct {
	provider keyprovider.Provider
	logger   *zap.Logger
}

// NewCodec creates a codec. provider may be nil to disable encryption.
func NewCodec(provider keyprovider.Provider, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{provider: provider, logger: logger}
}

// Encrypting reports whether the codec seals credentials.
func (c *Codec) Encrypting() bool { return c.provider != nil }

// KeyID returns the encryption key id, or "" when encryption is disabled.
func (c *Codec) KeyID() string {
	if c.provider == nil {
		return ""
	}
	return c.provider.KeyID()
}

// Encode serializes and, when configured, seals claims.
func (c *Codec) Encode(ctx context.Context, claims *Claims) (string, error) {
	const op = "Encode"
	claims.Action.normalize()
	if err := claims.validate(); err != nil {
		return "", newError(KindEncoding, op, err.Error(), nil)
	}
	payload, err := marshalClaims(claims)
	if err != nil {
		return "", newError(KindEncoding, op, fmt.Sprintf("payload cannot be encoded: %v", err), nil)
	}

	if c.provider == nil {
		return PlainCredential{Payload: payload}.String(), nil
	}

	sealed, err := c.provider.Seal(ctx, payload, []byte(encryptedPrefix))
	if err != nil {
		c.logger.Warn("Failed to seal callback credential",
			zap.String("key_id", c.provider.KeyID()),
			zap.String("transaction_id", claims.TransactionID),
			zap.Error(err))
		return "", newError(KindKeyUnavailable, op, "", err)
	}
	return EncryptedCredential{Sealed: sealed}.String(), nil
}

// Decode parses, opens and validates a credential.
func (c *Codec) Decode(ctx context.Context, credential string) (*Claims, error) {
	const op = "Decode"
	parsed, err := ParseCredential(credential)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch cred := parsed.(type) {
	case PlainCredential:
		if c.provider != nil {
			// No plaintext fallback on an encrypting deployment.
			c.logger.Warn("Refused plain credential on encrypting deployment",
				zap.String("credential", Fingerprint(credential)),
				zap.String("key_id", c.provider.KeyID()))
			return nil, newError(KindIntegrity, op, "plain credential on encrypting deployment", nil)
		}
		payload = cred.Payload
	case EncryptedCredential:
		if c.provider == nil {
			return nil, newError(KindMalformedCredential, op, "decryption unsupported", nil)
		}
		payload, err = c.provider.Open(ctx, cred.Sealed, []byte(encryptedPrefix))
		switch {
		case errors.Is(err, keyprovider.ErrIntegrity):
			c.logger.Debug("Encrypted credential failed authentication",
				zap.String("credential", Fingerprint(credential)),
				zap.String("key_id", c.provider.KeyID()))
			return nil, newError(KindIntegrity, op, "", err)
		case err != nil:
			return nil, newError(KindKeyUnavailable, op, "", err)
		}
	}

	claims, err := unmarshalClaims(payload)
	if err != nil {
		return nil, newError(KindMalformedCredential, op, "invalid claims", err)
	}
	return claims, nil
}
