package callback

import (
	"context"
	"strings"
	"time"
)

// Inspection is a display form of a decoded credential. It never carries the task token.
type Inspection struct {
	Fingerprint     string     `json:"fingerprint"`
	Encrypted       bool       `json:"encrypted"`
	Issuer          string     `json:"issuer,omitempty"`
	TransactionID   string     `json:"transaction_id"`
	Name            string     `json:"name"`
	Action          Action     `json:"action"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Expired         bool       `json:"expired"`
	Parameters      bool       `json:"parameters"`
	TaskTokenLength int        `json:"task_token_length"`
}

// Inspect decodes credential for operators. Expired credentials are still reported.
func (c *Codec) Inspect(ctx context.Context, credential string, now time.Time) (*Inspection, error) {
	claims, err := c.Decode(ctx, credential)
	if err != nil {
		return nil, err
	}
	in := &Inspection{
		Fingerprint:     Fingerprint(credential),
		Encrypted:       strings.HasPrefix(credential, encryptedPrefix),
		Issuer:          claims.Issuer,
		TransactionID:   claims.TransactionID,
		Name:            claims.Name,
		Action:          claims.Action.Clone(),
		IssuedAt:        time.Unix(claims.IssuedAt, 0).UTC(),
		Expired:         claims.Expired(now),
		Parameters:      claims.Parameters,
		TaskTokenLength: len(claims.TaskToken),
	}
	if exp := claims.Expiration(); !exp.IsZero() {
		in.ExpiresAt = &exp
	}
	return in, nil
}
