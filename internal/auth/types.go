package auth

import (
	"errors"
	"time"
)

// Scopes for authorization
const (
	// ScopeCallbacksCreate allows issuing callback URLs.
	ScopeCallbacksCreate = "callbacks:create"
	// ScopeCallbacksInspect allows decoding credentials for debugging.
	ScopeCallbacksInspect = "callbacks:inspect"
)

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingScope   = errors.New("missing required scope")
	ErrAuthDisabled   = errors.New("service authentication is not configured")
	defaultTokenValid = 15 * time.Minute
)

// ServiceContext is the authenticated caller of a trusted endpoint, typically a
// workflow worker or an operator CLI.
type ServiceContext struct {
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasScope reports whether the caller was granted scope.
func (s *ServiceContext) HasScope(scope string) bool {
	for _, granted := range s.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}
