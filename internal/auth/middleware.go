package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// ServiceContextKey is the context key for the authenticated caller
	ServiceContextKey ContextKey = "service"
)

// Middleware authenticates trusted endpoints with service tokens.
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool // For development/testing
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware. With skipAuth every request
// runs as a development caller holding all scopes.
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, skipAuth: skipAuth, logger: logger}
}

// Require returns middleware that admits callers holding scope.
func (m *Middleware) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.skipAuth {
				ctx := context.WithValue(r.Context(), ServiceContextKey, &ServiceContext{
					Subject: "dev",
					Scopes:  []string{ScopeCallbacksCreate, ScopeCallbacksInspect},
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, err := ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			svc, err := m.jwtManager.ValidateToken(token)
			if err != nil {
				m.logger.Warn("Rejected service token", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if !svc.HasScope(scope) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ServiceContextKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetServiceContext extracts the authenticated caller from ctx.
func GetServiceContext(ctx context.Context) (*ServiceContext, bool) {
	svc, ok := ctx.Value(ServiceContextKey).(*ServiceContext)
	return svc, ok
}
