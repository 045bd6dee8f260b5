package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", "", time.Minute)
	token, err := m.GenerateServiceToken("worker-1", ScopeCallbacksCreate)
	require.NoError(t, err)

	svc, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", svc.Subject)
	assert.True(t, svc.HasScope(ScopeCallbacksCreate))
	assert.False(t, svc.HasScope(ScopeCallbacksInspect))
	assert.NotEmpty(t, svc.TokenID)
}

func TestValidateTokenRejects(t *testing.T) {
	m := NewJWTManager("secret", "issuer-a", time.Minute)

	other, err := NewJWTManager("other", "issuer-a", time.Minute).GenerateServiceToken("w", ScopeCallbacksCreate)
	require.NoError(t, err)
	_, err = m.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewJWTManager("secret", "issuer-b", time.Minute).GenerateServiceToken("w")
	require.NoError(t, err)
	_, err = m.ValidateToken(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "w",
			Issuer:    "issuer-a",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "w",
			Issuer:    "issuer-a",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewJWTManager("", "", 0).ValidateToken(signed)
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = ExtractBearerToken("bearer  xyz ")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer", "Bearer   ", "Basic abc"} {
		_, err := ExtractBearerToken(h)
		assert.ErrorIs(t, err, ErrMissingToken, h)
	}
}

func TestMiddlewareRequire(t *testing.T) {
	m := NewJWTManager("secret", "", time.Minute)
	mw := NewMiddleware(m, false, zaptest.NewLogger(t))

	var seen *ServiceContext
	h := mw.Require(ScopeCallbacksCreate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetServiceContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/urls", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusUnauthorized, serve("Bearer garbage"))

	readOnly, err := m.GenerateServiceToken("cli", ScopeCallbacksInspect)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, serve("Bearer "+readOnly))

	creator, err := m.GenerateServiceToken("worker", ScopeCallbacksCreate)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve("Bearer "+creator))
	require.NotNil(t, seen)
	assert.Equal(t, "worker", seen.Subject)
}

func TestMiddlewareSkipAuth(t *testing.T) {
	mw := NewMiddleware(NewJWTManager("", "", 0), true, nil)
	h := mw.Require(ScopeCallbacksCreate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc, ok := GetServiceContext(r.Context())
		if !ok || svc.Subject != "dev" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/urls", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
