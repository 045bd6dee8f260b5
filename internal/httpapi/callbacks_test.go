package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/orchestration"
)

const baseURL = "https://callbacks.example.com/hooks"

type fakeCall struct {
	op     string
	token  string
	output map[string]any
	fail   orchestration.Failure
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []fakeCall
	done  map[string]bool
	err   error
}

func (f *fakeEngine) record(c fakeCall, terminal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return f.err
	}
	if terminal {
		if f.done[c.token] {
			return &orchestration.CallError{Op: c.op, Kind: orchestration.ErrRejected, Delivered: true, Err: errors.New("already completed")}
		}
		f.done[c.token] = true
	}
	return nil
}

func (f *fakeEngine) SendSuccess(_ context.Context, token string, output map[string]any) error {
	return f.record(fakeCall{op: "success", token: token, output: output}, true)
}

func (f *fakeEngine) SendFailure(_ context.Context, token string, failure orchestration.Failure) error {
	return f.record(fakeCall{op: "failure", token: token, fail: failure}, true)
}

func (f *fakeEngine) SendHeartbeat(_ context.Context, token string) error {
	return f.record(fakeCall{op: "heartbeat", token: token}, false)
}

func (f *fakeEngine) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

type testServer struct {
	engine *fakeEngine
	public http.Handler
	admin  http.Handler
	jwt    *auth.JWTManager
}

func newTestServer(t *testing.T, policy callback.Policy) *testServer {
	t.Helper()
	provider, err := keyprovider.NewLocalProvider("k1", bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	codec := callback.NewCodec(provider, zap.NewNop())
	enc, err := callback.NewEncoder(codec, callback.EncoderConfig{BaseURL: baseURL, Issuer: "test", Policy: policy}, zap.NewNop())
	require.NoError(t, err)
	engine := &fakeEngine{done: map[string]bool{}}
	res := callback.NewResolver(codec, engine, callback.ResolverConfig{Policy: policy, RetryBackoff: time.Nanosecond}, zap.NewNop())
	h := NewCallbackHandler(enc, res, codec, zap.NewNop())

	jwtManager := auth.NewJWTManager("s3cret", "", time.Minute)
	public := http.NewServeMux()
	prefix, err := PathPrefix(baseURL)
	require.NoError(t, err)
	h.RegisterPublicRoutes(public, prefix)
	admin := http.NewServeMux()
	h.RegisterAdminRoutes(admin, auth.NewMiddleware(jwtManager, false, zap.NewNop()))

	return &testServer{
		engine: engine,
		public: WithRequestLogging(public, zap.NewNop()),
		admin:  WithRequestLogging(admin, zap.NewNop()),
		jwt:    jwtManager,
	}
}

func (s *testServer) bearer(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := s.jwt.GenerateServiceToken("worker", scopes...)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (s *testServer) create(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/urls", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.bearer(t, auth.ScopeCallbacksCreate))
	rec := httptest.NewRecorder()
	s.admin.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func (s *testServer) urls(t *testing.T, body string) map[string]string {
	t.Helper()
	code, out := s.create(t, body)
	require.Equal(t, http.StatusOK, code, out)
	raw, ok := out["urls"].(map[string]any)
	require.True(t, ok, out)
	urls := make(map[string]string, len(raw))
	for k, v := range raw {
		urls[k] = v.(string)
	}
	return urls
}

// visit sends a GET to link through the public mux.
func (s *testServer) visit(link string) *httptest.ResponseRecorder {
	u, _ := url.Parse(link)
	rec := httptest.NewRecorder()
	s.public.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	return rec
}

func credentialOf(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestApproveLinkEndToEnd(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"taskToken":"abc123","actions":["success"],"outputPayload":{"result":"approved"}}`)
	require.Contains(t, urls, "success")
	assert.True(t, strings.HasPrefix(urls["success"], baseURL+"/respond?token="), urls["success"])

	rec := s.visit(urls["success"])
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok"}, decodeJSON(t, rec))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	calls := s.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "success", calls[0].op)
	assert.Equal(t, "abc123", calls[0].token)
	assert.Equal(t, map[string]any{"result": "approved"}, calls[0].output)
}

func TestDuplicateTerminalCallbackIsConflict(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"taskToken":"abc123","actions":["success","failure"]}`)

	assert.Equal(t, http.StatusOK, s.visit(urls["success"]).Code)

	rec := s.visit(urls["failure"])
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "OrchestrationRejectedError", decodeJSON(t, rec)["error"])
	assert.Len(t, s.engine.Calls(), 2)
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"token":"abc123","actions":{"ping":{"type":"heartbeat"}}}`)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, s.visit(urls["ping"]).Code)
	}
	calls := s.engine.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, "heartbeat", c.op)
	}
}

func TestRespondPostMergesBody(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"token":"t-1","actions":{"approve":{"type":"success","output":{"result":"approved"}}}}`)

	body := `{"token":"` + credentialOf(t, urls["approve"]) + `","comment":"looks good","amount":12.50}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/respond", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.public.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	calls := s.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "approved", calls[0].output["result"])
	assert.Equal(t, "looks good", calls[0].output["comment"])
	assert.Equal(t, json.Number("12.50"), calls[0].output["amount"])
}

func TestRespondFormPost(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"token":"t-2","actions":{"reject":{"type":"failure","error":"Rejected"}}}`)

	form := url.Values{"token": {credentialOf(t, urls["reject"])}, "cause": {"budget exceeded"}}
	req := httptest.NewRequest(http.MethodPost, "/hooks/respond", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.public.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	calls := s.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "failure", calls[0].op)
	assert.Equal(t, "Rejected", calls[0].fail.Error)
	assert.Equal(t, "budget exceeded", calls[0].fail.Cause)
}

func TestRespondIgnoresParametersWhenDisabled(t *testing.T) {
	s := newTestServer(t, callback.Policy{DisableOutputParameters: true})
	urls := s.urls(t, `{"taskToken":"t-3","actions":["success"],"outputPayload":{"result":"approved"}}`)

	rec := s.visit(urls["success"] + "&result=forged&extra=1")
	require.Equal(t, http.StatusOK, rec.Code)
	calls := s.engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"result": "approved"}, calls[0].output)
}

func TestCustomResponses(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"token":"t-4","actions":{
		"html":{"type":"heartbeat","response":{"html":"<p>thanks</p>"}},
		"text":{"type":"heartbeat","response":{"text":"thanks"}},
		"json":{"type":"heartbeat","response":{"json":{"next":"done"}}},
		"redirect":{"type":"heartbeat","response":{"redirect":"https://example.com/done"}}
	}}`)

	rec := s.visit(urls["html"])
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<p>thanks</p>", rec.Body.String())

	rec = s.visit(urls["text"])
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "thanks", rec.Body.String())

	rec = s.visit(urls["json"])
	assert.Equal(t, map[string]any{"next": "done"}, decodeJSON(t, rec))

	rec = s.visit(urls["redirect"])
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://example.com/done", rec.Header().Get("Location"))
}

func TestRespondErrors(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"taskToken":"t-5","actions":["success"]}`)
	good := credentialOf(t, urls["success"])
	tampered := good[:len(good)/2] + flip(good[len(good)/2]) + good[len(good)/2+1:]

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"missing token", "/hooks/respond", http.StatusBadRequest, "InvalidCredential"},
		{"garbage", "/hooks/respond?token=nope", http.StatusBadRequest, "InvalidCredential"},
		{"tampered", "/hooks/respond?token=" + url.QueryEscape(tampered), http.StatusBadRequest, "InvalidCredential"},
		{"action mismatch", "/hooks/respond?token=" + url.QueryEscape(good) + "&action=failure", http.StatusBadRequest, "ActionMismatchError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.public.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
			body := decodeJSON(t, rec)
			assert.Equal(t, tt.code, body["error"])
		})
	}
	assert.Empty(t, s.engine.Calls())

	rec := httptest.NewRecorder()
	s.public.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/hooks/respond", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/hooks/respond", strings.NewReader(`[1,2]`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.public.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/hooks/respond", strings.NewReader(`x`))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	s.public.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func flip(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}

func TestRespondUnavailableEngine(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"taskToken":"t-6","actions":["success"]}`)
	s.engine.err = &orchestration.CallError{Op: "complete", Kind: orchestration.ErrUnavailable, Delivered: false, Err: errors.New("connection refused")}

	rec := s.visit(urls["success"])
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Len(t, s.engine.Calls(), 2, "one bounded retry")
}

func TestCreateRequiresAuthAndJSON(t *testing.T) {
	s := newTestServer(t, callback.Policy{})

	req := httptest.NewRequest(http.MethodPost, "/urls", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.admin.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/urls", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.bearer(t, auth.ScopeCallbacksInspect))
	rec = httptest.NewRecorder()
	s.admin.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/urls", strings.NewReader(`a=b`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", s.bearer(t, auth.ScopeCallbacksCreate))
	rec = httptest.NewRecorder()
	s.admin.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/urls", nil)
	req.Header.Set("Authorization", s.bearer(t, auth.ScopeCallbacksCreate))
	rec = httptest.NewRecorder()
	s.admin.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	s := newTestServer(t, callback.Policy{DisableOutputParameters: true})

	code, body := s.create(t, `{"actions":["success"]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "EncodingError", body["error"])

	code, body = s.create(t, `{"taskToken":"x","actions":["success"],"enable_output_parameters":true}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ParametersDisabledError", body["error"])

	code, body = s.create(t, `{"taskToken":"x","actions":["success"],"expiration":"2001-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "EncodingError", body["error"])
	for _, raw := range []string{`{"taskToken":`, `not json`, ``} {
		code, body = s.create(t, raw)
		assert.Equal(t, http.StatusBadRequest, code, raw)
		assert.Equal(t, "InvalidJSON", body["error"], raw)
	}
}

func TestCreateCountsRequestsByPublicCode(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	invalid := metrics.CreateRequests.WithLabelValues("InvalidJSON")
	ok := metrics.CreateRequests.WithLabelValues("ok")
	beforeInvalid, beforeOK := testutil.ToFloat64(invalid), testutil.ToFloat64(ok)

	code, _ := s.create(t, `{`)
	assert.Equal(t, http.StatusBadRequest, code)
	s.urls(t, `{"taskToken":"x","actions":["heartbeat"]}`)

	assert.Equal(t, beforeInvalid+1, testutil.ToFloat64(invalid))
	assert.Equal(t, beforeOK+1, testutil.ToFloat64(ok))
}

func TestCreateReturnsTransactionAndExpiration(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second).Format(time.RFC3339)
	code, body := s.create(t, `{"taskToken":"x","actions":["success","heartbeat"],"expiration":"`+exp+`"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["transaction_id"])
	assert.Equal(t, exp, body["expiration"])
	assert.Len(t, body["urls"], 2)
}

func TestInspectEndpoint(t *testing.T) {
	s := newTestServer(t, callback.Policy{})
	urls := s.urls(t, `{"taskToken":"secret-token","actions":["heartbeat"]}`)

	payload, _ := json.Marshal(map[string]string{"credential": credentialOf(t, urls["heartbeat"])})
	req := httptest.NewRequest(http.MethodPost, "/credentials/inspect", bytes.NewReader(payload))
	req.Header.Set("Authorization", s.bearer(t, auth.ScopeCallbacksInspect))
	rec := httptest.NewRecorder()
	s.admin.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret-token")
	body := decodeJSON(t, rec)
	assert.Equal(t, "heartbeat", body["name"])
	assert.Equal(t, true, body["encrypted"])
}

func TestPathPrefix(t *testing.T) {
	p, err := PathPrefix("https://x.example.com/a/b/")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", p)

	p, err = PathPrefix("https://x.example.com")
	require.NoError(t, err)
	assert.Equal(t, "", p)
}
