package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/orchestration"
)

func newTestActivities(t *testing.T, webhookURL string) (*CallbackActivities, *callback.Codec) {
	t.Helper()
	provider, err := keyprovider.NewLocalProvider("k1", bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	codec := callback.NewCodec(provider, zap.NewNop())
	enc, err := callback.NewEncoder(codec, callback.EncoderConfig{BaseURL: "https://cb.example.com", Issuer: "worker"}, zap.NewNop())
	require.NoError(t, err)
	return NewCallbackActivities(enc, nil, webhookURL, zap.NewNop()), codec
}

func approveInput() RequestCallbackURLsInput {
	return RequestCallbackURLsInput{
		Actions: map[string]callback.Action{
			"approve": {Type: callback.ActionSuccess, Output: map[string]any{"approved": true}},
			"reject":  {Type: callback.ActionFailure, Error: "Rejected"},
		},
		Metadata: map[string]any{"ticket": "OPS-7"},
	}
}

func TestIssueBindsRawTaskToken(t *testing.T) {
	a, codec := newTestActivities(t, "")
	raw := []byte{0x00, 0xff, 0x10, 0x20}

	note, err := a.issue(context.Background(), raw, approveInput())
	require.NoError(t, err)
	require.Len(t, note.URLs, 2)
	assert.NotEmpty(t, note.TransactionID)
	assert.Equal(t, map[string]any{"ticket": "OPS-7"}, note.Metadata)

	u, err := url.Parse(note.URLs["approve"])
	require.NoError(t, err)
	claims, err := codec.Decode(context.Background(), u.Query().Get("token"))
	require.NoError(t, err)
	decoded, err := orchestration.DecodeTaskToken(claims.TaskToken)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
	assert.Equal(t, "approve", claims.Name)
}

func TestIssueRejectsInvalidRequests(t *testing.T) {
	a, _ := newTestActivities(t, "")

	_, err := a.issue(context.Background(), nil, approveInput())
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.NonRetryable())

	_, err = a.issue(context.Background(), []byte("tok"), RequestCallbackURLsInput{})
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, InvalidCallbackRequestType, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestNotifyPostsToWebhook(t *testing.T) {
	var got CallbackNotification
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a, _ := newTestActivities(t, srv.URL)
	note, err := a.issue(context.Background(), []byte("tok"), approveInput())
	require.NoError(t, err)
	note.WorkflowID = "wf-1"

	require.NoError(t, a.notify(context.Background(), "", note))
	assert.Equal(t, note.TransactionID, got.TransactionID)
	assert.Equal(t, note.URLs, got.URLs)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, note.TransactionID, headers.Get("Idempotency-Key"))
}

func TestNotifyOverrideAndErrors(t *testing.T) {
	var calls int32
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a, _ := newTestActivities(t, "")
	note := &CallbackNotification{TransactionID: "t", URLs: map[string]string{"a": "b"}}

	require.NoError(t, a.notify(context.Background(), "", note), "no webhook configured")
	assert.Zero(t, atomic.LoadInt32(&calls))

	err := a.notify(context.Background(), srv.URL, note)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.NonRetryable())
	assert.Equal(t, "WebhookRejected", appErr.Type())

	status = http.StatusBadGateway
	err = a.notify(context.Background(), srv.URL, note)
	require.Error(t, err)
	assert.False(t, errors.As(err, &appErr), "server errors are retried by the activity retry policy")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWebhookFailuresReachBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a, _ := newTestActivities(t, srv.URL)
	note := &CallbackNotification{TransactionID: "t", URLs: map[string]string{"a": "b"}}
	require.Error(t, a.notify(context.Background(), "", note))

	assert.Equal(t, uint32(1), a.Breaker().Counts().ConsecutiveFailures)
	assert.Equal(t, "webhook", a.Breaker().Name())
}
