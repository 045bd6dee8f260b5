package callback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/orchestration"
)

const testBaseURL = "https://callbacks.example.com/v1"

type engineCall struct {
	Op      string
	Token   string
	Output  map[string]any
	Failure orchestration.Failure
}

// recordingEngine is an in-memory engine: terminal actions succeed once per token,
// later ones are rejected.
type recordingEngine struct {
	mu        sync.Mutex
	calls     []engineCall
	completed map[string]bool
	// errs are returned, in order, before normal behavior resumes.
	errs []error
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{completed: map[string]bool{}}
}

func (e *recordingEngine) next() error {
	if len(e.errs) == 0 {
		return nil
	}
	err := e.errs[0]
	e.errs = e.errs[1:]
	return err
}

func (e *recordingEngine) terminal(token string) error {
	if e.completed[token] {
		return &orchestration.CallError{Op: "complete", Kind: orchestration.ErrRejected, Delivered: true, Err: errAlreadyCompleted}
	}
	e.completed[token] = true
	return nil
}

var errAlreadyCompleted = errors.New("activity already completed")

func (e *recordingEngine) SendSuccess(_ context.Context, token string, output map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, engineCall{Op: "success", Token: token, Output: output})
	if err := e.next(); err != nil {
		return err
	}
	return e.terminal(token)
}

func (e *recordingEngine) SendFailure(_ context.Context, token string, f orchestration.Failure) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, engineCall{Op: "failure", Token: token, Failure: f})
	if err := e.next(); err != nil {
		return err
	}
	return e.terminal(token)
}

func (e *recordingEngine) SendHeartbeat(_ context.Context, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, engineCall{Op: "heartbeat", Token: token})
	return e.next()
}

func (e *recordingEngine) Calls() []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engineCall(nil), e.calls...)
}

func testLocalProvider(t testing.TB) keyprovider.Provider {
	t.Helper()
	p, err := keyprovider.NewLocalProvider("test-key", bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return p
}

func newTestEncoder(t testing.TB, codec *Codec, policy Policy) *Encoder {
	t.Helper()
	enc, err := NewEncoder(codec, EncoderConfig{BaseURL: testBaseURL, Issuer: "test", Policy: policy}, zap.NewNop())
	require.NoError(t, err)
	return enc
}

func newTestResolver(codec *Codec, engine orchestration.Engine, policy Policy) *Resolver {
	return NewResolver(codec, engine, ResolverConfig{Policy: policy, RetryBackoff: 1}, zap.NewNop())
}
