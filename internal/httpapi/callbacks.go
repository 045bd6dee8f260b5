package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/metrics"
)

const maxBodyBytes = 1 << 20

// CallbackHandler serves URL issuance on the admin listener and callback resolution on
// the public listener.
type CallbackHandler struct {
	encoder  *callback.Encoder
	resolver *callback.Resolver
	codec    *callback.Codec
	logger   *zap.Logger
	now      func() time.Time
}

// NewCallbackHandler creates a new handler.
func NewCallbackHandler(encoder *callback.Encoder, resolver *callback.Resolver, codec *callback.Codec, logger *zap.Logger) *CallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackHandler{encoder: encoder, resolver: resolver, codec: codec, logger: logger, now: time.Now}
}

// RegisterPublicRoutes registers the callback endpoint under prefix, which is the path of
// the configured base URL.
func (h *CallbackHandler) RegisterPublicRoutes(mux *http.ServeMux, prefix string) {
	mux.Handle(strings.TrimSuffix(prefix, "/")+"/"+callback.RespondPath, withNoStore(http.HandlerFunc(h.handleRespond)))
}

// RegisterAdminRoutes registers the trusted endpoints behind service authentication.
func (h *CallbackHandler) RegisterAdminRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.Handle("/urls", mw.Require(auth.ScopeCallbacksCreate)(http.HandlerFunc(h.handleCreate)))
	mux.Handle("/credentials/inspect", mw.Require(auth.ScopeCallbacksInspect)(http.HandlerFunc(h.handleInspect)))
}

func (h *CallbackHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeProblem(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST")
		return
	}
	if mediaType(r) != "application/json" {
		writeProblem(w, http.StatusUnsupportedMediaType, "UnsupportedMediaType", "request body must be application/json")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	req, err := callback.ParseCreateRequest(body)
	if err != nil {
		metrics.CreateRequests.WithLabelValues(callback.PublicCode(err)).Inc()
		writeCallbackError(w, err)
		return
	}
	res, err := h.encoder.CreateURLs(r.Context(), req)
	if err != nil {
		metrics.CreateRequests.WithLabelValues(callback.PublicCode(err)).Inc()
		if callback.HTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error("Failed to issue callback URLs", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		}
		writeCallbackError(w, err)
		return
	}

	metrics.CreateRequests.WithLabelValues("ok").Inc()
	encrypted := strconv.FormatBool(h.codec.Encrypting())
	for _, a := range req.Actions {
		metrics.URLsIssued.WithLabelValues(string(a.Type), encrypted).Inc()
	}
	if svc, ok := auth.GetServiceContext(r.Context()); ok {
		h.logger.Info("Callback URLs issued",
			zap.String("subject", svc.Subject),
			zap.String("transaction_id", res.TransactionID),
			zap.Int("count", len(res.URLs)),
		)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CallbackHandler) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeProblem(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use GET or POST")
		return
	}

	req := callback.Request{Method: r.Method, Query: r.URL.Query()}
	if r.Method == http.MethodPost {
		switch mediaType(r) {
		case "", "application/json":
			body, ok := readBody(w, r)
			if !ok {
				return
			}
			obj, err := decodeObject(body)
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "InvalidRequest", "request body must be a JSON object")
				return
			}
			req.Body = obj
		case "application/x-www-form-urlencoded":
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			if err := r.ParseForm(); err != nil {
				writeProblem(w, http.StatusBadRequest, "InvalidRequest", "invalid form body")
				return
			}
			req.Form = r.PostForm
		default:
			writeProblem(w, http.StatusUnsupportedMediaType, "UnsupportedMediaType", "request body must be JSON or a form")
			return
		}
	}

	start := time.Now()
	out, err := h.resolver.Resolve(r.Context(), req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if callback.KindOf(err) == callback.KindIntegrity {
			metrics.IntegrityFailures.Inc()
		}
		metrics.RecordResolution("", callback.PublicCode(err), elapsed)
		writeCallbackError(w, err)
		return
	}

	metrics.RecordResolution(string(out.Action.Type), "ok", elapsed)
	metrics.OrchestrationAttempts.Observe(float64(out.Attempts))
	if out.ParametersApplied {
		metrics.ParametersApplied.Inc()
	}
	renderOutcome(w, r, out.Action.Response)
}

type inspectRequest struct {
	Credential string `json:"credential"`
}

func (h *CallbackHandler) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeProblem(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req inspectRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Credential == "" {
		writeProblem(w, http.StatusBadRequest, "InvalidRequest", "credential is required")
		return
	}

	in, err := h.codec.Inspect(r.Context(), req.Credential, h.now())
	if err != nil {
		// Operators may see the precise failure.
		writeProblem(w, callback.HTTPStatus(err), callback.KindOf(err).String(), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "invalid"
	}
	return mt
}

// readBody reads a bounded request body, writing the error response itself on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "RequestTooLarge", "request body too large")
			return nil, false
		}
		writeProblem(w, http.StatusBadRequest, "InvalidRequest", "failed to read request body")
		return nil, false
	}
	return body, true
}

// decodeObject decodes an optional JSON object body. Numbers keep their exact form.
func decodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after body")
	}
	return obj, nil
}
