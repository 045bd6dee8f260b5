package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
)

// errorBody is the error payload of every endpoint.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeCallbackError renders err with its public code. Internal detail never reaches
// the caller.
func writeCallbackError(w http.ResponseWriter, err error) {
	status := callback.HTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeProblem(w, status, callback.PublicCode(err), callback.PublicMessage(err))
}

// renderOutcome writes the visitor-facing response of a resolved callback.
func renderOutcome(w http.ResponseWriter, r *http.Request, spec *callback.ResponseSpec) {
	switch {
	case spec == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case spec.JSON != nil:
		writeJSON(w, http.StatusOK, spec.JSON)
	case spec.HTML != "":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(spec.HTML))
	case spec.Text != "":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(spec.Text))
	case spec.Redirect != "":
		http.Redirect(w, r, spec.Redirect, http.StatusSeeOther)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
