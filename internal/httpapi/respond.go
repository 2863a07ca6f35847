package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/logging"
)

// logFrom is a convenience wrapper over logging.From(r.Context()) for
// handler files that don't otherwise need the context value.
func logFrom(r *http.Request) *zerolog.Logger {
	return logging.From(r.Context())
}

// writeJSON encodes v as the response body at the given status. Header
// writes must happen before this — callers that also set rate-limit or
// correlation headers do so first.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.From(context.Background()).Error().Err(err).Msg("encode response body")
	}
}

// errorBody is the wire shape of every non-2xx response (§6/§7).
type errorBody struct {
	Code      apperr.Code    `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
	Stack     string         `json:"stack,omitempty"`
}

// writeError maps err onto the taxonomy and writes the normalized error
// body. Non-*apperr.Error values (a bug, an unexpected driver error) are
// folded into INTERNAL_ERROR without leaking their message onto the wire.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		logging.From(r.Context()).Error().Err(err).Msg("unhandled error")
		appErr = apperr.Internal("internal error", err)
	}

	status := appErr.Status()
	debug := debugFrom(r.Context())
	body := errorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: requestID(r.Context()),
	}
	// Details are surfaced for client-class errors, or for everything
	// when the debug flag is on — a 500 never carries the underlying
	// cause onto the wire otherwise (§4.7, §"Error body").
	if status < 500 || debug {
		body.Details = appErr.Details
	}
	if status >= 500 && debug {
		body.Stack = appErr.Stack
	}

	if status >= 500 {
		logging.From(r.Context()).Error().Err(err).Str("code", string(appErr.Code)).Str("stack", appErr.Stack).Msg("request failed")
	}

	writeJSON(w, status, body)
}
