package httpapi

import (
	"context"

	"github.com/llm-gateway/gateway/internal/model"
)

type ctxKey string

const (
	ctxClaims    ctxKey = "httpapi_claims"
	ctxRequestID ctxKey = "httpapi_request_id"
	ctxDebug     ctxKey = "httpapi_debug"
)

// withClaims returns a context carrying claims, for the auth middleware
// to stash and handlers to read.
func withClaims(ctx context.Context, claims *model.JWTClaims) context.Context {
	return context.WithValue(ctx, ctxClaims, claims)
}

// claimsFrom returns the claims the auth middleware attached to ctx, if
// any. Handlers on authenticated routes can assume ok is always true —
// the middleware already rejected the request otherwise.
func claimsFrom(ctx context.Context) (*model.JWTClaims, bool) {
	claims, ok := ctx.Value(ctxClaims).(*model.JWTClaims)
	return claims, ok
}

// withRequestID returns a context carrying the correlation id, mirroring
// logging.WithCorrelationID — kept as a separate key here since
// logging's own key is private to that package and the error body needs
// to read it back out.
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

// requestID returns the correlation id allocated for this request, or ""
// if called outside the envelope middleware (e.g. from a unit test that
// builds a bare context.Background()).
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

// withDebug returns a context carrying the process-wide debug flag, so
// writeError can decide whether to put details/stack traces on the wire
// without every handler threading Deps through by hand.
func withDebug(ctx context.Context, debug bool) context.Context {
	return context.WithValue(ctx, ctxDebug, debug)
}

// debugFrom reports whether the debug flag is on for this request, false
// if called outside the envelope middleware.
func debugFrom(ctx context.Context) bool {
	debug, _ := ctx.Value(ctxDebug).(bool)
	return debug
}
