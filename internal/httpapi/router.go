// Package httpapi wires the gateway's /api/v1 route table (§6) onto the
// domain layers: the request envelope (§4.7) — correlation id, auth,
// rate limiting, metrics/logging, panic recovery, error-body mapping —
// followed by one handler file per resource.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llm-gateway/gateway/internal/admin"
	"github.com/llm-gateway/gateway/internal/auth"
	"github.com/llm-gateway/gateway/internal/dialogstore"
	"github.com/llm-gateway/gateway/internal/ledger"
	"github.com/llm-gateway/gateway/internal/metrics"
	"github.com/llm-gateway/gateway/internal/orchestrator"
	"github.com/llm-gateway/gateway/internal/provider"
	"github.com/llm-gateway/gateway/internal/ratelimit"
)

// Deps bundles every domain dependency the router's handlers call into.
type Deps struct {
	Dialogs      dialogstore.Store
	Registry     *provider.Registry
	Ledger       *ledger.Ledger
	Orchestrator *orchestrator.Orchestrator
	Admin        *admin.Admin
	Verifier     auth.Verifier
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	PromHandler  http.Handler

	// Debug, when set, surfaces error details and stack traces on 5xx
	// responses that would otherwise only be logged (§"Error body").
	Debug bool
}

// api is the receiver every handler file's methods hang off.
type api struct {
	deps Deps
}

// New builds the chi router: the envelope middleware stack, then the
// full route table from §6.
func New(deps Deps) http.Handler {
	a := &api{deps: deps}

	r := chi.NewRouter()
	r.Use(correlationID)
	r.Use(debugFlag(deps.Debug))
	r.Use(recoverer)
	r.Use(requestMetrics(deps.Metrics))
	r.Use(requireAuth(deps.Verifier))
	r.Use(requireRateLimit(deps.Limiter))

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", deps.PromHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/dialogs", func(r chi.Router) {
			r.Post("/", a.createDialog)
			r.Get("/", a.listDialogs)
			r.Route("/{dialogID}", func(r chi.Router) {
				r.Get("/", a.getDialog)
				r.Post("/messages", a.sendMessageStream)
				r.Post("/messages/sync", a.sendMessageSync)
				r.Get("/messages", a.listMessages)
			})
		})

		r.Get("/users/me/tokens", a.getMyTokens)

		r.Route("/models", func(r chi.Router) {
			r.Get("/", a.listModels)
			r.Get("/{name}", a.getModel)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Route("/users", func(r chi.Router) {
				r.Get("/", a.adminListUsers)
				r.Route("/{userID}", func(r chi.Router) {
					r.Get("/", a.adminGetUser)
					r.Patch("/limits", a.adminSetLimit)
					r.Post("/tokens", a.adminAdjustTokens)
					r.Get("/tokens/history", a.adminTokenHistory)
				})
			})
			r.Post("/jwks/invalidate", a.adminInvalidateJWKS)
		})
	})

	return r
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
