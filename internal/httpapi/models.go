package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llm-gateway/gateway/internal/apperr"
)

// listModels handles GET /api/v1/models.
func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	models := a.deps.Registry.All()
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, toModelResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// getModel handles GET /api/v1/models/{name}.
func (a *api) getModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m := a.deps.Registry.Get(name)
	if m == nil {
		writeError(w, r, apperr.Validation("unknown model: "+name))
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(*m))
}
