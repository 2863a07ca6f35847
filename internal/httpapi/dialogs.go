package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/model"
	"github.com/llm-gateway/gateway/internal/stream"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: " + err.Error())
	}
	return nil
}

// createDialog handles POST /api/v1/dialogs.
func (a *api) createDialog(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	var req createDialogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	m := a.deps.Registry.Get(req.Model)
	if m == nil {
		writeError(w, r, apperr.Validation("unknown model: "+req.Model))
		return
	}
	cfg := model.AgentConfig{}
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(m.ContextWindow); err != nil {
		writeError(w, r, apperr.Validation(err.Error()))
		return
	}

	now := time.Now()
	dialog := model.Dialog{
		ID:           uuid.NewString(),
		UserID:       claims.UserID,
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.deps.Dialogs.CreateDialog(r.Context(), &dialog); err != nil {
		writeError(w, r, apperr.Internal("create dialog", err))
		return
	}

	writeJSON(w, http.StatusCreated, toDialogResponse(dialog))
}

// listDialogs handles GET /api/v1/dialogs.
func (a *api) listDialogs(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	p := parsePagination(r)

	dialogs, err := a.deps.Dialogs.ListDialogs(r.Context(), claims.UserID, p.Skip, p.Limit)
	if err != nil {
		writeError(w, r, apperr.Internal("list dialogs", err))
		return
	}

	out := make([]dialogResponse, 0, len(dialogs))
	for _, d := range dialogs {
		out = append(out, toDialogResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// loadOwnedDialog fetches dialogID and enforces ownership, writing the
// matching error response and returning ok=false on any failure.
func (a *api) loadOwnedDialog(w http.ResponseWriter, r *http.Request) (*model.Dialog, bool) {
	claims, _ := claimsFrom(r.Context())
	dialogID := chi.URLParam(r, "dialogID")

	dialog, err := a.deps.Dialogs.GetDialog(r.Context(), dialogID)
	if err != nil {
		writeError(w, r, apperr.Internal("get dialog", err))
		return nil, false
	}
	if dialog == nil {
		writeError(w, r, apperr.NotFound("dialog not found"))
		return nil, false
	}
	if !dialog.OwnedBy(claims.UserID, claims.IsAdmin) {
		writeError(w, r, apperr.Forbidden("access denied"))
		return nil, false
	}
	return dialog, true
}

// getDialog handles GET /api/v1/dialogs/{dialogID}.
func (a *api) getDialog(w http.ResponseWriter, r *http.Request) {
	dialog, ok := a.loadOwnedDialog(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDialogResponse(*dialog))
}

// listMessages handles GET /api/v1/dialogs/{dialogID}/messages.
func (a *api) listMessages(w http.ResponseWriter, r *http.Request) {
	dialog, ok := a.loadOwnedDialog(w, r)
	if !ok {
		return
	}
	p := parsePagination(r)

	messages, err := a.deps.Dialogs.ListMessages(r.Context(), dialog.ID, p.Skip, p.Limit)
	if err != nil {
		writeError(w, r, apperr.Internal("list messages", err))
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// sendMessageSync handles POST /api/v1/dialogs/{dialogID}/messages/sync:
// drives the orchestrator's non-streaming path and returns the full
// persisted assistant message.
func (a *api) sendMessageSync(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	dialogID := chi.URLParam(r, "dialogID")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := a.deps.Orchestrator.Send(r.Context(), dialogID, claims.UserID, claims.IsAdmin, req.Content, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMessageResponse(result.Message))
}

// sendMessageStream handles POST /api/v1/dialogs/{dialogID}/messages:
// drives the orchestrator's streaming path and relays it as SSE.
func (a *api) sendMessageStream(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	dialogID := chi.URLParam(r, "dialogID")

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	events, err := a.deps.Orchestrator.SendStream(r.Context(), dialogID, claims.UserID, claims.IsAdmin, req.Content, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := stream.Write(w, events); err != nil {
		logFrom(r).Warn().Err(err).Msg("sse stream ended with error")
	}
}
