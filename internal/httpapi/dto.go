package httpapi

import (
	"net/http"
	"strconv"

	"github.com/llm-gateway/gateway/internal/model"
)

// createDialogRequest is the body of POST /dialogs.
type createDialogRequest struct {
	Title        string             `json:"title"`
	SystemPrompt string             `json:"system_prompt"`
	Model        string             `json:"model" validate:"required"`
	Config       *model.AgentConfig `json:"config,omitempty"`
}

// sendMessageRequest is the body of both message-sending routes; Config
// overrides the dialog's stored generation parameters for this turn
// only.
type sendMessageRequest struct {
	Content string             `json:"content" validate:"required"`
	Config  *model.AgentConfig `json:"config,omitempty"`
}

// setLimitRequest is the body of PATCH /admin/users/{id}/limits. Limit
// is a pointer so an explicit JSON null clears the limit (unlimited);
// omitting the field entirely is treated the same way.
type setLimitRequest struct {
	Limit *int64 `json:"limit"`
}

// adjustTokensRequest is the body of POST /admin/users/{id}/tokens.
// Amount's sign picks top-up vs deduct (internal/admin.AdjustBalance).
type adjustTokensRequest struct {
	Amount int64 `json:"amount" validate:"required"`
}

// dialogResponse is the wire shape for a Dialog.
type dialogResponse struct {
	ID           string            `json:"id"`
	UserID       int64             `json:"user_id"`
	Title        string            `json:"title"`
	SystemPrompt string            `json:"system_prompt"`
	Model        string            `json:"model"`
	Config       model.AgentConfig `json:"config"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

func toDialogResponse(d model.Dialog) dialogResponse {
	return dialogResponse{
		ID:           d.ID,
		UserID:       d.UserID,
		Title:        d.Title,
		SystemPrompt: d.SystemPrompt,
		Model:        d.Model,
		Config:       d.Config,
		CreatedAt:    d.CreatedAt.Format(http.TimeFormat),
		UpdatedAt:    d.UpdatedAt.Format(http.TimeFormat),
	}
}

// messageResponse is the wire shape for a Message. PromptTokens and
// CompletionTokens stay nil for user/system turns, mirroring the
// domain type.
type messageResponse struct {
	ID               string  `json:"id"`
	DialogID         string  `json:"dialog_id"`
	Role             string  `json:"role"`
	Content          string  `json:"content"`
	PromptTokens     *int    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int    `json:"completion_tokens,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func toMessageResponse(m model.Message) messageResponse {
	return messageResponse{
		ID:               m.ID,
		DialogID:         m.DialogID,
		Role:             string(m.Role),
		Content:          m.Content,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		CreatedAt:        m.CreatedAt.Format(http.TimeFormat),
	}
}

// tokenBalanceResponse is the wire shape for GET /users/me/tokens and
// the admin per-user endpoints.
type tokenBalanceResponse struct {
	UserID    int64  `json:"user_id"`
	Balance   int64  `json:"balance"`
	Limit     *int64 `json:"limit,omitempty"`
	TotalUsed int64  `json:"total_used"`
}

// modelResponse is the wire shape for /models and /models/{name}.
type modelResponse struct {
	Name                 string  `json:"name"`
	Provider             string  `json:"provider"`
	PromptPricePer1K     float64 `json:"prompt_price_per_1k"`
	CompletionPricePer1K float64 `json:"completion_price_per_1k"`
	ContextWindow        int     `json:"context_window"`
}

func toModelResponse(m model.Model) modelResponse {
	return modelResponse{
		Name:                 m.Name,
		Provider:             m.Provider,
		PromptPricePer1K:     m.PromptPricePer1K,
		CompletionPricePer1K: m.CompletionPricePer1K,
		ContextWindow:        m.ContextWindow,
	}
}

// userStatsResponse is one row of GET /admin/users.
type userStatsResponse struct {
	UserID          int64  `json:"user_id"`
	DialogCount     int    `json:"dialog_count"`
	TotalTokensUsed int64  `json:"total_tokens_used"`
	Balance         int64  `json:"balance"`
	Limit           *int64 `json:"limit,omitempty"`
}

// userDetailsResponse is the body of GET /admin/users/{id}.
type userDetailsResponse struct {
	userStatsResponse
	LastActivity *string `json:"last_activity,omitempty"`
}

// transactionResponse is one row of the token-transaction history.
type transactionResponse struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	Amount    int64   `json:"amount"`
	Reason    string  `json:"reason"`
	DialogID  *string `json:"dialog_id,omitempty"`
	MessageID *string `json:"message_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func toTransactionResponse(t model.TokenTransaction) transactionResponse {
	return transactionResponse{
		ID:        t.ID,
		UserID:    t.UserID,
		Amount:    t.Amount,
		Reason:    string(t.Reason),
		DialogID:  t.DialogID,
		MessageID: t.MessageID,
		CreatedAt: t.CreatedAt.Format(http.TimeFormat),
	}
}

// pagination parses page/page_size query params into the skip/limit
// shape the store layer uses, clamping page_size to the documented
// maximum of 100 and defaulting to 20.
type pagination struct {
	Skip  int
	Limit int
}

func parsePagination(r *http.Request) pagination {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", 20)
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return pagination{Skip: (page - 1) * pageSize, Limit: pageSize}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
