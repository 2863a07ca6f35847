package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/llm-gateway/gateway/internal/admin"
	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/auth"
)

func pathUserID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		return 0, apperr.Validation("invalid user id")
	}
	return id, nil
}

func toUserStatsResponse(s admin.UserStats) userStatsResponse {
	return userStatsResponse{
		UserID:          s.UserID,
		DialogCount:     s.DialogCount,
		TotalTokensUsed: s.TotalTokensUsed,
		Balance:         s.Balance,
		Limit:           s.Limit,
	}
}

func formatLastActivity(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(http.TimeFormat)
	return &s
}

// adminListUsers handles GET /api/v1/admin/users.
func (a *api) adminListUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	p := parsePagination(r)

	users, err := a.deps.Admin.ListUsers(r.Context(), claims.IsAdmin, p.Skip, p.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]userStatsResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserStatsResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

// adminGetUser handles GET /api/v1/admin/users/{userID}.
func (a *api) adminGetUser(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	userID, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	details, err := a.deps.Admin.GetUserDetails(r.Context(), userID, claims.IsAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, userDetailsResponse{
		userStatsResponse: toUserStatsResponse(details.UserStats),
		LastActivity:       formatLastActivity(details.LastActivity),
	})
}

// adminSetLimit handles PATCH /api/v1/admin/users/{userID}/limits.
func (a *api) adminSetLimit(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	userID, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req setLimitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	balance, err := a.deps.Admin.SetLimit(r.Context(), userID, req.Limit, claims.UserID, claims.IsAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenBalanceResponse{
		UserID:  balance.UserID,
		Balance: balance.Balance,
		Limit:   balance.Limit,
	})
}

// adminAdjustTokens handles POST /api/v1/admin/users/{userID}/tokens.
func (a *api) adminAdjustTokens(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	userID, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req adjustTokensRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	balance, _, err := a.deps.Admin.AdjustBalance(r.Context(), userID, req.Amount, claims.UserID, claims.IsAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenBalanceResponse{
		UserID:  balance.UserID,
		Balance: balance.Balance,
		Limit:   balance.Limit,
	})
}

// adminInvalidateJWKS handles POST /api/v1/admin/jwks/invalidate: forces
// the next RS256 verification to refetch keys from the JWKS endpoint,
// for an operator to call right after rotating signing keys instead of
// waiting out the cache's TTL. A no-op (but still 200) against an
// HS256-only verifier, which has no key cache to drop.
func (a *api) adminInvalidateJWKS(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok || !claims.IsAdmin {
		writeError(w, r, apperr.Forbidden("admin access required"))
		return
	}
	if inv, ok := a.deps.Verifier.(auth.JWKSInvalidator); ok {
		inv.InvalidateJWKS()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// adminTokenHistory handles GET /api/v1/admin/users/{userID}/tokens/history.
func (a *api) adminTokenHistory(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())
	userID, err := pathUserID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := parsePagination(r)

	txns, err := a.deps.Admin.History(r.Context(), userID, claims.IsAdmin, p.Skip, p.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}
