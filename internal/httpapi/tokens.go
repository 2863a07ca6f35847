package httpapi

import "net/http"

// getMyTokens handles GET /api/v1/users/me/tokens: the caller's own
// balance, limit, and lifetime usage.
func (a *api) getMyTokens(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	balance, err := a.deps.Ledger.Balance(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	totalUsed, err := a.deps.Ledger.TotalUsed(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenBalanceResponse{
		UserID:    balance.UserID,
		Balance:   balance.Balance,
		Limit:     balance.Limit,
		TotalUsed: totalUsed,
	})
}
