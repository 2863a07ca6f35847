// Package model holds the gateway's persistent domain types: dialogs,
// messages, the token ledger's own records, the model catalog entry, the
// per-dialog generation config, and the claims carried by a bearer token.
//
// These are plain structs, not active-record objects — they carry no
// methods that talk to the database. Stores (internal/dialogstore,
// internal/ledgerstore) read and write them; business logic
// (internal/ledger, internal/orchestrator) operates on them.
package model

import "time"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Dialog is a persistent conversation thread owned by one user.
type Dialog struct {
	ID            string // opaque 128-bit id, rendered as a UUID string
	UserID        int64
	Title         string
	SystemPrompt  string
	Model         string // must resolve in the provider registry
	Config        AgentConfig
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OwnedBy reports whether userID may access d, honoring the admin override.
// Every handler that loads a dialog by id must run its result through this
// check before returning or mutating anything.
func (d Dialog) OwnedBy(userID int64, isAdmin bool) bool {
	return isAdmin || d.UserID == userID
}

// Message is one turn (or system entry) within a Dialog. Token counts are
// only ever set on assistant messages; they stay nil everywhere else.
type Message struct {
	ID               string
	DialogID         string
	Role             Role
	Content          string
	PromptTokens     *int
	CompletionTokens *int
	CreatedAt        time.Time
}

// TransactionReason tags why a TokenTransaction exists. It's a closed set —
// the ledger never invents a new one.
type TransactionReason string

const (
	ReasonLLMUsage    TransactionReason = "llm_usage"
	ReasonAdminTopUp  TransactionReason = "admin_top_up"
	ReasonAdminDeduct TransactionReason = "admin_deduct"
)

// TokenBalance is a user's current token position. It's a projection:
// the ledger maintains balance = sum(TokenTransaction.Amount) by
// construction on every write, never by recomputing it from the log.
type TokenBalance struct {
	UserID    int64
	Balance   int64
	Limit     *int64 // nil = unlimited
	UpdatedAt time.Time
}

// TokenTransaction is one append-only ledger entry. Amount is negative for
// a debit, positive for a credit. DialogID/MessageID/AdminUserID are all
// optional — only llm_usage transactions carry dialog/message references,
// only admin_top_up/admin_deduct carry an administering user.
type TokenTransaction struct {
	ID          int64
	UserID      int64
	Amount      int64
	Reason      TransactionReason
	DialogID    *string
	MessageID   *string
	AdminUserID *int64
	CreatedAt   time.Time
}

// Model is one provider-catalog entry. The registry holds an in-memory
// snapshot of these, loaded once at startup (see internal/provider).
type Model struct {
	Name             string
	Provider         string
	PromptPricePer1K float64
	CompletionPricePer1K float64
	ContextWindow    int
	Enabled          bool
}

// JWTClaims is the subset of a bearer token's claims the gateway consumes.
// It is produced by internal/auth, never persisted.
type JWTClaims struct {
	UserID   int64
	IsAdmin  bool
	Expiry   time.Time
	IssuedAt time.Time
	NotBefore *time.Time
}
