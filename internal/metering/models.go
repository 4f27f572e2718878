package metering

import "time"

// Sources of a usage event.
const (
	SourceLease  = "lease"
	SourceDirect = "direct"
)

// UsageEvent is one debit of credits against a credential.
type UsageEvent struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id"`
	ActorID      string    `json:"actor_id,omitempty"`
	ItemID       string    `json:"item_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	Source       string    `json:"source"`
	Cost         int       `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// CredentialUsage aggregates events for one credential.
type CredentialUsage struct {
	CredentialID string `json:"credential_id"`
	Uses         int64  `json:"uses"`
	Credits      int64  `json:"credits"`
}

// UsageQuery defines filters and pagination for querying usage events.
type UsageQuery struct {
	CredentialID string    `json:"credential_id,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	ItemID       string    `json:"item_id,omitempty"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Cursor       string    `json:"cursor,omitempty"`
	Limit        int       `json:"limit"`
}
