package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

// DefaultListLimit caps result listings when no limit is given.
const DefaultListLimit = 20

// Record is the stored result of one completed monitoring run.
type Record struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	ItemID       string          `json:"item_id"`
	RunNumber    int             `json:"run_number"`
	CredentialID string          `json:"credential_id"`
	Shape        string          `json:"shape"`
	Result       json.RawMessage `json:"result"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewID returns a sortable run identifier.
func NewID() string {
	return "run_" + ksuid.New().String()
}

// Recorder persists run results.
type Recorder interface {
	Save(ctx context.Context, r Record) error
}

// Lister reads recent results for one tracked item, newest first.
type Lister interface {
	List(ctx context.Context, ownerID, itemID string, limit int) ([]Record, error)
}
