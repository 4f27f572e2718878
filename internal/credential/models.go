package credential

import (
	"time"

	"github.com/segmentio/ksuid"
)

const (
	// DefaultCostPerUse is the number of credits one consultation consumes.
	DefaultCostPerUse = 8

	// DefaultSecretLength is the exact length of a provider API secret.
	DefaultSecretLength = 64

	// DefaultLeaseTTL bounds how long a reservation may stay unsettled.
	DefaultLeaseTTL = 10 * time.Minute
)

// Credential is one metered account with the third-party search API.
type Credential struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone"`
	Instance      string     `json:"instance"`
	Secret        string     `json:"-"`
	MonthlyLimit  int        `json:"monthly_limit"`
	CurrentUsage  int        `json:"current_usage"`
	IsActive      bool       `json:"is_active"`
	IsDev         bool       `json:"is_dev"`
	LastResetDate time.Time  `json:"last_reset_date"`
	RenewalDate   *time.Time `json:"renewal_date,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	RemovedAt     *time.Time `json:"removed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Removed reports whether the credential was retired by an admin.
func (c *Credential) Removed() bool {
	return c.RemovedAt != nil
}

// Remaining returns the credits left in the current cycle, never negative.
func (c *Credential) Remaining() int {
	if r := c.MonthlyLimit - c.CurrentUsage; r > 0 {
		return r
	}
	return 0
}

// CreateInput holds the fields an admin supplies for a new credential.
type CreateInput struct {
	Email        string     `json:"email" yaml:"email"`
	Phone        string     `json:"phone" yaml:"phone"`
	Instance     string     `json:"instance" yaml:"instance"`
	Secret       string     `json:"secret" yaml:"secret"`
	MonthlyLimit int        `json:"monthly_limit" yaml:"monthly_limit"`
	IsDev        bool       `json:"is_dev" yaml:"is_dev"`
	RenewalDate  *time.Time `json:"renewal_date,omitempty" yaml:"renewal_date,omitempty"`
}

// UpdateInput holds optional fields for a partial credential update.
type UpdateInput struct {
	Email        *string    `json:"email,omitempty"`
	Phone        *string    `json:"phone,omitempty"`
	Instance     *string    `json:"instance,omitempty"`
	Secret       *string    `json:"secret,omitempty"`
	MonthlyLimit *int       `json:"monthly_limit,omitempty"`
	IsActive     *bool      `json:"is_active,omitempty"`
	IsDev        *bool      `json:"is_dev,omitempty"`
	RenewalDate  *time.Time `json:"renewal_date,omitempty"`
}

// Stat is the read-only projection shown on the admin dashboard.
type Stat struct {
	ID         string  `json:"id"`
	Instance   string  `json:"instance"`
	Usage      int     `json:"usage"`
	Limit      int     `json:"limit"`
	Remaining  int     `json:"remaining"`
	Percentage float64 `json:"percentage"`
	IsActive   bool    `json:"is_active"`
	IsDev      bool    `json:"is_dev"`
}

// Reservation is a provisional debit taken together with the selection of a
// credential. It must be confirmed or released.
type Reservation struct {
	ID           string     `json:"id"`
	CredentialID string     `json:"credential_id"`
	Secret       string     `json:"secret"`
	Cost         int        `json:"cost"`
	ActorID      string     `json:"actor_id,omitempty"`
	ItemID       string     `json:"item_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
}

func newCredentialID() string {
	return "cred_" + ksuid.New().String()
}

func newReservationID() string {
	return "lease_" + ksuid.New().String()
}
