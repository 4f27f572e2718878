package credential

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/pipewatch/internal/crypto"
)

// Store persists credentials in Postgres. Secrets are sealed with the
// configured cipher before they reach the database.
type Store struct {
	db     *pgxpool.Pool
	cipher *crypto.Cipher
}

// NewStore creates a credential store. A nil cipher stores secrets as-is.
func NewStore(db *pgxpool.Pool, cipher *crypto.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

const credentialColumns = `id, email, phone, instance, secret_sealed, monthly_limit, current_usage,
	is_active, is_dev, last_reset_date, renewal_date, last_used_at, removed_at, created_at, updated_at`

// List loads every credential, removed ones included, in creation order.
func (s *Store) List(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c := &Credential{}
		var sealed string
		if err := rows.Scan(
			&c.ID, &c.Email, &c.Phone, &c.Instance, &sealed, &c.MonthlyLimit, &c.CurrentUsage,
			&c.IsActive, &c.IsDev, &c.LastResetDate, &c.RenewalDate, &c.LastUsedAt, &c.RemovedAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		if c.Secret, err = s.cipher.Open(c.ID, sealed); err != nil {
			return nil, fmt.Errorf("opening credential secret: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}
	return out, nil
}

// Save upserts the full row. Writing whole rows means a later save heals an
// earlier failed one.
func (s *Store) Save(ctx context.Context, c *Credential) error {
	sealed, err := s.cipher.Seal(c.ID, c.Secret)
	if err != nil {
		return fmt.Errorf("sealing credential secret: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email,
		   phone = EXCLUDED.phone,
		   instance = EXCLUDED.instance,
		   secret_sealed = EXCLUDED.secret_sealed,
		   monthly_limit = EXCLUDED.monthly_limit,
		   current_usage = EXCLUDED.current_usage,
		   is_active = EXCLUDED.is_active,
		   is_dev = EXCLUDED.is_dev,
		   last_reset_date = EXCLUDED.last_reset_date,
		   renewal_date = EXCLUDED.renewal_date,
		   last_used_at = EXCLUDED.last_used_at,
		   removed_at = EXCLUDED.removed_at,
		   updated_at = EXCLUDED.updated_at`,
		c.ID, c.Email, c.Phone, c.Instance, sealed, c.MonthlyLimit, c.CurrentUsage,
		c.IsActive, c.IsDev, c.LastResetDate, c.RenewalDate, c.LastUsedAt, c.RemovedAt,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving credential %s: %w", c.ID, err)
	}
	return nil
}
