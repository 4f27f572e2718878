package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps run results in the monitoring_results table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const recordColumns = `id, owner_id, item_id, run_number, credential_id, shape, result, created_at`

// recordArgs returns the values for recordColumns, in order.
func recordArgs(r Record) []any {
	return []any{r.ID, r.OwnerID, r.ItemID, r.RunNumber, r.CredentialID, r.Shape, []byte(r.Result), r.CreatedAt}
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	var raw []byte
	if err := row.Scan(&r.ID, &r.OwnerID, &r.ItemID, &r.RunNumber, &r.CredentialID, &r.Shape, &raw, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	r.Result = raw
	return r, nil
}

// Save inserts a result. Saving the same ID twice is a no-op.
func (s *PGStore) Save(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitoring_results (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		recordArgs(r)...,
	)
	if err != nil {
		return fmt.Errorf("saving run result: %w", err)
	}
	return nil
}

// List returns the newest results for an item.
func (s *PGStore) List(ctx context.Context, ownerID, itemID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM monitoring_results
		 WHERE owner_id = $1 AND item_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		ownerID, itemID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing run results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run results: %w", err)
	}
	return out, nil
}
