package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps schedules in the monitoring_schedules table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const scheduleColumns = `item_id, owner_id, label, notify_phone, interval_hours, is_active, created_at,
	last_run_at, last_attempt_at, next_run_at, run_count, consecutive_failures, last_error, original_payload`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	s := &Schedule{}
	var payload []byte
	err := row.Scan(
		&s.ItemID, &s.OwnerID, &s.Label, &s.NotifyPhone, &s.IntervalHours, &s.IsActive, &s.CreatedAt,
		&s.LastRunAt, &s.LastAttemptAt, &s.NextRunAt, &s.RunCount, &s.ConsecutiveFailures, &s.LastError, &payload,
	)
	if err != nil {
		return nil, err
	}
	s.OriginalPayload = payload
	return s, nil
}

// scheduleArgs returns the values for scheduleColumns, in order.
func scheduleArgs(s *Schedule) []any {
	return []any{
		s.ItemID, s.OwnerID, s.Label, s.NotifyPhone, s.IntervalHours, s.IsActive, s.CreatedAt,
		s.LastRunAt, s.LastAttemptAt, s.NextRunAt, s.RunCount, s.ConsecutiveFailures, s.LastError,
		[]byte(s.OriginalPayload),
	}
}

func (p *PGStore) Get(ctx context.Context, itemID string) (*Schedule, error) {
	s, err := scanSchedule(p.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM monitoring_schedules WHERE item_id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting schedule %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting schedule %s: %w", itemID, err)
	}
	return s, nil
}

func (p *PGStore) Save(ctx context.Context, s *Schedule) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO monitoring_schedules (`+scheduleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (item_id) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id,
		   label = EXCLUDED.label,
		   notify_phone = EXCLUDED.notify_phone,
		   interval_hours = EXCLUDED.interval_hours,
		   is_active = EXCLUDED.is_active,
		   created_at = EXCLUDED.created_at,
		   last_run_at = EXCLUDED.last_run_at,
		   last_attempt_at = EXCLUDED.last_attempt_at,
		   next_run_at = EXCLUDED.next_run_at,
		   run_count = EXCLUDED.run_count,
		   consecutive_failures = EXCLUDED.consecutive_failures,
		   last_error = EXCLUDED.last_error,
		   original_payload = EXCLUDED.original_payload`,
		scheduleArgs(s)...,
	)
	if err != nil {
		return fmt.Errorf("saving schedule %s: %w", s.ItemID, err)
	}
	return nil
}

func (p *PGStore) ListActive(ctx context.Context, ownerID string) ([]*Schedule, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM monitoring_schedules
		 WHERE is_active AND ($1 = '' OR owner_id = $1)
		 ORDER BY next_run_at, item_id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing active schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedule rows: %w", err)
	}
	return out, nil
}
