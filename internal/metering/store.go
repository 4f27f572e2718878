package metering

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for credential usage events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes events in a single multi-row INSERT. It is a no-op when
// events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 7
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		source := ev.Source
		if source == "" {
			source = SourceDirect
		}
		args = append(args,
			ev.CredentialID,
			ev.ActorID,
			ev.ItemID,
			ev.Note,
			source,
			ev.Cost,
			ev.Timestamp,
		)
	}

	query := `INSERT INTO credential_usage
		(credential_id, actor_id, item_id, note, source, cost, timestamp)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting usage events: %w", err)
	}
	return nil
}

// Summarize returns per-credential totals for events matching the query.
func (s *Store) Summarize(ctx context.Context, q UsageQuery) ([]CredentialUsage, error) {
	where, args := buildWhereClause(q)

	rows, err := s.pool.Query(ctx,
		`SELECT credential_id, COUNT(*), COALESCE(SUM(cost), 0)
		 FROM credential_usage`+where+`
		 GROUP BY credential_id
		 ORDER BY credential_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("summarizing usage: %w", err)
	}
	defer rows.Close()

	var out []CredentialUsage
	for rows.Next() {
		var u CredentialUsage
		if err := rows.Scan(&u.CredentialID, &u.Uses, &u.Credits); err != nil {
			return nil, fmt.Errorf("scanning usage summary: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListEvents returns a page of events ordered by timestamp DESC, id DESC and
// the cursor of the next page (empty when there is none).
func (s *Store) ListEvents(ctx context.Context, q UsageQuery) ([]*UsageEvent, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, credential_id, actor_id, item_id, note, source, cost, timestamp
	FROM credential_usage` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage events: %w", err)
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		var ev UsageEvent
		if err := rows.Scan(
			&ev.ID, &ev.CredentialID, &ev.ActorID, &ev.ItemID,
			&ev.Note, &ev.Source, &ev.Cost, &ev.Timestamp,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage rows: %w", err)
	}

	var nextCursor string
	if len(events) > limit {
		last := events[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		events = events[:limit]
	}
	return events, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// UsageQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q UsageQuery) (string, []any) {
	var conditions []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf("%s $%d", col, len(args)))
	}
	if q.CredentialID != "" {
		add("credential_id =", q.CredentialID)
	}
	if q.ActorID != "" {
		add("actor_id =", q.ActorID)
	}
	if q.ItemID != "" {
		add("item_id =", q.ItemID)
	}
	if !q.From.IsZero() {
		add("timestamp >=", q.From)
	}
	if !q.To.IsZero() {
		add("timestamp <=", q.To)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
