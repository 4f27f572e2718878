package monitor

import (
	"encoding/json"
	"time"
)

// Schedule is the persisted monitoring configuration of one tracked item.
type Schedule struct {
	ItemID              string          `json:"item_id"`
	OwnerID             string          `json:"owner_id"`
	Label               string          `json:"label,omitempty"`
	NotifyPhone         string          `json:"notify_phone,omitempty"`
	IntervalHours       float64         `json:"interval_hours"`
	IsActive            bool            `json:"is_active"`
	CreatedAt           time.Time       `json:"created_at"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	LastAttemptAt       *time.Time      `json:"last_attempt_at,omitempty"`
	NextRunAt           time.Time       `json:"next_run_at"`
	RunCount            int             `json:"run_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastError           string          `json:"last_error,omitempty"`
	OriginalPayload     json.RawMessage `json:"original_payload"`
}

// clone returns a deep copy.
func (s *Schedule) clone() *Schedule {
	cp := *s
	cp.OriginalPayload = append(json.RawMessage(nil), s.OriginalPayload...)
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		cp.LastRunAt = &t
	}
	if s.LastAttemptAt != nil {
		t := *s.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	return &cp
}

// ScheduleRequest asks to start (or restart) monitoring of an item.
type ScheduleRequest struct {
	ItemID        string          `json:"item_id"`
	OwnerID       string          `json:"owner_id"`
	Label         string          `json:"label,omitempty"`
	NotifyPhone   string          `json:"notify_phone,omitempty"`
	IntervalHours float64         `json:"interval_hours"`
	Payload       json.RawMessage `json:"payload"`
}
