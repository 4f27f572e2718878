package monitor

import "errors"

var (
	// ErrInvalidSchedule wraps every validation failure of a schedule request.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNotFound is returned when no schedule exists for an item.
	ErrNotFound = errors.New("schedule not found")

	// ErrShutdown is returned when scheduling after Shutdown.
	ErrShutdown = errors.New("manager is shut down")
)
