package credential

import "errors"

var (
	// ErrQuotaExhausted is returned when no active credential has quota left.
	// It is retryable: the monthly reset eventually heals it.
	ErrQuotaExhausted = errors.New("all credentials exhausted")

	// ErrCredentialNotFound means usage was reported for a credential the pool
	// does not know. External quota was spent without local accounting.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrReservationNotFound is returned when confirming or releasing a lease
	// that was already settled or has expired.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInvalidCredential wraps validation failures of admin input.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrDuplicateSecret is returned when adding a secret already in the pool.
	ErrDuplicateSecret = errors.New("secret already registered")
)
