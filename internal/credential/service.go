package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/pipewatch/internal/metering"
)

// Persister writes full credential rows.
type Persister interface {
	Save(ctx context.Context, c *Credential) error
}

// UsageSink receives one event per debit.
type UsageSink interface {
	Record(ev metering.UsageEvent)
}

// Observer is notified of pool changes for metrics.
type Observer interface {
	ObserveCredential(id, instance string, usage, limit int, active bool)
	ObserveReservation(outcome string)
	ObserveQuotaExhausted()
	ObserveUsageFault()
	ObserveMonthlyReset(n int)
}

// Service wraps the pool with write-through persistence, usage events and
// metrics. The pool stays authoritative; persistence never runs under the
// pool lock.
type Service struct {
	pool     *Pool
	store    Persister
	usage    UsageSink
	observer Observer
	saveMu   sync.Mutex
}

// NewService creates a Service. store may be nil for a memory-only pool.
func NewService(pool *Pool, store Persister) *Service {
	return &Service{pool: pool, store: store}
}

// SetUsageSink attaches the usage event sink.
func (s *Service) SetUsageSink(u UsageSink) {
	s.usage = u
}

// SetObserver attaches a metrics observer and publishes the current state.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
	for _, c := range s.pool.Snapshot() {
		s.observe(&c)
	}
}

// Pool returns the underlying pool.
func (s *Service) Pool() *Pool {
	return s.pool
}

// persist saves the current state of the credential. Saves are serialized
// and always read the latest pool state, so the newest write wins.
func (s *Service) persist(ctx context.Context, id string) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	c, err := s.pool.Get(id)
	if err != nil {
		return err
	}
	s.observe(c)
	if s.store == nil {
		return nil
	}
	return s.store.Save(ctx, c)
}

func (s *Service) observe(c *Credential) {
	if s.observer == nil {
		return
	}
	active := c.IsActive && !c.Removed()
	s.observer.ObserveCredential(c.ID, c.Instance, c.CurrentUsage, c.MonthlyLimit, active)
}

// CheckAndResetMonthlyUsage runs the monthly reset and persists every reset
// credential. It returns the number of credentials reset.
func (s *Service) CheckAndResetMonthlyUsage(ctx context.Context) (int, error) {
	reset := s.pool.CheckAndResetMonthlyUsage()
	if len(reset) > 0 && s.observer != nil {
		s.observer.ObserveMonthlyReset(len(reset))
	}
	var errs []error
	for _, c := range reset {
		if err := s.persist(ctx, c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return len(reset), fmt.Errorf("persisting monthly reset: %w", err)
	}
	return len(reset), nil
}

func (s *Service) resetBeforeSelect(ctx context.Context) {
	if _, err := s.CheckAndResetMonthlyUsage(ctx); err != nil {
		slog.Error("monthly reset persistence failed", "error", err)
	}
	s.settleExpired(ctx)
}

// settleExpired records the charges the pool made for expired leases.
func (s *Service) settleExpired(ctx context.Context) {
	for _, r := range s.pool.TakeExpired() {
		if s.observer != nil {
			s.observer.ObserveReservation("expired")
		}
		s.emit(r.CredentialID, r.ActorID, r.ItemID, "lease expired", metering.SourceLease, r.Cost)
		if err := s.persist(ctx, r.CredentialID); err != nil {
			slog.Error("persisting expired lease charge", "credential_id", r.CredentialID, "reservation_id", r.ID, "error", err)
		}
	}
}

// Available returns the least-used credential without debiting it.
func (s *Service) Available(ctx context.Context) (*Credential, error) {
	s.resetBeforeSelect(ctx)
	c, err := s.pool.Available()
	if errors.Is(err, ErrQuotaExhausted) && s.observer != nil {
		s.observer.ObserveQuotaExhausted()
	}
	return c, err
}

// Reserve selects a credential and takes a provisional debit on it.
func (s *Service) Reserve(ctx context.Context, actorID, itemID string) (*Reservation, error) {
	s.resetBeforeSelect(ctx)
	r, err := s.pool.Reserve(actorID, itemID)
	if err != nil {
		if errors.Is(err, ErrQuotaExhausted) {
			slog.Warn("no credential available", "actor_id", actorID, "item_id", itemID)
			if s.observer != nil {
				s.observer.ObserveQuotaExhausted()
			}
		}
		return nil, err
	}
	if s.observer != nil {
		s.observer.ObserveReservation("reserved")
	}
	return r, nil
}

// Confirm debits a reservation. The debit is applied even if persisting it
// fails; that failure is logged and the next save of the row heals it. A
// lease that expired first was already charged and is not debited again.
func (s *Service) Confirm(ctx context.Context, reservationID, note string) (*Credential, error) {
	c, r, err := s.pool.Confirm(reservationID)
	s.settleExpired(ctx)
	if err != nil {
		s.fault("confirm", reservationID, err)
		return nil, err
	}
	if r.ExpiredAt != nil {
		slog.Warn("lease confirmed after expiry", "reservation_id", r.ID, "credential_id", r.CredentialID, "expired_at", *r.ExpiredAt)
		if s.observer != nil {
			s.observer.ObserveReservation("confirmed_late")
		}
		return c, nil
	}
	if s.observer != nil {
		s.observer.ObserveReservation("confirmed")
	}
	s.emit(r.CredentialID, r.ActorID, r.ItemID, note, metering.SourceLease, r.Cost)
	if err := s.persist(ctx, c.ID); err != nil {
		slog.Error("persisting confirmed usage", "credential_id", c.ID, "error", err)
	}
	return c, nil
}

// Release drops a reservation without debiting. Releasing an expired lease
// keeps its expiry charge.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	r, err := s.pool.Release(reservationID)
	s.settleExpired(ctx)
	if err != nil {
		s.fault("release", reservationID, err)
		return err
	}
	outcome := "released"
	if r.ExpiredAt != nil {
		outcome = "released_late"
		slog.Warn("lease released after expiry, charge kept", "reservation_id", r.ID, "credential_id", r.CredentialID)
	}
	if s.observer != nil {
		s.observer.ObserveReservation(outcome)
	}
	return nil
}

// RecordUsage debits one use directly from a credential. An unknown
// credential is a real fault: external quota was spent without accounting.
func (s *Service) RecordUsage(ctx context.Context, credentialID, actorID, note string) error {
	c, err := s.pool.RecordUsage(credentialID)
	if err != nil {
		s.fault("record", credentialID, err)
		return err
	}
	s.emit(c.ID, actorID, "", note, metering.SourceDirect, s.pool.CostPerUse())
	if err := s.persist(ctx, c.ID); err != nil {
		slog.Error("persisting recorded usage", "credential_id", c.ID, "error", err)
	}
	return nil
}

func (s *Service) fault(op, ref string, err error) {
	slog.Error("credential usage fault", "op", op, "ref", ref, "error", err)
	if s.observer != nil {
		s.observer.ObserveUsageFault()
	}
}

func (s *Service) emit(credentialID, actorID, itemID, note, source string, cost int) {
	if s.usage == nil {
		return
	}
	s.usage.Record(metering.UsageEvent{
		CredentialID: credentialID,
		ActorID:      actorID,
		ItemID:       itemID,
		Note:         note,
		Source:       source,
		Cost:         cost,
		Timestamp:    time.Now().UTC(),
	})
}

// Stats returns the dashboard projection after a reset check.
func (s *Service) Stats(ctx context.Context) []Stat {
	s.resetBeforeSelect(ctx)
	return s.pool.Stats()
}

// Get returns one credential.
func (s *Service) Get(id string) (*Credential, error) {
	return s.pool.Get(id)
}

// Add inserts and persists a new credential. If persistence fails the
// credential is dropped from the pool again.
func (s *Service) Add(ctx context.Context, in CreateInput) (*Credential, error) {
	c, err := s.pool.Add(in)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, c.ID); err != nil {
		s.pool.forget(c.ID)
		return nil, fmt.Errorf("adding credential: %w", err)
	}
	return c, nil
}

// Remove soft-deletes a credential.
func (s *Service) Remove(ctx context.Context, id string) (*Credential, error) {
	c, err := s.pool.Remove(id)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, id); err != nil {
		return c, fmt.Errorf("removing credential: %w", err)
	}
	return c, nil
}

// Update applies a partial update and persists it.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Credential, error) {
	c, err := s.pool.Update(id, in)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, id); err != nil {
		return c, fmt.Errorf("updating credential: %w", err)
	}
	return c, nil
}

// ResetUsage zeroes a credential's usage and persists it.
func (s *Service) ResetUsage(ctx context.Context, id string) (*Credential, error) {
	c, err := s.pool.ResetUsage(id)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, id); err != nil {
		return c, fmt.Errorf("resetting credential: %w", err)
	}
	return c, nil
}
