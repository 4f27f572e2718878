package credential

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Options configures a Pool. Zero values fall back to the package defaults.
type Options struct {
	CostPerUse   int
	SecretLength int
	LeaseTTL     time.Duration
}

func (o Options) withDefaults() Options {
	if o.CostPerUse <= 0 {
		o.CostPerUse = DefaultCostPerUse
	}
	if o.SecretLength <= 0 {
		o.SecretLength = DefaultSecretLength
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	return o
}

// Pool is the in-memory source of truth for credential quota. Selection and
// debit happen under a single mutex so two concurrent callers can never both
// take the last credits of a credential. Callers only ever see copies.
type Pool struct {
	mu       sync.Mutex
	order    []string // insertion order, used for stable tie-breaking
	byID     map[string]*Credential
	reserved map[string]int // credential ID -> provisional credits
	leases   map[string]*Reservation
	expired  map[string]*Reservation // charged on expiry, kept for late settlement
	charged  []Reservation           // expiry charges not yet taken by the service
	opts     Options
	now      func() time.Time // injectable clock for testing
}

// NewPool builds a pool from previously persisted credentials.
func NewPool(creds []*Credential, opts Options) *Pool {
	p := &Pool{
		byID:     make(map[string]*Credential, len(creds)),
		reserved: make(map[string]int),
		leases:   make(map[string]*Reservation),
		expired:  make(map[string]*Reservation),
		opts:     opts.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, c := range creds {
		cp := *c
		p.order = append(p.order, cp.ID)
		p.byID[cp.ID] = &cp
	}
	return p
}

// CostPerUse returns the number of credits debited per consultation.
func (p *Pool) CostPerUse() int {
	return p.opts.CostPerUse
}

// SecretLength returns the required secret length.
func (p *Pool) SecretLength() int {
	return p.opts.SecretLength
}

// CheckAndResetMonthlyUsage resets every credential whose last reset happened
// in an earlier calendar month than now. It returns the credentials that were
// reset so callers can persist them. Calling it twice in the same month
// resets nothing the second time.
func (p *Pool) CheckAndResetMonthlyUsage() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetLocked(p.now())
}

func (p *Pool) resetLocked(now time.Time) []Credential {
	var out []Credential
	for _, id := range p.order {
		c := p.byID[id]
		if c.Removed() || !earlierMonth(c.LastResetDate, now) {
			continue
		}
		c.CurrentUsage = 0
		c.IsActive = true
		c.LastResetDate = now
		c.UpdatedAt = now
		out = append(out, *c)
	}
	if len(out) > 0 {
		slog.Info("monthly credential usage reset", "count", len(out))
	}
	return out
}

func earlierMonth(last, now time.Time) bool {
	last, now = last.UTC(), now.UTC()
	if last.Year() != now.Year() {
		return last.Year() < now.Year()
	}
	return last.Month() < now.Month()
}

// tombstoneRetention is how long an expired lease can still be settled.
const tombstoneRetention = 24 * time.Hour

// expireLocked charges reservations whose lease has run out. The secret was
// handed out, so the quota is assumed spent. The lease is kept as a
// tombstone so a late Confirm or Release settles without a second debit.
func (p *Pool) expireLocked(now time.Time) int {
	expired := 0
	for id, r := range p.leases {
		if now.Before(r.ExpiresAt) {
			continue
		}
		p.dropLeaseLocked(id, r)
		expired++

		at := now
		r.ExpiredAt = &at
		p.expired[id] = r
		if c, ok := p.byID[r.CredentialID]; ok {
			p.debitLocked(c, r.Cost, now)
			p.charged = append(p.charged, *r)
		}
		slog.Warn("credential reservation expired, charged as used",
			"reservation_id", id, "credential_id", r.CredentialID, "item_id", r.ItemID, "cost", r.Cost)
	}
	for id, r := range p.expired {
		if r.ExpiredAt != nil && now.Sub(*r.ExpiredAt) >= tombstoneRetention {
			delete(p.expired, id)
		}
	}
	return expired
}

// TakeExpired returns the expiry charges made since the last call.
func (p *Pool) TakeExpired() []Reservation {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(p.now())
	out := p.charged
	p.charged = nil
	return out
}

func (p *Pool) dropLeaseLocked(id string, r *Reservation) {
	delete(p.leases, id)
	p.reserved[r.CredentialID] -= r.Cost
	if p.reserved[r.CredentialID] <= 0 {
		delete(p.reserved, r.CredentialID)
	}
}

// candidatesLocked returns selectable credentials ordered by effective usage
// (usage plus outstanding reservations), ties broken by insertion order.
func (p *Pool) candidatesLocked() []*Credential {
	var out []*Credential
	for _, id := range p.order {
		c := p.byID[id]
		if c.Removed() || !c.IsActive || c.CurrentUsage+p.reserved[id] >= c.MonthlyLimit {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CurrentUsage+p.reserved[out[i].ID] < out[j].CurrentUsage+p.reserved[out[j].ID]
	})
	return out
}

// Available returns the least-used active credential with quota left, or
// ErrQuotaExhausted. It does not debit anything.
func (p *Pool) Available() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.resetLocked(now)
	p.expireLocked(now)

	cands := p.candidatesLocked()
	if len(cands) == 0 {
		return nil, ErrQuotaExhausted
	}
	cp := *cands[0]
	return &cp, nil
}

// Reserve selects the least-used credential and takes a provisional debit of
// one use on it in the same critical section. The reservation must be settled
// with Confirm or Release before it expires.
func (p *Pool) Reserve(actorID, itemID string) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.resetLocked(now)
	p.expireLocked(now)

	cands := p.candidatesLocked()
	if len(cands) == 0 {
		return nil, ErrQuotaExhausted
	}
	c := cands[0]
	r := &Reservation{
		ID:           newReservationID(),
		CredentialID: c.ID,
		Secret:       c.Secret,
		Cost:         p.opts.CostPerUse,
		ActorID:      actorID,
		ItemID:       itemID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.opts.LeaseTTL),
	}
	p.leases[r.ID] = r
	p.reserved[c.ID] += r.Cost

	out := *r
	return &out, nil
}

// Confirm turns a reservation into real usage and returns the debited
// credential. A lease that already expired was charged at expiry; confirming
// it returns the credential without debiting again and the returned
// reservation has ExpiredAt set.
func (p *Pool) Confirm(reservationID string) (*Credential, *Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.expireLocked(now)

	if r, ok := p.expired[reservationID]; ok {
		delete(p.expired, reservationID)
		c, ok := p.byID[r.CredentialID]
		if !ok {
			return nil, nil, fmt.Errorf("confirming %s: %w", reservationID, ErrCredentialNotFound)
		}
		cp, rc := *c, *r
		return &cp, &rc, nil
	}

	r, ok := p.leases[reservationID]
	if !ok {
		return nil, nil, fmt.Errorf("confirming %s: %w", reservationID, ErrReservationNotFound)
	}
	p.dropLeaseLocked(reservationID, r)

	c, ok := p.byID[r.CredentialID]
	if !ok {
		return nil, nil, fmt.Errorf("confirming %s: %w", reservationID, ErrCredentialNotFound)
	}
	p.debitLocked(c, r.Cost, now)

	cp, rc := *c, *r
	return &cp, &rc, nil
}

// Release drops a reservation without debiting anything. Releasing an
// expired lease only clears its tombstone: the expiry charge stays, since
// nothing proves the secret went unused. The returned reservation then has
// ExpiredAt set.
func (p *Pool) Release(reservationID string) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked(p.now())

	if r, ok := p.expired[reservationID]; ok {
		delete(p.expired, reservationID)
		rc := *r
		return &rc, nil
	}

	r, ok := p.leases[reservationID]
	if !ok {
		return nil, fmt.Errorf("releasing %s: %w", reservationID, ErrReservationNotFound)
	}
	p.dropLeaseLocked(reservationID, r)
	rc := *r
	return &rc, nil
}

// RecordUsage debits one use from the credential with the given ID. Usage is
// recorded even for removed or inactive credentials since the external quota
// was already spent.
func (p *Pool) RecordUsage(id string) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("recording usage for %s: %w", id, ErrCredentialNotFound)
	}
	p.debitLocked(c, p.opts.CostPerUse, p.now())
	cp := *c
	return &cp, nil
}

func (p *Pool) debitLocked(c *Credential, cost int, now time.Time) {
	c.CurrentUsage += cost
	if c.CurrentUsage >= c.MonthlyLimit {
		if c.IsActive {
			slog.Warn("credential exhausted", "credential_id", c.ID, "instance", c.Instance, "usage", c.CurrentUsage, "limit", c.MonthlyLimit)
		}
		c.IsActive = false
	}
	t := now
	c.LastUsedAt = &t
	c.UpdatedAt = now
}

// Stats returns the dashboard projection of every non-removed credential.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.resetLocked(now)
	p.expireLocked(now)

	out := make([]Stat, 0, len(p.order))
	for _, id := range p.order {
		c := p.byID[id]
		if c.Removed() {
			continue
		}
		var pct float64
		if c.MonthlyLimit > 0 {
			pct = float64(c.CurrentUsage) / float64(c.MonthlyLimit) * 100
		}
		out = append(out, Stat{
			ID:         c.ID,
			Instance:   c.Instance,
			Usage:      c.CurrentUsage,
			Limit:      c.MonthlyLimit,
			Remaining:  c.Remaining(),
			Percentage: pct,
			IsActive:   c.IsActive,
			IsDev:      c.IsDev,
		})
	}
	return out
}

// Get returns a copy of the credential with the given ID, removed or not.
func (p *Pool) Get(id string) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("getting %s: %w", id, ErrCredentialNotFound)
	}
	cp := *c
	return &cp, nil
}

// Add validates and inserts a new credential. The credential starts active
// with zero usage and the current time as its last reset.
func (p *Pool) Add(in CreateInput) (*Credential, error) {
	if err := in.Validate(p.opts.SecretLength); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		c := p.byID[id]
		if !c.Removed() && c.Secret == in.Secret {
			return nil, ErrDuplicateSecret
		}
	}

	now := p.now()
	c := &Credential{
		ID:            newCredentialID(),
		Email:         in.Email,
		Phone:         in.Phone,
		Instance:      in.Instance,
		Secret:        in.Secret,
		MonthlyLimit:  in.MonthlyLimit,
		IsActive:      true,
		IsDev:         in.IsDev,
		LastResetDate: now,
		RenewalDate:   in.RenewalDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.order = append(p.order, c.ID)
	p.byID[c.ID] = c
	cp := *c
	return &cp, nil
}

// forget removes a credential entirely. It is used to roll back an Add whose
// persistence failed.
func (p *Pool) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.byID, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Remove soft-deletes a credential. Outstanding reservations on it can still
// be confirmed.
func (p *Pool) Remove(id string) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok || c.Removed() {
		return nil, fmt.Errorf("removing %s: %w", id, ErrCredentialNotFound)
	}
	now := p.now()
	c.RemovedAt = &now
	c.IsActive = false
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

// Update applies a partial update. A credential at or over its limit stays
// inactive regardless of the requested state.
func (p *Pool) Update(id string, in UpdateInput) (*Credential, error) {
	if err := in.Validate(p.opts.SecretLength); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok || c.Removed() {
		return nil, fmt.Errorf("updating %s: %w", id, ErrCredentialNotFound)
	}
	if in.Secret != nil && *in.Secret != c.Secret {
		for _, oid := range p.order {
			o := p.byID[oid]
			if oid != id && !o.Removed() && o.Secret == *in.Secret {
				return nil, ErrDuplicateSecret
			}
		}
		c.Secret = *in.Secret
	}
	if in.Email != nil {
		c.Email = *in.Email
	}
	if in.Phone != nil {
		c.Phone = *in.Phone
	}
	if in.Instance != nil {
		c.Instance = *in.Instance
	}
	if in.MonthlyLimit != nil {
		c.MonthlyLimit = *in.MonthlyLimit
		if c.CurrentUsage < c.MonthlyLimit && in.IsActive == nil {
			c.IsActive = true
		}
	}
	if in.IsDev != nil {
		c.IsDev = *in.IsDev
	}
	if in.RenewalDate != nil {
		c.RenewalDate = in.RenewalDate
	}
	if in.IsActive != nil {
		c.IsActive = *in.IsActive
	}
	if c.CurrentUsage >= c.MonthlyLimit {
		c.IsActive = false
	}
	c.UpdatedAt = p.now()
	cp := *c
	return &cp, nil
}

// ResetUsage zeroes one credential's usage and reactivates it.
func (p *Pool) ResetUsage(id string) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok || c.Removed() {
		return nil, fmt.Errorf("resetting %s: %w", id, ErrCredentialNotFound)
	}
	now := p.now()
	c.CurrentUsage = 0
	c.IsActive = true
	c.LastResetDate = now
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

// Snapshot returns copies of all credentials, removed ones included.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.byID[id])
	}
	return out
}
