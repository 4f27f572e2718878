package credential

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func secret(i int) string {
	return fmt.Sprintf("%064d", i)
}

func cred(id string, usage, limit int, resetAt time.Time) *Credential {
	return &Credential{
		ID:            id,
		Email:         id + "@example.com",
		Instance:      "instance-" + id,
		Secret:        secret(len(id) + usage),
		MonthlyLimit:  limit,
		CurrentUsage:  usage,
		IsActive:      usage < limit,
		LastResetDate: resetAt,
	}
}

var march = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T, creds ...*Credential) (*Pool, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: march}
	p := NewPool(creds, Options{})
	p.now = clk.Now
	return p, clk
}

func TestAvailable_LeastUsedWins(t *testing.T) {
	p, _ := newTestPool(t,
		cred("a", 100, 1000, march),
		cred("b", 50, 1000, march),
		cred("c", 200, 1000, march),
	)

	c, err := p.Available()
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}

func TestAvailable_TiesKeepInsertionOrder(t *testing.T) {
	p, _ := newTestPool(t,
		cred("a", 40, 1000, march),
		cred("b", 40, 1000, march),
	)

	for i := 0; i < 3; i++ {
		c, err := p.Available()
		require.NoError(t, err)
		assert.Equal(t, "a", c.ID)
	}
}

func TestAvailable_SkipsInactiveRemovedAndFull(t *testing.T) {
	full := cred("full", 1000, 1000, march)
	off := cred("off", 0, 1000, march)
	off.IsActive = false
	gone := cred("gone", 0, 1000, march)
	gone.RemovedAt = &march

	p, _ := newTestPool(t, full, off, gone, cred("ok", 900, 1000, march))

	c, err := p.Available()
	require.NoError(t, err)
	assert.Equal(t, "ok", c.ID)
}

func TestAvailable_AllExhausted(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 1000, 1000, march))

	_, err := p.Available()
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	empty, _ := newTestPool(t)
	_, err = empty.Available()
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestRecordUsage_ExhaustsAtLimit(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 992, 1000, march))

	c, err := p.RecordUsage("a")
	require.NoError(t, err)
	assert.Equal(t, 1000, c.CurrentUsage)
	assert.False(t, c.IsActive)
	require.NotNil(t, c.LastUsedAt)

	_, err = p.Available()
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestRecordUsage_MayOvershootLimit(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 996, 1000, march))

	c, err := p.Available()
	require.NoError(t, err)
	assert.Equal(t, "a", c.ID)

	c, err = p.RecordUsage("a")
	require.NoError(t, err)
	assert.Equal(t, 1004, c.CurrentUsage)
	assert.False(t, c.IsActive)
}

func TestRecordUsage_UnknownCredential(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 0, 1000, march))

	_, err := p.RecordUsage("missing")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestMonthlyReset(t *testing.T) {
	feb := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	p, clk := newTestPool(t,
		cred("old", 1000, 1000, feb),
		cred("new", 64, 1000, march),
	)

	reset := p.CheckAndResetMonthlyUsage()
	require.Len(t, reset, 1)
	assert.Equal(t, "old", reset[0].ID)
	assert.Equal(t, 0, reset[0].CurrentUsage)
	assert.True(t, reset[0].IsActive)
	assert.Equal(t, march, reset[0].LastResetDate)

	assert.Empty(t, p.CheckAndResetMonthlyUsage(), "second reset in the same month must be a no-op")

	clk.Set(time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Len(t, p.CheckAndResetMonthlyUsage(), 2, "year rollover resets everything")
}

func TestMonthlyReset_DecemberToJanuary(t *testing.T) {
	dec := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	p, clk := newTestPool(t, cred("a", 1000, 1000, dec))
	clk.Set(time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC))

	c, err := p.Available()
	require.NoError(t, err)
	assert.Equal(t, "a", c.ID)
	assert.Equal(t, 0, c.CurrentUsage)
}

func TestReserve_ProvisionalDebitSteersSelection(t *testing.T) {
	p, _ := newTestPool(t,
		cred("a", 0, 1000, march),
		cred("b", 4, 1000, march),
	)

	r1, err := p.Reserve("u1", "item-1")
	require.NoError(t, err)
	assert.Equal(t, "a", r1.CredentialID)
	assert.Equal(t, DefaultCostPerUse, r1.Cost)
	assert.Equal(t, secret(1), r1.Secret)

	r2, err := p.Reserve("u1", "item-2")
	require.NoError(t, err)
	assert.Equal(t, "b", r2.CredentialID, "a carries 8 reserved credits, b only 4 used")
}

func TestReserve_ConcurrentCallersCannotOverdraw(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 992, 1000, march))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, exhausted := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Reserve("u", "item")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrQuotaExhausted):
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, exhausted)
}

func TestConfirm_Debits(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 984, 1000, march))

	r, err := p.Reserve("u", "item")
	require.NoError(t, err)

	c, settled, err := p.Confirm(r.ID)
	require.NoError(t, err)
	assert.Equal(t, 992, c.CurrentUsage)
	assert.True(t, c.IsActive)
	assert.Equal(t, "item", settled.ItemID)

	_, _, err = p.Confirm(r.ID)
	assert.ErrorIs(t, err, ErrReservationNotFound, "a reservation settles once")
}

func TestRelease_RestoresAvailability(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 992, 1000, march))

	r, err := p.Reserve("u", "item")
	require.NoError(t, err)

	_, err = p.Reserve("u", "item")
	require.ErrorIs(t, err, ErrQuotaExhausted)

	_, err = p.Release(r.ID)
	require.NoError(t, err)

	c, err := p.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 992, c.CurrentUsage, "release never debits")

	_, err = p.Reserve("u", "item")
	assert.NoError(t, err)

	_, err = p.Release("lease_missing")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestReserve_ExpiredLeaseIsCharged(t *testing.T) {
	p, clk := newTestPool(t, cred("a", 0, 1000, march))

	_, err := p.Reserve("u", "item")
	require.NoError(t, err)

	clk.Advance(DefaultLeaseTTL + time.Second)
	p.Stats()

	c, err := p.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 8, c.CurrentUsage, "the secret was handed out, so expiry charges the lease")

	charged := p.TakeExpired()
	require.Len(t, charged, 1)
	assert.Equal(t, "a", charged[0].CredentialID)
	require.NotNil(t, charged[0].ExpiredAt)
	assert.Empty(t, p.TakeExpired(), "charges are handed out once")

	assert.Zero(t, p.reserved["a"], "the provisional debit is gone")
}

func TestConfirm_AfterExpiryDebitsOnce(t *testing.T) {
	tests := []struct {
		name  string
		touch bool
	}{
		{"pool untouched before confirm", false},
		{"pool touched before confirm", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, clk := newTestPool(t, cred("a", 0, 1000, march))

			r, err := p.Reserve("u", "item")
			require.NoError(t, err)

			clk.Advance(DefaultLeaseTTL + time.Second)
			if tt.touch {
				p.Stats()
			}

			c, rc, err := p.Confirm(r.ID)
			require.NoError(t, err)
			assert.Equal(t, 8, c.CurrentUsage)
			assert.NotNil(t, rc.ExpiredAt)

			_, _, err = p.Confirm(r.ID)
			assert.ErrorIs(t, err, ErrReservationNotFound)

			got, _ := p.Get("a")
			assert.Equal(t, 8, got.CurrentUsage)
		})
	}
}

func TestRelease_AfterExpiryKeepsCharge(t *testing.T) {
	p, clk := newTestPool(t, cred("a", 0, 1000, march))

	r, err := p.Reserve("u", "item")
	require.NoError(t, err)
	clk.Advance(DefaultLeaseTTL)

	rc, err := p.Release(r.ID)
	require.NoError(t, err)
	assert.NotNil(t, rc.ExpiredAt)

	got, _ := p.Get("a")
	assert.Equal(t, 8, got.CurrentUsage)
}

func TestExpiredLease_TombstoneIsDropped(t *testing.T) {
	p, clk := newTestPool(t, cred("a", 0, 1000, march))

	r, err := p.Reserve("u", "item")
	require.NoError(t, err)
	clk.Advance(DefaultLeaseTTL)
	p.Stats()

	clk.Advance(tombstoneRetention)
	p.Stats()

	_, _, err = p.Confirm(r.ID)
	assert.ErrorIs(t, err, ErrReservationNotFound)
	got, _ := p.Get("a")
	assert.Equal(t, 8, got.CurrentUsage)
}

func TestStats(t *testing.T) {
	gone := cred("gone", 0, 1000, march)
	gone.RemovedAt = &march
	p, _ := newTestPool(t, cred("a", 250, 1000, march), gone)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, Stat{
		ID:         "a",
		Instance:   "instance-a",
		Usage:      250,
		Limit:      1000,
		Remaining:  750,
		Percentage: 25,
		IsActive:   true,
	}, stats[0])
}

func TestAdd(t *testing.T) {
	p, _ := newTestPool(t)

	c, err := p.Add(CreateInput{
		Email:        "ops@example.com",
		Instance:     "primary",
		Secret:       secret(7),
		MonthlyLimit: 1000,
	})
	require.NoError(t, err)
	assert.Contains(t, c.ID, "cred_")
	assert.True(t, c.IsActive)
	assert.Equal(t, 0, c.CurrentUsage)
	assert.Equal(t, march, c.LastResetDate)

	_, err = p.Add(CreateInput{
		Email:        "other@example.com",
		Instance:     "dup",
		Secret:       secret(7),
		MonthlyLimit: 1000,
	})
	assert.ErrorIs(t, err, ErrDuplicateSecret)
}

func TestAdd_Validation(t *testing.T) {
	p, _ := newTestPool(t)

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"short secret", CreateInput{Email: "a@b.co", Instance: "x", Secret: "abc", MonthlyLimit: 10}},
		{"bad email", CreateInput{Email: "nope", Instance: "x", Secret: secret(1), MonthlyLimit: 10}},
		{"bad phone", CreateInput{Email: "a@b.co", Phone: "12", Instance: "x", Secret: secret(1), MonthlyLimit: 10}},
		{"zero limit", CreateInput{Email: "a@b.co", Instance: "x", Secret: secret(1)}},
		{"missing instance", CreateInput{Email: "a@b.co", Secret: secret(1), MonthlyLimit: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Add(tt.in)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestUpdate(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 1000, 1000, march))

	yes := true
	c, err := p.Update("a", UpdateInput{IsActive: &yes})
	require.NoError(t, err)
	assert.False(t, c.IsActive, "an exhausted credential cannot be reactivated")

	limit := 2000
	c, err = p.Update("a", UpdateInput{MonthlyLimit: &limit})
	require.NoError(t, err)
	assert.True(t, c.IsActive, "raising the limit above usage reactivates")

	_, err = p.Update("missing", UpdateInput{MonthlyLimit: &limit})
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestRemove(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 0, 1000, march))

	r, err := p.Reserve("u", "item")
	require.NoError(t, err)

	c, err := p.Remove("a")
	require.NoError(t, err)
	assert.True(t, c.Removed())
	assert.False(t, c.IsActive)

	_, err = p.Available()
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	c, _, err = p.Confirm(r.ID)
	require.NoError(t, err, "spent quota is still accounted on a removed credential")
	assert.Equal(t, DefaultCostPerUse, c.CurrentUsage)

	_, err = p.Remove("a")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestResetUsage(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 1000, 1000, march))

	c, err := p.ResetUsage("a")
	require.NoError(t, err)
	assert.Equal(t, 0, c.CurrentUsage)
	assert.True(t, c.IsActive)
}
