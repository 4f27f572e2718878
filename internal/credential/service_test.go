package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/pipewatch/internal/metering"
)

type memPersister struct {
	mu    sync.Mutex
	saved map[string]Credential
	err   error
}

func (m *memPersister) Save(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = make(map[string]Credential)
	}
	m.saved[c.ID] = *c
	return nil
}

func (m *memPersister) get(id string) (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.saved[id]
	return c, ok
}

type memSink struct {
	mu     sync.Mutex
	events []metering.UsageEvent
}

func (s *memSink) Record(ev metering.UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type countingObserver struct {
	mu          sync.Mutex
	exhausted   int
	faults      int
	resets      int
	outcomes    map[string]int
	lastUsageOf map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: map[string]int{}, lastUsageOf: map[string]int{}}
}

func (o *countingObserver) ObserveCredential(id, _ string, usage, _ int, _ bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastUsageOf[id] = usage
}

func (o *countingObserver) ObserveReservation(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) ObserveQuotaExhausted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *countingObserver) ObserveUsageFault() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults++
}

func (o *countingObserver) ObserveMonthlyReset(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets += n
}

func newTestService(t *testing.T, creds ...*Credential) (*Service, *memPersister, *memSink, *countingObserver) {
	t.Helper()
	p, _ := newTestPool(t, creds...)
	store := &memPersister{}
	sink := &memSink{}
	obs := newCountingObserver()
	svc := NewService(p, store)
	svc.SetUsageSink(sink)
	svc.SetObserver(obs)
	return svc, store, sink, obs
}

func TestService_ReserveConfirmPersistsAndEmits(t *testing.T) {
	ctx := context.Background()
	svc, store, sink, obs := newTestService(t, cred("a", 0, 1000, march))

	r, err := svc.Reserve(ctx, "owner-1", "item-1")
	require.NoError(t, err)

	c, err := svc.Confirm(ctx, r.ID, "scheduled run")
	require.NoError(t, err)
	assert.Equal(t, 8, c.CurrentUsage)

	saved, ok := store.get("a")
	require.True(t, ok)
	assert.Equal(t, 8, saved.CurrentUsage)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "a", ev.CredentialID)
	assert.Equal(t, "owner-1", ev.ActorID)
	assert.Equal(t, "item-1", ev.ItemID)
	assert.Equal(t, metering.SourceLease, ev.Source)
	assert.Equal(t, 8, ev.Cost)

	assert.Equal(t, 1, obs.outcomes["reserved"])
	assert.Equal(t, 1, obs.outcomes["confirmed"])
	assert.Equal(t, 8, obs.lastUsageOf["a"])
}

func TestService_ExpiredLeaseChargedOnce(t *testing.T) {
	ctx := context.Background()
	p, clk := newTestPool(t, cred("a", 0, 1000, march))
	store := &memPersister{}
	sink := &memSink{}
	obs := newCountingObserver()
	svc := NewService(p, store)
	svc.SetUsageSink(sink)
	svc.SetObserver(obs)

	r, err := svc.Reserve(ctx, "owner", "item")
	require.NoError(t, err)

	clk.Advance(DefaultLeaseTTL + time.Minute)
	svc.Stats(ctx)

	saved, ok := store.get("a")
	require.True(t, ok)
	assert.Equal(t, 8, saved.CurrentUsage, "expiry charge is persisted")
	require.Len(t, sink.events, 1)
	assert.Equal(t, "lease expired", sink.events[0].Note)

	c, err := svc.Confirm(ctx, r.ID, "late webhook answer")
	require.NoError(t, err)
	assert.Equal(t, 8, c.CurrentUsage)
	assert.Len(t, sink.events, 1, "late confirm does not emit a second debit")
	assert.Equal(t, 1, obs.outcomes["expired"])
	assert.Equal(t, 1, obs.outcomes["confirmed_late"])
	assert.Zero(t, obs.faults)
}

func TestService_ConfirmSurvivesPersistFailure(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t, cred("a", 0, 1000, march))
	store.err = errors.New("db down")

	r, err := svc.Reserve(ctx, "owner", "item")
	require.NoError(t, err)

	c, err := svc.Confirm(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 8, c.CurrentUsage)

	store.err = nil
	require.NoError(t, svc.RecordUsage(ctx, "a", "owner", "manual"))
	saved, _ := store.get("a")
	assert.Equal(t, 16, saved.CurrentUsage, "the next save carries the earlier debit")
}

func TestService_RecordUsageUnknownIsFault(t *testing.T) {
	svc, _, sink, obs := newTestService(t, cred("a", 0, 1000, march))

	err := svc.RecordUsage(context.Background(), "nope", "owner", "")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
	assert.Equal(t, 1, obs.faults)
	assert.Empty(t, sink.events)
}

func TestService_ReserveExhaustedIsObserved(t *testing.T) {
	svc, _, _, obs := newTestService(t, cred("a", 1000, 1000, march))

	_, err := svc.Reserve(context.Background(), "owner", "item")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 1, obs.exhausted)
}

func TestService_AddRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)
	store.err = errors.New("db down")

	_, err := svc.Add(ctx, CreateInput{
		Email:        "a@example.com",
		Instance:     "x",
		Secret:       secret(1),
		MonthlyLimit: 100,
	})
	require.Error(t, err)
	assert.Empty(t, svc.Pool().Snapshot())
}

func TestService_MonthlyResetPersists(t *testing.T) {
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc, store, _, obs := newTestService(t, cred("a", 1000, 1000, feb))

	n, err := svc.CheckAndResetMonthlyUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, obs.resets)

	saved, ok := store.get("a")
	require.True(t, ok)
	assert.Equal(t, 0, saved.CurrentUsage)
	assert.True(t, saved.IsActive)
}

func TestService_MemoryOnly(t *testing.T) {
	p, _ := newTestPool(t, cred("a", 0, 1000, march))
	svc := NewService(p, nil)

	require.NoError(t, svc.RecordUsage(context.Background(), "a", "", ""))
	stats := svc.Stats(context.Background())
	require.Len(t, stats, 1)
	assert.Equal(t, 8, stats[0].Usage)
}

func TestResetJob_RejectsBadSchedule(t *testing.T) {
	p, _ := newTestPool(t)
	_, err := NewResetJob(NewService(p, nil), "not a schedule")
	assert.Error(t, err)
}

func TestResetJob_RunResets(t *testing.T) {
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc, store, _, _ := newTestService(t, cred("a", 1000, 1000, feb))

	job, err := NewResetJob(svc, "")
	require.NoError(t, err)
	job.run()

	saved, ok := store.get("a")
	require.True(t, ok)
	assert.True(t, saved.IsActive)
}
