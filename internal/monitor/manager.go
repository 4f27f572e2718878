package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alecgard/pipewatch/internal/credential"
	"github.com/alecgard/pipewatch/internal/history"
	"github.com/alecgard/pipewatch/internal/notify"
	"github.com/alecgard/pipewatch/internal/ratelimit"
	"github.com/alecgard/pipewatch/internal/webhook"
)

// KeySource hands out credentials for scheduled runs.
type KeySource interface {
	Reserve(ctx context.Context, actorID, itemID string) (*credential.Reservation, error)
	Confirm(ctx context.Context, reservationID, note string) (*credential.Credential, error)
	Release(ctx context.Context, reservationID string) error
}

// Invoker calls the analysis webhook.
type Invoker interface {
	Invoke(ctx context.Context, req webhook.Request) (*webhook.Result, error)
}

// MetricsRecorder is an optional interface for scheduler metrics.
type MetricsRecorder interface {
	IncMonitoringRun(status string)
	ObserveMonitoringRun(seconds float64)
	SetArmedTimers(n int)
}

// Config holds the scheduler timings.
type Config struct {
	IntervalFloor  time.Duration
	MinRunGap      time.Duration
	RetryBackoff   time.Duration
	RecoveryJitter time.Duration
	RunTimeout     time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		IntervalFloor:  DefaultIntervalFloor,
		MinRunGap:      60 * time.Second,
		RetryBackoff:   time.Hour,
		RecoveryJitter: 5 * time.Second,
		RunTimeout:     3 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IntervalFloor <= 0 {
		c.IntervalFloor = d.IntervalFloor
	}
	if c.MinRunGap <= 0 {
		c.MinRunGap = d.MinRunGap
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RecoveryJitter < 0 {
		c.RecoveryJitter = 0
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	return c
}

// persistTimeout bounds the bookkeeping writes at the end of a run, which
// use a fresh context so a slow webhook cannot starve them.
const persistTimeout = 10 * time.Second

type timer interface {
	Stop() bool
}

// itemState tracks the in-process side of one schedule.
type itemState struct {
	// mu serializes the check-write-arm tail of a run against Stop and
	// reschedule.
	mu sync.Mutex

	// Guarded by Manager.mu. generation changes on Stop and reschedule;
	// token changes on every arm so only the newest timer may fire.
	timer      timer
	generation uint64
	token      uint64
	running    bool
}

// Manager owns the timers of every active schedule. There is at most one
// pending timer per item.
type Manager struct {
	cfg      Config
	store    Store
	keys     KeySource
	invoker  Invoker
	results  history.Recorder
	notifier notify.Dispatcher
	metrics  MetricsRecorder
	guard    *ratelimit.Guard

	mu     sync.Mutex
	items  map[string]*itemState
	closed bool
	wg     sync.WaitGroup

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
	jitter    func(max time.Duration) time.Duration
}

// NewManager creates a Manager. Call InitializeScheduledMonitorings to arm
// schedules persisted by a previous process.
func NewManager(cfg Config, store Store, keys KeySource, invoker Invoker, results history.Recorder) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		keys:     keys,
		invoker:  invoker,
		results:  results,
		notifier: notify.Noop{},
		items:    make(map[string]*itemState),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		jitter: randomJitter,
	}
	m.guard = ratelimit.NewGuard(m.cfg.MinRunGap, func() time.Time { return m.now() })
	return m
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// SetNotifier sets the dispatcher used after successful runs.
func (m *Manager) SetNotifier(n notify.Dispatcher) {
	if n == nil {
		n = notify.Noop{}
	}
	m.notifier = n
}

// SetMetrics sets the optional metrics recorder.
func (m *Manager) SetMetrics(mr MetricsRecorder) {
	m.metrics = mr
}

// Interval returns the effective interval for hours.
func (m *Manager) Interval(hours float64) time.Duration {
	return IntervalDuration(hours, m.cfg.IntervalFloor)
}

func (m *Manager) state(itemID string) *itemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(itemID)
}

func (m *Manager) stateLocked(itemID string) *itemState {
	st, ok := m.items[itemID]
	if !ok {
		st = &itemState{}
		m.items[itemID] = st
	}
	return st
}

func (m *Manager) generation(itemID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(itemID).generation
}

// invalidate starts a new generation for the item and cancels its timer.
// In-flight runs of the old generation will not write.
func (m *Manager) invalidate(itemID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(itemID)
	st.generation++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	m.reportTimersLocked()
	return st.generation
}

// arm replaces the item's timer, provided gen is still current.
func (m *Manager) arm(itemID string, gen uint64, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.items[itemID]
	if m.closed || st == nil || st.generation != gen {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.token++
	token := st.token
	st.timer = m.afterFunc(delay, func() { m.fire(itemID, gen, token) })
	m.reportTimersLocked()
}

func (m *Manager) reportTimersLocked() {
	if m.metrics == nil {
		return
	}
	n := 0
	for _, st := range m.items {
		if st.timer != nil {
			n++
		}
	}
	m.metrics.SetArmedTimers(n)
}

func (m *Manager) fire(itemID string, gen, token uint64) {
	m.mu.Lock()
	st := m.items[itemID]
	if m.closed || st == nil || st.generation != gen || st.token != token {
		m.mu.Unlock()
		return
	}
	st.timer = nil
	if st.running {
		m.mu.Unlock()
		m.arm(itemID, gen, m.cfg.MinRunGap)
		return
	}
	st.running = true
	m.wg.Add(1)
	m.reportTimersLocked()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		st.running = false
		m.mu.Unlock()
		m.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RunTimeout)
	defer cancel()
	m.executeRun(ctx, itemID, gen)
}

// ScheduleMonitoring validates and persists a new schedule for the item and
// arms its first run one interval from now. Any previous schedule for the
// item is replaced and its timer cancelled.
func (m *Manager) ScheduleMonitoring(ctx context.Context, req ScheduleRequest) (*Schedule, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var payload bytes.Buffer
	if err := json.Compact(&payload, req.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidSchedule, err)
	}
	if m.isClosed() {
		return nil, ErrShutdown
	}

	st := m.state(req.ItemID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	s := &Schedule{
		ItemID:          req.ItemID,
		OwnerID:         req.OwnerID,
		Label:           req.Label,
		NotifyPhone:     req.NotifyPhone,
		IntervalHours:   req.IntervalHours,
		IsActive:        true,
		CreatedAt:       now,
		NextRunAt:       now.Add(m.Interval(req.IntervalHours)),
		OriginalPayload: payload.Bytes(),
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("scheduling %s: %w", req.ItemID, err)
	}

	gen := m.invalidate(req.ItemID)
	m.guard.Forget(req.ItemID)
	m.arm(req.ItemID, gen, s.NextRunAt.Sub(now))

	slog.Info("monitoring scheduled",
		"item_id", s.ItemID,
		"owner_id", s.OwnerID,
		"interval_hours", s.IntervalHours,
		"next_run_at", s.NextRunAt,
	)
	return s.clone(), nil
}

// StopMonitoring deactivates the item's schedule and cancels its timer. A
// run already in flight finishes its webhook call but does not re-arm or
// reactivate the schedule.
func (m *Manager) StopMonitoring(ctx context.Context, itemID string) error {
	st := m.state(itemID)
	st.mu.Lock()
	defer st.mu.Unlock()

	m.invalidate(itemID)
	m.guard.Forget(itemID)

	s, err := m.store.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if !s.IsActive {
		return nil
	}
	s.IsActive = false
	if err := m.store.Save(ctx, s); err != nil {
		return fmt.Errorf("stopping %s: %w", itemID, err)
	}
	slog.Info("monitoring stopped", "item_id", itemID, "owner_id", s.OwnerID, "run_count", s.RunCount)
	return nil
}

// Get returns the stored schedule of an item.
func (m *Manager) Get(ctx context.Context, itemID string) (*Schedule, error) {
	return m.store.Get(ctx, itemID)
}

// ActiveMonitorings lists active schedules of ownerID, or of everyone when
// ownerID is empty.
func (m *Manager) ActiveMonitorings(ctx context.Context, ownerID string) ([]*Schedule, error) {
	return m.store.ListActive(ctx, ownerID)
}

// InitializeScheduledMonitorings arms timers for persisted active schedules.
// Overdue schedules run after a short random jitter so a restart does not
// fire them all at once; the others keep their stored next run time.
func (m *Manager) InitializeScheduledMonitorings(ctx context.Context, ownerID string) (int, error) {
	if m.isClosed() {
		return 0, ErrShutdown
	}
	list, err := m.store.ListActive(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("recovering schedules: %w", err)
	}

	now := m.now()
	overdue := 0
	for _, s := range list {
		delay := s.NextRunAt.Sub(now)
		if delay <= 0 {
			delay = m.jitter(m.cfg.RecoveryJitter)
			overdue++
		}
		m.arm(s.ItemID, m.generation(s.ItemID), delay)
	}

	slog.Info("monitoring schedules recovered", "owner_id", ownerID, "count", len(list), "overdue", overdue)
	return len(list), nil
}

// Shutdown cancels every timer and waits for in-flight runs, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, st := range m.items {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	m.reportTimersLocked()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// executeRun performs one scheduled run of itemID.
func (m *Manager) executeRun(ctx context.Context, itemID string, gen uint64) {
	start := m.now()
	// leaseID is the reservation still outstanding, if any.
	var leaseID string
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitoring run panicked", "item_id", itemID, "panic", r, "stack", string(debug.Stack()))
			if leaseID != "" {
				rctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				if err := m.keys.Release(rctx, leaseID); err != nil {
					slog.Error("releasing credential after panic", "item_id", itemID, "reservation_id", leaseID, "error", err)
				}
				cancel()
			}
			m.recordFailure(itemID, gen, start, fmt.Errorf("panic: %v", r))
		}
	}()

	s, err := m.store.Get(ctx, itemID)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("scheduled item has no schedule", "item_id", itemID)
		return
	}
	if err != nil {
		slog.Error("loading schedule for run", "item_id", itemID, "error", err)
		m.arm(itemID, gen, m.cfg.RetryBackoff)
		return
	}
	if !s.IsActive {
		return
	}

	if !m.guard.Allow(itemID) {
		wait := m.guard.Remaining(itemID)
		if d := s.NextRunAt.Sub(m.now()); d > wait {
			wait = d
		}
		slog.Info("monitoring run skipped, last attempt too recent", "item_id", itemID, "retry_in", wait)
		m.observeRun("skipped", 0)
		m.arm(itemID, gen, wait)
		return
	}

	runNumber := s.RunCount + 1
	lease, err := m.keys.Reserve(ctx, s.OwnerID, itemID)
	if err != nil {
		m.recordFailure(itemID, gen, start, fmt.Errorf("reserving credential: %w", err))
		return
	}
	leaseID = lease.ID

	res, err := m.invoker.Invoke(ctx, webhook.Request{
		Payload: s.OriginalPayload,
		APIKey:  lease.Secret,
		Run: &webhook.RunMetadata{
			ItemID:         s.ItemID,
			OwnerID:        s.OwnerID,
			RunNumber:      runNumber,
			IntervalHours:  s.IntervalHours,
			ScheduledAt:    s.NextRunAt,
			LastRunAt:      s.LastRunAt,
			IsScheduledRun: true,
		},
	})
	if err != nil {
		leaseID = ""
		if rerr := m.keys.Release(ctx, lease.ID); rerr != nil {
			slog.Error("releasing credential after failed run", "item_id", itemID, "reservation_id", lease.ID, "error", rerr)
		}
		m.recordFailure(itemID, gen, start, err)
		return
	}

	leaseID = ""
	if _, err := m.keys.Confirm(ctx, lease.ID, fmt.Sprintf("scheduled run %d", runNumber)); err != nil {
		slog.Error("confirming credential usage", "item_id", itemID, "reservation_id", lease.ID, "credential_id", lease.CredentialID, "error", err)
	}

	rec := history.Record{
		ID:           history.NewID(),
		OwnerID:      s.OwnerID,
		ItemID:       s.ItemID,
		RunNumber:    runNumber,
		CredentialID: lease.CredentialID,
		Shape:        string(res.Shape),
		Result:       res.Object,
		CreatedAt:    m.now(),
	}
	if err := m.results.Save(ctx, rec); err != nil {
		m.recordFailure(itemID, gen, start, fmt.Errorf("saving run result: %w", err))
		return
	}

	if s.NotifyPhone != "" {
		msg := notify.RunCompletedMessage(s.Label, s.ItemID, runNumber)
		if err := m.notifier.Send(ctx, s.NotifyPhone, msg); err != nil {
			slog.Warn("run notification failed", "item_id", itemID, "error", err)
		}
	}

	m.recordSuccess(itemID, gen, start)
}

func (m *Manager) recordSuccess(itemID string, gen uint64, start time.Time) {
	s, ok := m.finish(itemID, gen, func(s *Schedule, now time.Time) {
		attempt := start
		s.LastAttemptAt = &attempt
		s.LastRunAt = &now
		s.NextRunAt = now.Add(m.Interval(s.IntervalHours))
		s.RunCount++
		s.ConsecutiveFailures = 0
		s.LastError = ""
	})
	m.observeRun("success", m.now().Sub(start))
	if ok {
		slog.Info("monitoring run completed", "item_id", itemID, "run_count", s.RunCount, "next_run_at", s.NextRunAt)
	}
}

func (m *Manager) recordFailure(itemID string, gen uint64, start time.Time, cause error) {
	status := "failure"
	if errors.Is(cause, credential.ErrQuotaExhausted) {
		status = "exhausted"
	}
	s, ok := m.finish(itemID, gen, func(s *Schedule, now time.Time) {
		attempt := start
		s.LastAttemptAt = &attempt
		s.NextRunAt = now.Add(m.cfg.RetryBackoff)
		s.ConsecutiveFailures++
		s.LastError = cause.Error()
	})
	m.observeRun(status, m.now().Sub(start))
	if ok {
		slog.Error("monitoring run failed",
			"item_id", itemID,
			"error", cause,
			"consecutive_failures", s.ConsecutiveFailures,
			"next_run_at", s.NextRunAt,
		)
	}
}

// finish applies update to the stored schedule and arms the next run, unless
// the schedule was stopped or replaced while the run was in flight.
func (m *Manager) finish(itemID string, gen uint64, update func(s *Schedule, now time.Time)) (*Schedule, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	st := m.state(itemID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if m.generation(itemID) != gen {
		slog.Info("schedule changed during run, result not applied", "item_id", itemID)
		return nil, false
	}

	s, err := m.store.Get(ctx, itemID)
	if err != nil {
		slog.Error("loading schedule after run", "item_id", itemID, "error", err)
		m.arm(itemID, gen, m.cfg.RetryBackoff)
		return nil, false
	}
	if !s.IsActive {
		return nil, false
	}

	now := m.now()
	update(s, now)
	if err := m.store.Save(ctx, s); err != nil {
		slog.Error("saving schedule after run", "item_id", itemID, "error", err)
		m.arm(itemID, gen, m.cfg.RetryBackoff)
		return nil, false
	}
	m.arm(itemID, gen, s.NextRunAt.Sub(now))
	return s, true
}

func (m *Manager) observeRun(status string, d time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.IncMonitoringRun(status)
	if status != "skipped" {
		m.metrics.ObserveMonitoringRun(d.Seconds())
	}
}
