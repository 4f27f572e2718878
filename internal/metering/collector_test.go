package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]UsageEvent
	insertFn func(ctx context.Context, events []UsageEvent) error
}

func (m *mockStore) BatchInsert(ctx context.Context, events []UsageEvent) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, events)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]UsageEvent, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

type recordingObserver struct {
	mu      sync.Mutex
	flushes int
	failed  int
}

func (o *recordingObserver) ObserveFlush(count int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) SetBufferSize(int) {}

func sampleEvent(item string) UsageEvent {
	return UsageEvent{
		CredentialID: "cred_1",
		ActorID:      "user-1",
		ItemID:       item,
		Source:       SourceLease,
		Cost:         8,
		Timestamp:    time.Now(),
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	c.Record(sampleEvent("a"))
	c.Record(sampleEvent("b"))

	c.mu.Lock()
	bufLen := len(c.buffer)
	c.mu.Unlock()

	if bufLen != 2 {
		t.Fatalf("expected buffer length 2, got %d", bufLen)
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_RecordStampsMissingTimestamp(t *testing.T) {
	c := NewCollector(&mockStore{}, 100, time.Hour)
	c.Record(UsageEvent{CredentialID: "cred_1", Cost: 8})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int
	}{
		{"exact batch size triggers flush", 3, 3, 3},
		{"under batch size does not flush", 5, 3, 0},
		{"double batch size triggers two flushes", 2, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(ms, tt.batchSize, time.Hour)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleEvent("item"))
			}

			if got := ms.totalInserted(); got != tt.wantFlush {
				t.Errorf("expected %d flushed events, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	c.Record(sampleEvent("a"))
	c.Record(sampleEvent("b"))
	c.Record(sampleEvent("c"))

	c.Stop()
	c.Stop()
	<-done

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 events after Stop, got %d", got)
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Record(sampleEvent("a"))
	time.Sleep(200 * time.Millisecond)

	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 event after timer flush, got %d", got)
	}
	c.Stop()
}

func TestCollector_FlushErrorIsObserved(t *testing.T) {
	ms := &mockStore{insertFn: func(context.Context, []UsageEvent) error {
		return errors.New("db down")
	}}
	obs := &recordingObserver{}
	c := NewCollector(ms, 1, time.Hour)
	c.SetObserver(obs)

	c.Record(sampleEvent("a"))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.flushes != 1 || obs.failed != 1 {
		t.Fatalf("flushes=%d failed=%d, want 1/1", obs.flushes, obs.failed)
	}
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 10, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleEvent("a"))
		}()
	}
	wg.Wait()

	c.Stop()
	<-done

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 events, got %d", got)
	}
}

func TestBuildWhereClause(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		q         UsageQuery
		wantWhere string
		wantArgs  int
	}{
		{"empty", UsageQuery{}, "", 0},
		{"credential", UsageQuery{CredentialID: "cred_1"}, " WHERE credential_id = $1", 1},
		{
			"credential and from",
			UsageQuery{CredentialID: "cred_1", From: from},
			" WHERE credential_id = $1 AND timestamp >= $2",
			2,
		},
		{
			"item and actor",
			UsageQuery{ActorID: "u1", ItemID: "i1"},
			" WHERE actor_id = $1 AND item_id = $2",
			2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildWhereClause(tt.q)
			if where != tt.wantWhere {
				t.Errorf("where = %q, want %q", where, tt.wantWhere)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("args = %d, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	gotTS, gotID, err := decodeCursor(encodeCursor(ts, "42"))
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "42" {
		t.Fatalf("got %v %q", gotTS, gotID)
	}

	if _, _, err := decodeCursor("not-base64!"); err == nil {
		t.Fatal("expected error for garbage cursor")
	}
}
