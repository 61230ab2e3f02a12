package timersync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/realtime"
)

// --- モック ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type mockTimerStateRepo struct {
	mu           sync.Mutex
	findFunc     func(ctx context.Context, userID string) (*model.TimerRow, error)
	upsertFunc   func(ctx context.Context, userID string, state model.TimerState) error
	upserts      []model.TimerState
	upsertCalls  int
	findRequests int
}

func (m *mockTimerStateRepo) FindByUserID(ctx context.Context, userID string) (*model.TimerRow, error) {
	m.mu.Lock()
	m.findRequests++
	f := m.findFunc
	m.mu.Unlock()
	if f != nil {
		return f(ctx, userID)
	}
	return nil, nil
}

func (m *mockTimerStateRepo) Upsert(ctx context.Context, userID string, state model.TimerState) error {
	m.mu.Lock()
	m.upsertCalls++
	f := m.upsertFunc
	m.mu.Unlock()
	if f != nil {
		if err := f(ctx, userID, state); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.upserts = append(m.upserts, state.Clone())
	m.mu.Unlock()
	return nil
}

func (m *mockTimerStateRepo) written() []model.TimerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TimerState(nil), m.upserts...)
}

type mockFastRecordRepo struct {
	mu         sync.Mutex
	latest     *model.FastRecord
	createFunc func(ctx context.Context, record *model.FastRecord) (bool, error)
	updateFunc func(ctx context.Context, userID string, start, end time.Time, durationUnits float64) error
	created    []model.FastRecord
	updated    int
}

func (m *mockFastRecordRepo) CreateIfAbsent(ctx context.Context, record *model.FastRecord) (bool, error) {
	if m.createFunc != nil {
		ok, err := m.createFunc(ctx, record)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == "" {
		record.ID = "rec-1"
	}
	m.created = append(m.created, *record)
	return true, nil
}

func (m *mockFastRecordRepo) FindLatestByUserID(ctx context.Context, userID string) (*model.FastRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil, nil
	}
	r := *m.latest
	return &r, nil
}

func (m *mockFastRecordRepo) UpdateEndTime(ctx context.Context, userID string, start, end time.Time, durationUnits float64) error {
	m.mu.Lock()
	m.updated++
	m.mu.Unlock()
	if m.updateFunc != nil {
		return m.updateFunc(ctx, userID, start, end, durationUnits)
	}
	return nil
}

func (m *mockFastRecordRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.FastRecord, error) {
	return nil, nil
}

func (m *mockFastRecordRepo) createdRecords() []model.FastRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.FastRecord(nil), m.created...)
}

type mockLocalStore struct {
	mu      sync.Mutex
	state   model.TimerState
	found   bool
	saveErr error
	saved   []model.TimerState
}

func (m *mockLocalStore) Load(ctx context.Context) (model.TimerState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.found, nil
}

func (m *mockLocalStore) Save(ctx context.Context, s model.TimerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, s.Clone())
	return nil
}

type mockMetrics struct {
	writeOK    atomic.Int64
	writeFail  atomic.Int64
	retries    atomic.Int64
	ghosts     atomic.Int64
	refetches  atomic.Int64
	goals      atomic.Int64
	pushes     atomic.Int64
	reconnects atomic.Int64
}

func (m *mockMetrics) RecordSyncWrite(success bool) {
	if success {
		m.writeOK.Add(1)
		return
	}
	m.writeFail.Add(1)
}
func (m *mockMetrics) RecordSyncRetry() { m.retries.Add(1) }
func (m *mockMetrics) RecordSyncLatency(time.Duration) {}
func (m *mockMetrics) RecordPushReceived() { m.pushes.Add(1) }
func (m *mockMetrics) RecordGhostDiscarded() { m.ghosts.Add(1) }
func (m *mockMetrics) RecordRefetch(string) { m.refetches.Add(1) }
func (m *mockMetrics) RecordGoalReached() { m.goals.Add(1) }
func (m *mockMetrics) RecordListenerReconnect() { m.reconnects.Add(1) }

type mockSubscriber struct {
	mu           sync.Mutex
	channels     map[string]chan realtime.Push
	subscribes   int
	unsubscribes int
}

func (m *mockSubscriber) Subscribe(userID string) (<-chan realtime.Push, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels == nil {
		m.channels = make(map[string]chan realtime.Push)
	}
	ch := make(chan realtime.Push, 4)
	m.channels[userID] = ch
	m.subscribes++
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubscribes++
	}
}

// recordingSleep は待機せずに遅延を記録する。
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func()
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func (s *recordingSleep) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
