package alerts

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// mockBus records published messages.
type mockBus struct {
	mu       sync.Mutex
	err      error
	messages [][]byte
	subjects []string
}

func (m *mockBus) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.subjects = append(m.subjects, subject)
	m.messages = append(m.messages, data)
	return nil
}

func (m *mockBus) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func TestDispatcherPublishes(t *testing.T) {
	bus := &mockBus{}
	d, err := NewDispatcher(&Config{
		Subject:      "remedyd.alerts",
		QueueSize:    8,
		DrainTimeout: time.Second,
	}, bus, zap.NewNop())
	require.NoError(t, err)

	ok := d.Enqueue(Alert{
		Severity: SeverityWarning,
		Title:    "cycle degraded",
		Scope:    "payments",
		CycleID:  "c1",
	})
	assert.True(t, ok)

	require.NoError(t, d.Close())
	require.Equal(t, 1, bus.count())
	assert.Equal(t, "remedyd.alerts", bus.subjects[0])

	var got Alert
	require.NoError(t, json.Unmarshal(bus.messages[0], &got))
	assert.Equal(t, SeverityWarning, got.Severity)
	assert.Equal(t, "cycle degraded", got.Title)
	assert.False(t, got.Time.IsZero(), "enqueue stamps missing times")
}

func TestDispatcherFullQueueDrops(t *testing.T) {
	// Nil bus plus a blocked worker is hard to arrange; instead saturate a
	// tiny queue faster than the worker drains a slow bus.
	slow := &slowBus{delay: 50 * time.Millisecond}
	tl := logging.NewTestLogger()
	d, err := NewDispatcher(&Config{
		Subject:      "remedyd.alerts",
		QueueSize:    1,
		DrainTimeout: time.Second,
	}, slow, tl.Logger)
	require.NoError(t, err)
	defer d.Close()

	dropped := false
	for i := 0; i < 50; i++ {
		if !d.Enqueue(Alert{Severity: SeverityInfo, Title: "noise"}) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped, "a bounded queue must eventually refuse")
	tl.AssertLogged(t, zapcore.WarnLevel, "alert queue full")
}

type slowBus struct {
	delay time.Duration
}

func (s *slowBus) Publish(string, []byte) error {
	time.Sleep(s.delay)
	return nil
}

func TestDispatcherNilBusDegradesToLog(t *testing.T) {
	d, err := NewDispatcher(DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, d.Enqueue(Alert{Severity: SeverityInfo, Title: "hello"}))
	assert.NoError(t, d.Close())
}

func TestDispatcherBusErrorDoesNotCrash(t *testing.T) {
	bus := &mockBus{err: assert.AnError}
	d, err := NewDispatcher(DefaultConfig(), bus, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, d.Enqueue(Alert{Severity: SeverityCritical, Title: "boom"}))
	assert.NoError(t, d.Close())
}

func TestDispatcherEnqueueAfterCloseDrops(t *testing.T) {
	d, err := NewDispatcher(DefaultConfig(), &mockBus{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.NotPanics(t, func() {
		assert.False(t, d.Enqueue(Alert{Severity: SeverityInfo, Title: "late"}))
	})
}

func TestDispatcherCloseWithActiveProducers(t *testing.T) {
	d, err := NewDispatcher(&Config{
		Subject:      "remedyd.alerts",
		QueueSize:    4,
		DrainTimeout: time.Second,
	}, &mockBus{}, zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Enqueue(Alert{Severity: SeverityInfo, Title: "burst"})
			}
		}()
	}

	assert.NotPanics(t, func() { _ = d.Close() })
	wg.Wait()
}

func TestDispatcherCloseIdempotent(t *testing.T) {
	d, err := NewDispatcher(DefaultConfig(), &mockBus{}, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}

func TestDispatcherRejectsBadQueueSize(t *testing.T) {
	_, err := NewDispatcher(&Config{QueueSize: 0}, &mockBus{}, zap.NewNop())
	assert.Error(t, err)
}
