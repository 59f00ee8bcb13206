package status

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/chmdznr/edusync/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingTrigger struct {
	mu      sync.Mutex
	reasons []models.Trigger
}

func (c *countingTrigger) Trigger(reason models.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons)
}

func TestCoarse(t *testing.T) {
	tests := []struct {
		online bool
		state  models.SyncState
		want   models.Coarse
	}{
		{online: false, state: models.StateIdle, want: models.CoarseOffline},
		{online: false, state: models.StateSyncing, want: models.CoarseOffline},
		{online: false, state: models.StateError, want: models.CoarseOffline},
		{online: true, state: models.StateChecking, want: models.CoarseSyncing},
		{online: true, state: models.StateSyncing, want: models.CoarseSyncing},
		{online: true, state: models.StateError, want: models.CoarseError},
		{online: true, state: models.StateIdle, want: models.CoarseSynced},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Coarse(tt.online, tt.state), "online=%v state=%s", tt.online, tt.state)
	}
}

func TestReporter_FollowsEngine(t *testing.T) {
	r := NewReporter(zaptest.NewLogger(t))
	assert.Equal(t, models.CoarseOffline, r.Current().Coarse)

	r.SetOnline(true)
	assert.Equal(t, models.CoarseSynced, r.Current().Coarse)

	r.EngineStateChanged(models.StateChecking, "")
	assert.Equal(t, models.CoarseSyncing, r.Current().Coarse)

	r.EngineStateChanged(models.StateError, "push p1: remote authority unavailable")
	current := r.Current()
	assert.Equal(t, models.CoarseError, current.Coarse)
	assert.Equal(t, "push p1: remote authority unavailable", current.Reason)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.EngineStateChanged(models.StateIdle, "")
	r.CycleCompleted(at, 2)
	current = r.Current()
	assert.Equal(t, models.CoarseSynced, current.Coarse)
	assert.Equal(t, at, current.LastSync)
	assert.Equal(t, 2, current.Pending)

	r.RemoteReachable(false)
	assert.Equal(t, models.CoarseOffline, r.Current().Coarse)
	assert.False(t, r.Current().Online)
}

func TestReporter_TriggersOnReconnect(t *testing.T) {
	r := NewReporter(zaptest.NewLogger(t))
	trigger := &countingTrigger{}
	r.SetTrigger(trigger)

	r.SetOnline(true)
	r.SetOnline(true)
	assert.Equal(t, 1, trigger.count())

	r.SetOnline(false)
	assert.Equal(t, 1, trigger.count())

	r.SetOnline(true)
	assert.Equal(t, 2, trigger.count())

	// the engine found the authority unreachable; the next good signal retries
	r.RemoteReachable(false)
	r.SetOnline(true)
	assert.Equal(t, 3, trigger.count())
	assert.Equal(t, models.TriggerConnectivity, trigger.reasons[0])
}

func TestReporter_Subscribe(t *testing.T) {
	r := NewReporter(zaptest.NewLogger(t))
	ch, cancel := r.Subscribe()

	first := <-ch
	assert.Equal(t, models.CoarseOffline, first.Coarse)

	r.SetOnline(true)
	r.EngineStateChanged(models.StateSyncing, "")
	// slow subscribers only see the latest status
	latest := <-ch
	assert.Equal(t, models.CoarseSyncing, latest.Coarse)

	// unchanged status is not republished
	r.EngineStateChanged(models.StateSyncing, "")
	select {
	case st := <-ch:
		t.Fatalf("unexpected status %+v", st)
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel is safe
	r.EngineStateChanged(models.StateIdle, "")
}

func TestWatcher(t *testing.T) {
	var healthy atomic.Bool
	probes := make(chan struct{}, 16)
	probe := func(ctx context.Context) error {
		select {
		case probes <- struct{}{}:
		default:
		}
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}

	r := NewReporter(zaptest.NewLogger(t))
	trigger := &countingTrigger{}
	r.SetTrigger(trigger)
	w := NewWatcher(probe, r, 10*time.Millisecond, 5*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	<-probes
	healthy.Store(true)
	require.Eventually(t, func() bool { return r.Current().Online && trigger.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	healthy.Store(false)
	require.Eventually(t, func() bool { return !r.Current().Online }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
