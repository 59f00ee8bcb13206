// Package status derives the user-facing sync status from connectivity
// signals and sync engine transitions.
package status

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmdznr/edusync/pkg/models"
)

// Triggerer starts a sync cycle; the sync engine implements it.
type Triggerer interface {
	Trigger(reason models.Trigger)
}

// Reporter holds the current Status and fans it out to subscribers. It
// implements the sync engine's Observer.
type Reporter struct {
	logger *zap.Logger

	mu        sync.Mutex
	trigger   Triggerer
	online    bool
	reachable bool
	state     models.SyncState
	reason    string
	lastSync  time.Time
	pending   int
	subs      map[int]chan models.Status
	nextID    int
	current   models.Status
}

// NewReporter returns a reporter that starts offline and idle.
func NewReporter(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{
		logger:    logger.Named("status"),
		reachable: true,
		state:     models.StateIdle,
		subs:      make(map[int]chan models.Status),
	}
	r.current = r.derive()
	return r
}

// SetTrigger registers what to wake when connectivity is regained.
func (r *Reporter) SetTrigger(t Triggerer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trigger = t
}

// Coarse maps the engine state and connectivity to the indicator value.
func Coarse(online bool, state models.SyncState) models.Coarse {
	switch {
	case !online:
		return models.CoarseOffline
	case state == models.StateChecking || state == models.StateSyncing:
		return models.CoarseSyncing
	case state == models.StateError:
		return models.CoarseError
	}
	return models.CoarseSynced
}

func (r *Reporter) derive() models.Status {
	online := r.online && r.reachable
	return models.Status{
		State:    r.state,
		Coarse:   Coarse(online, r.state),
		Reason:   r.reason,
		Online:   online,
		LastSync: r.lastSync,
		Pending:  r.pending,
	}
}

// update applies fn under the lock and publishes the result if it changed.
func (r *Reporter) update(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	next := r.derive()
	if next == r.current {
		return
	}
	r.current = next
	r.logger.Debug("status changed",
		zap.String("coarse", string(next.Coarse)),
		zap.String("state", string(next.State)),
		zap.String("reason", next.Reason))
	for _, ch := range r.subs {
		publish(ch, next)
	}
}

// publish replaces any unread status so slow subscribers only see the latest.
func publish(ch chan models.Status, st models.Status) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// SetOnline records the connectivity signal. Going from offline (including
// an authority the engine found unreachable) to online triggers a sync cycle.
func (r *Reporter) SetOnline(online bool) {
	var regained bool
	var trigger Triggerer
	r.update(func() {
		regained = online && !(r.online && r.reachable)
		r.online = online
		if online {
			r.reachable = true
		}
		trigger = r.trigger
	})
	if regained {
		r.logger.Info("connectivity regained")
		if trigger != nil {
			trigger.Trigger(models.TriggerConnectivity)
		}
	} else if !online {
		r.logger.Debug("connectivity lost")
	}
}

// EngineStateChanged implements the sync engine's Observer.
func (r *Reporter) EngineStateChanged(state models.SyncState, reason string) {
	r.update(func() {
		r.state = state
		r.reason = reason
	})
}

// RemoteReachable implements the sync engine's Observer.
func (r *Reporter) RemoteReachable(ok bool) {
	r.update(func() {
		r.reachable = ok
	})
}

// CycleCompleted implements the sync engine's Observer.
func (r *Reporter) CycleCompleted(at time.Time, pending int) {
	r.update(func() {
		r.lastSync = at
		r.pending = pending
	})
}

// SetPending updates the number of queued mutations shown to the user.
func (r *Reporter) SetPending(n int) {
	r.update(func() {
		r.pending = n
	})
}

// Current returns the latest status.
func (r *Reporter) Current() models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Subscribe returns a channel that receives the current status and every
// later change. Call cancel to stop receiving; it closes the channel.
func (r *Reporter) Subscribe() (<-chan models.Status, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	ch := make(chan models.Status, 1)
	ch <- r.current
	r.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}
