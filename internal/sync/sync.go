// Package sync reconciles the local store with the remote authority: it pushes
// queued mutations in order, pulls remote changes past the checkpoint and
// retries with exponential backoff while the authority is unreachable.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chmdznr/edusync/internal/remote"
	"github.com/chmdznr/edusync/pkg/models"
)

// ErrCycleInProgress is returned by RunCycle while another cycle runs.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Store is the part of the local store the engine works through.
type Store interface {
	ListPendingMutations(ctx context.Context) ([]models.PendingMutation, error)
	MarkAttempt(ctx context.Context, mutationID string) (int, error)
	SetMutationError(ctx context.Context, mutationID, message string) error
	ConfirmMutation(ctx context.Context, m models.PendingMutation) error
	RejectMutation(ctx context.Context, m models.PendingMutation) error
	Checkpoint(ctx context.Context) (string, error)
	ApplyRemote(ctx context.Context, owner string, records []models.EntityRecord, checkpoint string) (applied, skipped int, err error)
}

// Session is the part of the auth manager the engine needs.
type Session interface {
	Session() *models.Session
	NeedsRefresh() bool
	Refresh(ctx context.Context) error
	Invalidate(ctx context.Context, token, reason string)
	Matches(token string) bool
}

// Observer receives engine transitions. Calls are made from the engine
// goroutine and must not block.
type Observer interface {
	EngineStateChanged(state models.SyncState, reason string)
	RemoteReachable(reachable bool)
	CycleCompleted(at time.Time, pending int)
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	Interval      time.Duration
	RemoteTimeout time.Duration
	ProbeTimeout  time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PullPageSize  int
}

// DefaultSyncerConfig returns default syncer configuration
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		Interval:      5 * time.Minute,
		RemoteTimeout: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		BackoffBase:   time.Second,
		BackoffMax:    60 * time.Second,
		PullPageSize:  200,
	}
}

// CycleResult summarizes one sync cycle.
type CycleResult struct {
	State      models.SyncState
	Pushed     int
	Duplicates int
	Rejected   int
	Pulled     int
	Skipped    int

	NoSession bool // nobody logged in
	Offline   bool // authority unreachable
	Discarded bool // session changed mid-cycle

	Err     error
	Backoff time.Duration // delay before the next attempt when Err is set
}

// Syncer is the sync engine. One cycle runs at a time.
type Syncer struct {
	store     Store
	auth      Session
	authority remote.Authority
	cfg       SyncerConfig
	logger    *zap.Logger
	now       func() time.Time

	triggers chan models.Trigger
	running  atomic.Bool

	mu       sync.Mutex
	state    models.SyncState
	reason   string
	failures int
	observer Observer
	onLost   func(models.LostUpdate)
	onPush   func(done, total int, m models.PendingMutation)
}

// NewSyncer creates a new syncer instance
func NewSyncer(store Store, auth Session, authority remote.Authority, cfg SyncerConfig, logger *zap.Logger) *Syncer {
	def := DefaultSyncerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.PullPageSize <= 0 {
		cfg.PullPageSize = def.PullPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		store:     store,
		auth:      auth,
		authority: authority,
		cfg:       cfg,
		logger:    logger.Named("sync"),
		now:       time.Now,
		triggers:  make(chan models.Trigger, 1),
		state:     models.StateIdle,
	}
}

// SetObserver registers the status observer.
func (s *Syncer) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// OnLostUpdate registers a callback for permanently rejected mutations.
func (s *Syncer) OnLostUpdate(fn func(models.LostUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = fn
}

// OnPush registers a progress callback invoked after each mutation of the push
// phase is settled.
func (s *Syncer) OnPush(fn func(done, total int, m models.PendingMutation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPush = fn
}

// State returns the current engine state and reason.
func (s *Syncer) State() (models.SyncState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

func (s *Syncer) setState(state models.SyncState, reason string) {
	s.mu.Lock()
	if s.state == state && s.reason == reason {
		s.mu.Unlock()
		return
	}
	s.state, s.reason = state, reason
	observer := s.observer
	s.mu.Unlock()

	s.logger.Debug("state changed", zap.String("state", string(state)), zap.String("reason", reason))
	if observer != nil {
		observer.EngineStateChanged(state, reason)
	}
}

func (s *Syncer) reachable(ok bool) {
	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer.RemoteReachable(ok)
	}
}

// Trigger asks the engine to start a cycle. It never blocks; a trigger that
// arrives while the engine is busy or backing off is dropped.
func (s *Syncer) Trigger(reason models.Trigger) {
	if state, _ := s.State(); state != models.StateIdle || s.running.Load() {
		s.logger.Debug("trigger dropped", zap.String("trigger", string(reason)), zap.String("state", string(state)))
		return
	}
	select {
	case s.triggers <- reason:
	default:
	}
}

func (s *Syncer) drain() {
	for {
		select {
		case <-s.triggers:
		default:
			return
		}
	}
}

// backoff returns the delay after the attempt-th consecutive failure:
// base * 2^(attempt-1), capped at max.
func (s *Syncer) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if d > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return d
}

// Run is the engine loop. It starts a cycle on every trigger and every
// Interval, and after a failed cycle waits out the backoff before retrying.
// It returns when ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sync engine started", zap.Duration("interval", s.cfg.Interval))
	defer s.logger.Info("sync engine stopped")

	for {
		var trigger models.Trigger
		select {
		case <-ctx.Done():
			return nil
		case trigger = <-s.triggers:
		case <-ticker.C:
			trigger = models.TriggerTimer
		}

		s.logger.Debug("cycle triggered", zap.String("trigger", string(trigger)))
		result := s.RunCycle(ctx)
		if errors.Is(result.Err, ErrCycleInProgress) {
			continue
		}

		if result.State == models.StateError {
			timer := time.NewTimer(result.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			s.setState(models.StateIdle, "")
			s.drain()
			select {
			case <-ticker.C:
			default:
			}
			select {
			case s.triggers <- models.TriggerRetry:
			default:
			}
			continue
		}
		s.drain()
	}
}

// RunCycle runs one synchronous cycle.
func (s *Syncer) RunCycle(ctx context.Context) CycleResult {
	if !s.running.CompareAndSwap(false, true) {
		state, _ := s.State()
		return CycleResult{State: state, Err: ErrCycleInProgress}
	}
	defer s.running.Store(false)

	start := s.now()
	result := s.cycle(ctx)
	s.logger.Debug("cycle finished",
		zap.String("state", string(result.State)),
		zap.Int("pushed", result.Pushed),
		zap.Int("pulled", result.Pulled),
		zap.Int("rejected", result.Rejected),
		zap.Duration("elapsed", s.now().Sub(start)),
		zap.Error(result.Err))
	return result
}
