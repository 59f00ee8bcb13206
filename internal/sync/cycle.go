package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chmdznr/edusync/internal/db"
	"github.com/chmdznr/edusync/internal/remote"
	"github.com/chmdznr/edusync/pkg/models"
)

// errSessionChanged ends a cycle whose session was replaced or ended.
var errSessionChanged = errors.New("session changed during sync")

func (s *Syncer) cycle(ctx context.Context) CycleResult {
	var result CycleResult

	session := s.auth.Session()
	if session == nil {
		s.setState(models.StateIdle, "")
		result.State = models.StateIdle
		result.NoSession = true
		return result
	}

	s.setState(models.StateChecking, "")
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := s.authority.Probe(pctx)
	cancel()
	if err != nil {
		s.logger.Debug("authority unreachable", zap.Error(err))
		s.reachable(false)
		s.setState(models.StateIdle, "")
		result.State = models.StateIdle
		result.Offline = true
		return result
	}
	s.reachable(true)

	if s.auth.NeedsRefresh() {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		err := s.auth.Refresh(rctx)
		cancel()
		if err != nil {
			if errors.Is(err, remote.ErrUnauthorized) || s.auth.Session() == nil {
				s.logger.Info("session could not be refreshed", zap.Error(err))
				s.setState(models.StateIdle, "")
				result.State = models.StateIdle
				result.NoSession = true
				return result
			}
			return s.fail(ctx, result, fmt.Errorf("refresh session: %w", err), 0)
		}
		if session = s.auth.Session(); session == nil {
			s.setState(models.StateIdle, "")
			result.State = models.StateIdle
			result.NoSession = true
			return result
		}
	}

	s.setState(models.StateSyncing, "")
	token := session.Token

	if err := s.push(ctx, token, &result); err != nil {
		return s.end(ctx, result, token, err)
	}
	if err := s.pull(ctx, token, session.UserID, &result); err != nil {
		return s.end(ctx, result, token, err)
	}

	s.mu.Lock()
	s.failures = 0
	observer := s.observer
	s.mu.Unlock()

	s.setState(models.StateIdle, "")
	result.State = models.StateIdle

	if observer != nil {
		pending, err := s.store.ListPendingMutations(ctx)
		if err != nil {
			s.logger.Warn("failed to count pending mutations", zap.Error(err))
		}
		observer.CycleCompleted(s.now(), len(pending))
	}
	return result
}

// end settles a cycle interrupted by err.
func (s *Syncer) end(ctx context.Context, result CycleResult, token string, err error) CycleResult {
	var attempt *attemptError
	switch {
	case errors.Is(err, errSessionChanged):
		s.logger.Info("session changed, discarding sync results")
		s.setState(models.StateIdle, "")
		result.State = models.StateIdle
		result.Discarded = true
		return result
	case ctx.Err() != nil:
		s.setState(models.StateIdle, "")
		result.State = models.StateIdle
		result.Err = ctx.Err()
		return result
	case errors.Is(err, remote.ErrUnauthorized):
		s.unauthorized(ctx, token)
	case errors.As(err, &attempt):
		return s.fail(ctx, result, attempt.err, attempt.count)
	}
	return s.fail(ctx, result, err, 0)
}

// fail moves the engine to Error with the backoff for attempt (the engine's
// consecutive failure count when zero).
func (s *Syncer) fail(ctx context.Context, result CycleResult, err error, attempt int) CycleResult {
	s.mu.Lock()
	s.failures++
	if attempt <= 0 {
		attempt = s.failures
	}
	s.mu.Unlock()

	result.State = models.StateError
	result.Err = err
	result.Backoff = s.backoff(attempt)

	s.logger.Warn("sync failed",
		zap.Error(err),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", result.Backoff))
	s.setState(models.StateError, err.Error())
	return result
}

// unauthorized handles a rejected token: refresh when possible, otherwise
// destroy the session.
func (s *Syncer) unauthorized(ctx context.Context, token string) {
	if !s.auth.Matches(token) {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()
	if err := s.auth.Refresh(rctx); err != nil {
		s.logger.Warn("token rejected and refresh failed", zap.Error(err))
		if !remote.IsTransient(err) {
			s.auth.Invalidate(ctx, token, "token rejected by authority")
		}
	}
}

// attemptError carries the attempt count of the mutation that failed.
type attemptError struct {
	err   error
	count int
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func validMutation(m models.PendingMutation) error {
	switch {
	case m.MutationID == "":
		return errors.New("missing mutation id")
	case m.EntityType == "" || m.EntityID == "":
		return errors.New("missing entity type or id")
	case !m.Operation.Valid():
		return fmt.Errorf("unknown operation %q", m.Operation)
	}
	return nil
}

// push sends queued mutations oldest first. It stops at the first failure
// that is not a permanent rejection, leaving that mutation and every later one
// queued.
func (s *Syncer) push(ctx context.Context, token string, result *CycleResult) error {
	pending, err := s.store.ListPendingMutations(ctx)
	if err != nil {
		return fmt.Errorf("list pending mutations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	s.logger.Debug("pushing mutations", zap.Int("count", len(pending)))

	for i, m := range pending {
		if !s.auth.Matches(token) {
			return errSessionChanged
		}

		if err := validMutation(m); err != nil {
			s.lost(ctx, m, err.Error())
			result.Rejected++
			s.progress(i+1, len(pending), m)
			continue
		}

		attempt, err := s.store.MarkAttempt(ctx, m.MutationID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				// removed since listing (logout)
				continue
			}
			return fmt.Errorf("mark attempt: %w", err)
		}
		m.AttemptCount = attempt

		pctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		ack, err := s.authority.Push(pctx, token, m)
		cancel()

		if !s.auth.Matches(token) {
			return errSessionChanged
		}

		switch {
		case err == nil:
			if err := s.store.ConfirmMutation(ctx, m); err != nil {
				return err
			}
			result.Pushed++
			if ack.Duplicate {
				result.Duplicates++
			}
			s.logger.Debug("mutation confirmed",
				zap.String("mutation_id", m.MutationID),
				zap.String("entity", m.EntityType+"/"+m.EntityID),
				zap.Bool("duplicate", ack.Duplicate))

		case remote.IsPermanent(err):
			s.lost(ctx, m, err.Error())
			result.Rejected++

		default:
			if serr := s.store.SetMutationError(ctx, m.MutationID, err.Error()); serr != nil {
				s.logger.Warn("failed to record mutation error", zap.Error(serr))
			}
			if errors.Is(err, remote.ErrUnauthorized) || ctx.Err() != nil {
				return err
			}
			return &attemptError{err: fmt.Errorf("push %s/%s: %w", m.EntityType, m.EntityID, err), count: attempt}
		}
		s.progress(i+1, len(pending), m)
	}
	return nil
}

// lost drops m from the outbox, rolls its record back and reports it.
func (s *Syncer) lost(ctx context.Context, m models.PendingMutation, reason string) {
	s.logger.Warn("mutation rejected, local change lost",
		zap.String("mutation_id", m.MutationID),
		zap.String("entity", m.EntityType+"/"+m.EntityID),
		zap.String("operation", string(m.Operation)),
		zap.String("reason", reason))

	if err := s.store.RejectMutation(ctx, m); err != nil {
		s.logger.Error("failed to remove rejected mutation", zap.Error(err))
	}

	s.mu.Lock()
	fn := s.onLost
	s.mu.Unlock()
	if fn != nil {
		fn(models.LostUpdate{Mutation: m, Reason: reason})
	}
}

func (s *Syncer) progress(done, total int, m models.PendingMutation) {
	s.mu.Lock()
	fn := s.onPush
	s.mu.Unlock()
	if fn != nil {
		fn(done, total, m)
	}
}

// pull pages through remote changes after the stored checkpoint and persists
// the new checkpoint once every page is applied. Pages and the checkpoint are
// only stored while the cache still belongs to owner.
func (s *Syncer) pull(ctx context.Context, token, owner string, result *CycleResult) error {
	start, err := s.store.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	checkpoint := start
	for {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		page, err := s.authority.Pull(pctx, token, checkpoint, s.cfg.PullPageSize)
		cancel()

		if !s.auth.Matches(token) {
			return errSessionChanged
		}
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		applied, skipped, err := s.store.ApplyRemote(ctx, owner, page.Records, "")
		if errors.Is(err, db.ErrOwnerChanged) {
			return errSessionChanged
		}
		if err != nil {
			return fmt.Errorf("apply pulled changes: %w", err)
		}
		result.Pulled += applied
		result.Skipped += skipped

		if page.Checkpoint == checkpoint && page.HasMore {
			s.logger.Warn("authority reported more changes without advancing the checkpoint")
			break
		}
		checkpoint = page.Checkpoint
		if !page.HasMore {
			break
		}
	}

	if checkpoint == start {
		return nil
	}
	_, _, err = s.store.ApplyRemote(ctx, owner, nil, checkpoint)
	if errors.Is(err, db.ErrOwnerChanged) {
		return errSessionChanged
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
