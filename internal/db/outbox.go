package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chmdznr/edusync/pkg/models"
)

// EnqueueMutation appends m to the outbox, assigning a MutationID and
// CreatedAt when absent. It never blocks on the network.
//
// A mutation for an entity whose latest queued mutation was never attempted is
// folded into that mutation (see coalesce). The returned mutation is the one
// now in the outbox; an empty MutationID means the change cancelled a create
// that never reached the remote authority.
func (db *DB) EnqueueMutation(ctx context.Context, m models.PendingMutation) (*models.PendingMutation, error) {
	var result models.PendingMutation
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = db.enqueue(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// coalesce folds a newer operation into an unsent older one for the same
// entity. drop reports that both cancel out.
func coalesce(older, newer models.Operation) (op models.Operation, drop bool) {
	switch {
	case older == models.OpCreate && newer == models.OpDelete:
		return "", true
	case older == models.OpCreate:
		return models.OpCreate, false
	case older == models.OpDelete && newer != models.OpDelete:
		return models.OpUpdate, false
	}
	return newer, false
}

func (db *DB) enqueue(ctx context.Context, tx *sql.Tx, m models.PendingMutation) (models.PendingMutation, error) {
	if m.EntityType == "" || m.EntityID == "" {
		return m, fmt.Errorf("%w: mutation needs entity type and id", ErrInvalidRecord)
	}
	if !m.Operation.Valid() {
		return m, fmt.Errorf("%w: unknown operation %q", ErrInvalidRecord, m.Operation)
	}
	if m.MutationID == "" {
		m.MutationID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = db.now()
	}

	var (
		seq       int64
		prevID    string
		prevOp    models.Operation
		prevAt    int64
		attempted int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT seq, mutation_id, operation, created_at, attempt_count
		FROM mutations
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq DESC LIMIT 1
	`, m.EntityType, m.EntityID).Scan(&seq, &prevID, &prevOp, &prevAt, &attempted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return m, fmt.Errorf("failed to look up outbox: %w", err)
	case attempted == 0:
		op, drop := coalesce(prevOp, m.Operation)
		if drop {
			if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE seq = ?`, seq); err != nil {
				return m, fmt.Errorf("failed to drop mutation: %w", err)
			}
			db.logger.Debug("create cancelled by delete before push",
				zap.String("mutation_id", prevID),
				zap.String("entity", m.EntityType+"/"+m.EntityID))
			m.MutationID = ""
			return m, nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE mutations SET operation = ?, payload = ?, version = ?
			WHERE seq = ?
		`, op, []byte(m.Payload), m.Version, seq)
		if err != nil {
			return m, fmt.Errorf("failed to coalesce mutation: %w", err)
		}
		db.logger.Debug("coalesced mutation",
			zap.String("mutation_id", prevID),
			zap.String("operation", string(op)),
			zap.Int64("version", m.Version))
		m.MutationID = prevID
		m.Operation = op
		m.CreatedAt = time.Unix(0, prevAt)
		return m, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutations (mutation_id, entity_type, entity_id, operation, payload, version, created_at, attempt_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.MutationID,
		m.EntityType,
		m.EntityID,
		m.Operation,
		[]byte(m.Payload),
		m.Version,
		m.CreatedAt.UnixNano(),
		m.AttemptCount,
		m.LastError,
	)
	if err != nil {
		return m, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return m, nil
}

// ListPendingMutations returns the outbox oldest first.
func (db *DB) ListPendingMutations(ctx context.Context) ([]models.PendingMutation, error) {
	conn, release, err := db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx, `
		SELECT mutation_id, entity_type, entity_id, operation, payload, version, created_at, attempt_count, last_error
		FROM mutations
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var mutations []models.PendingMutation
	for rows.Next() {
		var m models.PendingMutation
		var payload []byte
		var createdAt int64
		err := rows.Scan(&m.MutationID, &m.EntityType, &m.EntityID, &m.Operation, &payload, &m.Version, &createdAt, &m.AttemptCount, &m.LastError)
		if err != nil {
			db.logger.Warn("skipping unreadable mutation", zap.Error(err))
			continue
		}
		m.Payload = payload
		m.CreatedAt = time.Unix(0, createdAt)
		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

// MarkAttempt increments the attempt count of a mutation before it is sent
// and returns the new count. Attempted mutations are never coalesced, so a
// payload the remote authority may already hold is never rewritten.
func (db *DB) MarkAttempt(ctx context.Context, mutationID string) (int, error) {
	var count int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE mutations SET attempt_count = attempt_count + 1 WHERE mutation_id = ?
		`, mutationID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.QueryRowContext(ctx, `
			SELECT attempt_count FROM mutations WHERE mutation_id = ?
		`, mutationID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark attempt of %s: %w", mutationID, err)
	}
	return count, nil
}

// SetMutationError records the last error of a mutation.
func (db *DB) SetMutationError(ctx context.Context, mutationID, message string) error {
	conn, release, err := db.writer()
	if err != nil {
		return err
	}
	defer release()
	_, err = conn.ExecContext(ctx, `UPDATE mutations SET last_error = ? WHERE mutation_id = ?`, message, mutationID)
	return err
}

// RemoveMutation deletes a mutation without touching its record. Removing an
// unknown id is not an error.
func (db *DB) RemoveMutation(ctx context.Context, mutationID string) error {
	conn, release, err := db.writer()
	if err != nil {
		return err
	}
	defer release()
	if _, err := conn.ExecContext(ctx, `DELETE FROM mutations WHERE mutation_id = ?`, mutationID); err != nil {
		return fmt.Errorf("failed to remove mutation %s: %w", mutationID, err)
	}
	return nil
}

// ConfirmMutation removes m from the outbox once the remote authority accepted
// it. The confirmed value becomes the record's base, and the record turns
// clean unless it changed again locally since. Unknown mutations (for example
// after the cache was cleared) are ignored.
func (db *DB) ConfirmMutation(ctx context.Context, m models.PendingMutation) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE mutation_id = ?`, m.MutationID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		var payload []byte
		if m.Operation != models.OpDelete {
			payload = m.Payload
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET dirty = 0
			WHERE entity_type = ? AND id = ? AND version = ?
		`, m.EntityType, m.EntityID, m.Version)
		if err != nil {
			return err
		}
		return setBase(ctx, tx, m.EntityType, m.EntityID, payload, m.Version, m.Operation == models.OpDelete)
	})
	if err != nil {
		return fmt.Errorf("failed to confirm mutation %s: %w", m.MutationID, err)
	}
	return nil
}

// RejectMutation removes m from the outbox after the remote authority refused
// it for good. Once nothing else is queued for the entity, the record goes
// back to its last confirmed value; a rejected create is removed.
func (db *DB) RejectMutation(ctx context.Context, m models.PendingMutation) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE mutation_id = ?`, m.MutationID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return settle(ctx, tx, db.now(), m.EntityType, m.EntityID)
	})
	if err != nil {
		return fmt.Errorf("failed to reject mutation %s: %w", m.MutationID, err)
	}
	return nil
}
