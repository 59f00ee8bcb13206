package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chmdznr/edusync/pkg/models"
)

type storedRecord struct {
	version int64
	dirty   bool
	deleted bool
}

func lookupRecord(ctx context.Context, q queryer, entityType, id string) (*storedRecord, error) {
	var s storedRecord
	err := q.QueryRowContext(ctx, `
		SELECT version, dirty, deleted FROM records WHERE entity_type = ? AND id = ?
	`, entityType, id).Scan(&s.version, &s.dirty, &s.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// upsertRecord writes rec. A clean record also becomes the base, the value
// restored when a later local change is rejected.
func upsertRecord(ctx context.Context, q queryer, rec models.EntityRecord) error {
	var basePayload []byte
	var baseVersion sql.NullInt64
	if !rec.Dirty {
		basePayload = rec.Payload
		baseVersion = sql.NullInt64{Int64: rec.Version, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, payload, version, updated_at, dirty, deleted, base_payload, base_version, base_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			updated_at = excluded.updated_at,
			dirty = excluded.dirty,
			deleted = excluded.deleted,
			base_payload = CASE WHEN excluded.dirty = 0 THEN excluded.payload ELSE records.base_payload END,
			base_version = CASE WHEN excluded.dirty = 0 THEN excluded.version ELSE records.base_version END,
			base_deleted = CASE WHEN excluded.dirty = 0 THEN excluded.deleted ELSE records.base_deleted END
	`,
		rec.EntityType,
		rec.ID,
		[]byte(rec.Payload),
		rec.Version,
		rec.UpdatedAt.UnixNano(),
		rec.Dirty,
		rec.Deleted,
		basePayload,
		baseVersion,
		!rec.Dirty && rec.Deleted,
	)
	return err
}

// setBase records a confirmed remote value without touching the local one.
// An older base never replaces a newer one.
func setBase(ctx context.Context, q queryer, entityType, id string, payload []byte, version int64, deleted bool) error {
	_, err := q.ExecContext(ctx, `
		UPDATE records SET base_payload = ?, base_version = ?, base_deleted = ?
		WHERE entity_type = ? AND id = ? AND (base_version IS NULL OR base_version <= ?)
	`, payload, version, deleted, entityType, id, version)
	return err
}

// settle brings a dirty record back in line with the outbox after one of its
// mutations left it without being confirmed. With nothing queued for the
// entity any more the record returns to its base, or disappears when the
// remote authority never confirmed it.
func settle(ctx context.Context, tx *sql.Tx, now time.Time, entityType, id string) error {
	stored, err := lookupRecord(ctx, tx, entityType, id)
	if err != nil || stored == nil || !stored.dirty {
		return err
	}

	var queued int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutations WHERE entity_type = ? AND entity_id = ?
	`, entityType, id).Scan(&queued)
	if err != nil || queued > 0 {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET
			payload = base_payload,
			version = base_version,
			deleted = base_deleted,
			dirty = 0,
			updated_at = ?
		WHERE entity_type = ? AND id = ? AND base_version IS NOT NULL
	`, now.UnixNano(), entityType, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id)
	return err
}

// putTx is the last-writer-wins write shared by Put and ApplyRemote.
func putTx(ctx context.Context, tx *sql.Tx, rec models.EntityRecord) (int64, error) {
	stored, err := lookupRecord(ctx, tx, rec.EntityType, rec.ID)
	if err != nil {
		return 0, err
	}
	if stored != nil {
		if rec.Version < stored.version || (stored.dirty && !rec.Dirty && rec.Version == stored.version) {
			if stored.dirty && !rec.Dirty {
				if err := setBase(ctx, tx, rec.EntityType, rec.ID, rec.Payload, rec.Version, rec.Deleted); err != nil {
					return 0, err
				}
			}
			return stored.version, nil
		}
	}
	if err := upsertRecord(ctx, tx, rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func validateRecord(rec models.EntityRecord) error {
	if rec.EntityType == "" || rec.ID == "" {
		return fmt.Errorf("%w: entity type and id are required", ErrInvalidRecord)
	}
	if rec.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidRecord, rec.Version)
	}
	if !rec.Deleted && len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: payload of %s/%s is not valid JSON", ErrInvalidRecord, rec.EntityType, rec.ID)
	}
	return nil
}

// Get returns the record for (entityType, id), or ErrNotFound.
func (db *DB) Get(ctx context.Context, entityType, id string) (*models.EntityRecord, error) {
	conn, release, err := db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rec := models.EntityRecord{EntityType: entityType, ID: id}
	var payload []byte
	var updatedAt int64
	err = conn.QueryRowContext(ctx, `
		SELECT payload, version, updated_at, dirty, deleted
		FROM records WHERE entity_type = ? AND id = ?
	`, entityType, id).Scan(&payload, &rec.Version, &updatedAt, &rec.Dirty, &rec.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", entityType, id, err)
	}
	if rec.Deleted {
		return nil, ErrNotFound
	}
	rec.Payload = payload
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}

// ListRecords returns the live records of an entity type ordered by id.
// An empty entityType lists every type.
func (db *DB) ListRecords(ctx context.Context, entityType string) ([]models.EntityRecord, error) {
	conn, release, err := db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx, `
		SELECT entity_type, id, payload, version, updated_at, dirty
		FROM records
		WHERE deleted = 0 AND (? = '' OR entity_type = ?)
		ORDER BY entity_type, id
	`, entityType, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.EntityRecord
	for rows.Next() {
		var rec models.EntityRecord
		var payload []byte
		var updatedAt int64
		if err := rows.Scan(&rec.EntityType, &rec.ID, &payload, &rec.Version, &updatedAt, &rec.Dirty); err != nil {
			db.logger.Warn("skipping unreadable record", zap.Error(err))
			continue
		}
		rec.Payload = payload
		rec.UpdatedAt = time.Unix(0, updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Put upserts rec if its version is not older than the stored one
// (last-writer-wins per record) and returns the resulting stored version.
// A dirty local record is only replaced by a clean (remote) record with a
// strictly greater version. The read-compare-write runs in one transaction.
func (db *DB) Put(ctx context.Context, rec models.EntityRecord) (int64, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = db.now()
	}

	var result int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = putTx(ctx, tx, rec)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put %s/%s: %w", rec.EntityType, rec.ID, err)
	}
	return result, nil
}

// ApplyRemote stores one page of remote records for owner and advances the
// checkpoint (when not empty) in the same transaction. It returns
// ErrOwnerChanged without writing anything when the cache no longer belongs
// to owner. Invalid records are skipped.
func (db *DB) ApplyRemote(ctx context.Context, owner string, records []models.EntityRecord, checkpoint string) (applied, skipped int, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		current, _, err := getMeta(ctx, tx, metaOwner)
		if err != nil {
			return err
		}
		if owner == "" || current != owner {
			return ErrOwnerChanged
		}

		for _, rec := range records {
			rec.Dirty = false
			if rec.UpdatedAt.IsZero() {
				rec.UpdatedAt = db.now()
			}
			if err := validateRecord(rec); err != nil {
				db.logger.Warn("skipping malformed remote record",
					zap.String("entity", rec.EntityType+"/"+rec.ID),
					zap.Error(err))
				skipped++
				continue
			}
			if _, err := putTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("failed to apply %s/%s: %w", rec.EntityType, rec.ID, err)
			}
			applied++
		}

		if checkpoint != "" {
			return setMeta(ctx, tx, metaCheckpoint, checkpoint)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return applied, skipped, nil
}

// ApplyLocal is the application write path: it applies op to the cached record
// optimistically (bumping its version and marking it dirty) and queues the
// matching mutation, all in one transaction.
func (db *DB) ApplyLocal(ctx context.Context, entityType, id string, op models.Operation, payload json.RawMessage) (*models.EntityRecord, *models.PendingMutation, error) {
	if entityType == "" || id == "" {
		return nil, nil, fmt.Errorf("%w: entity type and id are required", ErrInvalidRecord)
	}
	if !op.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidRecord, op)
	}
	if op != models.OpDelete && !json.Valid(payload) {
		return nil, nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRecord)
	}

	var rec models.EntityRecord
	var mutation models.PendingMutation
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := lookupRecord(ctx, tx, entityType, id)
		if err != nil {
			return err
		}
		live := stored != nil && !stored.deleted
		switch {
		case op == models.OpCreate && live:
			return fmt.Errorf("%s/%s: %w", entityType, id, ErrAlreadyExists)
		case op != models.OpCreate && !live:
			return fmt.Errorf("%s/%s: %w", entityType, id, ErrNotFound)
		}

		var version int64 = 1
		if stored != nil {
			version = stored.version + 1
		}
		now := db.now()
		rec = models.EntityRecord{
			EntityType: entityType,
			ID:         id,
			Version:    version,
			UpdatedAt:  now,
			Dirty:      true,
			Deleted:    op == models.OpDelete,
		}
		if op != models.OpDelete {
			rec.Payload = payload
		}
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}

		mutation, err = db.enqueue(ctx, tx, models.PendingMutation{
			EntityType: entityType,
			EntityID:   id,
			Operation:  op,
			Payload:    rec.Payload,
			Version:    version,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		if mutation.MutationID == "" {
			// the create never left the device
			return settle(ctx, tx, now, entityType, id)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &rec, &mutation, nil
}
