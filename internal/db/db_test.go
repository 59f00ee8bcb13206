package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chmdznr/edusync/pkg/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "edusync.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func record(entityType, id string, version int64, payload string) models.EntityRecord {
	return models.EntityRecord{
		EntityType: entityType,
		ID:         id,
		Payload:    json.RawMessage(payload),
		Version:    version,
		UpdatedAt:  time.Unix(1700000000, 0),
	}
}

func TestInit_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, record("lesson", "L1", 1, `{"title":"Fractions"}`))
	require.NoError(t, err)

	require.NoError(t, db.Init())
	require.NoError(t, db.Init())

	got, err := db.Get(ctx, "lesson", "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestInit_StorageUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	db := New(filepath.Join(blocker, "edusync.db"), nil)
	err := db.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = db.Get(context.Background(), "lesson", "L1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestDB_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edusync.db")
	ctx := context.Background()

	db, err := Open(path, nil)
	require.NoError(t, err)
	_, _, err = db.ApplyLocal(ctx, "progress", "P1", models.OpCreate, json.RawMessage(`{"score":3}`))
	require.NoError(t, err)
	require.NoError(t, db.SetCheckpoint(ctx, "changes/00000000000000000007.json"))
	require.NoError(t, db.Close())

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, "progress", "P1")
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.JSONEq(t, `{"score":3}`, string(got.Payload))

	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpCreate, pending[0].Operation)

	cp, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "changes/00000000000000000007.json", cp)
}

func TestGet_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.Get(context.Background(), "quiz", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	rec := record("quiz", "Q1", 4, `{"questions":3}`)

	v1, err := db.Put(ctx, rec)
	require.NoError(t, err)
	first, err := db.Get(ctx, "quiz", "Q1")
	require.NoError(t, err)

	v2, err := db.Put(ctx, rec)
	require.NoError(t, err)
	second, err := db.Get(ctx, "quiz", "Q1")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, first, second)
}

func TestPut_VersionMonotone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		version     int64
		payload     string
		wantVersion int64
		wantPayload string
	}{
		{name: "initial", version: 5, payload: `{"v":5}`, wantVersion: 5, wantPayload: `{"v":5}`},
		{name: "older rejected", version: 3, payload: `{"v":3}`, wantVersion: 5, wantPayload: `{"v":5}`},
		{name: "equal accepted", version: 5, payload: `{"v":"5b"}`, wantVersion: 5, wantPayload: `{"v":"5b"}`},
		{name: "newer accepted", version: 9, payload: `{"v":9}`, wantVersion: 9, wantPayload: `{"v":9}`},
		{name: "zero rejected", version: 0, payload: `{"v":0}`, wantVersion: 9, wantPayload: `{"v":9}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Put(ctx, record("lesson", "L1", tt.version, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got)

			stored, err := db.Get(ctx, "lesson", "L1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, stored.Version)
			assert.JSONEq(t, tt.wantPayload, string(stored.Payload))
		})
	}
}

func TestPut_DirtyNeedsStrictlyGreater(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, record("progress", "P1", 2, `{"score":1}`))
	require.NoError(t, err)
	_, _, err = db.ApplyLocal(ctx, "progress", "P1", models.OpUpdate, json.RawMessage(`{"score":7}`))
	require.NoError(t, err)

	// remote value at the same version does not replace the local edit
	v, err := db.Put(ctx, record("progress", "P1", 3, `{"score":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	got, err := db.Get(ctx, "progress", "P1")
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.JSONEq(t, `{"score":7}`, string(got.Payload))

	// a strictly newer remote value wins even though the record is dirty
	v, err = db.Put(ctx, record("progress", "P1", 4, `{"score":9}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	got, err = db.Get(ctx, "progress", "P1")
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.JSONEq(t, `{"score":9}`, string(got.Payload))
}

func TestPut_Invalid(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  models.EntityRecord
	}{
		{name: "missing type", rec: record("", "X", 1, `{}`)},
		{name: "missing id", rec: record("lesson", "", 1, `{}`)},
		{name: "negative version", rec: record("lesson", "X", -1, `{}`)},
		{name: "bad payload", rec: record("lesson", "X", 1, `{"broken"`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Put(ctx, tt.rec)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestApplyLocal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec, m, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{"title":"Soil"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.True(t, rec.Dirty)
	assert.NotEmpty(t, m.MutationID)
	assert.Equal(t, int64(1), m.Version)

	_, _, err = db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, _, err = db.ApplyLocal(ctx, "lesson", "nope", models.OpUpdate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`not json`))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, _, err = db.ApplyLocal(ctx, "lesson", "L1", models.Operation("upsert"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestApplyLocal_DeleteTombstones(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, record("announcement", "A1", 3, `{"text":"exam"}`))
	require.NoError(t, err)

	rec, m, err := db.ApplyLocal(ctx, "announcement", "A1", models.OpDelete, nil)
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.Equal(t, int64(4), m.Version)

	_, err = db.Get(ctx, "announcement", "A1")
	assert.ErrorIs(t, err, ErrNotFound)

	// an older remote value cannot resurrect the deleted record
	_, err = db.Put(ctx, record("announcement", "A1", 3, `{"text":"exam"}`))
	require.NoError(t, err)
	_, err = db.Get(ctx, "announcement", "A1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueue_CoalescesUnsentEdits(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, record("progress", "E1", 1, `{"step":0}`))
	require.NoError(t, err)

	_, first, err := db.ApplyLocal(ctx, "progress", "E1", models.OpUpdate, json.RawMessage(`{"step":1}`))
	require.NoError(t, err)
	_, second, err := db.ApplyLocal(ctx, "progress", "E1", models.OpUpdate, json.RawMessage(`{"step":2}`))
	require.NoError(t, err)

	assert.Equal(t, first.MutationID, second.MutationID)

	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpUpdate, pending[0].Operation)
	assert.Equal(t, int64(3), pending[0].Version)
	assert.JSONEq(t, `{"step":2}`, string(pending[0].Payload))
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		older, newer models.Operation
		want         models.Operation
		drop         bool
	}{
		{models.OpCreate, models.OpUpdate, models.OpCreate, false},
		{models.OpCreate, models.OpDelete, "", true},
		{models.OpUpdate, models.OpUpdate, models.OpUpdate, false},
		{models.OpUpdate, models.OpDelete, models.OpDelete, false},
		{models.OpDelete, models.OpCreate, models.OpUpdate, false},
		{models.OpDelete, models.OpDelete, models.OpDelete, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.older)+"+"+string(tt.newer), func(t *testing.T) {
			got, drop := coalesce(tt.older, tt.newer)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.drop, drop)
		})
	}
}

func TestEnqueue_CreateThenDeleteCancels(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, _, err := db.ApplyLocal(ctx, "quiz", "draft", models.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, m, err := db.ApplyLocal(ctx, "quiz", "draft", models.OpDelete, nil)
	require.NoError(t, err)
	assert.Empty(t, m.MutationID)

	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = db.Get(ctx, "quiz", "draft")
	assert.ErrorIs(t, err, ErrNotFound)
	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.DirtyRecords)
}

func TestEnqueue_AttemptedMutationIsNotRewritten(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, first, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{"rev":1}`))
	require.NoError(t, err)
	n, err := db.MarkAttempt(ctx, first.MutationID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, second, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{"rev":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, first.MutationID, second.MutationID)

	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.JSONEq(t, `{"rev":1}`, string(pending[0].Payload))
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.JSONEq(t, `{"rev":2}`, string(pending[1].Payload))
}

func TestEnqueueMutation_AssignsIDAndKeepsOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		m, err := db.EnqueueMutation(ctx, models.PendingMutation{
			EntityType: "progress",
			EntityID:   id,
			Operation:  models.OpCreate,
			Payload:    json.RawMessage(`{}`),
			Version:    1,
		})
		require.NoError(t, err)
		require.NotEmpty(t, m.MutationID)
		assert.False(t, m.CreatedAt.IsZero())
		ids = append(ids, m.MutationID)
	}

	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, m := range pending {
		assert.Equal(t, ids[i], m.MutationID)
	}

	kept, err := db.EnqueueMutation(ctx, models.PendingMutation{
		MutationID: "fixed-id",
		EntityType: "progress",
		EntityID:   "d",
		Operation:  models.OpCreate,
		Version:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", kept.MutationID)

	_, err = db.EnqueueMutation(ctx, models.PendingMutation{EntityType: "progress", EntityID: "e", Operation: "merge"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestEnqueue_ConcurrentWritesKeepEntityOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	entities := []string{"e1", "e2", "e3", "e4"}
	for _, id := range entities {
		_, err := db.Put(ctx, record("progress", id, 1, `{}`))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, id := range entities {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, m, err := db.ApplyLocal(ctx, "progress", id, models.OpUpdate, json.RawMessage(`{}`))
				if assert.NoError(t, err) {
					// pretend a push is in flight so nothing coalesces
					_, err = db.MarkAttempt(ctx, m.MutationID)
					assert.NoError(t, err)
				}
			}
		}(id)
	}
	wg.Wait()

	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 40)

	last := map[string]int64{}
	for _, m := range pending {
		assert.Greater(t, m.Version, last[m.EntityID], "entity %s out of order", m.EntityID)
		last[m.EntityID] = m.Version
	}
}

func TestMutationBookkeeping(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, m, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = db.MarkAttempt(ctx, m.MutationID)
	require.NoError(t, err)
	n, err := db.MarkAttempt(ctx, m.MutationID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, db.SetMutationError(ctx, m.MutationID, "timeout"))

	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].AttemptCount)
	assert.Equal(t, "timeout", pending[0].LastError)

	_, err = db.MarkAttempt(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.RemoveMutation(ctx, m.MutationID))
	require.NoError(t, db.RemoveMutation(ctx, m.MutationID))
	pending, err = db.ListPendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConfirmAndRejectMutation(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, ctx context.Context, db *DB)
		want *models.EntityRecord // nil means the record is gone
	}{
		{
			name: "confirm leaves a newer local edit dirty",
			run: func(t *testing.T, ctx context.Context, db *DB) {
				_, m1, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
				require.NoError(t, err)
				_, err = db.MarkAttempt(ctx, m1.MutationID)
				require.NoError(t, err)
				_, m2, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{"x":1}`))
				require.NoError(t, err)

				require.NoError(t, db.ConfirmMutation(ctx, *m1))
				got, err := db.Get(ctx, "lesson", "L1")
				require.NoError(t, err)
				assert.True(t, got.Dirty)

				require.NoError(t, db.ConfirmMutation(ctx, *m2))
			},
			want: &models.EntityRecord{Version: 2, Payload: json.RawMessage(`{"x":1}`)},
		},
		{
			name: "rejected edit returns to the confirmed value",
			run: func(t *testing.T, ctx context.Context, db *DB) {
				_, m1, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{"v":1}`))
				require.NoError(t, err)
				require.NoError(t, db.ConfirmMutation(ctx, *m1))
				_, m2, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{"v":2}`))
				require.NoError(t, err)
				require.NoError(t, db.RejectMutation(ctx, *m2))
			},
			want: &models.EntityRecord{Version: 1, Payload: json.RawMessage(`{"v":1}`)},
		},
		{
			name: "rejected delete brings the record back",
			run: func(t *testing.T, ctx context.Context, db *DB) {
				_, err := db.Put(ctx, record("lesson", "L1", 3, `{"v":3}`))
				require.NoError(t, err)
				_, m, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpDelete, nil)
				require.NoError(t, err)
				require.NoError(t, db.RejectMutation(ctx, *m))
			},
			want: &models.EntityRecord{Version: 3, Payload: json.RawMessage(`{"v":3}`)},
		},
		{
			name: "rejected create is removed",
			run: func(t *testing.T, ctx context.Context, db *DB) {
				_, m, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
				require.NoError(t, err)
				_, err = db.MarkAttempt(ctx, m.MutationID)
				require.NoError(t, err)
				require.NoError(t, db.RejectMutation(ctx, *m))
			},
		},
		{
			name: "remote value seen while dirty is restored",
			run: func(t *testing.T, ctx context.Context, db *DB) {
				_, err := db.Put(ctx, record("lesson", "L1", 1, `{"v":1}`))
				require.NoError(t, err)
				_, m, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{"mine":true}`))
				require.NoError(t, err)
				// same version from the authority does not replace the local edit
				_, err = db.Put(ctx, record("lesson", "L1", 2, `{"remote":true}`))
				require.NoError(t, err)
				got, err := db.Get(ctx, "lesson", "L1")
				require.NoError(t, err)
				assert.JSONEq(t, `{"mine":true}`, string(got.Payload))

				require.NoError(t, db.RejectMutation(ctx, *m))
			},
			want: &models.EntityRecord{Version: 2, Payload: json.RawMessage(`{"remote":true}`)},
		},
		{
			name: "rejecting with a later edit queued keeps the later edit",
			run: func(t *testing.T, ctx context.Context, db *DB) {
				_, err := db.Put(ctx, record("lesson", "L1", 1, `{"v":1}`))
				require.NoError(t, err)
				_, m1, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{"v":2}`))
				require.NoError(t, err)
				_, err = db.MarkAttempt(ctx, m1.MutationID)
				require.NoError(t, err)
				_, _, err = db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{"v":3}`))
				require.NoError(t, err)
				require.NoError(t, db.RejectMutation(ctx, *m1))
			},
			want: &models.EntityRecord{Version: 3, Payload: json.RawMessage(`{"v":3}`), Dirty: true},
		},
		{
			name: "unknown mutations are ignored after clear",
			run: func(t *testing.T, ctx context.Context, db *DB) {
				_, m1, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
				require.NoError(t, err)
				_, m2, err := db.ApplyLocal(ctx, "lesson", "L2", models.OpCreate, json.RawMessage(`{}`))
				require.NoError(t, err)
				require.NoError(t, db.Clear(ctx))
				_, err = db.Put(ctx, record("lesson", "L1", 1, `{"other":"user"}`))
				require.NoError(t, err)

				require.NoError(t, db.RejectMutation(ctx, *m1))
				require.NoError(t, db.ConfirmMutation(ctx, *m2))
				_, err = db.Get(ctx, "lesson", "L2")
				assert.ErrorIs(t, err, ErrNotFound)
			},
			want: &models.EntityRecord{Version: 1, Payload: json.RawMessage(`{"other":"user"}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			ctx := context.Background()
			tt.run(t, ctx, db)

			got, err := db.Get(ctx, "lesson", "L1")
			if tt.want == nil {
				assert.ErrorIs(t, err, ErrNotFound)
				var rows int
				require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&rows))
				assert.Zero(t, rows)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Version, got.Version)
			assert.JSONEq(t, string(tt.want.Payload), string(got.Payload))
			assert.Equal(t, tt.want.Dirty, got.Dirty)
		})
	}
}

func TestApplyLocal_CancelledCreateKeepsTombstone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tombstone := record("lesson", "L1", 5, "")
	tombstone.Payload = nil
	tombstone.Deleted = true
	_, err := db.Put(ctx, tombstone)
	require.NoError(t, err)

	_, _, err = db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, m, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpDelete, nil)
	require.NoError(t, err)
	assert.Empty(t, m.MutationID)

	_, err = db.Get(ctx, "lesson", "L1")
	assert.ErrorIs(t, err, ErrNotFound)

	// the tombstone still blocks older remote values
	version, err := db.Put(ctx, record("lesson", "L1", 4, `{"stale":true}`))
	require.NoError(t, err)
	assert.Equal(t, int64(5), version)
	_, err = db.Get(ctx, "lesson", "L1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, _, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Version)
}

func TestApplyRemote(t *testing.T) {
	tests := []struct {
		name        string
		owner       string
		wantErr     error
		wantApplied int
		wantSkipped int
	}{
		{name: "current owner", owner: "u-1", wantApplied: 2, wantSkipped: 1},
		{name: "other owner", owner: "u-2", wantErr: ErrOwnerChanged},
		{name: "no owner", owner: "", wantErr: ErrOwnerChanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			ctx := context.Background()
			require.NoError(t, db.SetOwner(ctx, "u-1"))

			page := []models.EntityRecord{
				record("lesson", "L1", 1, `{}`),
				record("lesson", "L2", 1, `{}`),
				record("lesson", "", 1, `{}`),
			}
			page[0].Dirty = true

			applied, skipped, err := db.ApplyRemote(ctx, tt.owner, page, "cp-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantApplied, applied)
			assert.Equal(t, tt.wantSkipped, skipped)

			stats, err := db.GetStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(tt.wantApplied), stats.Records)
			assert.Zero(t, stats.DirtyRecords)
			if tt.wantErr != nil {
				assert.Empty(t, stats.Checkpoint)
			} else {
				assert.Equal(t, "cp-1", stats.Checkpoint)
			}
		})
	}
}

func TestApplyRemote_AfterClear(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetOwner(ctx, "u-1"))
	require.NoError(t, db.Clear(ctx))

	_, _, err := db.ApplyRemote(ctx, "u-1", []models.EntityRecord{record("lesson", "L1", 1, `{}`)}, "cp-1")
	assert.ErrorIs(t, err, ErrOwnerChanged)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Records)
	assert.Empty(t, stats.Checkpoint)
}

func TestClear(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, _, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = db.Put(ctx, record("quiz", "Q1", 2, `{}`))
	require.NoError(t, err)
	require.NoError(t, db.SetCheckpoint(ctx, "cp"))
	require.NoError(t, db.SetOwner(ctx, "u-1"))
	require.NoError(t, db.SaveSession(ctx, &models.Session{Token: "t", UserID: "u-1", Role: models.RoleStudent}))

	require.NoError(t, db.Clear(ctx))

	records, err := db.ListRecords(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records)
	pending, err := db.ListPendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	cp, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Empty(t, cp)
	owner, err := db.Owner(ctx)
	require.NoError(t, err)
	assert.Empty(t, owner)

	session, err := db.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
}

func TestSession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	session, err := db.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	want := &models.Session{
		Token:        "tok",
		UserID:       "teacher-7",
		Role:         models.RoleTeacher,
		ExpiresAt:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		RefreshToken: "ref",
	}
	require.NoError(t, db.SaveSession(ctx, want))

	got, err := db.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Token, got.Token)
	assert.Equal(t, want.Role, got.Role)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, db.DeleteSession(ctx))
	got, err = db.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadSession_MalformedIsDiscarded(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.setMeta(ctx, metaSession, "{not json"))

	got, err := db.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, ok, err := db.meta(ctx, metaSession)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, record("lesson", "L1", 1, `{"a":1}`))
	require.NoError(t, err)
	_, m, err := db.ApplyLocal(ctx, "progress", "P1", models.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, db.SetMutationError(ctx, m.MutationID, "503"))
	require.NoError(t, db.SetCheckpoint(ctx, "cp-1"))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, int64(1), stats.DirtyRecords)
	assert.Equal(t, int64(len(`{"a":1}`)+len(`{}`)), stats.PayloadSize)
	assert.Equal(t, int64(1), stats.PendingCount)
	assert.Equal(t, int64(1), stats.RetryingCount)
	assert.Equal(t, "cp-1", stats.Checkpoint)
}

func TestListRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, rec := range []models.EntityRecord{
		record("quiz", "Q2", 1, `{}`),
		record("lesson", "L1", 1, `{}`),
		record("quiz", "Q1", 1, `{}`),
	} {
		_, err := db.Put(ctx, rec)
		require.NoError(t, err)
	}

	quizzes, err := db.ListRecords(ctx, "quiz")
	require.NoError(t, err)
	require.Len(t, quizzes, 2)
	assert.Equal(t, "Q1", quizzes[0].ID)
	assert.Equal(t, "Q2", quizzes[1].ID)

	all, err := db.ListRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMigrate_FromVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edusync.db")
	ctx := context.Background()

	old, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE records (
			entity_type TEXT NOT NULL, id TEXT NOT NULL, payload BLOB,
			version INTEGER NOT NULL, updated_at INTEGER NOT NULL,
			dirty INTEGER NOT NULL DEFAULT 0, deleted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, id))`,
		`INSERT INTO records VALUES ('lesson', 'L1', '{"v":1}', 1, 0, 0, 0)`,
		`PRAGMA user_version = 1`,
	} {
		_, err := old.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, old.Close())

	db, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.QueryRow(`PRAGMA user_version`).Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	_, m, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	require.NoError(t, db.RejectMutation(ctx, *m))

	got, err := db.Get(ctx, "lesson", "L1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"v":1}`, string(got.Payload))
	assert.False(t, got.Dirty)
}

// seedFile creates a database at path holding one lesson and closes it.
func seedFile(t *testing.T, path string) {
	t.Helper()
	db, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = db.Put(context.Background(), record("lesson", "L1", 1, `{"title":"cached"}`))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edusync.db")
	seedFile(t, path)
	ctx := context.Background()

	db, err := OpenReadOnly(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.ReadOnly())

	got, err := db.Get(ctx, "lesson", "L1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"cached"}`, string(got.Payload))
	_, err = db.GetStats(ctx)
	require.NoError(t, err)

	writes := map[string]func() error{
		"put": func() error {
			_, err := db.Put(ctx, record("lesson", "L2", 1, `{}`))
			return err
		},
		"apply local": func() error {
			_, _, err := db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{}`))
			return err
		},
		"checkpoint": func() error { return db.SetCheckpoint(ctx, "cp") },
		"clear":      func() error { return db.Clear(ctx) },
		"mutation error": func() error {
			return db.SetMutationError(ctx, "m", "x")
		},
	}
	for name, write := range writes {
		t.Run(name, func(t *testing.T) {
			err := write()
			assert.ErrorIs(t, err, ErrReadOnly)
			assert.ErrorIs(t, err, ErrStorageUnavailable)
		})
	}

	_, err = OpenReadOnly(filepath.Join(t.TempDir(), "missing.db"), nil)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestOpenCached_ReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "edusync.db")
	seedFile(t, path)

	require.NoError(t, os.Chmod(path, 0400))
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0700) })

	ctx := context.Background()
	db, err := OpenCached(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, "lesson", "L1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"cached"}`, string(got.Payload))
	records, err := db.ListRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, _, err = db.ApplyLocal(ctx, "lesson", "L1", models.OpUpdate, json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestOpenCached_Writable(t *testing.T) {
	db, err := OpenCached(filepath.Join(t.TempDir(), "edusync.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()
	assert.False(t, db.ReadOnly())

	_, err = db.Put(context.Background(), record("lesson", "L1", 1, `{}`))
	assert.NoError(t, err)
}

func TestClose_WaitsForInFlightCalls(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"L1", "L2", "L3"} {
		_, err := db.Put(ctx, record("lesson", id, 1, `{}`))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				_, err := db.ListRecords(ctx, "lesson")
				if err != nil {
					assert.ErrorIs(t, err, ErrStorageUnavailable)
				}
			}
		}()
	}
	close(start)
	require.NoError(t, db.Close())
	wg.Wait()

	_, err := db.Get(ctx, "lesson", "L1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
