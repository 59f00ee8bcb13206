package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/chmdznr/edusync/pkg/models"
)

// Entity types the portal knows about.
var EntityTypes = map[string]bool{
	"lesson":       true,
	"quiz":         true,
	"progress":     true,
	"announcement": true,
}

// writableBy lists the entity types each role may change.
var writableBy = map[models.Role]map[string]bool{
	models.RoleStudent: {"progress": true},
	models.RoleTeacher: {"lesson": true, "quiz": true, "progress": true, "announcement": true},
	models.RoleAdmin:   {"lesson": true, "quiz": true, "progress": true, "announcement": true},
}

const sequenceKey = "meta/sequence.json"

type userObject struct {
	UserID       string      `json:"user_id"`
	Role         models.Role `json:"role"`
	PasswordHash string      `json:"password_hash"`
}

type sessionObject struct {
	UserID       string      `json:"user_id"`
	Role         models.Role `json:"role"`
	ExpiresAt    time.Time   `json:"expires_at"`
	RefreshToken string      `json:"refresh_token"`
}

type refreshObject struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	Token  string      `json:"token"`
}

type appliedObject struct {
	PushResult
	UserID    string    `json:"user_id"`
	AppliedAt time.Time `json:"applied_at"`
}

// Bucket is an Authority that keeps users, sessions, records and a change log
// as JSON objects in an ObjectStore.
//
// Keys:
//
//	users/<username>.json        user record with bcrypt password hash
//	sessions/<token>.json        live session
//	refresh/<refresh-token>.json refresh grant
//	records/<type>/<id>.json     current EntityRecord
//	mutations/<mutation-id>.json applied-mutation marker (deduplication)
//	changes/<sequence>.json      change log; the last key read is the checkpoint
type Bucket struct {
	objects    ObjectStore
	sessionTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time

	// serializes writes so the change log sequence is gap free
	mu sync.Mutex
}

// NewBucket returns a Bucket authority over objects.
func NewBucket(objects ObjectStore, sessionTTL time.Duration, logger *zap.Logger) *Bucket {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Bucket{
		objects:    objects,
		sessionTTL: sessionTTL,
		logger:     logger.Named("bucket"),
		now:        time.Now,
	}
}

func (b *Bucket) getJSON(ctx context.Context, key string, v any) error {
	data, err := b.objects.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt object %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.objects.Put(ctx, key, data)
}

func userKey(username string) string { return "users/" + username + ".json" }
func sessionKey(token string) string { return "sessions/" + token + ".json" }
func refreshKey(token string) string { return "refresh/" + token + ".json" }
func mutationKey(id string) string   { return "mutations/" + id + ".json" }
func changeKey(seq int64) string     { return fmt.Sprintf("changes/%020d.json", seq) }
func recordKey(entityType, id string) string {
	return "records/" + entityType + "/" + id + ".json"
}

// validName keeps object keys well formed.
func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\\") && s != "." && s != ".."
}

// AddUser creates or replaces a portal user.
func (b *Bucket) AddUser(ctx context.Context, username, password, userID string, role models.Role) error {
	if !validName(username) || password == "" {
		return fmt.Errorf("username and password are required")
	}
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if userID == "" {
		userID = username
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return b.putJSON(ctx, userKey(username), userObject{UserID: userID, Role: role, PasswordHash: string(hash)})
}

func (b *Bucket) Probe(ctx context.Context) error {
	return b.objects.Ping(ctx)
}

func (b *Bucket) Login(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	if !validName(creds.Username) {
		return nil, ErrInvalidCredentials
	}
	var user userObject
	if err := b.getJSON(ctx, userKey(creds.Username), &user); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return b.issue(ctx, user.UserID, user.Role)
}

func (b *Bucket) issue(ctx context.Context, userID string, role models.Role) (*models.Session, error) {
	session := &models.Session{
		Token:        uuid.New().String(),
		UserID:       userID,
		Role:         role,
		ExpiresAt:    b.now().Add(b.sessionTTL).UTC(),
		RefreshToken: uuid.New().String(),
	}
	if err := b.putJSON(ctx, refreshKey(session.RefreshToken), refreshObject{UserID: userID, Role: role, Token: session.Token}); err != nil {
		return nil, err
	}
	err := b.putJSON(ctx, sessionKey(session.Token), sessionObject{
		UserID:       userID,
		Role:         role,
		ExpiresAt:    session.ExpiresAt,
		RefreshToken: session.RefreshToken,
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("session issued", zap.String("user_id", userID), zap.String("role", string(role)))
	return session, nil
}

func (b *Bucket) Refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	if !validName(refreshToken) {
		return nil, ErrInvalidCredentials
	}
	var grant refreshObject
	if err := b.getJSON(ctx, refreshKey(refreshToken), &grant); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	// refresh tokens are single use
	if err := b.objects.Delete(ctx, refreshKey(refreshToken)); err != nil {
		return nil, err
	}
	if err := b.objects.Delete(ctx, sessionKey(grant.Token)); err != nil {
		return nil, err
	}
	return b.issue(ctx, grant.UserID, grant.Role)
}

func (b *Bucket) Logout(ctx context.Context, token string) error {
	session, err := b.authenticate(ctx, token)
	if err != nil {
		return err
	}
	if err := b.objects.Delete(ctx, refreshKey(session.RefreshToken)); err != nil {
		return err
	}
	return b.objects.Delete(ctx, sessionKey(token))
}

func (b *Bucket) authenticate(ctx context.Context, token string) (*sessionObject, error) {
	if !validName(token) {
		return nil, ErrUnauthorized
	}
	var session sessionObject
	if err := b.getJSON(ctx, sessionKey(token), &session); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !b.now().Before(session.ExpiresAt) {
		return nil, ErrUnauthorized
	}
	return &session, nil
}

func validateMutation(m models.PendingMutation, role models.Role) error {
	if m.MutationID == "" || !validName(m.EntityID) {
		return reject(CodeInvalid, "mutation id and entity id are required")
	}
	if !EntityTypes[m.EntityType] {
		return reject(CodeInvalid, "unknown entity type %q", m.EntityType)
	}
	if !m.Operation.Valid() {
		return reject(CodeInvalid, "unknown operation %q", m.Operation)
	}
	if m.Operation != models.OpDelete {
		var obj map[string]any
		if err := json.Unmarshal(m.Payload, &obj); err != nil {
			return reject(CodeInvalid, "payload must be a JSON object")
		}
	}
	if m.Version < 1 {
		return reject(CodeInvalid, "version must be positive")
	}
	if !writableBy[role][m.EntityType] {
		return reject(CodeForbidden, "role %s may not change %s", role, m.EntityType)
	}
	return nil
}

// Push applies m with last-writer-wins at record granularity: a mutation whose
// version is not greater than the stored one is rejected as a conflict.
func (b *Bucket) Push(ctx context.Context, token string, m models.PendingMutation) (*PushResult, error) {
	session, err := b.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if !validName(m.MutationID) {
		return nil, reject(CodeInvalid, "invalid mutation id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var applied appliedObject
	err = b.getJSON(ctx, mutationKey(m.MutationID), &applied)
	switch {
	case err == nil:
		result := applied.PushResult
		result.Duplicate = true
		return &result, nil
	case !errors.Is(err, ErrObjectNotFound):
		return nil, err
	}

	if err := validateMutation(m, session.Role); err != nil {
		return nil, err
	}

	var current models.EntityRecord
	exists := true
	if err := b.getJSON(ctx, recordKey(m.EntityType, m.EntityID), &current); err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			return nil, err
		}
		exists = false
	}
	live := exists && !current.Deleted

	switch {
	case m.Operation == models.OpCreate && live:
		return nil, reject(CodeConflict, "%s/%s already exists", m.EntityType, m.EntityID)
	case m.Operation != models.OpCreate && !live:
		return nil, reject(CodeConflict, "%s/%s does not exist", m.EntityType, m.EntityID)
	case exists && m.Version <= current.Version:
		return nil, reject(CodeConflict, "%s/%s is at version %d, mutation carries %d",
			m.EntityType, m.EntityID, current.Version, m.Version)
	}

	rec := models.EntityRecord{
		EntityType: m.EntityType,
		ID:         m.EntityID,
		Version:    m.Version,
		UpdatedAt:  b.now().UTC(),
		Deleted:    m.Operation == models.OpDelete,
	}
	if !rec.Deleted {
		rec.Payload = m.Payload
	}

	if err := b.appendChange(ctx, rec); err != nil {
		return nil, err
	}

	result := PushResult{MutationID: m.MutationID, Version: rec.Version}
	if err := b.putJSON(ctx, mutationKey(m.MutationID), appliedObject{
		PushResult: result,
		UserID:     session.UserID,
		AppliedAt:  rec.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	b.logger.Debug("mutation applied",
		zap.String("mutation_id", m.MutationID),
		zap.String("entity", m.EntityType+"/"+m.EntityID),
		zap.String("operation", string(m.Operation)),
		zap.Int64("version", rec.Version))
	return &result, nil
}

// Publish writes a record directly, bypassing mutation rules. It is how
// content authored outside the device flow (e.g. imports) enters the change log.
func (b *Bucket) Publish(ctx context.Context, rec models.EntityRecord) error {
	if !EntityTypes[rec.EntityType] || !validName(rec.ID) {
		return reject(CodeInvalid, "invalid record %s/%s", rec.EntityType, rec.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = b.now().UTC()
	}
	rec.Dirty = false
	return b.appendChange(ctx, rec)
}

// appendChange stores rec and appends it to the change log. Callers hold mu.
func (b *Bucket) appendChange(ctx context.Context, rec models.EntityRecord) error {
	var seq struct {
		Next int64 `json:"next"`
	}
	if err := b.getJSON(ctx, sequenceKey, &seq); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return err
	}
	seq.Next++

	if err := b.putJSON(ctx, recordKey(rec.EntityType, rec.ID), rec); err != nil {
		return err
	}
	if err := b.putJSON(ctx, changeKey(seq.Next), rec); err != nil {
		return err
	}
	return b.putJSON(ctx, sequenceKey, seq)
}

func (b *Bucket) Pull(ctx context.Context, token string, checkpoint string, limit int) (*PullResponse, error) {
	if _, err := b.authenticate(ctx, token); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	if checkpoint != "" && !strings.HasPrefix(checkpoint, "changes/") {
		return nil, reject(CodeInvalid, "invalid checkpoint %q", checkpoint)
	}

	keys, err := b.objects.List(ctx, "changes/", checkpoint, limit+1)
	if err != nil {
		return nil, err
	}

	resp := &PullResponse{Checkpoint: checkpoint, Records: []models.EntityRecord{}}
	if len(keys) > limit {
		keys = keys[:limit]
		resp.HasMore = true
	}
	for _, key := range keys {
		var rec models.EntityRecord
		if err := b.getJSON(ctx, key, &rec); err != nil {
			return nil, err
		}
		resp.Records = append(resp.Records, rec)
		resp.Checkpoint = key
	}
	return resp, nil
}
