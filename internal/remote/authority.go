// Package remote defines the remote authority the device synchronizes with,
// an HTTP client for it, and an object-storage backed implementation used by
// the reference server.
package remote

import (
	"context"

	"github.com/chmdznr/edusync/pkg/models"
)

// Authority is the remote source of truth.
//
// Push must be idempotent by MutationID: replaying an applied mutation returns
// its original result. Pull returns the records changed after checkpoint ("" =
// from the beginning) and the checkpoint to use next.
type Authority interface {
	Probe(ctx context.Context) error
	Login(ctx context.Context, creds models.Credentials) (*models.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*models.Session, error)
	Logout(ctx context.Context, token string) error
	Push(ctx context.Context, token string, m models.PendingMutation) (*PushResult, error)
	Pull(ctx context.Context, token string, checkpoint string, limit int) (*PullResponse, error)
}

// PushResult acknowledges an applied mutation.
type PushResult struct {
	MutationID string `json:"mutation_id"`
	Version    int64  `json:"version"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// PullResponse is one page of remote changes.
type PullResponse struct {
	Records    []models.EntityRecord `json:"records"`
	Checkpoint string                `json:"checkpoint"`
	HasMore    bool                  `json:"has_more"`
}
