package models

import "time"

// Role of a portal user.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// Session is the authenticated session of the device user.
type Session struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`

	// NeedsRefresh is set when a persisted session was found expired but
	// refreshable. It is never persisted.
	NeedsRefresh bool `json:"-"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// User is the identity exposed to the UI layer.
type User struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Credentials are what a user types into the login form.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
