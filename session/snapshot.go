// Package session owns the single current session: sign-in/out, token
// refresh, inactivity enforcement, persistence across restarts, and listener
// fan-out. Every transition is recorded through the audit logger.
package session

import (
	"time"

	"github.com/campuskit/sessioncore/identity"
)

// User is the signed-in user as the rest of the application sees it.
type User struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	Role        identity.Role `json:"role"`
	DisplayName string        `json:"display_name"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Snapshot is the complete state of the current session. At most one
// snapshot is current per process. ExpiresAt and LastActivity only move
// forward while the session is current.
type Snapshot struct {
	User         User      `json:"user"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Valid reports whether the session is usable at now: the access token has
// not expired and the user has been active within maxInactivity.
func (s *Snapshot) Valid(now time.Time, maxInactivity time.Duration) bool {
	return now.Before(s.ExpiresAt) && now.Sub(s.LastActivity) < maxInactivity
}

// snapshotSchemaVersion guards the persisted representation. A stored value
// written by a different schema version is treated as no session.
const snapshotSchemaVersion = 1

// SnapshotKey is the fixed storage key the current snapshot persists under.
const SnapshotKey = "session:current"

type persistedSnapshot struct {
	Version  int      `json:"version"`
	Snapshot Snapshot `json:"snapshot"`
}
