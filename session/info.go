package session

import (
	"time"

	"github.com/campuskit/sessioncore/internal/utils"
)

// Info is a derived, read-only view of the current session for display
// purposes. Pointer fields are nil when unauthenticated. The "time until"
// values can be negative only transiently, before lazy expiry clears the
// session.
type Info struct {
	IsAuthenticated     bool           `json:"is_authenticated"`
	User                *User          `json:"user,omitempty"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	LastActivity        *time.Time     `json:"last_activity,omitempty"`
	TimeUntilExpiry     *time.Duration `json:"time_until_expiry,omitempty"`
	TimeUntilInactivity *time.Duration `json:"time_until_inactivity,omitempty"`
}

// Info returns the current session view. It reads state without triggering
// lazy expiry; an invalid session shows as authenticated with negative
// remaining times until the next CurrentUser call clears it.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Info{}
	}

	now := m.clk.Now()
	u := m.current.User
	return Info{
		IsAuthenticated:     true,
		User:                &u,
		ExpiresAt:           utils.Ptr(m.current.ExpiresAt),
		LastActivity:        utils.Ptr(m.current.LastActivity),
		TimeUntilExpiry:     utils.Ptr(m.current.ExpiresAt.Sub(now)),
		TimeUntilInactivity: utils.Ptr(m.current.LastActivity.Add(m.cfg.MaxInactivity).Sub(now)),
	}
}
