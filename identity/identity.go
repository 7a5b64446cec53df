// Package identity defines the contracts the session core consumes from the
// surrounding application: the identity provider that verifies credentials
// and issues tokens, and the profile store that enriches a bare identity
// with role and display name.
package identity

import "time"

// Role is the closed set of roles a profile can hold. Exactly one role per
// user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStaff   Role = "staff"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleStudent, RoleParent:
		return true
	}
	return false
}

// Identity is the bare user record carried by provider tokens.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	// Claims holds provider-supplied metadata (display name hints etc.)
	// used to build a fallback profile when the profile store is down.
	Claims map[string]string `json:"claims,omitempty"`
}

// ProviderSession is what the identity provider hands back on sign-in,
// refresh, or live-session lookup.
type ProviderSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"identity"`
}

// Profile is the enriched user record.
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
