package identity

import "context"

// Provider verifies credentials and manages token lifecycles. Implemented by
// the surrounding application (or identityfake in tests).
type Provider interface {
	// SignIn verifies the credentials and returns a fresh session. A
	// credential failure is returned as ErrInvalidCredentials (possibly
	// wrapped); the caller relays it verbatim.
	SignIn(ctx context.Context, email, password string) (*ProviderSession, error)

	// SignOut revokes the current token server-side. Best effort.
	SignOut(ctx context.Context) error

	// GetSession returns the provider's live session, or (nil, nil) when
	// there is none.
	GetSession(ctx context.Context) (*ProviderSession, error)

	// RefreshSession exchanges the refresh token for a new session.
	RefreshSession(ctx context.Context) (*ProviderSession, error)

	// GetUser returns the identity behind the current session, or (nil, nil)
	// when unauthenticated.
	GetUser(ctx context.Context) (*Identity, error)
}

// ProfileStore resolves a user ID to an enriched profile.
type ProfileStore interface {
	// GetProfile returns the profile for userID. Absence or unavailability
	// is an error; callers fall back to a degraded profile built from
	// provider claims.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}
