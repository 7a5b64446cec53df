// Package identityfake provides in-memory fakes for the identity contracts,
// used by tests and the demo daemon.
package identityfake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuskit/sessioncore/identity"
)

var _ identity.Provider = (*FakeProvider)(nil)

type fakeUser struct {
	password string
	identity identity.Identity
}

// FakeProvider is a scriptable identity.Provider. Register users with
// AddUser, inject failures through the *Err fields, and inspect the call
// counters.
type FakeProvider struct {
	mu      sync.Mutex
	users   map[string]fakeUser
	current *identity.ProviderSession

	// NowFunc supplies the current time (injectable for virtual-clock tests).
	NowFunc func() time.Time

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration

	SignInErr     error
	SignOutErr    error
	GetSessionErr error
	RefreshErr    error

	SignInCalls  int
	SignOutCalls int
	RefreshCalls int
}

// NewFakeProvider returns a provider with no users and a 1 hour token TTL.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		users:    make(map[string]fakeUser),
		NowFunc:  time.Now,
		TokenTTL: time.Hour,
	}
}

// AddUser registers a credential pair and the identity it resolves to.
func (p *FakeProvider) AddUser(email, password string, id identity.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[email] = fakeUser{password: password, identity: id}
}

// SeedSession installs a live provider-side session, as if the user had
// signed in elsewhere. Used by restore tests.
func (p *FakeProvider) SeedSession(s *identity.ProviderSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
}

func (p *FakeProvider) SignIn(ctx context.Context, email, password string) (*identity.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.SignInCalls++
	if p.SignInErr != nil {
		return nil, p.SignInErr
	}

	u, ok := p.users[email]
	if !ok || u.password != password {
		return nil, identity.ErrInvalidCredentials
	}

	p.current = p.issueLocked(u.identity)
	return p.current, nil
}

func (p *FakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.SignOutCalls++
	if p.SignOutErr != nil {
		return p.SignOutErr
	}
	p.current = nil
	return nil
}

func (p *FakeProvider) GetSession(ctx context.Context) (*identity.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.GetSessionErr != nil {
		return nil, p.GetSessionErr
	}
	return p.current, nil
}

func (p *FakeProvider) RefreshSession(ctx context.Context) (*identity.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.RefreshCalls++
	if p.RefreshErr != nil {
		return nil, p.RefreshErr
	}
	if p.current == nil {
		return nil, identity.ErrNoSession
	}

	p.current = p.issueLocked(p.current.Identity)
	return p.current, nil
}

func (p *FakeProvider) GetUser(ctx context.Context) (*identity.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return nil, nil
	}
	id := p.current.Identity
	return &id, nil
}

// issueLocked mints a fresh token pair for id.
func (p *FakeProvider) issueLocked(id identity.Identity) *identity.ProviderSession {
	return &identity.ProviderSession{
		AccessToken:  uuid.New().String(),
		RefreshToken: uuid.New().String(),
		ExpiresAt:    p.NowFunc().Add(p.TokenTTL),
		Identity:     id,
	}
}
