package identityfake

import (
	"context"
	"sync"

	"github.com/campuskit/sessioncore/identity"
)

var _ identity.ProfileStore = (*FakeProfileStore)(nil)

// FakeProfileStore is an in-memory identity.ProfileStore.
type FakeProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*identity.Profile

	// GetErr, when set, is returned by every GetProfile call. Used to drive
	// the degraded fallback-profile path.
	GetErr error
}

// NewFakeProfileStore returns an empty profile store.
func NewFakeProfileStore() *FakeProfileStore {
	return &FakeProfileStore{profiles: make(map[string]*identity.Profile)}
}

// AddProfile registers a profile by its ID.
func (s *FakeProfileStore) AddProfile(p *identity.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *FakeProfileStore) GetProfile(ctx context.Context, userID string) (*identity.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.GetErr != nil {
		return nil, s.GetErr
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, identity.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}
