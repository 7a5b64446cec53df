package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/campuskit/sessioncore/activity"
	"github.com/campuskit/sessioncore/audit"
	"github.com/campuskit/sessioncore/clock"
	"github.com/campuskit/sessioncore/identity"
	"github.com/campuskit/sessioncore/internal/logging"
	"github.com/campuskit/sessioncore/storage"
)

// Config is the session manager's tuning surface.
type Config struct {
	// SessionTimeout is the token lifetime used when the provider does not
	// supply an expiry of its own.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// RefreshThreshold is how long before expiry the token refresh runs.
	RefreshThreshold time.Duration `koanf:"refresh_threshold"`

	// MaxInactivity is the idle cutoff after which the session is terminated.
	MaxInactivity time.Duration `koanf:"max_inactivity"`

	// PersistSession controls whether snapshots survive restarts.
	PersistSession bool `koanf:"persist_session"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:   8 * time.Hour,
		RefreshThreshold: 5 * time.Minute,
		MaxInactivity:    30 * time.Minute,
		PersistSession:   true,
	}
}

// Deps holds the manager's collaborators.
type Deps struct {
	Provider identity.Provider     // required
	Profiles identity.ProfileStore // optional; fallback profiles when nil or unreachable
	Store    storage.Store         // optional; persistence disabled when nil
	Audit    *audit.Logger         // required
	Clock    clock.Clock           // required
	Activity activity.Source       // optional; inactivity runs on timers alone when nil
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) { m.cfg = cfg }
}

// WithSealer enables authenticated encryption of persisted snapshots.
func WithSealer(s *Sealer) ManagerOption {
	return func(m *Manager) { m.sealer = s }
}

// Listener receives the latest committed snapshot (nil when unauthenticated)
// on every transition.
type Listener func(*Snapshot)

// Manager is the single source of truth for who is signed in. Construct one
// per process and pass it explicitly; there is no package-level instance.
type Manager struct {
	provider identity.Provider
	profiles identity.ProfileStore
	store    storage.Store
	auditLog *audit.Logger
	clk      clock.Clock
	sealer   *Sealer
	cfg      Config

	mu                  sync.Mutex
	current             *Snapshot
	refreshTimer        clock.Timer
	inactivityTimer     clock.Timer
	listeners           map[int]Listener
	nextListenerID      int
	unsubscribeActivity func()
	closed              bool
	plainPersistWarned  bool
}

// NewManager creates a session manager. The manager starts unauthenticated;
// call Restore to pick up a persisted session from a previous run.
func NewManager(deps Deps, options ...ManagerOption) (*Manager, error) {
	if deps.Provider == nil {
		return nil, errors.New("[NewManager] identity provider is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("[NewManager] audit logger is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("[NewManager] clock is required")
	}

	m := &Manager{
		provider:  deps.Provider,
		profiles:  deps.Profiles,
		store:     deps.Store,
		auditLog:  deps.Audit,
		clk:       deps.Clock,
		cfg:       DefaultConfig(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range options {
		opt(m)
	}

	if deps.Activity != nil {
		m.unsubscribeActivity = deps.Activity.Subscribe(func(activity.Kind) {
			m.recordActivity()
		})
	}
	return m, nil
}

// SignIn verifies the credentials with the identity provider and installs
// the resulting session. A provider failure is returned to the caller
// untouched and recorded as a security event; the password never reaches the
// audit trail.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	ps, err := m.provider.SignIn(ctx, email, password)
	if err != nil {
		m.auditLog.LogSecurityEvent("sign-in failed",
			audit.WithData(map[string]any{"email": email}),
			audit.WithError(err))
		return err
	}

	profile := m.resolveProfile(ctx, ps)
	now := m.clk.Now()
	expiresAt := ps.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(m.cfg.SessionTimeout)
	}

	snap := &Snapshot{
		User: User{
			ID:          profile.ID,
			Email:       profile.Email,
			Role:        profile.Role,
			DisplayName: profile.DisplayName,
			CreatedAt:   profile.CreatedAt,
			UpdatedAt:   profile.UpdatedAt,
		},
		AccessToken:  ps.AccessToken,
		RefreshToken: ps.RefreshToken,
		ExpiresAt:    expiresAt,
		LastActivity: now,
	}

	m.setSession(snap)
	m.auditLog.LogSessionEvent("user signed in",
		audit.WithUserID(snap.User.ID),
		audit.WithData(map[string]any{"role": string(snap.User.Role)}))
	return nil
}

// SignOut revokes the token with the provider (best effort), then
// unconditionally clears local state, cancels timers, removes the persisted
// snapshot, and notifies listeners. Idempotent: a second call changes
// nothing and emits nothing.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	hadSession := m.current != nil
	userID := ""
	if hadSession {
		userID = m.current.User.ID
	}
	m.mu.Unlock()

	if hadSession {
		if err := m.provider.SignOut(ctx); err != nil {
			m.auditLog.Warn(audit.CategoryAuth, "provider sign-out failed", audit.WithError(err))
		}
	}

	m.mu.Lock()
	changed := m.current != nil
	m.clearLocked()
	m.mu.Unlock()

	if changed {
		m.auditLog.LogSessionEvent("user signed out", audit.WithUserID(userID))
		m.notify(nil)
	}
}

// CurrentUser returns the signed-in user, or nil. A session found to be
// invalid is cleared on the spot (lazy expiry) before nil is returned.
func (m *Manager) CurrentUser() *User {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil
	}

	now := m.clk.Now()
	if !m.current.Valid(now, m.cfg.MaxInactivity) {
		reason, userID := m.expiryReasonLocked(now), m.current.User.ID
		m.clearLocked()
		m.mu.Unlock()
		m.logExpiry(reason, userID)
		m.notify(nil)
		return nil
	}

	u := m.current.User
	m.mu.Unlock()
	return &u
}

// IsAuthenticated reports whether a valid session is current.
func (m *Manager) IsAuthenticated() bool {
	return m.CurrentUser() != nil
}

// HasRole reports whether the signed-in user holds one of the given roles.
// A denial is recorded as a security event for later review.
func (m *Manager) HasRole(roles ...identity.Role) bool {
	u := m.CurrentUser()
	if u == nil {
		return false
	}
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}

	required := make([]string, 0, len(roles))
	for _, r := range roles {
		required = append(required, string(r))
	}
	m.auditLog.LogSecurityEvent("role check denied",
		audit.WithUserID(u.ID),
		audit.WithData(map[string]any{
			"role":     string(u.Role),
			"required": strings.Join(required, ","),
		}))
	return false
}

// AddListener registers fn to be invoked on every transition. The returned
// function removes the registration. A panicking listener does not prevent
// delivery to the others.
func (m *Manager) AddListener(fn Listener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Restore loads a persisted snapshot from a previous run, validates it, and
// cross-checks it against the provider's live session before trusting it.
// Anything absent, corrupt, stale, or mismatched degrades to unauthenticated
// without error; provider outages never surface to the caller.
func (m *Manager) Restore(ctx context.Context) {
	if !m.cfg.PersistSession || m.store == nil {
		return
	}

	raw, ok, err := m.store.Get(SnapshotKey)
	if err != nil {
		m.auditLog.Error(audit.CategoryDatabase, "snapshot read failed", audit.WithError(err))
		return
	}
	if !ok {
		return
	}

	snap, ok := m.decodeSnapshot(raw)
	if !ok {
		m.discardStored("stored session snapshot undecodable, discarding")
		return
	}

	now := m.clk.Now()
	if !snap.Valid(now, m.cfg.MaxInactivity) {
		m.discardStored("stored session snapshot expired, discarding")
		return
	}

	ps, err := m.provider.GetSession(ctx)
	if err != nil {
		m.auditLog.Error(audit.CategoryAuth, "provider session check failed during restore", audit.WithError(err))
		m.discardStored("provider unreachable during restore, discarding stored session")
		return
	}
	if ps == nil || ps.Identity.ID != snap.User.ID {
		m.discardStored("stored session does not match provider session, discarding")
		return
	}

	// The provider's tokens are fresher than whatever was stored.
	snap.AccessToken = ps.AccessToken
	if ps.RefreshToken != "" {
		snap.RefreshToken = ps.RefreshToken
	}
	if !ps.ExpiresAt.IsZero() && ps.ExpiresAt.After(snap.ExpiresAt) {
		snap.ExpiresAt = ps.ExpiresAt
	}

	m.setSession(snap)
	m.auditLog.LogSessionEvent("session restored", audit.WithUserID(snap.User.ID))
}

// Close cancels all pending timers and the activity subscription. Session
// state is left as is; Close is process teardown, not sign-out.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.stopTimersLocked()
	if m.unsubscribeActivity != nil {
		m.unsubscribeActivity()
		m.unsubscribeActivity = nil
	}
}

// recordActivity bumps LastActivity and rearms the inactivity timer. An
// invalid session is not revived; the lazy expiry paths handle it.
func (m *Manager) recordActivity() {
	m.mu.Lock()
	if m.closed || m.current == nil {
		m.mu.Unlock()
		return
	}

	now := m.clk.Now()
	if !m.current.Valid(now, m.cfg.MaxInactivity) {
		m.mu.Unlock()
		return
	}

	if now.After(m.current.LastActivity) {
		m.current.LastActivity = now
	}
	m.armInactivityLocked(now)
	m.persistLocked()
	m.mu.Unlock()
}

// onRefreshTimer runs when the refresh deadline arrives. Validity is
// re-derived from state first; the timer that happened to fire is not
// trusted.
func (m *Manager) onRefreshTimer() {
	m.mu.Lock()
	if m.closed || m.current == nil {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	if !m.current.Valid(now, m.cfg.MaxInactivity) {
		reason, userID := m.expiryReasonLocked(now), m.current.User.ID
		m.clearLocked()
		m.mu.Unlock()
		m.logExpiry(reason, userID)
		m.notify(nil)
		return
	}
	userID := m.current.User.ID
	m.mu.Unlock()

	ps, err := m.provider.RefreshSession(context.Background())
	if err != nil {
		m.auditLog.Error(audit.CategorySession, "token refresh failed",
			audit.WithUserID(userID), audit.WithError(err))
		m.mu.Lock()
		changed := m.current != nil
		m.clearLocked()
		m.mu.Unlock()
		if changed {
			m.notify(nil)
		}
		return
	}

	m.mu.Lock()
	if m.closed || m.current == nil {
		// Signed out while the refresh was in flight; the fresh tokens are
		// abandoned.
		m.mu.Unlock()
		return
	}
	m.current.AccessToken = ps.AccessToken
	if ps.RefreshToken != "" {
		m.current.RefreshToken = ps.RefreshToken
	}
	if ps.ExpiresAt.After(m.current.ExpiresAt) {
		m.current.ExpiresAt = ps.ExpiresAt
	} else {
		m.current.ExpiresAt = m.clk.Now().Add(m.cfg.SessionTimeout)
	}
	now = m.clk.Now()
	m.armRefreshLocked(now)
	m.armInactivityLocked(now)
	m.persistLocked()
	cp := *m.current
	m.mu.Unlock()

	m.auditLog.LogSessionEvent("access token refreshed", audit.WithUserID(cp.User.ID))
	m.notify(&cp)
}

// onInactivityTimer runs when the inactivity deadline arrives.
func (m *Manager) onInactivityTimer() {
	m.mu.Lock()
	if m.closed || m.current == nil {
		m.mu.Unlock()
		return
	}

	now := m.clk.Now()
	if m.current.Valid(now, m.cfg.MaxInactivity) {
		// Activity arrived between arming and firing; rearm for the
		// remaining idle window.
		m.armInactivityLocked(now)
		m.mu.Unlock()
		return
	}

	reason, userID := m.expiryReasonLocked(now), m.current.User.ID
	m.clearLocked()
	m.mu.Unlock()

	m.logExpiry(reason, userID)
	m.notify(nil)
}

// Internal state transitions. Callers hold m.mu unless noted.

// setSession installs snap as the current session, schedules both timers,
// persists, and notifies listeners. Called without m.mu held.
func (m *Manager) setSession(snap *Snapshot) {
	m.mu.Lock()
	m.current = snap
	now := m.clk.Now()
	m.armRefreshLocked(now)
	m.armInactivityLocked(now)
	m.persistLocked()
	cp := *snap
	m.mu.Unlock()

	m.notify(&cp)
}

func (m *Manager) armRefreshLocked(now time.Time) {
	d := m.current.ExpiresAt.Add(-m.cfg.RefreshThreshold).Sub(now)
	if d < 0 {
		d = 0
	}
	if m.refreshTimer == nil {
		m.refreshTimer = m.clk.NewTimer(d, m.onRefreshTimer)
	} else {
		m.refreshTimer.Reset(d)
	}
}

func (m *Manager) armInactivityLocked(now time.Time) {
	d := m.current.LastActivity.Add(m.cfg.MaxInactivity).Sub(now)
	if d < 0 {
		d = 0
	}
	if m.inactivityTimer == nil {
		m.inactivityTimer = m.clk.NewTimer(d, m.onInactivityTimer)
	} else {
		m.inactivityTimer.Reset(d)
	}
}

func (m *Manager) stopTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	if m.inactivityTimer != nil {
		m.inactivityTimer.Stop()
	}
}

// clearLocked cancels timers, drops the current session, and removes the
// persisted snapshot. Timers are stopped before state is cleared so a stale
// fire cannot revive the session.
func (m *Manager) clearLocked() {
	m.stopTimersLocked()
	m.current = nil

	if m.cfg.PersistSession && m.store != nil {
		if err := m.store.Remove(SnapshotKey); err != nil {
			m.auditLog.Error(audit.CategoryDatabase, "snapshot removal failed", audit.WithError(err))
		}
	}
}

// persistLocked serializes the current snapshot into the store. Failures are
// recorded and swallowed; in-memory state stays authoritative.
func (m *Manager) persistLocked() {
	if !m.cfg.PersistSession || m.store == nil || m.current == nil {
		return
	}

	data, err := json.Marshal(persistedSnapshot{
		Version:  snapshotSchemaVersion,
		Snapshot: *m.current,
	})
	if err != nil {
		m.auditLog.Error(audit.CategoryDatabase, "snapshot marshal failed", audit.WithError(err))
		return
	}

	value := string(data)
	if m.sealer != nil {
		value, err = m.sealer.Seal(data)
		if err != nil {
			m.auditLog.Error(audit.CategoryDatabase, "snapshot seal failed", audit.WithError(err))
			return
		}
	} else if !m.plainPersistWarned {
		m.plainPersistWarned = true
		m.auditLog.LogSecurityEvent("session snapshot persisted without encryption; configure a seal key")
	}

	if err := m.store.Set(SnapshotKey, value); err != nil {
		m.auditLog.Error(audit.CategoryDatabase, "snapshot write failed", audit.WithError(err))
	}
}

// decodeSnapshot decodes (and unseals when configured) a stored value.
func (m *Manager) decodeSnapshot(raw string) (*Snapshot, bool) {
	data := []byte(raw)
	if m.sealer != nil {
		plain, err := m.sealer.Open(raw)
		if err != nil {
			return nil, false
		}
		data = plain
	}

	var stored persistedSnapshot
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, false
	}
	if stored.Version != snapshotSchemaVersion {
		return nil, false
	}
	return &stored.Snapshot, true
}

// discardStored removes the persisted snapshot and records why.
func (m *Manager) discardStored(message string) {
	if err := m.store.Remove(SnapshotKey); err != nil {
		m.auditLog.Error(audit.CategoryDatabase, "snapshot removal failed", audit.WithError(err))
	}
	m.auditLog.LogSecurityEvent(message)
}

// expiryReasonLocked distinguishes token expiry from inactivity for the
// audit trail. The session-state contract itself does not expose the reason.
func (m *Manager) expiryReasonLocked(now time.Time) string {
	if !now.Before(m.current.ExpiresAt) {
		return "expired"
	}
	return "inactivity"
}

func (m *Manager) logExpiry(reason, userID string) {
	if reason == "inactivity" {
		m.auditLog.LogSecurityEvent("session terminated after inactivity", audit.WithUserID(userID))
		return
	}
	m.auditLog.LogSessionEvent("session expired", audit.WithUserID(userID))
}

// resolveProfile fetches the enriched profile, falling back to a degraded
// profile built from provider claims when the profile store is unreachable.
func (m *Manager) resolveProfile(ctx context.Context, ps *identity.ProviderSession) *identity.Profile {
	if m.profiles != nil {
		profile, err := m.profiles.GetProfile(ctx, ps.Identity.ID)
		if err == nil {
			return profile
		}
		m.auditLog.Error(audit.CategoryDatabase, "profile fetch failed, using fallback profile",
			audit.WithUserID(ps.Identity.ID), audit.WithError(err))
	}
	return fallbackProfile(ps, m.clk.Now())
}

// fallbackProfile builds a degraded but valid profile from provider claims.
func fallbackProfile(ps *identity.ProviderSession, now time.Time) *identity.Profile {
	role := identity.Role(ps.Identity.Claims["role"])
	if !identity.ValidRole(role) {
		role = identity.RoleStudent
	}

	displayName := ps.Identity.Claims["name"]
	if displayName == "" {
		displayName = ps.Identity.Email
		if at := strings.IndexByte(displayName, '@'); at > 0 {
			displayName = displayName[:at]
		}
	}

	return &identity.Profile{
		ID:          ps.Identity.ID,
		Email:       ps.Identity.Email,
		Role:        role,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// notify delivers snap to every listener. A panicking listener is logged and
// skipped; the rest still receive the notification.
func (m *Manager) notify(snap *Snapshot) {
	m.mu.Lock()
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Interface("panic", r).Msg("session listener panicked")
				}
			}()
			fn(snap)
		}()
	}
}
