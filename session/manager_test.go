package session_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/campuskit/sessioncore/activity"
	"github.com/campuskit/sessioncore/audit"
	"github.com/campuskit/sessioncore/clock"
	"github.com/campuskit/sessioncore/identity"
	"github.com/campuskit/sessioncore/identity/identityfake"
	"github.com/campuskit/sessioncore/session"
	"github.com/campuskit/sessioncore/storage"
)

var testStart = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

type testFixture struct {
	provider *identityfake.FakeProvider
	profiles *identityfake.FakeProfileStore
	store    *storage.Memory
	clk      *clock.Fake
	auditLog *audit.Logger
	bus      *activity.Bus
	manager  *session.Manager

	notified []*session.Snapshot
}

func setupTestFixture(t *testing.T, options ...session.ManagerOption) *testFixture {
	t.Helper()

	f := &testFixture{
		provider: identityfake.NewFakeProvider(),
		profiles: identityfake.NewFakeProfileStore(),
		store:    storage.NewMemory(),
		clk:      clock.NewFake(testStart),
		bus:      activity.NewBus(),
	}
	f.provider.NowFunc = f.clk.Now

	f.provider.AddUser("alice@example.edu", "correct-horse", identity.Identity{
		ID:    "user-1",
		Email: "alice@example.edu",
		Claims: map[string]string{
			"role": string(identity.RoleStaff),
			"name": "Alice Jones",
		},
	})
	f.profiles.AddProfile(&identity.Profile{
		ID:          "user-1",
		Email:       "alice@example.edu",
		Role:        identity.RoleStaff,
		DisplayName: "Alice Jones",
	})

	var err error
	f.auditLog, err = audit.NewLogger(f.store, f.clk)
	require.NoError(t, err)

	f.manager = f.newManager(t, options...)
	f.manager.AddListener(func(snap *session.Snapshot) {
		f.notified = append(f.notified, snap)
	})
	return f
}

// newManager builds an additional manager over the fixture's collaborators,
// as a process restart would.
func (f *testFixture) newManager(t *testing.T, options ...session.ManagerOption) *session.Manager {
	t.Helper()

	m, err := session.NewManager(session.Deps{
		Provider: f.provider,
		Profiles: f.profiles,
		Store:    f.store,
		Audit:    f.auditLog,
		Clock:    f.clk,
		Activity: f.bus,
	}, options...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func (f *testFixture) signIn(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.SignIn(context.Background(), "alice@example.edu", "correct-horse"))
}

// auditMessages flushes and returns every persisted message for category.
func (f *testFixture) auditMessages(t *testing.T, category string) []string {
	t.Helper()

	require.NoError(t, f.auditLog.Flush(context.Background()))
	out, err := f.auditLog.Export(category)
	require.NoError(t, err)

	var messages []string
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.HasPrefix(line, "=== ") {
			continue
		}
		var e audit.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		messages = append(messages, e.Message)
	}
	return messages
}

func countOf(messages []string, message string) int {
	n := 0
	for _, m := range messages {
		if m == message {
			n++
		}
	}
	return n
}

func TestSignInInstallsSession(t *testing.T) {
	f := setupTestFixture(t)

	f.signIn(t)

	u := f.manager.CurrentUser()
	require.NotNil(t, u)
	require.Equal(t, "user-1", u.ID)
	require.Equal(t, identity.RoleStaff, u.Role)
	require.Equal(t, "Alice Jones", u.DisplayName)
	require.True(t, f.manager.IsAuthenticated())

	require.Len(t, f.notified, 1)
	require.NotNil(t, f.notified[0])
	require.Equal(t, "user-1", f.notified[0].User.ID)

	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.True(t, ok)

	messages := f.auditMessages(t, audit.CategorySession)
	require.Equal(t, 1, countOf(messages, "user signed in"))
}

func TestSignInReturnsProviderErrorUntouched(t *testing.T) {
	f := setupTestFixture(t)

	err := f.manager.SignIn(context.Background(), "alice@example.edu", "wrong")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
	require.Nil(t, f.manager.CurrentUser())
	require.Empty(t, f.notified)

	messages := f.auditMessages(t, audit.CategorySecurity)
	require.Equal(t, 1, countOf(messages, "sign-in failed"))

	// The password never reaches the audit trail.
	out, exportErr := f.auditLog.Export("")
	require.NoError(t, exportErr)
	require.NotContains(t, out, "wrong")
}

func TestSignInFallsBackToClaimsWhenProfileStoreDown(t *testing.T) {
	f := setupTestFixture(t)
	f.profiles.GetErr = context.DeadlineExceeded

	f.signIn(t)

	u := f.manager.CurrentUser()
	require.NotNil(t, u)
	require.Equal(t, identity.RoleStaff, u.Role)
	require.Equal(t, "Alice Jones", u.DisplayName)

	messages := f.auditMessages(t, audit.CategoryDatabase)
	require.Equal(t, 1, countOf(messages, "profile fetch failed, using fallback profile"))
}

func TestInactivityTerminatesSession(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	f.clk.Advance(30 * time.Minute)

	require.Nil(t, f.manager.CurrentUser())
	require.Len(t, f.notified, 2)
	require.Nil(t, f.notified[1])

	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)

	messages := f.auditMessages(t, audit.CategorySecurity)
	require.Equal(t, 1, countOf(messages, "session terminated after inactivity"))
}

func TestActivityExtendsInactivityNotExpiry(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	before := f.manager.Info()
	require.True(t, before.IsAuthenticated)

	f.clk.Advance(20 * time.Minute)
	f.bus.Emit(activity.KindKeyPress)

	after := f.manager.Info()
	require.True(t, after.IsAuthenticated)
	require.Equal(t, *before.ExpiresAt, *after.ExpiresAt)
	require.Equal(t, testStart.Add(20*time.Minute), *after.LastActivity)

	// The idle window restarts from the activity, so 25 more minutes is fine.
	f.clk.Advance(25 * time.Minute)
	require.NotNil(t, f.manager.CurrentUser())

	// Five more crosses the idle cutoff.
	f.clk.Advance(5 * time.Minute)
	require.Nil(t, f.manager.CurrentUser())
}

func TestRefreshExtendsSession(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	// Stay active so inactivity does not preempt the refresh, which is due
	// five minutes before the one hour token expiry.
	f.clk.Advance(20 * time.Minute)
	f.bus.Emit(activity.KindPointerMove)
	f.clk.Advance(20 * time.Minute)
	f.bus.Emit(activity.KindPointerMove)
	f.clk.Advance(15 * time.Minute)

	require.Equal(t, 1, f.provider.RefreshCalls)
	require.NotNil(t, f.manager.CurrentUser())

	info := f.manager.Info()
	require.Equal(t, testStart.Add(55*time.Minute+time.Hour), *info.ExpiresAt)
	require.Equal(t, testStart.Add(40*time.Minute), *info.LastActivity)

	require.Len(t, f.notified, 2)
	require.NotNil(t, f.notified[1])

	messages := f.auditMessages(t, audit.CategorySession)
	require.Equal(t, 1, countOf(messages, "access token refreshed"))
}

func TestRefreshFailureSignsOut(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)
	f.provider.RefreshErr = context.DeadlineExceeded

	f.clk.Advance(20 * time.Minute)
	f.bus.Emit(activity.KindScroll)
	f.clk.Advance(20 * time.Minute)
	f.bus.Emit(activity.KindScroll)
	f.clk.Advance(15 * time.Minute)

	require.Equal(t, 1, f.provider.RefreshCalls)
	require.Nil(t, f.manager.CurrentUser())
	require.Nil(t, f.notified[len(f.notified)-1])

	messages := f.auditMessages(t, audit.CategorySession)
	require.Equal(t, 1, countOf(messages, "token refresh failed"))
}

func TestSignOutIsIdempotent(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	f.manager.SignOut(context.Background())
	f.manager.SignOut(context.Background())

	require.Equal(t, 1, f.provider.SignOutCalls)
	require.Nil(t, f.manager.CurrentUser())
	require.Len(t, f.notified, 2)
	require.Nil(t, f.notified[1])

	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)

	messages := f.auditMessages(t, audit.CategorySession)
	require.Equal(t, 1, countOf(messages, "user signed out"))
}

func TestSignOutClearsLocalStateWhenProviderFails(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)
	f.provider.SignOutErr = context.DeadlineExceeded

	f.manager.SignOut(context.Background())

	require.Nil(t, f.manager.CurrentUser())
	messages := f.auditMessages(t, audit.CategoryAuth)
	require.Equal(t, 1, countOf(messages, "provider sign-out failed"))
}

func TestHasRole(t *testing.T) {
	f := setupTestFixture(t)

	require.False(t, f.manager.HasRole(identity.RoleStaff))

	f.signIn(t)
	require.True(t, f.manager.HasRole(identity.RoleStaff))
	require.True(t, f.manager.HasRole(identity.RoleAdmin, identity.RoleStaff))
	require.False(t, f.manager.HasRole(identity.RoleAdmin, identity.RoleParent))

	messages := f.auditMessages(t, audit.CategorySecurity)
	require.Equal(t, 1, countOf(messages, "role check denied"))
}

func TestListenerPanicDoesNotBlockOthers(t *testing.T) {
	f := setupTestFixture(t)

	f.manager.AddListener(func(*session.Snapshot) { panic("listener bug") })
	var got *session.Snapshot
	f.manager.AddListener(func(snap *session.Snapshot) { got = snap })

	f.signIn(t)

	require.NotNil(t, got)
	require.Equal(t, "user-1", got.User.ID)
}

func TestRemovedListenerIsNotNotified(t *testing.T) {
	f := setupTestFixture(t)

	calls := 0
	remove := f.manager.AddListener(func(*session.Snapshot) { calls++ })
	remove()

	f.signIn(t)
	require.Zero(t, calls)
}

func TestExpiryDerivedFromStateNotTimers(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	// Close cancels the timers without touching session state; validity is
	// still re-derived on read.
	f.manager.Close()
	f.clk.Advance(31 * time.Minute)

	require.Nil(t, f.manager.CurrentUser())
	messages := f.auditMessages(t, audit.CategorySecurity)
	require.Equal(t, 1, countOf(messages, "session terminated after inactivity"))
}

func TestInfo(t *testing.T) {
	f := setupTestFixture(t)

	require.Equal(t, session.Info{}, f.manager.Info())

	f.signIn(t)
	info := f.manager.Info()
	require.True(t, info.IsAuthenticated)
	require.Equal(t, "user-1", info.User.ID)
	require.Equal(t, testStart.Add(time.Hour), *info.ExpiresAt)
	require.Equal(t, testStart, *info.LastActivity)
	require.Equal(t, time.Hour, *info.TimeUntilExpiry)
	require.Equal(t, 30*time.Minute, *info.TimeUntilInactivity)
}

func TestRestoreAdoptsPersistedSession(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	m2 := f.newManager(t)
	var restored *session.Snapshot
	m2.AddListener(func(snap *session.Snapshot) { restored = snap })

	m2.Restore(context.Background())

	u := m2.CurrentUser()
	require.NotNil(t, u)
	require.Equal(t, "user-1", u.ID)
	require.NotNil(t, restored)

	messages := f.auditMessages(t, audit.CategorySession)
	require.Equal(t, 1, countOf(messages, "session restored"))
}

func TestRestoreDiscardsOnProviderMismatch(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	f.provider.SeedSession(&identity.ProviderSession{
		AccessToken: "other-token",
		ExpiresAt:   f.clk.Now().Add(time.Hour),
		Identity:    identity.Identity{ID: "user-2", Email: "bob@example.edu"},
	})

	m2 := f.newManager(t)
	m2.Restore(context.Background())

	require.Nil(t, m2.CurrentUser())
	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRestoreDiscardsWhenProviderUnreachable(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)
	f.provider.GetSessionErr = context.DeadlineExceeded

	m2 := f.newManager(t)
	m2.Restore(context.Background())

	require.Nil(t, m2.CurrentUser())
	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRestoreDiscardsCorruptValue(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(session.SnapshotKey, "not a snapshot"))

	f.manager.Restore(context.Background())

	require.Nil(t, f.manager.CurrentUser())
	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRestoreDiscardsExpiredSnapshot(t *testing.T) {
	f := setupTestFixture(t)

	stale, err := json.Marshal(map[string]any{
		"version": 1,
		"snapshot": session.Snapshot{
			User:         session.User{ID: "user-1"},
			ExpiresAt:    testStart.Add(time.Hour),
			LastActivity: testStart.Add(-time.Hour),
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Set(session.SnapshotKey, string(stale)))

	f.manager.Restore(context.Background())

	require.Nil(t, f.manager.CurrentUser())
	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSealedPersistenceRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	sealer, err := session.NewSealer(key)
	require.NoError(t, err)

	f := setupTestFixture(t, session.WithSealer(sealer))
	f.signIn(t)

	raw, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.True(t, ok)

	// The stored value is ciphertext, not readable JSON.
	var probe map[string]any
	require.Error(t, json.Unmarshal([]byte(raw), &probe))

	m2 := f.newManager(t, session.WithSealer(sealer))
	m2.Restore(context.Background())
	require.NotNil(t, m2.CurrentUser())
}

func TestSealedSnapshotUnreadableWithWrongKey(t *testing.T) {
	sealer, err := session.NewSealer(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	f := setupTestFixture(t, session.WithSealer(sealer))
	f.signIn(t)

	wrong, err := session.NewSealer(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	m2 := f.newManager(t, session.WithSealer(wrong))
	m2.Restore(context.Background())

	require.Nil(t, m2.CurrentUser())
	_, ok, err := f.store.Get(session.SnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPlainPersistenceWarnsOnce(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	// Several persists; the unencrypted-snapshot warning fires only on the
	// first.
	f.clk.Advance(time.Minute)
	f.bus.Emit(activity.KindClick)
	f.clk.Advance(time.Minute)
	f.bus.Emit(activity.KindClick)

	messages := f.auditMessages(t, audit.CategorySecurity)
	require.Equal(t, 1, countOf(messages, "session snapshot persisted without encryption; configure a seal key"))
}

func TestSnapshotValid(t *testing.T) {
	snap := &session.Snapshot{
		ExpiresAt:    testStart.Add(time.Hour),
		LastActivity: testStart,
	}
	maxIdle := 30 * time.Minute

	require.True(t, snap.Valid(testStart, maxIdle))
	require.True(t, snap.Valid(testStart.Add(29*time.Minute), maxIdle))
	require.False(t, snap.Valid(testStart.Add(30*time.Minute), maxIdle), "idle cutoff is exclusive")
	require.False(t, snap.Valid(testStart.Add(time.Hour), maxIdle), "expiry is exclusive")

	snap.LastActivity = testStart.Add(59 * time.Minute)
	require.True(t, snap.Valid(testStart.Add(59*time.Minute), maxIdle))
	require.False(t, snap.Valid(testStart.Add(61*time.Minute), maxIdle))
}
