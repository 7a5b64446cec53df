package audit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/campuskit/sessioncore/audit"
	"github.com/campuskit/sessioncore/clock"
	"github.com/campuskit/sessioncore/storage"
)

type testFixture struct {
	store  *storage.Memory
	clk    *clock.Fake
	logger *audit.Logger
}

func setupTestFixture(t *testing.T, options ...audit.Option) *testFixture {
	t.Helper()

	store := storage.NewMemory()
	clk := clock.NewFake(time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC))
	logger, err := audit.NewLogger(store, clk, options...)
	require.NoError(t, err)

	return &testFixture{store: store, clk: clk, logger: logger}
}

// storedEntries parses every persisted entry for category, in segment order.
func (f *testFixture) storedEntries(t *testing.T, category string) []audit.Entry {
	t.Helper()

	out, err := f.logger.Export(category)
	require.NoError(t, err)

	var entries []audit.Entry
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.HasPrefix(line, "=== ") {
			continue
		}
		var e audit.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestLogBuffersUntilFlush(t *testing.T) {
	f := setupTestFixture(t)

	f.logger.Info(audit.CategorySession, "one")
	f.logger.Info(audit.CategorySession, "two")
	require.Empty(t, f.storedEntries(t, audit.CategorySession))

	require.NoError(t, f.logger.Flush(context.Background()))

	entries := f.storedEntries(t, audit.CategorySession)
	require.Len(t, entries, 2)
	require.Equal(t, "one", entries[0].Message)
	require.Equal(t, "two", entries[1].Message)
	require.Equal(t, audit.LevelInfo, entries[0].Level)
}

func TestBufferCapTriggersExactlyOneFlush(t *testing.T) {
	f := setupTestFixture(t, audit.WithBufferCap(100))

	for i := 0; i < 150; i++ {
		f.logger.Info(audit.CategorySession, "entry")
	}

	// The 100th append hits the cap and flushes once; the remaining 50 stay
	// buffered.
	require.Equal(t, 1, f.logger.FlushCount())
	require.Len(t, f.storedEntries(t, audit.CategorySession), 100)

	require.NoError(t, f.logger.Flush(context.Background()))
	require.Len(t, f.storedEntries(t, audit.CategorySession), 150)
}

func TestErrorSeverityForcesFlush(t *testing.T) {
	f := setupTestFixture(t)

	f.logger.Info(audit.CategorySession, "routine")
	require.Empty(t, f.storedEntries(t, audit.CategorySession))

	f.logger.Error(audit.CategoryError, "something broke")

	require.Len(t, f.storedEntries(t, audit.CategorySession), 1)
	require.Len(t, f.storedEntries(t, audit.CategoryError), 1)
}

func TestPeriodicFlush(t *testing.T) {
	f := setupTestFixture(t, audit.WithFlushInterval(30*time.Second))

	f.logger.Info(audit.CategoryAuth, "buffered")
	require.Empty(t, f.storedEntries(t, audit.CategoryAuth))

	f.clk.Advance(30 * time.Second)
	require.Len(t, f.storedEntries(t, audit.CategoryAuth), 1)
}

// hookStore lets tests interleave work with a flush in progress.
type hookStore struct {
	*storage.Memory
	onSet func()
}

func (h *hookStore) Set(key, value string) error {
	if h.onSet != nil {
		h.onSet()
	}
	return h.Memory.Set(key, value)
}

func TestFlushReentrancyKeepsEveryEntryOnce(t *testing.T) {
	store := &hookStore{Memory: storage.NewMemory()}
	clk := clock.NewFake(time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC))
	logger, err := audit.NewLogger(store, clk)
	require.NoError(t, err)

	appended := false
	store.onSet = func() {
		if appended {
			return
		}
		appended = true
		// Arrives mid-flight: must be retained for the next cycle, and the
		// severity-triggered nested flush must be a no-op.
		logger.Error(audit.CategorySession, "during-flush")
	}

	logger.Info(audit.CategorySession, "before-flush")
	require.NoError(t, logger.Flush(context.Background()))

	store.onSet = nil
	require.NoError(t, logger.Flush(context.Background()))

	var messages []string
	out, err := logger.Export(audit.CategorySession)
	require.NoError(t, err)
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.HasPrefix(line, "=== ") {
			continue
		}
		var e audit.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		messages = append(messages, e.Message)
	}
	require.Equal(t, []string{"before-flush", "during-flush"}, messages)
}

// failingStore fails writes on demand.
type failingStore struct {
	*storage.Memory
	failSet bool
}

func (s *failingStore) Set(key, value string) error {
	if s.failSet {
		return context.DeadlineExceeded
	}
	return s.Memory.Set(key, value)
}

func TestWriteFailureRequeuesEntriesInOrder(t *testing.T) {
	store := &failingStore{Memory: storage.NewMemory(), failSet: true}
	clk := clock.NewFake(time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC))
	logger, err := audit.NewLogger(store, clk)
	require.NoError(t, err)

	logger.Info(audit.CategorySession, "first")
	logger.Info(audit.CategorySession, "second")
	require.Error(t, logger.Flush(context.Background()))

	store.failSet = false
	require.NoError(t, logger.Flush(context.Background()))

	out, err := logger.Export(audit.CategorySession)
	require.NoError(t, err)
	firstIdx := strings.Index(out, "first")
	secondIdx := strings.Index(out, "second")
	require.GreaterOrEqual(t, firstIdx, 0)
	require.Greater(t, secondIdx, firstIdx)
}

func TestRotationKeepsNewestWithinCap(t *testing.T) {
	f := setupTestFixture(t, audit.WithMaxSegmentBytes(2048))

	for i := 0; i < 50; i++ {
		f.logger.Info(audit.CategorySession, "padding-padding-padding-padding")
		require.NoError(t, f.logger.Flush(context.Background()))
	}

	keys, err := f.store.Keys(audit.SegmentPrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	segment, ok, err := f.store.Get(keys[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.LessOrEqual(t, len(segment), 2048)

	// The newest entry survived rotation.
	entries := f.storedEntries(t, audit.CategorySession)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, "padding-padding-padding-padding", last.Message)
}

func TestExportGroupsByCategoryWithHeaders(t *testing.T) {
	f := setupTestFixture(t)

	f.logger.LogSessionEvent("session msg")
	f.logger.LogAuthEvent("auth msg")
	require.NoError(t, f.logger.Flush(context.Background()))

	out, err := f.logger.Export("")
	require.NoError(t, err)

	authHeader := "=== " + audit.SegmentPrefix + audit.CategoryAuth + ":2025-09-01 ==="
	sessionHeader := "=== " + audit.SegmentPrefix + audit.CategorySession + ":2025-09-01 ==="
	require.Contains(t, out, authHeader)
	require.Contains(t, out, sessionHeader)
	// Enumeration order of segment keys: AUTH sorts before SESSION.
	require.Less(t, strings.Index(out, authHeader), strings.Index(out, sessionHeader))

	only, err := f.logger.Export(audit.CategoryAuth)
	require.NoError(t, err)
	require.Contains(t, only, "auth msg")
	require.NotContains(t, only, "session msg")
}

func TestClearRemovesSegmentsNotBuffer(t *testing.T) {
	f := setupTestFixture(t)

	f.logger.LogSessionEvent("flushed")
	require.NoError(t, f.logger.Flush(context.Background()))
	f.logger.LogSessionEvent("still buffered")

	require.NoError(t, f.logger.Clear(audit.CategorySession))
	require.Empty(t, f.storedEntries(t, audit.CategorySession))

	// The buffered entry survives the clear and lands on the next flush.
	require.NoError(t, f.logger.Flush(context.Background()))
	entries := f.storedEntries(t, audit.CategorySession)
	require.Len(t, entries, 1)
	require.Equal(t, "still buffered", entries[0].Message)
}

func TestDestroyFlushesAndStopsTicker(t *testing.T) {
	f := setupTestFixture(t, audit.WithFlushInterval(time.Minute))

	f.logger.LogSessionEvent("teardown entry")
	f.logger.Destroy()

	require.Len(t, f.storedEntries(t, audit.CategorySession), 1)

	// Logging after destroy is dropped, and the ticker no longer fires.
	f.logger.LogSessionEvent("after destroy")
	f.clk.Advance(5 * time.Minute)
	require.Len(t, f.storedEntries(t, audit.CategorySession), 1)
}

func TestEntryCarriesOptionalFields(t *testing.T) {
	f := setupTestFixture(t)

	f.logger.LogSecurityEvent("denied",
		audit.WithUserID("user-1"),
		audit.WithSessionID("sess-1"),
		audit.WithData(map[string]any{"required": "admin"}),
	)
	require.NoError(t, f.logger.Flush(context.Background()))

	entries := f.storedEntries(t, audit.CategorySecurity)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, audit.LevelWarn, e.Level)
	require.Equal(t, "user-1", e.UserID)
	require.Equal(t, "sess-1", e.SessionID)
	require.Equal(t, "admin", e.Data["required"])
	require.NotEmpty(t, e.ID)
	require.False(t, e.Timestamp.IsZero())
}
