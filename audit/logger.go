package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/campuskit/sessioncore/clock"
	"github.com/campuskit/sessioncore/internal/logging"
	"github.com/campuskit/sessioncore/storage"
)

// SegmentPrefix namespaces every durable log segment key. Full keys look
// like "audit:log:<CATEGORY>:<YYYY-MM-DD>".
const SegmentPrefix = "audit:log:"

const (
	defaultBufferCap       = 100
	defaultFlushInterval   = 30 * time.Second
	defaultMaxSegmentBytes = 64 << 10
)

// Logger buffers entries in memory and persists them to per-category daily
// segments. Construct one per process and pass it explicitly; there is no
// package-level instance.
type Logger struct {
	store           storage.Store
	clk             clock.Clock
	bufferCap       int
	flushInterval   time.Duration
	maxSegmentBytes int

	mu        sync.Mutex
	buf       []Entry
	flushing  bool
	destroyed bool
	ticker    clock.Ticker

	flushCount int
}

// Option configures a Logger.
type Option func(*Logger)

// WithBufferCap sets the number of buffered entries that forces a flush.
func WithBufferCap(n int) Option {
	return func(l *Logger) { l.bufferCap = n }
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) { l.flushInterval = d }
}

// WithMaxSegmentBytes caps the byte size of each durable segment.
func WithMaxSegmentBytes(n int) Option {
	return func(l *Logger) { l.maxSegmentBytes = n }
}

// NewLogger creates a Logger flushing into store on the given clock.
func NewLogger(store storage.Store, clk clock.Clock, options ...Option) (*Logger, error) {
	if store == nil {
		return nil, errors.New("[NewLogger] store is required")
	}
	if clk == nil {
		return nil, errors.New("[NewLogger] clock is required")
	}

	l := &Logger{
		store:           store,
		clk:             clk,
		bufferCap:       defaultBufferCap,
		flushInterval:   defaultFlushInterval,
		maxSegmentBytes: defaultMaxSegmentBytes,
	}
	for _, opt := range options {
		opt(l)
	}

	l.ticker = clk.NewTicker(l.flushInterval, func() {
		if err := l.Flush(context.Background()); err != nil {
			logging.Error().Err(err).Msg("periodic audit flush failed")
		}
	})
	return l, nil
}

// Log appends an entry. It never fails; persistence faults surface on the
// flush path and the entry stays buffered for retry.
func (l *Logger) Log(level Level, category, message string, options ...EntryOption) {
	entry := Entry{
		ID:        uuid.New().String(),
		Timestamp: l.clk.Now(),
		Level:     level,
		Category:  category,
		Message:   message,
	}
	for _, opt := range options {
		opt(&entry)
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.buf = append(l.buf, entry)
	shouldFlush := len(l.buf) >= l.bufferCap || level >= LevelError
	l.mu.Unlock()

	if shouldFlush {
		if err := l.Flush(context.Background()); err != nil {
			logging.Error().Err(err).Msg("triggered audit flush failed")
		}
	}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(category, message string, options ...EntryOption) {
	l.Log(LevelDebug, category, message, options...)
}

// Info logs at INFO level.
func (l *Logger) Info(category, message string, options ...EntryOption) {
	l.Log(LevelInfo, category, message, options...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(category, message string, options ...EntryOption) {
	l.Log(LevelWarn, category, message, options...)
}

// Error logs at ERROR level, forcing a flush.
func (l *Logger) Error(category, message string, options ...EntryOption) {
	l.Log(LevelError, category, message, options...)
}

// Critical logs at CRITICAL level, forcing a flush.
func (l *Logger) Critical(category, message string, options ...EntryOption) {
	l.Log(LevelCritical, category, message, options...)
}

// LogSessionEvent records a session lifecycle event.
func (l *Logger) LogSessionEvent(message string, options ...EntryOption) {
	l.Log(LevelInfo, CategorySession, message, options...)
}

// LogAuthEvent records an authentication event.
func (l *Logger) LogAuthEvent(message string, options ...EntryOption) {
	l.Log(LevelInfo, CategoryAuth, message, options...)
}

// LogSecurityEvent records a security-relevant event. Security events are
// WARN by default; callers needing higher severity use Log directly.
func (l *Logger) LogSecurityEvent(message string, options ...EntryOption) {
	l.Log(LevelWarn, CategorySecurity, message, options...)
}

// LogDatabaseEvent records a storage-layer event.
func (l *Logger) LogDatabaseEvent(message string, options ...EntryOption) {
	l.Log(LevelInfo, CategoryDatabase, message, options...)
}

// Flush persists all buffered entries. A flush already in progress is not
// started twice; entries appended during an in-flight flush stay buffered for
// the next cycle. Entries whose write fails are returned to the front of the
// buffer in order.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if l.flushing || len(l.buf) == 0 {
		l.mu.Unlock()
		return nil
	}
	l.flushing = true
	batch := l.buf
	l.buf = nil
	l.flushCount++
	l.mu.Unlock()

	failed, err := l.writeBatch(ctx, batch)

	l.mu.Lock()
	if len(failed) > 0 {
		l.buf = append(failed, l.buf...)
	}
	l.flushing = false
	l.mu.Unlock()

	return err
}

// FlushCount returns how many flush cycles have started. Exposed for
// operator diagnostics.
func (l *Logger) FlushCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushCount
}

// writeBatch groups the batch by category and appends each group to its
// daily segment. It returns the entries that could not be written.
func (l *Logger) writeBatch(ctx context.Context, batch []Entry) ([]Entry, error) {
	day := l.clk.Now().UTC().Format("2006-01-02")

	// Group by category, preserving intra-category insertion order.
	order := make([]string, 0)
	groups := make(map[string][]Entry)
	for _, e := range batch {
		if _, ok := groups[e.Category]; !ok {
			order = append(order, e.Category)
		}
		groups[e.Category] = append(groups[e.Category], e)
	}

	var failed []Entry
	var firstErr error
	for _, category := range order {
		if err := ctx.Err(); err != nil {
			failed = append(failed, groups[category]...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := l.appendSegment(SegmentPrefix+category+":"+day, groups[category]); err != nil {
			failed = append(failed, groups[category]...)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "[Logger.Flush] category %s", category)
			}
		}
	}
	return failed, firstErr
}

// appendSegment appends entries as JSON lines to the segment at key,
// trimming the oldest lines once the byte cap is exceeded.
func (l *Logger) appendSegment(key string, entries []Entry) error {
	existing, _, err := l.store.Get(key)
	if err != nil {
		return errors.Wrap(err, "read segment")
	}

	var sb strings.Builder
	sb.WriteString(existing)
	for i := range entries {
		line, err := json.Marshal(&entries[i])
		if err != nil {
			// A value that cannot marshal is dropped rather than wedging the
			// whole category.
			logging.Error().Err(err).Str("entry_id", entries[i].ID).Msg("audit entry marshal failed")
			continue
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	segment := trimSegment(sb.String(), l.maxSegmentBytes)
	if err := l.store.Set(key, segment); err != nil {
		return errors.Wrap(err, "write segment")
	}
	return nil
}

// trimSegment drops whole lines from the front until segment fits maxBytes.
// The newest line is always kept, even if it alone exceeds the cap.
func trimSegment(segment string, maxBytes int) string {
	for len(segment) > maxBytes {
		idx := strings.IndexByte(segment, '\n')
		if idx < 0 || idx == len(segment)-1 {
			break
		}
		segment = segment[idx+1:]
	}
	return segment
}

// Export returns the concatenation of every durable segment matching
// category (all categories when empty), each prefixed by a header naming the
// segment, in key enumeration order. Buffered entries are not included; call
// Flush first for an up-to-the-moment export.
func (l *Logger) Export(category string) (string, error) {
	prefix := SegmentPrefix
	if category != "" {
		prefix += category + ":"
	}

	keys, err := l.store.Keys(prefix)
	if err != nil {
		return "", errors.Wrap(err, "[Logger.Export] list segments")
	}

	var sb strings.Builder
	for _, key := range keys {
		value, ok, err := l.store.Get(key)
		if err != nil {
			return "", errors.Wrapf(err, "[Logger.Export] read %s", key)
		}
		if !ok {
			continue
		}
		sb.WriteString("=== ")
		sb.WriteString(key)
		sb.WriteString(" ===\n")
		sb.WriteString(value)
		if !strings.HasSuffix(value, "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

// Clear removes every durable segment matching category (all segments when
// empty). The in-memory buffer is untouched.
func (l *Logger) Clear(category string) error {
	prefix := SegmentPrefix
	if category != "" {
		prefix += category + ":"
	}

	keys, err := l.store.Keys(prefix)
	if err != nil {
		return errors.Wrap(err, "[Logger.Clear] list segments")
	}
	for _, key := range keys {
		if err := l.store.Remove(key); err != nil {
			return errors.Wrapf(err, "[Logger.Clear] remove %s", key)
		}
	}
	return nil
}

// Destroy stops the periodic flush and performs one final flush so no
// buffered entry is lost on teardown. Idempotent.
func (l *Logger) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	ticker := l.ticker
	l.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if err := l.Flush(context.Background()); err != nil {
		logging.Error().Err(err).Msg("final audit flush failed")
	}
}
