// Package audit provides the buffered, categorized event log that every
// session transition and security-relevant action is funneled through.
// Entries are cheap to create, buffered in memory, and periodically flushed
// into size-capped per-category segments in the durable store.
package audit

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Level orders entries by severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

var levelNames = map[Level]string{
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarn:     "WARN",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// MarshalJSON encodes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for level, n := range levelNames {
		if n == name {
			*l = level
			return nil
		}
	}
	return errors.Errorf("unknown log level %q", name)
}

// Well-known categories. Category is free-form; these cover the core's own
// traffic.
const (
	CategorySession  = "SESSION"
	CategoryAuth     = "AUTH"
	CategorySecurity = "SECURITY"
	CategoryDatabase = "DATABASE"
	CategoryError    = "ERROR"
)

// ErrorDetail captures an error attached to an entry.
type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DetailFromError builds an ErrorDetail, using the pkg/errors cause chain for
// the name and the %+v rendering for the stack when one is attached.
func DetailFromError(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	return &ErrorDetail{
		Name:    fmt.Sprintf("%T", errors.Cause(err)),
		Message: err.Error(),
		Stack:   fmt.Sprintf("%+v", err),
	}
}

// Entry is a single log record. Entries are immutable once created.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
}

// EntryOption attaches optional fields to an entry at creation time.
type EntryOption func(*Entry)

// WithData attaches a structured payload.
func WithData(data map[string]any) EntryOption {
	return func(e *Entry) { e.Data = data }
}

// WithUserID attaches the acting user's ID.
func WithUserID(userID string) EntryOption {
	return func(e *Entry) { e.UserID = userID }
}

// WithSessionID attaches the session ID.
func WithSessionID(sessionID string) EntryOption {
	return func(e *Entry) { e.SessionID = sessionID }
}

// WithError attaches error detail.
func WithError(err error) EntryOption {
	return func(e *Entry) { e.Error = DetailFromError(err) }
}
