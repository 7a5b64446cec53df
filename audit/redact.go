package audit

import "regexp"

// Redaction placeholders. None of them match any redaction pattern, which is
// what makes Redact idempotent.
const (
	redactedEmail   = "[REDACTED:email]"
	redactedID      = "[REDACTED:id]"
	redactedSession = "[REDACTED:session]"
	redactedField   = "[REDACTED]"
)

var (
	// userId/sessionId-shaped JSON fields, whatever their value.
	jsonFieldPattern = regexp.MustCompile(`"(userId|sessionId)"\s*:\s*"[^"]*"`)

	// sess_-prefixed session identifiers.
	sessionIDPattern = regexp.MustCompile(`sess_[0-9a-fA-F]{8,}`)

	// UUID-shaped identifiers (user IDs, token IDs).
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

	// Email addresses.
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Redact masks user identifiers, session identifiers, email addresses, and
// userId-shaped JSON fields in exported log text. It is a pure display-time
// transform: stored segments keep full detail for authorized export. Redact
// is idempotent; redacting already-redacted text is a no-op.
func Redact(s string) string {
	s = jsonFieldPattern.ReplaceAllString(s, `"$1":"`+redactedField+`"`)
	s = sessionIDPattern.ReplaceAllString(s, redactedSession)
	s = uuidPattern.ReplaceAllString(s, redactedID)
	s = emailPattern.ReplaceAllString(s, redactedEmail)
	return s
}
