// Package storage defines the durable key-value contract shared by the
// session manager (snapshot persistence) and the audit logger (log segments).
// Implementations are selected by the embedding application; the core never
// sniffs its environment to pick one.
package storage

// Store is a flat key-value store. Values are opaque strings; keys are
// namespaced by convention ("session:", "audit:log:").
type Store interface {
	// Get returns the value for key. The second return is false when the key
	// is absent.
	Get(key string) (string, bool, error)

	// Set writes value under key, overwriting any previous value.
	Set(key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error

	// Keys returns all keys beginning with prefix, in lexicographic order.
	Keys(prefix string) ([]string, error)
}
