// Package store defines the persistence contract of the knowledge base:
// append-only versioned items addressed by a five-segment key. Backends
// (inmem, sqlite, mongo) enforce one invariant: each version of a key is
// written exactly once; a losing concurrent writer observes ErrConflict.
package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound reports a missing key, version or as-of snapshot.
	ErrNotFound = errors.New("kb: not found")
	// ErrConflict reports a failed compare-and-append: the if_match
	// precondition missed or another writer claimed the version.
	ErrConflict = errors.New("kb: version conflict")
	// ErrInvalidKey reports a key that does not match the five-segment
	// grammar.
	ErrInvalidKey = errors.New("kb: invalid key")
)

// keyPattern is the five-segment key grammar, for example
// "session:sess-42:chat:timeline:main".
var keyPattern = regexp.MustCompile(`^[a-z0-9._-]+(:[a-z0-9._-]+){4}$`)

// ValidKey reports whether key matches the five-segment grammar.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// SessionID extracts the session identifier from a key whose first segment
// is "session"; other keys yield "".
func SessionID(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) == 5 && parts[0] == "session" {
		return parts[1]
	}
	return ""
}

type (
	// Item is one stored version of a key.
	Item struct {
		Key         string
		Version     int
		ETag        string
		ContentType string
		Value       any
		Tags        []string
		SessionID   string
		StoredAt    time.Time
		CreatedBy   string
	}

	// Put is an append request. IfMatch holds the raw precondition ("vN" or
	// an ETag); empty means unconditional.
	Put struct {
		Key         string
		ContentType string
		Value       any
		Tags        []string
		CreatedBy   string
		IfMatch     string
	}

	// Get addresses one version: explicit Version > 0 wins, otherwise a
	// non-zero AsOf selects the newest version stored at or before it,
	// otherwise the latest version is returned.
	Get struct {
		Key     string
		Version int
		AsOf    time.Time
	}

	// Store is the backend contract. Put returns the stored item with its
	// assigned version and etag.
	Store interface {
		Put(ctx context.Context, p Put) (Item, error)
		Get(ctx context.Context, g Get) (Item, error)
		// ListSession returns every live item version belonging to a
		// session, ordered by key then version.
		ListSession(ctx context.Context, sessionID string) ([]Item, error)
		Close() error
	}
)
