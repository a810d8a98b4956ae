// Package inmem provides an in-memory Store used by tests and local runs.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fipago/mas/kb/store"
)

// Store keeps every version of every key in process memory.
type Store struct {
	mu    sync.Mutex
	items map[string][]store.Item // versions in ascending order
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string][]store.Item), now: time.Now}
}

// Put appends the next version of p.Key after checking the if_match
// precondition against the current head.
func (s *Store) Put(ctx context.Context, p store.Put) (store.Item, error) {
	if !store.ValidKey(p.Key) {
		return store.Item{}, fmt.Errorf("put %q: %w", p.Key, store.ErrInvalidKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.items[p.Key]
	if err := checkIfMatch(p.IfMatch, versions); err != nil {
		return store.Item{}, err
	}
	next := 1
	if n := len(versions); n > 0 {
		next = versions[n-1].Version + 1
	}
	item := store.Item{
		Key:         p.Key,
		Version:     next,
		ETag:        uuid.NewString(),
		ContentType: p.ContentType,
		Value:       p.Value,
		Tags:        append([]string(nil), p.Tags...),
		SessionID:   store.SessionID(p.Key),
		StoredAt:    s.now().UTC(),
		CreatedBy:   p.CreatedBy,
	}
	s.items[p.Key] = append(versions, item)
	return item, nil
}

// Get resolves an explicit version, an as-of snapshot, or the latest.
func (s *Store) Get(ctx context.Context, g store.Get) (store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.items[g.Key]
	if len(versions) == 0 {
		return store.Item{}, fmt.Errorf("get %q: %w", g.Key, store.ErrNotFound)
	}
	if g.Version > 0 {
		for _, it := range versions {
			if it.Version == g.Version {
				return it, nil
			}
		}
		return store.Item{}, fmt.Errorf("get %q v%d: %w", g.Key, g.Version, store.ErrNotFound)
	}
	if !g.AsOf.IsZero() {
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].StoredAt.After(g.AsOf) {
				return versions[i], nil
			}
		}
		return store.Item{}, fmt.Errorf("get %q as of %s: %w", g.Key, g.AsOf.Format(time.RFC3339), store.ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

// ListSession returns every version of every key in the session, ordered by
// key then version.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Item
	for _, versions := range s.items {
		for _, it := range versions {
			if it.SessionID == sessionID {
				out = append(out, it)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// checkIfMatch validates a precondition against the stored versions: "vN"
// against the head version number, anything else against the head etag.
func checkIfMatch(ifMatch string, versions []store.Item) error {
	ifMatch = strings.TrimSpace(ifMatch)
	if ifMatch == "" {
		return nil
	}
	if len(versions) == 0 {
		return fmt.Errorf("if_match %q on empty history: %w", ifMatch, store.ErrConflict)
	}
	head := versions[len(versions)-1]
	if strings.HasPrefix(ifMatch, "v") {
		if n, err := strconv.Atoi(ifMatch[1:]); err == nil {
			if n != head.Version {
				return fmt.Errorf("if_match %q, head v%d: %w", ifMatch, head.Version, store.ErrConflict)
			}
			return nil
		}
	}
	if ifMatch != head.ETag {
		return fmt.Errorf("if_match etag mismatch: %w", store.ErrConflict)
	}
	return nil
}
