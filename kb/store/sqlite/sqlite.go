// Package sqlite implements the knowledge-base Store on SQLite. The schema
// keeps every version of every key in one table with a UNIQUE(key, version)
// index, so the losing writer of a concurrent append hits the constraint and
// surfaces store.ErrConflict.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/fipago/mas/kb/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS kb_items (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	key          TEXT    NOT NULL,
	version      INTEGER NOT NULL,
	etag         TEXT    NOT NULL,
	content_type TEXT    NOT NULL DEFAULT 'application/json',
	value        TEXT    NOT NULL,
	tags         TEXT    NOT NULL DEFAULT '[]',
	session_id   TEXT    NOT NULL DEFAULT '',
	created_at   TEXT    NOT NULL,
	created_unix INTEGER NOT NULL,
	created_by   TEXT    NOT NULL DEFAULT '',
	deleted      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (key, version)
);
CREATE INDEX IF NOT EXISTS kb_items_session ON kb_items (session_id);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to the SQLite database at dsn (a file path or a
// "file:..." URI) and ensures the schema. The pool is pinned to a single
// connection; SQLite serializes writers anyway and one connection keeps
// transaction ordering deterministic.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Put appends the next version of p.Key inside an immediate transaction so
// the precondition check and the insert are atomic.
func (s *Store) Put(ctx context.Context, p store.Put) (store.Item, error) {
	if !store.ValidKey(p.Key) {
		return store.Item{}, fmt.Errorf("put %q: %w", p.Key, store.ErrInvalidKey)
	}
	value, err := json.Marshal(p.Value)
	if err != nil {
		return store.Item{}, fmt.Errorf("put %q: encode value: %w", p.Key, err)
	}
	tags, err := json.Marshal(emptyIfNil(p.Tags))
	if err != nil {
		return store.Item{}, fmt.Errorf("put %q: encode tags: %w", p.Key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Item{}, fmt.Errorf("put %q: begin: %w", p.Key, err)
	}
	defer tx.Rollback()

	var headVersion int
	var headETag string
	err = tx.QueryRowContext(ctx,
		`SELECT version, etag FROM kb_items WHERE key = ? AND deleted = 0 ORDER BY version DESC LIMIT 1`,
		p.Key).Scan(&headVersion, &headETag)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		headVersion, headETag = 0, ""
	case err != nil:
		return store.Item{}, fmt.Errorf("put %q: head: %w", p.Key, err)
	}
	if err := checkIfMatch(p.IfMatch, headVersion, headETag); err != nil {
		return store.Item{}, err
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	item := store.Item{
		Key:         p.Key,
		Version:     headVersion + 1,
		ETag:        uuid.NewString(),
		ContentType: contentType,
		Value:       p.Value,
		Tags:        emptyIfNil(p.Tags),
		SessionID:   store.SessionID(p.Key),
		StoredAt:    s.now().UTC(),
		CreatedBy:   p.CreatedBy,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kb_items (key, version, etag, content_type, value, tags, session_id, created_at, created_unix, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Key, item.Version, item.ETag, item.ContentType, string(value), string(tags),
		item.SessionID, item.StoredAt.Format(time.RFC3339Nano), item.StoredAt.UnixNano(), item.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Item{}, fmt.Errorf("put %q v%d: %w", p.Key, item.Version, store.ErrConflict)
		}
		return store.Item{}, fmt.Errorf("put %q: insert: %w", p.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Item{}, fmt.Errorf("put %q: commit: %w", p.Key, err)
	}
	return item, nil
}

// Get resolves an explicit version, an as-of snapshot, or the latest.
func (s *Store) Get(ctx context.Context, g store.Get) (store.Item, error) {
	const cols = `key, version, etag, content_type, value, tags, session_id, created_unix, created_by`
	var row *sql.Row
	switch {
	case g.Version > 0:
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM kb_items WHERE key = ? AND version = ? AND deleted = 0`,
			g.Key, g.Version)
	case !g.AsOf.IsZero():
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM kb_items WHERE key = ? AND deleted = 0 AND created_unix <= ?
			 ORDER BY version DESC LIMIT 1`,
			g.Key, g.AsOf.UnixNano())
	default:
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM kb_items WHERE key = ? AND deleted = 0
			 ORDER BY version DESC LIMIT 1`,
			g.Key)
	}
	item, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Item{}, fmt.Errorf("get %q: %w", g.Key, store.ErrNotFound)
	}
	if err != nil {
		return store.Item{}, fmt.Errorf("get %q: %w", g.Key, err)
	}
	return item, nil
}

// ListSession returns every live item version of a session, ordered by key
// then version.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]store.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, version, etag, content_type, value, tags, session_id, created_unix, created_by
		 FROM kb_items WHERE session_id = ? AND deleted = 0 ORDER BY key, version`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []store.Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list session %q: %w", sessionID, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session %q: %w", sessionID, err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func scanItem(scan func(dest ...any) error) (store.Item, error) {
	var (
		item        store.Item
		value, tags string
		createdUnix int64
	)
	if err := scan(&item.Key, &item.Version, &item.ETag, &item.ContentType,
		&value, &tags, &item.SessionID, &createdUnix, &item.CreatedBy); err != nil {
		return store.Item{}, err
	}
	if err := json.Unmarshal([]byte(value), &item.Value); err != nil {
		return store.Item{}, fmt.Errorf("decode value: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return store.Item{}, fmt.Errorf("decode tags: %w", err)
	}
	item.StoredAt = time.Unix(0, createdUnix).UTC()
	return item, nil
}

func checkIfMatch(ifMatch string, headVersion int, headETag string) error {
	ifMatch = strings.TrimSpace(ifMatch)
	if ifMatch == "" {
		return nil
	}
	if headVersion == 0 {
		return fmt.Errorf("if_match %q on empty history: %w", ifMatch, store.ErrConflict)
	}
	if strings.HasPrefix(ifMatch, "v") {
		if n, err := strconv.Atoi(ifMatch[1:]); err == nil {
			if n != headVersion {
				return fmt.Errorf("if_match %q, head v%d: %w", ifMatch, headVersion, store.ErrConflict)
			}
			return nil
		}
	}
	if ifMatch != headETag {
		return fmt.Errorf("if_match etag mismatch: %w", store.ErrConflict)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func emptyIfNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
