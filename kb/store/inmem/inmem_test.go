package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fipago/mas/kb/store"
)

const key = "session:sess-1:chat:timeline:main"

func TestPutAssignsVersionsAndETags(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.Put(ctx, store.Put{Key: key, ContentType: "application/json", Value: "a", CreatedBy: "coordinator@mas"})
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)
	require.NotEmpty(t, first.ETag)
	require.Equal(t, "sess-1", first.SessionID)

	second, err := s.Put(ctx, store.Put{Key: key, Value: "b"})
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
	require.NotEqual(t, first.ETag, second.ETag)
}

func TestPutRejectsInvalidKey(t *testing.T) {
	_, err := New().Put(context.Background(), store.Put{Key: "only:three:segments"})
	require.ErrorIs(t, err, store.ErrInvalidKey)
}

func TestIfMatchVersionSpelling(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Put(ctx, store.Put{Key: key, Value: "a"})
	require.NoError(t, err)

	_, err = s.Put(ctx, store.Put{Key: key, Value: "b", IfMatch: "v1"})
	require.NoError(t, err)

	_, err = s.Put(ctx, store.Put{Key: key, Value: "c", IfMatch: "v1"})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestIfMatchETagSpelling(t *testing.T) {
	ctx := context.Background()
	s := New()
	head, err := s.Put(ctx, store.Put{Key: key, Value: "a"})
	require.NoError(t, err)

	_, err = s.Put(ctx, store.Put{Key: key, Value: "b", IfMatch: head.ETag})
	require.NoError(t, err)

	_, err = s.Put(ctx, store.Put{Key: key, Value: "c", IfMatch: head.ETag})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestIfMatchOnEmptyHistoryConflicts(t *testing.T) {
	_, err := New().Put(context.Background(), store.Put{Key: key, Value: "a", IfMatch: "v1"})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestGetLatestVersionAndAsOf(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, err := s.Put(ctx, store.Put{Key: key, Value: "a"})
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	_, err = s.Put(ctx, store.Put{Key: key, Value: "b"})
	require.NoError(t, err)

	latest, err := s.Get(ctx, store.Get{Key: key})
	require.NoError(t, err)
	require.Equal(t, "b", latest.Value)

	v1, err := s.Get(ctx, store.Get{Key: key, Version: 1})
	require.NoError(t, err)
	require.Equal(t, "a", v1.Value)

	asOf, err := s.Get(ctx, store.Get{Key: key, AsOf: clock.Add(-30 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, "a", asOf.Value)

	// Explicit version wins over as_of.
	both, err := s.Get(ctx, store.Get{Key: key, Version: 2, AsOf: clock.Add(-30 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, "b", both.Value)
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, store.Get{Key: key})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Put(ctx, store.Put{Key: key, Value: "a"})
	require.NoError(t, err)
	_, err = s.Get(ctx, store.Get{Key: key, Version: 9})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(ctx, store.Get{Key: key, AsOf: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSession(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Put(ctx, store.Put{Key: "session:sess-1:chat:frame:2", Value: "f2"})
	require.NoError(t, err)
	_, err = s.Put(ctx, store.Put{Key: "session:sess-1:chat:frame:1", Value: "f1"})
	require.NoError(t, err)
	_, err = s.Put(ctx, store.Put{Key: key, Value: "t1"})
	require.NoError(t, err)
	_, err = s.Put(ctx, store.Put{Key: key, Value: "t2"})
	require.NoError(t, err)
	_, err = s.Put(ctx, store.Put{Key: "session:sess-2:chat:timeline:main", Value: "other"})
	require.NoError(t, err)

	items, err := s.ListSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.Equal(t, "session:sess-1:chat:frame:1", items[0].Key)
	require.Equal(t, "session:sess-1:chat:frame:2", items[1].Key)
	require.Equal(t, key, items[2].Key)
	require.Equal(t, 1, items[2].Version)
	require.Equal(t, 2, items[3].Version)
}

func TestKeyGrammar(t *testing.T) {
	require.True(t, store.ValidKey("session:sess-1:chat:timeline:main"))
	require.True(t, store.ValidKey("kb:self:meta:info:v_1.0"))
	require.False(t, store.ValidKey("session:sess-1:chat:timeline"))
	require.False(t, store.ValidKey("session:sess-1:chat:timeline:main:extra"))
	require.False(t, store.ValidKey("Session:sess-1:chat:timeline:main"))
	require.False(t, store.ValidKey("session:sess 1:chat:timeline:main"))
	require.False(t, store.ValidKey(""))

	require.Equal(t, "sess-1", store.SessionID("session:sess-1:chat:timeline:main"))
	require.Equal(t, "", store.SessionID("kb:self:meta:info:x"))
}
