// Package mongo implements the knowledge-base Store on MongoDB. A unique
// compound {key, version} index makes the losing writer of a concurrent
// append observe a duplicate-key error, surfaced as store.ErrConflict.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fipago/mas/kb/store"
)

const collectionName = "kb_items"

type (
	// Options configures the store.
	Options struct {
		// URI is the MongoDB connection string. Required.
		URI string
		// Database defaults to "mas".
		Database string
	}

	// Store is a MongoDB-backed store.Store.
	Store struct {
		client *mongo.Client
		coll   *mongo.Collection
		now    func() time.Time
	}

	doc struct {
		Key         string    `bson:"key"`
		Version     int       `bson:"version"`
		ETag        string    `bson:"etag"`
		ContentType string    `bson:"content_type"`
		Value       any       `bson:"value"`
		Tags        []string  `bson:"tags"`
		SessionID   string    `bson:"session_id"`
		CreatedAt   time.Time `bson:"created_at"`
		CreatedBy   string    `bson:"created_by"`
		Deleted     bool      `bson:"deleted"`
	}
)

var _ store.Store = (*Store)(nil)

// Open connects to MongoDB and ensures the indexes.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo: URI is required")
	}
	if opts.Database == "" {
		opts.Database = "mas"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	coll := client.Database(opts.Database).Collection(collectionName)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "session_id", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return &Store{client: client, coll: coll, now: time.Now}, nil
}

// Put appends the next version of p.Key. The head read and the insert are
// not transactional; the unique index arbitrates races and the losing writer
// gets ErrConflict from the duplicate key.
func (s *Store) Put(ctx context.Context, p store.Put) (store.Item, error) {
	if !store.ValidKey(p.Key) {
		return store.Item{}, fmt.Errorf("put %q: %w", p.Key, store.ErrInvalidKey)
	}

	var head doc
	err := s.coll.FindOne(ctx,
		bson.D{{Key: "key", Value: p.Key}, {Key: "deleted", Value: false}},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&head)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		head = doc{}
	case err != nil:
		return store.Item{}, fmt.Errorf("put %q: head: %w", p.Key, err)
	}
	if err := checkIfMatch(p.IfMatch, head.Version, head.ETag); err != nil {
		return store.Item{}, err
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	d := doc{
		Key:         p.Key,
		Version:     head.Version + 1,
		ETag:        uuid.NewString(),
		ContentType: contentType,
		Value:       p.Value,
		Tags:        emptyIfNil(p.Tags),
		SessionID:   store.SessionID(p.Key),
		CreatedAt:   s.now().UTC().Truncate(time.Millisecond),
		CreatedBy:   p.CreatedBy,
	}
	if _, err := s.coll.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.Item{}, fmt.Errorf("put %q v%d: %w", p.Key, d.Version, store.ErrConflict)
		}
		return store.Item{}, fmt.Errorf("put %q: insert: %w", p.Key, err)
	}
	return d.item(), nil
}

// Get resolves an explicit version, an as-of snapshot, or the latest.
func (s *Store) Get(ctx context.Context, g store.Get) (store.Item, error) {
	filter := bson.D{{Key: "key", Value: g.Key}, {Key: "deleted", Value: false}}
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	switch {
	case g.Version > 0:
		filter = append(filter, bson.E{Key: "version", Value: g.Version})
	case !g.AsOf.IsZero():
		filter = append(filter, bson.E{Key: "created_at", Value: bson.D{{Key: "$lte", Value: g.AsOf}}})
	}

	var d doc
	err := s.coll.FindOne(ctx, filter, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Item{}, fmt.Errorf("get %q: %w", g.Key, store.ErrNotFound)
	}
	if err != nil {
		return store.Item{}, fmt.Errorf("get %q: %w", g.Key, err)
	}
	return d.item(), nil
}

// ListSession returns every live item version of a session, ordered by key
// then version.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]store.Item, error) {
	cur, err := s.coll.Find(ctx,
		bson.D{{Key: "session_id", Value: sessionID}, {Key: "deleted", Value: false}},
		options.Find().SetSort(bson.D{{Key: "key", Value: 1}, {Key: "version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list session %q: %w", sessionID, err)
	}
	defer cur.Close(ctx)

	var out []store.Item
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("list session %q: decode: %w", sessionID, err)
		}
		out = append(out, d.item())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list session %q: %w", sessionID, err)
	}
	return out, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (d doc) item() store.Item {
	return store.Item{
		Key:         d.Key,
		Version:     d.Version,
		ETag:        d.ETag,
		ContentType: d.ContentType,
		Value:       d.Value,
		Tags:        d.Tags,
		SessionID:   d.SessionID,
		StoredAt:    d.CreatedAt,
		CreatedBy:   d.CreatedBy,
	}
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

func emptyIfNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
