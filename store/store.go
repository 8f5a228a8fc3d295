// Package store implements Caesium's store adapter (component C1): a thin,
// typed surface over a MongoDB collection providing insert, find-by-id,
// ordered/paged find, $set-patch, whole-document replace, delete, and bulk
// conditional update, plus the normalization rules the rest of the module
// depends on (hex identifiers at the boundary, native types inside).
//
// The adapter is modeled on nodestorage/v2's StorageImpl: a cache-backed
// wrapper around a *mongo.Collection, but deliberately narrower — Caesium
// does not need optimistic concurrency, change streams, or transactions,
// only the CRUD surface the revision stack and publisher call into.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/urbn/Caesium/caesiumid"
	"github.com/urbn/Caesium/cache"
	"github.com/urbn/Caesium/core"
)

// ErrNotFound is returned by FindByID when no document matches the given id.
var ErrNotFound = errors.New("store: document not found")

// Direction selects ascending or descending sort order for Find.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// WriteResult reports how many documents a write touched, mirroring the
// `{matched, modified, upserted}` shape the specification's store adapter
// contract returns to callers (§4.1).
type WriteResult struct {
	Matched  int64
	Modified int64
	Upserted bool
}

// DeleteResult reports how many documents a delete removed.
type DeleteResult struct {
	N int64
}

// BulkResult reports how many documents a bulk conditional update matched.
type BulkResult struct {
	Matched int64
}

// Schema validates a document before it is written. Validate returns a
// descriptive error (wrapping ErrSchemaViolation) when the document does
// not conform.
type Schema interface {
	Validate(doc bson.M) error
}

// ErrSchemaViolation is the sentinel wrapped by a Schema.Validate failure.
var ErrSchemaViolation = errors.New("store: schema violation")

// Adapter is a typed surface over a single MongoDB collection.
type Adapter struct {
	collection *mongo.Collection
	schema     Schema
	cache      cache.Cache
	cacheTTL   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSchema attaches a Schema validated against on Insert and Update.
func WithSchema(schema Schema) Option {
	return func(a *Adapter) { a.schema = schema }
}

// WithCache attaches a read-through cache in front of FindByID. Update,
// Patch and Delete invalidate the affected id. Insert and BulkSet do not
// touch the cache, so documents changed by BulkSet (or by writes that
// bypass the adapter) can be served stale until their entry expires.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(a *Adapter) {
		a.cache = c
		a.cacheTTL = ttl
	}
}

// New returns an Adapter over collection.
func New(collection *mongo.Collection, opts ...Option) *Adapter {
	a := &Adapter{collection: collection}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collection returns the underlying MongoDB collection for operations this
// adapter does not expose directly.
func (a *Adapter) Collection() *mongo.Collection {
	return a.collection
}

// Insert writes doc, validating it against the adapter's schema first if
// one is configured. If doc carries an "id" field but no native "_id", the
// "id" value is adopted as the document's identity (see prepareDocument).
// Returns the new document's hex id.
func (a *Adapter) Insert(ctx context.Context, doc bson.M) (caesiumid.ID, error) {
	prepared, id, err := prepareDocument(doc)
	if err != nil {
		return caesiumid.Nil, err
	}

	if a.schema != nil {
		if err := a.schema.Validate(prepared); err != nil {
			return caesiumid.Nil, fmt.Errorf("%w: %s", ErrSchemaViolation, err)
		}
	}

	res, err := a.collection.InsertOne(ctx, prepared)
	if err != nil {
		return caesiumid.Nil, fmt.Errorf("store: insert: %w", err)
	}

	if id.IsZero() {
		oid, ok := res.InsertedID.(primitive.ObjectID)
		if !ok {
			return caesiumid.Nil, fmt.Errorf("store: insert: unexpected inserted id type %T", res.InsertedID)
		}
		id = caesiumid.FromNative(oid)
	}

	return id, nil
}

// FindByID fetches a single document by id, checking the cache first when
// one is configured. The native "_id" is stripped and a string "id" is
// added in its place. Returns ErrNotFound if no document matches.
func (a *Adapter) FindByID(ctx context.Context, id caesiumid.ID) (bson.M, error) {
	if a.cache != nil {
		if raw, err := a.cache.Get(ctx, id); err == nil {
			var doc bson.M
			if err := bson.Unmarshal(raw, &doc); err == nil {
				return normalizeDocument(doc), nil
			}
		}
	}

	var raw bson.M
	err := a.collection.FindOne(ctx, bson.M{"_id": id.Native()}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find by id: %w", err)
	}

	doc := normalizeDocument(raw)

	if a.cache != nil {
		if data, err := bson.Marshal(raw); err == nil {
			if err := a.cache.Set(ctx, id, data, a.cacheTTL); err != nil {
				core.Warn("store: failed to populate cache", zap.String("id", id.Hex()), zap.Error(err))
			}
		}
	}

	return doc, nil
}

// FindQuery bundles the ordering and paging parameters for Find.
type FindQuery struct {
	Filter    bson.M
	OrderBy   string
	Direction Direction
	Page      int64
	Limit     int64
}

// Find returns documents matching q.Filter, ordered and paged per q.
func (a *Adapter) Find(ctx context.Context, q FindQuery) ([]bson.M, error) {
	opts := options.Find()

	if q.OrderBy != "" {
		dir := q.Direction
		if dir == 0 {
			dir = Ascending
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: int(dir)}})
	}

	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
		if q.Page > 0 {
			opts.SetSkip(q.Page * q.Limit)
		}
	}

	filter := q.Filter
	if filter == nil {
		filter = bson.M{}
	}

	cursor, err := a.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: find: %w", err)
	}
	defer cursor.Close(ctx)

	results := make([]bson.M, 0)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("store: find: decode: %w", err)
		}
		results = append(results, normalizeDocument(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("store: find: cursor: %w", err)
	}

	return results, nil
}

// Update replaces the whole document under {_id: id}, optionally upserting
// it if it does not exist.
func (a *Adapter) Update(ctx context.Context, id caesiumid.ID, doc bson.M, upsert bool) (WriteResult, error) {
	prepared, _, err := prepareDocument(doc)
	if err != nil {
		return WriteResult{}, err
	}
	delete(prepared, "_id")

	if a.schema != nil {
		if err := a.schema.Validate(prepared); err != nil {
			return WriteResult{}, fmt.Errorf("%w: %s", ErrSchemaViolation, err)
		}
	}

	opts := options.Replace().SetUpsert(upsert)
	res, err := a.collection.ReplaceOne(ctx, bson.M{"_id": id.Native()}, prepared, opts)
	if err != nil {
		return WriteResult{}, fmt.Errorf("store: update: %w", err)
	}

	a.invalidate(ctx, id)

	return WriteResult{
		Matched:  res.MatchedCount,
		Modified: res.ModifiedCount,
		Upserted: res.UpsertedID != nil,
	}, nil
}

// Patch applies attrs as a MongoDB $set under {_id: id}. Any "_id"/"id"
// present in attrs is stripped first; a patch must never be able to move
// a document's identity.
func (a *Adapter) Patch(ctx context.Context, id caesiumid.ID, attrs bson.M) (WriteResult, error) {
	clean := bson.M{}
	for k, v := range attrs {
		if k == "_id" || k == "id" {
			continue
		}
		clean[k] = v
	}

	res, err := a.collection.UpdateOne(ctx, bson.M{"_id": id.Native()}, bson.M{"$set": clean})
	if err != nil {
		return WriteResult{}, fmt.Errorf("store: patch: %w", err)
	}

	a.invalidate(ctx, id)

	return WriteResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// Delete removes the document under {_id: id}.
func (a *Adapter) Delete(ctx context.Context, id caesiumid.ID) (DeleteResult, error) {
	res, err := a.collection.DeleteOne(ctx, bson.M{"_id": id.Native()})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("store: delete: %w", err)
	}

	a.invalidate(ctx, id)

	return DeleteResult{N: res.DeletedCount}, nil
}

// BulkSet applies attrs as a $set across every document matching filter.
// Used by the publisher to claim a batch of due revisions in one round
// trip (spec §4.4 step 2).
func (a *Adapter) BulkSet(ctx context.Context, filter bson.M, attrs bson.M) (BulkResult, error) {
	res, err := a.collection.UpdateMany(ctx, filter, bson.M{"$set": attrs})
	if err != nil {
		return BulkResult{}, fmt.Errorf("store: bulk set: %w", err)
	}
	return BulkResult{Matched: res.MatchedCount}, nil
}

func (a *Adapter) invalidate(ctx context.Context, id caesiumid.ID) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, id); err != nil {
		core.Warn("store: failed to invalidate cache entry", zap.String("id", id.Hex()), zap.Error(err))
	}
}

// prepareDocument normalizes a user-supplied document for storage: if it
// carries a string "id" but no native "_id", that id is adopted as the
// document's identity and the "id" key is dropped; if it carries a string
// "_id", that string is coerced to the native ObjectID type. The resolved
// id (or caesiumid.Nil if the store should generate one) is returned
// alongside the prepared document.
func prepareDocument(doc bson.M) (bson.M, caesiumid.ID, error) {
	prepared := make(bson.M, len(doc))
	for k, v := range doc {
		prepared[k] = v
	}

	if rawID, ok := prepared["_id"]; ok {
		switch v := rawID.(type) {
		case string:
			id, err := caesiumid.FromHex(v)
			if err != nil {
				return nil, caesiumid.Nil, caesiumid.ErrMalformedID
			}
			prepared["_id"] = id.Native()
			delete(prepared, "id")
			return prepared, id, nil
		case primitive.ObjectID:
			delete(prepared, "id")
			return prepared, caesiumid.FromNative(v), nil
		case caesiumid.ID:
			prepared["_id"] = v.Native()
			delete(prepared, "id")
			return prepared, v, nil
		}
	}

	if rawID, ok := prepared["id"]; ok {
		if s, ok := rawID.(string); ok && s != "" {
			id, err := caesiumid.FromHex(s)
			if err != nil {
				return nil, caesiumid.Nil, caesiumid.ErrMalformedID
			}
			prepared["_id"] = id.Native()
			delete(prepared, "id")
			return prepared, id, nil
		}
	}

	delete(prepared, "id")
	return prepared, caesiumid.Nil, nil
}

// normalizeDocument converts a raw document read from the store into its
// API-boundary form: the native "_id" becomes a string "id", and any
// datetime, timestamp, or identifier values nested within are encoded per
// §4.1 (datetimes to epoch seconds, timestamps to their seconds field,
// identifiers to hex strings).
func normalizeDocument(raw bson.M) bson.M {
	out := make(bson.M, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		out[k] = normalizeValue(v)
	}
	if oid, ok := raw["_id"].(primitive.ObjectID); ok {
		out["id"] = oid.Hex()
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().Unix()
	case time.Time:
		return t.Unix()
	case primitive.Timestamp:
		return int64(t.T)
	case bson.M:
		return normalizeDocument(t)
	case bson.D:
		return normalizeDocument(t.Map())
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
