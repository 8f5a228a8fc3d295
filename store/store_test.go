package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/urbn/Caesium/cache"
	"github.com/urbn/Caesium/caesiumid"
)

// setupTestCollection connects to a local MongoDB instance and returns a
// uniquely-named scratch collection, mirroring nodestorage/v2's own
// integration test setup.
func setupTestCollection(t *testing.T) (*mongo.Collection, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	require.NoError(t, err, "failed to connect to MongoDB")

	collection := client.Database("caesium_test").Collection("store_" + primitive.NewObjectID().Hex())

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := collection.Drop(ctx); err != nil {
			t.Logf("failed to drop test collection: %v", err)
		}
		if err := client.Disconnect(ctx); err != nil {
			t.Logf("failed to disconnect from MongoDB: %v", err)
		}
	}

	return collection, cleanup
}

func TestInsertAndFindByID(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	id, err := adapter.Insert(ctx, bson.M{"name": "widget", "value": 1})
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	doc, err := adapter.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id.Hex(), doc["id"])
	assert.Equal(t, "widget", doc["name"])
}

func TestFindByIDNotFound(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	_, err := adapter.FindByID(ctx, caesiumid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertAdoptsSuppliedID(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	want := caesiumid.New()
	id, err := adapter.Insert(ctx, bson.M{"id": want.Hex(), "name": "widget"})
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), id.Hex())
}

func TestPatchAppliesSet(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	id, err := adapter.Insert(ctx, bson.M{"patch": bson.M{"foo": "bar"}})
	require.NoError(t, err)

	res, err := adapter.Patch(ctx, id, bson.M{"patch.baz": true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matched)

	doc, err := adapter.FindByID(ctx, id)
	require.NoError(t, err)
	nested, ok := doc["patch"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, "bar", nested["foo"])
	assert.Equal(t, true, nested["baz"])
}

func TestPatchStripsIdentityFields(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	id, err := adapter.Insert(ctx, bson.M{"value": 1})
	require.NoError(t, err)

	other := caesiumid.New()
	_, err = adapter.Patch(ctx, id, bson.M{"_id": other.Hex(), "id": other.Hex(), "value": 2})
	require.NoError(t, err)

	doc, err := adapter.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id.Hex(), doc["id"])
	assert.Equal(t, int32(2), doc["value"])
}

func TestDeleteRemovesDocument(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	id, err := adapter.Insert(ctx, bson.M{"value": 1})
	require.NoError(t, err)

	res, err := adapter.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.N)

	_, err = adapter.FindByID(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindOrdersAndPages(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := adapter.Insert(ctx, bson.M{"seq": i})
		require.NoError(t, err)
	}

	docs, err := adapter.Find(ctx, FindQuery{
		OrderBy:   "seq",
		Direction: Ascending,
		Limit:     2,
		Page:      1,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int32(2), docs[0]["seq"])
	assert.Equal(t, int32(3), docs[1]["seq"])
}

func TestBulkSetAppliesToMatching(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	adapter := New(collection)
	ctx := context.Background()

	_, err := adapter.Insert(ctx, bson.M{"group": "a", "done": false})
	require.NoError(t, err)
	_, err = adapter.Insert(ctx, bson.M{"group": "a", "done": false})
	require.NoError(t, err)
	_, err = adapter.Insert(ctx, bson.M{"group": "b", "done": false})
	require.NoError(t, err)

	res, err := adapter.BulkSet(ctx, bson.M{"group": "a"}, bson.M{"done": true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Matched)
}

func TestFindByIDUsesCache(t *testing.T) {
	collection, cleanup := setupTestCollection(t)
	defer cleanup()

	memCache := cache.NewMemoryCache(time.Hour)
	adapter := New(collection, WithCache(memCache, time.Hour))
	ctx := context.Background()

	id, err := adapter.Insert(ctx, bson.M{"value": 1})
	require.NoError(t, err)

	_, err = adapter.FindByID(ctx, id)
	require.NoError(t, err)

	// Remove the document directly, bypassing the adapter: a cache hit
	// should still serve the stale copy.
	_, err = collection.DeleteOne(ctx, bson.M{"_id": id.Native()})
	require.NoError(t, err)

	doc, err := adapter.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), doc["value"])
}
