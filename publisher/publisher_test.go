package publisher

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

	"github.com/urbn/Caesium/stack"
	"github.com/urbn/Caesium/store"
)

func setupPublisherFixture(t *testing.T) ([]Collection, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	require.NoError(t, err, "failed to connect to MongoDB")

	suffix := primitive.NewObjectID().Hex()
	db := client.Database("caesium_test")

	targetCol := db.Collection("pub_widgets_" + suffix)
	revisionsCol := db.Collection("pub_widgets_" + suffix + "_revisions")
	previewsCol := db.Collection("pub_previews_" + suffix)

	cols := []Collection{{
		Name:      "widgets",
		Target:    store.New(targetCol),
		Revisions: store.New(revisionsCol),
		Previews:  store.New(previewsCol),
	}}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = targetCol.Drop(ctx)
		_ = revisionsCol.Drop(ctx)
		_ = previewsCol.Drop(ctx)
		if err := client.Disconnect(ctx); err != nil {
			t.Logf("failed to disconnect from MongoDB: %v", err)
		}
	}

	return cols, cleanup
}

func TestTickClaimsAndAppliesDueRevisions(t *testing.T) {
	cols, cleanup := setupPublisherFixture(t)
	defer cleanup()
	ctx := context.Background()

	col := cols[0]
	masterID, err := col.Target.Insert(ctx, bson.M{"attr1": "a"})
	require.NoError(t, err)

	s := stack.New(col.Name, masterID, col.Target, col.Revisions, col.Previews)
	due := time.Now().Add(-3 * time.Minute).Unix()
	_, err = s.Push(ctx, bson.M{"attr1": "b"}, &due, nil)
	require.NoError(t, err)

	pub := New(cols, time.Minute)
	pub.Tick(ctx)

	doc, err := col.Target.FindByID(ctx, masterID)
	require.NoError(t, err)
	assert.Equal(t, "b", doc["attr1"])

	// The update push also created a lazy-migration insert revision for the
	// legacy master; only the pushed update revision is checked here.
	revs, err := col.Revisions.Find(ctx, store.FindQuery{Filter: bson.M{"master_id": masterID.Hex(), "action": "update"}})
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, true, revs[0]["processed"])
	assert.Equal(t, false, revs[0]["inProcess"])
}

func TestTickIgnoresNotYetDueRevisions(t *testing.T) {
	cols, cleanup := setupPublisherFixture(t)
	defer cleanup()
	ctx := context.Background()

	col := cols[0]
	masterID, err := col.Target.Insert(ctx, bson.M{"attr1": "a"})
	require.NoError(t, err)

	s := stack.New(col.Name, masterID, col.Target, col.Revisions, col.Previews)
	future := time.Now().Add(time.Hour).Unix()
	_, err = s.Push(ctx, bson.M{"attr1": "b"}, &future, nil)
	require.NoError(t, err)

	pub := New(cols, time.Minute)
	pub.Tick(ctx)

	doc, err := col.Target.FindByID(ctx, masterID)
	require.NoError(t, err)
	assert.Equal(t, "a", doc["attr1"])
}

func TestStartStopLifecycle(t *testing.T) {
	cols, cleanup := setupPublisherFixture(t)
	defer cleanup()

	pub := New(cols, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	pub.Stop()
}
