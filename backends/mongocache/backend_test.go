package mongocache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stumble/dogpile"
)

// requireMongo skips the test unless a MongoDB instance is reachable at
// 127.0.0.1:27017. These tests exercise the wire behavior against a real
// server rather than mocking the protocol.
func requireMongo(t *testing.T) *Backend {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://127.0.0.1:27017"))
	if err != nil {
		t.Skipf("mongo not reachable at 127.0.0.1:27017: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("mongo not reachable at 127.0.0.1:27017: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("dogpile_test")
	coll := db.Collection("cache_values")
	lockColl := db.Collection("cache_locks")
	t.Cleanup(func() {
		_, _ = coll.DeleteMany(context.Background(), bson.M{})
		_, _ = lockColl.DeleteMany(context.Background(), bson.M{})
	})
	return New(Config{Collection: coll, LockCollection: lockColl})
}

func TestBackend_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	b := requireMongo(t)

	_, ok, err := b.Get(ctx, "dogpile_test_k1")
	require.NoError(t, err)
	assert.False(t, ok)

	cv := dogpile.CachedValue{Payload: []byte("hello"), Metadata: dogpile.Metadata{CreatedAt: 1, Version: dogpile.FormatVersion}}
	require.NoError(t, b.Set(ctx, "dogpile_test_k1", cv))

	got, ok, err := b.Get(ctx, "dogpile_test_k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cv, got)

	require.NoError(t, b.Delete(ctx, "dogpile_test_k1"))
	_, ok, err = b.Get(ctx, "dogpile_test_k1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an already-absent key is not an error.
	require.NoError(t, b.Delete(ctx, "dogpile_test_k1"))
}

func TestBackend_SetOverwritesExistingDocument(t *testing.T) {
	ctx := context.Background()
	b := requireMongo(t)

	cv1 := dogpile.CachedValue{Payload: []byte("v1"), Metadata: dogpile.Metadata{Version: dogpile.FormatVersion}}
	cv2 := dogpile.CachedValue{Payload: []byte("v2"), Metadata: dogpile.Metadata{Version: dogpile.FormatVersion}}
	require.NoError(t, b.Set(ctx, "dogpile_test_overwrite", cv1))
	require.NoError(t, b.Set(ctx, "dogpile_test_overwrite", cv2))

	got, ok, err := b.Get(ctx, "dogpile_test_overwrite")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cv2, got)
}

func TestBackend_SetMultiUpsertsEveryKey(t *testing.T) {
	ctx := context.Background()
	b := requireMongo(t)

	mapping := map[string]dogpile.CachedValue{
		"dogpile_test_multi_k1": {Payload: []byte("v1"), Metadata: dogpile.Metadata{Version: dogpile.FormatVersion}},
		"dogpile_test_multi_k2": {Payload: []byte("v2"), Metadata: dogpile.Metadata{Version: dogpile.FormatVersion}},
	}
	require.NoError(t, b.SetMulti(ctx, mapping))

	for key, want := range mapping {
		got, ok, err := b.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestBackend_SetMultiEmptyMappingIsNoop(t *testing.T) {
	ctx := context.Background()
	b := requireMongo(t)
	require.NoError(t, b.SetMulti(ctx, map[string]dogpile.CachedValue{}))
}

func TestMutex_TryAcquireExcludesConcurrentHolder(t *testing.T) {
	b := requireMongo(t)
	m1 := b.GetMutex("dogpile_test_lock")
	m2 := b.GetMutex("dogpile_test_lock")
	defer m1.Release()

	require.True(t, m1.TryAcquire())
	assert.False(t, m2.TryAcquire())
	m1.Release()
	assert.True(t, m2.TryAcquire())
	m2.Release()
}

func TestMutex_ReleaseOnlyRemovesOwnLock(t *testing.T) {
	b := requireMongo(t)
	m1 := b.GetMutex("dogpile_test_lock_owner")
	m2 := b.GetMutex("dogpile_test_lock_owner")

	require.True(t, m1.TryAcquire())
	m2.Release()
	assert.False(t, m2.TryAcquire(), "m2 must not be able to release a lock it never held")
	m1.Release()
	assert.True(t, m2.TryAcquire())
	m2.Release()
}
