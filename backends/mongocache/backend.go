// Package mongocache implements a dogpile backend on top of MongoDB,
// grounded on original_source/dogpile/cache/backends/mongodb.py. It
// requires a live *mongo.Collection, so it is bound to a CacheRegion
// with ConfigureBackend rather than through the string-keyed registry
// (see region.go).
package mongocache

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	uuid "github.com/satori/go.uuid"

	"github.com/stumble/dogpile"
)

// BackendName documents the conventional name for this backend in
// config/logging contexts, even though Configure cannot resolve it
// (see package doc).
const BackendName = "mongo"

// lockSleep mirrors the other backends' distributed-lock retry
// interval.
const lockSleep = 50 * time.Millisecond

// lockTTL bounds how long a crashed regenerator can hold the lock
// document before another caller may take over.
const lockTTL = 30 * time.Second

type document struct {
	Key   string `bson:"_id"`
	Value []byte `bson:"value"`
}

// Config configures a Backend.
type Config struct {
	// Collection stores the cached values.
	Collection *mongo.Collection
	// LockCollection stores distributed-lock documents. May be the
	// same collection as Collection; lock documents are keyed with a
	// "_LOCK" suffix so they never collide with value documents.
	LockCollection *mongo.Collection
}

// Backend stores CachedValue blobs as MongoDB documents.
type Backend struct {
	dogpile.BaseBackend
	coll     *mongo.Collection
	lockColl *mongo.Collection
}

// New builds a Backend around already-connected collections.
func New(cfg Config) *Backend {
	b := &Backend{coll: cfg.Collection, lockColl: cfg.LockCollection}
	b.Self = b
	return b
}

func init() {
	dogpile.RegisterBackend(BackendName, func(arguments map[string]any) (dogpile.Backend, error) {
		return nil, errors.New("dogpile: mongo backend requires a live *mongo.Collection; " +
			"construct with mongocache.New and bind via CacheRegion.ConfigureBackend")
	})
}

// RecommendedSerializer makes this a bytes backend.
func (b *Backend) RecommendedSerializer() (dogpile.Serializer, dogpile.Deserializer) {
	return dogpile.MsgpackSerializer, dogpile.MsgpackDeserializer
}

func (b *Backend) Get(ctx context.Context, key string) (dogpile.CachedValue, bool, error) {
	var doc document
	err := b.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return dogpile.CachedValue{}, false, nil
		}
		return dogpile.CachedValue{}, false, err
	}
	payload, metadata, err := dogpile.DecodeWire(doc.Value)
	if err != nil {
		return dogpile.CachedValue{}, false, nil
	}
	return dogpile.CachedValue{Payload: payload, Metadata: metadata}, true, nil
}

func (b *Backend) Set(ctx context.Context, key string, value dogpile.CachedValue) error {
	payload, _ := value.Payload.([]byte)
	raw, err := dogpile.EncodeWire(payload, value.Metadata)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	_, err = b.coll.ReplaceOne(ctx, bson.M{"_id": key}, document{Key: key, Value: raw}, opts)
	return err
}

// SetMulti issues an unordered bulk write. Not atomic: one failing
// write does not roll back the others in an unordered bulk operation.
func (b *Backend) SetMulti(ctx context.Context, mapping map[string]dogpile.CachedValue) error {
	if len(mapping) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(mapping))
	for key, value := range mapping {
		payload, _ := value.Payload.([]byte)
		raw, err := dogpile.EncodeWire(payload, value.Metadata)
		if err != nil {
			return err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": key}).
			SetReplacement(document{Key: key, Value: raw}).
			SetUpsert(true))
	}
	_, err := b.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// GetMutex returns a Mutex built on an upsert-or-fail MongoDB
// find-and-modify, the closest Mongo analogue to redis SETNX.
func (b *Backend) GetMutex(key string) dogpile.Mutex {
	return &mongoMutex{coll: b.lockColl, key: key + "_LOCK", owner: uuid.NewV4().String()}
}

type mongoMutex struct {
	coll  *mongo.Collection
	key   string
	owner string
}

func (m *mongoMutex) Acquire() {
	for !m.TryAcquire() {
		time.Sleep(lockSleep)
	}
}

// TryAcquire upserts a lock document for m.key, succeeding only when
// no unexpired lock exists or the existing one is already owned by
// m.owner. When a live lock owned by someone else exists, the upsert's
// implicit insert collides on _id and the driver returns a duplicate
// key error, which this treats as "did not acquire".
func (m *mongoMutex) TryAcquire() bool {
	now := time.Now()
	filter := bson.M{
		"_id": m.key,
		"$or": []bson.M{
			{"expires_at": bson.M{"$lte": now}},
			{"owner": m.owner},
		},
	}
	update := bson.M{"$set": bson.M{"owner": m.owner, "expires_at": now.Add(lockTTL)}}
	err := m.coll.FindOneAndUpdate(
		context.Background(), filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Err()
	return err == nil
}

func (m *mongoMutex) Release() {
	_, _ = m.coll.DeleteOne(context.Background(), bson.M{"_id": m.key, "owner": m.owner})
}
