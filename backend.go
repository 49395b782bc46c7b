package dogpile

import "context"

// Backend is the capability contract every storage implementation (and
// every Proxy) honors. The core never imports a concrete
// backend; it only ever talks to this interface, resolved by name
// through the registry in registry_backends.go.
type Backend interface {
	// Get retrieves a value. The second return is false when nothing
	// is stored for key (the region translates that into NoValue).
	Get(ctx context.Context, key string) (CachedValue, bool, error)
	// GetMulti returns one result per input key, aligned by position.
	// present[i] is false where nothing was stored.
	GetMulti(ctx context.Context, keys []string) (values []CachedValue, present []bool, err error)
	// Set persists value until deleted or expired by the backend's
	// own policy.
	Set(ctx context.Context, key string, value CachedValue) error
	// SetMulti persists every entry in mapping. Atomicity across keys
	// is not promised; each backend documents
	// its own guarantee, or lack of one.
	SetMulti(ctx context.Context, mapping map[string]CachedValue) error
	// Delete removes key. Deleting an absent key is a success
	// (idempotent).
	Delete(ctx context.Context, key string) error
	// DeleteMulti removes every key in keys, idempotently.
	DeleteMulti(ctx context.Context, keys []string) error
	// GetMutex returns the distributed Mutex this backend recommends
	// for key, or nil if the backend has no distributed coordination
	// to offer (the caller then falls back to an in-process mutex).
	GetMutex(key string) Mutex
}

// KeyManglingBackend is implemented by backends that recommend a key
// mangler (e.g. the file backend's SHA-1 hashing of arbitrarily long
// keys into filesystem-safe names). A region with no mangler of its
// own adopts the backend's recommendation.
type KeyManglingBackend interface {
	RecommendedKeyMangler() func(string) string
}

// SerializingBackend is implemented by "bytes backends" that operate
// on raw bytes and recommend a (de)serializer pair. The region installs these unless the caller
// configured its own.
type SerializingBackend interface {
	RecommendedSerializer() (Serializer, Deserializer)
}

// Serializer encodes a payload to bytes for a bytes-oriented backend.
type Serializer func(any) ([]byte, error)

// Deserializer decodes bytes back into a payload. It must return
// ErrCantDeserialize (or wrap it) when the bytes cannot be decoded;
// the region treats that as "no usable value" rather than an error.
type Deserializer func([]byte) (any, error)

// BaseBackend provides default GetMulti/SetMulti/DeleteMulti
// implementations by looping over the single-key operation. Concrete
// backends embed BaseBackend and override Get/Set/Delete/GetMutex (and
// optionally the multi-key methods, when the underlying store has a
// real batch API).
type BaseBackend struct {
	// Self must be set by the embedding backend to itself, so the
	// default multi methods call the backend's own (possibly
	// overridden) single-key methods rather than recursing into these
	// defaults forever. This mirrors the classic Go "self-referential
	// mixin" workaround for the absence of virtual dispatch.
	Self Backend
}

func (b BaseBackend) GetMulti(ctx context.Context, keys []string) ([]CachedValue, []bool, error) {
	values := make([]CachedValue, len(keys))
	present := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := b.Self.Get(ctx, k)
		if err != nil {
			return nil, nil, err
		}
		values[i], present[i] = v, ok
	}
	return values, present, nil
}

func (b BaseBackend) SetMulti(ctx context.Context, mapping map[string]CachedValue) error {
	for k, v := range mapping {
		if err := b.Self.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b BaseBackend) DeleteMulti(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := b.Self.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// GetMutex defaults to "no distributed mutex available"; backends with
// one override this.
func (b BaseBackend) GetMutex(key string) Mutex { return nil }
