// Package memory implements an in-process dogpile backend on top of
// freecache, grounded on original_source's
// dogpile/cache/backends/memory.py.
//
// It offers no distributed mutex: GetMutex falls through to
// BaseBackend's nil default, so a region configured with this backend
// alone coordinates regeneration with an in-process mutex only. That
// is the expected pairing for a single-process cache; for multi-pod
// coordination, wrap it as an L1 in front of backends/rediscache or
// backends/memcache via a proxy (see proxy.go).
package memory

import (
	"context"

	"github.com/coocood/freecache"

	"github.com/stumble/dogpile"
)

// BackendName is the name this backend registers under for
// CacheRegion.Configure/ConfigureFromConfig.
const BackendName = "memory"

// defaultSizeBytes (64 MiB) is used when Config.SizeBytes is zero or
// negative; it is well above freecache's own 512KB minimum.
const defaultSizeBytes = 64 * 1024 * 1024

// Config configures a Backend.
type Config struct {
	// SizeBytes is the total memory freecache preallocates.
	SizeBytes int
}

// Backend stores CachedValue blobs in an in-process freecache.Cache.
type Backend struct {
	dogpile.BaseBackend
	cache *freecache.Cache
}

// New builds a Backend around a freshly allocated freecache.Cache.
func New(cfg Config) *Backend {
	size := cfg.SizeBytes
	if size <= 0 {
		size = defaultSizeBytes
	}
	b := &Backend{cache: freecache.NewCache(size)}
	b.Self = b
	return b
}

func init() {
	dogpile.RegisterBackend(BackendName, func(arguments map[string]any) (dogpile.Backend, error) {
		cfg := Config{SizeBytes: defaultSizeBytes}
		if v, ok := arguments["size_bytes"]; ok {
			if n, ok := v.(int64); ok {
				cfg.SizeBytes = int(n)
			}
		}
		return New(cfg), nil
	})
}

// RecommendedSerializer makes this a "bytes backend": the
// region encodes payloads to []byte before Set and decodes them after
// Get, so Backend itself only ever juggles raw bytes via EncodeWire/
// DecodeWire.
func (b *Backend) RecommendedSerializer() (dogpile.Serializer, dogpile.Deserializer) {
	return dogpile.MsgpackSerializer, dogpile.MsgpackDeserializer
}

func (b *Backend) Get(_ context.Context, key string) (dogpile.CachedValue, bool, error) {
	raw, err := b.cache.Get([]byte(key))
	if err != nil {
		// freecache.ErrNotFound and any other read error both mean
		// "nothing usable here" to the region.
		return dogpile.CachedValue{}, false, nil
	}
	payload, metadata, err := dogpile.DecodeWire(raw)
	if err != nil {
		return dogpile.CachedValue{}, false, nil
	}
	return dogpile.CachedValue{Payload: payload, Metadata: metadata}, true, nil
}

func (b *Backend) Set(_ context.Context, key string, value dogpile.CachedValue) error {
	payload, _ := value.Payload.([]byte)
	raw, err := dogpile.EncodeWire(payload, value.Metadata)
	if err != nil {
		return err
	}
	// expireSeconds=0 means "no expire limit" to freecache; the
	// region is the sole authority on freshness (CreatedAt/expiration
	// comparison), this store only needs to hold the blob until
	// evicted for space or explicitly deleted.
	return b.cache.Set([]byte(key), raw, 0)
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.cache.Del([]byte(key))
	return nil
}
