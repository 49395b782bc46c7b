package dogpile

import "time"

// FormatVersion is bumped whenever the on-disk/wire shape of Metadata
// changes. A CachedValue whose Metadata.Version differs from this is
// treated as absent.
const FormatVersion = 1

// Metadata carries dogpile's bookkeeping about a cached payload. It is
// always serialized alongside the payload (see backend.Backend and
// the msgpack codec in codec.go).
type Metadata struct {
	// CreatedAt is when the value was produced, in seconds since the
	// Unix epoch. Using float64 seconds (rather than time.Time) keeps
	// the wire representation stable across backends that serialize
	// through msgpack/JSON.
	CreatedAt float64 `msgpack:"ct"`
	// Version is the format version the payload was written under.
	Version int `msgpack:"v"`
}

// CachedValue is the envelope every backend stores: a payload plus the
// metadata needed to judge its freshness. Backends that operate on raw
// bytes serialize this pair; backends that can hold native Go values
// may store it directly.
type CachedValue struct {
	Payload  any
	Metadata Metadata
}

// NewCachedValue stamps payload with the current format version and
// creation time.
func NewCachedValue(payload any) CachedValue {
	return CachedValue{
		Payload: payload,
		Metadata: Metadata{
			CreatedAt: nowSeconds(),
			Version:   FormatVersion,
		},
	}
}

// IsCurrentVersion reports whether v was written under the format
// version this build understands.
func (v CachedValue) IsCurrentVersion() bool {
	return v.Metadata.Version == FormatVersion
}

// Age returns how long ago v was created.
func (v CachedValue) Age() time.Duration {
	return time.Duration((nowSeconds() - v.Metadata.CreatedAt) * float64(time.Second))
}

// noValue is the concrete type behind NoValue. It is distinct from any
// payload a caller could legitimately cache, including a cached nil.
type noValue struct{}

// NoValue is the sentinel returned by CacheRegion.Get/GetMulti to
// signal "nothing here" without colliding with a cached nil/zero value.
// Backends themselves report absence with present=false, which the
// region translates into NoValue.
var NoValue = noValue{}

// nowSeconds is indirected so tests can fake the clock without
// sleeping, the same role a SetNowFunc-style override plays elsewhere
// in the codebase.
var nowSeconds = func() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// SetNowFunc overrides the clock used for CachedValue timestamps and
// freshness checks. Intended for tests.
func SetNowFunc(f func() time.Time) {
	nowSeconds = func() float64 {
		return float64(f().UnixNano()) / float64(time.Second)
	}
}
