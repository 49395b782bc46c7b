package dogpile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Sentinel expiration values.
const (
	NeverExpires     = -1.0
	AlwaysRegenerate = 0.0
)

// regionSettings accumulates RegionOption values applied during
// Configure.
type regionSettings struct {
	arguments    map[string]any
	wrapNames    []string
	keyMangler   func(string) string
	serializer   Serializer
	deserializer Deserializer
	asyncRunner  AsyncRunner
	enableStats  bool
}

// RegionOption configures a CacheRegion at Configure time:
// configure(backend_name, expiration_time?, arguments?, wrap?=[...]).
type RegionOption func(*regionSettings)

// WithArguments supplies the backend constructor arguments, passed
// through from "<prefix>.arguments.<k>" when configured from a flat
// config map.
func WithArguments(args map[string]any) RegionOption {
	return func(s *regionSettings) { s.arguments = args }
}

// WithWrap names proxies (registered via RegisterProxy) to wrap the
// backend in, outermost first.
func WithWrap(names ...string) RegionOption {
	return func(s *regionSettings) { s.wrapNames = names }
}

// WithKeyMangler overrides the default identity key mangler.
func WithKeyMangler(m func(string) string) RegionOption {
	return func(s *regionSettings) { s.keyMangler = m }
}

// WithSerializer installs the payload codec used at the region
// boundary. Both must be supplied together.
func WithSerializer(ser Serializer, de Deserializer) RegionOption {
	return func(s *regionSettings) { s.serializer, s.deserializer = ser, de }
}

// WithAsyncRunner installs the optional async regeneration runner.
func WithAsyncRunner(r AsyncRunner) RegionOption {
	return func(s *regionSettings) { s.asyncRunner = r }
}

// WithStats enables prometheus registration of the region's MetricSet.
func WithStats(enable bool) RegionOption {
	return func(s *regionSettings) { s.enableStats = enable }
}

// CacheRegion is the front end binding a Lock, a pluggable backend, a
// key-mangling discipline, and the user-facing cache operations.
type CacheRegion struct {
	name string

	configured atomic.Bool
	setupMu    sync.Mutex // serializes the one allowed Configure call

	backend      Backend
	keyMangler   func(string) string
	serializer   Serializer
	deserializer Deserializer
	defaultExpiration float64
	asyncRunner  AsyncRunner
	registry     *NameRegistry
	metrics      *MetricSet

	invalidatedAtBits atomic.Uint64
	hardInvalidated   atomic.Bool
}

// NewCacheRegion creates an unconfigured region named name. name is
// used as the prometheus metric prefix and in log lines.
func NewCacheRegion(name string) *CacheRegion {
	return &CacheRegion{name: name}
}

// Configure resolves backendName through the registration table (see
// registry_backends.go) and binds it to the region. It may be called
// at most once; a second call returns ErrAlreadyConfigured.
func (r *CacheRegion) Configure(backendName string, expirationTime float64, opts ...RegionOption) error {
	r.setupMu.Lock()
	defer r.setupMu.Unlock()
	if r.configured.Load() {
		return ErrAlreadyConfigured
	}

	var s regionSettings
	for _, opt := range opts {
		opt(&s)
	}

	backend, err := NewBackend(backendName, s.arguments)
	if err != nil {
		return err
	}
	return r.finishConfigure(backend, expirationTime, s)
}

// ConfigureBackend binds an already-constructed backend to the region
// directly, bypassing the name registry. Backends whose constructors
// need live driver objects the string-keyed registry cannot carry (a
// *redis.Client, a *mongo.Collection) are built by the caller and
// handed in this way instead of through Configure.
func (r *CacheRegion) ConfigureBackend(backend Backend, expirationTime float64, opts ...RegionOption) error {
	r.setupMu.Lock()
	defer r.setupMu.Unlock()
	if r.configured.Load() {
		return ErrAlreadyConfigured
	}
	var s regionSettings
	for _, opt := range opts {
		opt(&s)
	}
	return r.finishConfigure(backend, expirationTime, s)
}

func (r *CacheRegion) finishConfigure(backend Backend, expirationTime float64, s regionSettings) error {
	if len(s.wrapNames) > 0 {
		factories := make([]ProxyFactory, 0, len(s.wrapNames))
		for _, name := range s.wrapNames {
			f, ok := LookupProxy(name)
			if !ok {
				return fmt.Errorf("%w: proxy %q", ErrUnknownBackend, name)
			}
			factories = append(factories, f)
		}
		backend = WrapBackend(backend, factories...)
	}

	keyMangler := s.keyMangler
	if keyMangler == nil {
		if kmb, ok := backend.(KeyManglingBackend); ok {
			keyMangler = kmb.RecommendedKeyMangler()
		}
	}

	serializer, deserializer := s.serializer, s.deserializer
	if serializer == nil && deserializer == nil {
		if sb, ok := backend.(SerializingBackend); ok {
			serializer, deserializer = sb.RecommendedSerializer()
		}
	}

	r.backend = backend
	r.keyMangler = keyMangler
	r.serializer = serializer
	r.deserializer = deserializer
	r.defaultExpiration = expirationTime
	r.asyncRunner = s.asyncRunner
	r.metrics = newMetricSet(r.name, s.enableStats)
	r.registry = NewNameRegistry(r.buildLock)
	r.configured.Store(true)
	return nil
}

// ConfigureFromConfig applies the config coercion rules of config.go
// to a flat config map and calls Configure.
func (r *CacheRegion) ConfigureFromConfig(config map[string]string, prefix string, opts ...RegionOption) error {
	parsed, err := CoerceConfigArguments(config, prefix)
	if err != nil {
		return err
	}
	expiry := NeverExpires
	if parsed.ExpirationTime != nil {
		expiry = *parsed.ExpirationTime
	}
	allOpts := append([]RegionOption{WithArguments(parsed.Arguments)}, opts...)
	if len(parsed.Wrap) > 0 {
		allOpts = append(allOpts, WithWrap(parsed.Wrap...))
	}
	return r.Configure(parsed.Backend, expiry, allOpts...)
}

// Close releases the region's prometheus registrations. It does not
// close the backend; callers that own backend resources (a redis
// client, a file handle) close those themselves.
func (r *CacheRegion) Close() {
	r.metrics.unregister()
}

func (r *CacheRegion) buildLock(key string) *Lock {
	mutex := r.backend.GetMutex(key)
	if mutex == nil {
		mutex = NewInProcessMutex()
	}
	return &Lock{Mutex: mutex}
}

func (r *CacheRegion) requireConfigured() error {
	if !r.configured.Load() {
		return ErrUnconfiguredRegion
	}
	return nil
}

func (r *CacheRegion) mangle(key string) string {
	if r.keyMangler != nil {
		return r.keyMangler(key)
	}
	return key
}

// materialize turns a stored CachedValue's payload back into the
// value a caller sees, applying the region's Deserializer if one is
// configured. ok=false (with err=nil) means "treat as absent" — the
// CantDeserialize recovery path.
func (r *CacheRegion) materialize(cv CachedValue) (payload any, ok bool, err error) {
	if r.deserializer == nil {
		return cv.Payload, true, nil
	}
	raw, isBytes := cv.Payload.([]byte)
	if !isBytes {
		return nil, false, nil
	}
	payload, err = r.deserializer(raw)
	if err != nil {
		if errors.Is(err, ErrCantDeserialize) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// dematerialize turns a caller-supplied payload into what gets stored
// on CachedValue.Payload, applying the region's Serializer if one is
// configured.
func (r *CacheRegion) dematerialize(payload any) (any, error) {
	if r.serializer == nil {
		return payload, nil
	}
	b, err := r.serializer(payload)
	if err != nil {
		return nil, ErrCantSerialize
	}
	return b, nil
}

// GetOption configures a single Get call:
// get(key, expiration_time?, ignore_expiration?).
type GetOption func(*getOptions)

type getOptions struct {
	expirationTime    *float64
	ignoreExpiration  bool
}

// WithGetExpirationTime overrides the region's default expiration for
// this call only.
func WithGetExpirationTime(seconds float64) GetOption {
	return func(o *getOptions) { o.expirationTime = &seconds }
}

// WithIgnoreExpiration returns the value even if it is older than the
// applicable expiration_time.
func WithIgnoreExpiration(ignore bool) GetOption {
	return func(o *getOptions) { o.ignoreExpiration = ignore }
}

// Get returns the cached payload for key, or NoValue if absent, stale
// (unless ignored), version-mismatched, or undeserializable. Get never
// triggers creation.
func (r *CacheRegion) Get(ctx context.Context, key string, opts ...GetOption) (any, error) {
	if err := r.requireConfigured(); err != nil {
		return nil, err
	}
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	cv, present, err := r.backend.Get(ctx, r.mangle(key))
	if err != nil {
		return nil, err
	}
	if !present {
		r.metrics.recordOutcome(outcomeMiss)
		return NoValue, nil
	}
	payload, ok, err := r.materialize(cv)
	if err != nil {
		return nil, err
	}
	if !ok || !cv.IsCurrentVersion() {
		r.metrics.recordOutcome(outcomeMiss)
		return NoValue, nil
	}
	if !o.ignoreExpiration {
		expiry := r.defaultExpiration
		if o.expirationTime != nil {
			expiry = *o.expirationTime
		}
		invalidatedAt, _ := r.invalidation()
		if !isFresh(expiry, cv.Metadata.CreatedAt, invalidatedAt) {
			r.metrics.recordOutcome(outcomeStale)
			return NoValue, nil
		}
	}
	r.metrics.recordOutcome(outcomeFresh)
	return payload, nil
}

// GetMulti returns one payload (or NoValue) per input key, preserving
// order and length.
func (r *CacheRegion) GetMulti(ctx context.Context, keys []string) ([]any, error) {
	if err := r.requireConfigured(); err != nil {
		return nil, err
	}
	mangled := make([]string, len(keys))
	for i, k := range keys {
		mangled[i] = r.mangle(k)
	}
	cvs, present, err := r.backend.GetMulti(ctx, mangled)
	if err != nil {
		return nil, err
	}
	invalidatedAt, _ := r.invalidation()
	out := make([]any, len(keys))
	for i := range keys {
		if !present[i] {
			out[i] = NoValue
			continue
		}
		payload, ok, derr := r.materialize(cvs[i])
		if derr != nil {
			return nil, derr
		}
		if !ok || !cvs[i].IsCurrentVersion() || !isFresh(r.defaultExpiration, cvs[i].Metadata.CreatedAt, invalidatedAt) {
			out[i] = NoValue
			continue
		}
		out[i] = payload
	}
	return out, nil
}

// Set places value in the cache under key, bypassing the dogpile
// mutex entirely: a direct write, not mediated by the coordinator.
func (r *CacheRegion) Set(ctx context.Context, key string, value any) error {
	if err := r.requireConfigured(); err != nil {
		return err
	}
	payload, err := r.dematerialize(value)
	if err != nil {
		return err
	}
	return r.backend.Set(ctx, r.mangle(key), NewCachedValue(payload))
}

// SetMulti sets every entry in mapping. Atomicity across keys is not
// promised: it is whatever the backend's SetMulti provides.
func (r *CacheRegion) SetMulti(ctx context.Context, mapping map[string]any) error {
	if err := r.requireConfigured(); err != nil {
		return err
	}
	out := make(map[string]CachedValue, len(mapping))
	for k, v := range mapping {
		payload, err := r.dematerialize(v)
		if err != nil {
			return err
		}
		out[r.mangle(k)] = NewCachedValue(payload)
	}
	return r.backend.SetMulti(ctx, out)
}

// Delete removes key. Idempotent.
func (r *CacheRegion) Delete(ctx context.Context, key string) error {
	if err := r.requireConfigured(); err != nil {
		return err
	}
	return r.backend.Delete(ctx, r.mangle(key))
}

// DeleteMulti removes every key in keys, idempotently.
func (r *CacheRegion) DeleteMulti(ctx context.Context, keys []string) error {
	if err := r.requireConfigured(); err != nil {
		return err
	}
	mangled := make([]string, len(keys))
	for i, k := range keys {
		mangled[i] = r.mangle(k)
	}
	return r.backend.DeleteMulti(ctx, mangled)
}

// Invalidate stamps the region so that values created before now are
// considered stale. hard=true additionally forbids the
// stale-read path during regeneration.
func (r *CacheRegion) Invalidate(hard bool) {
	r.invalidatedAtBits.Store(math.Float64bits(nowSeconds()))
	r.hardInvalidated.Store(hard)
}

func (r *CacheRegion) invalidation() (invalidatedAt float64, hard bool) {
	bits := r.invalidatedAtBits.Load()
	if bits == 0 {
		return 0, false
	}
	return math.Float64frombits(bits), r.hardInvalidated.Load()
}

// CreateOption configures a single GetOrCreate/GetOrCreateMulti call.
type CreateOption func(*createOptions)

type createOptions struct {
	expirationTime *float64
	shouldCache    func(any) bool
}

// WithCreateExpirationTime overrides the region's default expiration
// for this call only. -1 means never expire.
func WithCreateExpirationTime(seconds float64) CreateOption {
	return func(o *createOptions) { o.expirationTime = &seconds }
}

// WithShouldCacheFn gates whether the creator's output is persisted;
// the value is always returned to the caller regardless.
func WithShouldCacheFn(fn func(any) bool) CreateOption {
	return func(o *createOptions) { o.shouldCache = fn }
}

// GetOrCreate runs the dogpile protocol for key: it
// returns the fresh cached value, becomes the synchronous regenerator,
// or returns a stale value while a background worker regenerates.
// GetOrCreate never returns NoValue: any error from
// creator propagates to the caller instead.
func (r *CacheRegion) GetOrCreate(ctx context.Context, key string, creator func(context.Context) (any, error), opts ...CreateOption) (any, error) {
	if err := r.requireConfigured(); err != nil {
		return nil, err
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	expiry := r.defaultExpiration
	if o.expirationTime != nil {
		expiry = *o.expirationTime
	}

	mangledKey := r.mangle(key)
	lock := r.registry.Get(mangledKey)
	invalidatedAt, hard := r.invalidation()

	ctx, finish := startSpan(ctx, "dogpile.get_or_create", key)

	var lastFresh bool
	valueAccessor := func(ctx context.Context) (any, float64, bool) {
		cv, present, err := r.backend.Get(ctx, mangledKey)
		if err != nil || !present {
			return nil, 0, false
		}
		payload, ok, derr := r.materialize(cv)
		if derr != nil || !ok || !cv.IsCurrentVersion() {
			return nil, 0, false
		}
		lastFresh = isFresh(expiry, cv.Metadata.CreatedAt, invalidatedAt)
		return payload, cv.Metadata.CreatedAt, true
	}

	var creatorInvoked bool
	wrappedCreator := func(ctx context.Context) (any, error) {
		creatorInvoked = true
		started := time.Now()
		payload, err := creator(ctx)
		r.metrics.recordLatency(outcomeRegenerate, started)
		if err != nil {
			return nil, err
		}
		if o.shouldCache == nil || o.shouldCache(payload) {
			encoded, serr := r.dematerialize(payload)
			if serr != nil {
				return nil, serr
			}
			if serr := r.backend.Set(ctx, mangledKey, NewCachedValue(encoded)); serr != nil {
				return nil, serr
			}
		}
		return payload, nil
	}

	params := AcquireParams{
		ExpirationTime: expiry,
		ValueAccessor:  valueAccessor,
		Creator:        wrappedCreator,
		AsyncRunner:    r.asyncRunner,
		InvalidatedAt:  invalidatedAt,
		Hard:           hard,
		OnAsyncError: func(err error) {
			r.metrics.recordError("async_regenerate")
			log.Err(err).Msgf("dogpile: async regeneration failed for region %s key %s", r.name, key)
		},
	}

	payload, err := lock.Acquire(ctx, params)

	var out outcome
	switch {
	case err != nil:
		r.metrics.recordError("get_or_create")
		out = outcomeRegenerate
	case creatorInvoked:
		out = outcomeRegenerate
	case lastFresh:
		out = outcomeFresh
	default:
		out = outcomeStale
	}
	r.metrics.recordOutcome(out)
	finish(out)

	return payload, err
}

// GetOrCreateMulti runs the dogpile protocol across keys at once.
// creator is invoked with the subset of the caller's (unmangled) keys
// that need regeneration, ordered by their mangled keys, and must
// return one payload per requested key in that same order; the per-key
// mutexes are acquired
// up front in sorted order to preclude deadlock cycles between
// overlapping multi-key calls.
func (r *CacheRegion) GetOrCreateMulti(
	ctx context.Context,
	keys []string,
	creator func(ctx context.Context, missingKeys []string) ([]any, error),
	opts ...CreateOption,
) ([]any, error) {
	if err := r.requireConfigured(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	expiry := r.defaultExpiration
	if o.expirationTime != nil {
		expiry = *o.expirationTime
	}
	invalidatedAt, _ := r.invalidation()

	mangled := make([]string, len(keys))
	locks := make([]*Lock, len(keys))
	for i, k := range keys {
		mangled[i] = r.mangle(k)
		locks[i] = r.registry.Get(mangled[i])
	}

	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return mangled[order[a]] < mangled[order[b]] })

	for _, idx := range order {
		locks[idx].Mutex.Acquire()
	}
	defer func() {
		for i := len(order) - 1; i >= 0; i-- {
			locks[order[i]].Mutex.Release()
		}
	}()

	results := make([]any, len(keys))
	var missingKeys []string
	var missingIdx []int
	for _, idx := range order {
		cv, present, err := r.backend.Get(ctx, mangled[idx])
		if err != nil {
			return nil, err
		}
		if present {
			payload, ok, derr := r.materialize(cv)
			if derr != nil {
				return nil, derr
			}
			if ok && cv.IsCurrentVersion() && isFresh(expiry, cv.Metadata.CreatedAt, invalidatedAt) {
				results[idx] = payload
				continue
			}
		}
		missingKeys = append(missingKeys, keys[idx])
		missingIdx = append(missingIdx, idx)
	}

	if len(missingKeys) == 0 {
		r.metrics.recordOutcome(outcomeFresh)
		return results, nil
	}

	started := time.Now()
	created, err := creator(ctx, missingKeys)
	r.metrics.recordLatency(outcomeRegenerate, started)
	if err != nil {
		r.metrics.recordError("get_or_create_multi")
		return nil, err
	}
	if len(created) != len(missingKeys) {
		return nil, fmt.Errorf("dogpile: creator returned %d values for %d requested keys", len(created), len(missingKeys))
	}

	toSet := make(map[string]CachedValue, len(missingIdx))
	for j, idx := range missingIdx {
		payload := created[j]
		results[idx] = payload
		if o.shouldCache == nil || o.shouldCache(payload) {
			encoded, serr := r.dematerialize(payload)
			if serr != nil {
				return nil, serr
			}
			toSet[mangled[idx]] = NewCachedValue(encoded)
		}
	}
	if len(toSet) > 0 {
		if err := r.backend.SetMulti(ctx, toSet); err != nil {
			return nil, err
		}
	}
	r.metrics.recordOutcome(outcomeRegenerate)
	return results, nil
}
