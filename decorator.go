package dogpile

import "context"

// cacheOnArgumentsOptions accumulates CacheOnArgumentsOption values.
type cacheOnArgumentsOptions struct {
	namespace            string
	toStr                ToStrFunc
	functionKeyGenerator func(args ...any) string
	expirationTime       *float64
	shouldCache          func(any) bool
}

// CacheOnArgumentsOption configures CacheOnArguments.
type CacheOnArgumentsOption func(*cacheOnArgumentsOptions)

// WithNamespace sets the namespace segment of the generated key,
// disambiguating two functions that would otherwise collide on
// identity (overloads, closures, methods with the same name).
func WithNamespace(namespace string) CacheOnArgumentsOption {
	return func(o *cacheOnArgumentsOptions) { o.namespace = namespace }
}

// WithArgToStr overrides the default argument stringification.
func WithArgToStr(toStr ToStrFunc) CacheOnArgumentsOption {
	return func(o *cacheOnArgumentsOptions) { o.toStr = toStr }
}

// WithFunctionKeyGenerator overrides the whole key-building function,
// bypassing FunctionKeyGenerator entirely.
func WithFunctionKeyGenerator(gen func(args ...any) string) CacheOnArgumentsOption {
	return func(o *cacheOnArgumentsOptions) { o.functionKeyGenerator = gen }
}

// WithDecoratorExpirationTime pins the expiration used for every call
// through this decorator.
func WithDecoratorExpirationTime(seconds float64) CacheOnArgumentsOption {
	return func(o *cacheOnArgumentsOptions) { o.expirationTime = &seconds }
}

// WithDecoratorShouldCacheFn pins the should_cache_fn used for every
// call through this decorator.
func WithDecoratorShouldCacheFn(fn func(any) bool) CacheOnArgumentsOption {
	return func(o *cacheOnArgumentsOptions) { o.shouldCache = fn }
}

// CachedFunction wraps a single-value function with region's dogpile
// protocol, keyed on its arguments. It is the Go shape of
// cache_on_arguments: a decorator that is itself a small object
// carrying Invalidate/Set/Get/Refresh/Original, since Go has no
// attribute-bearing closures.
type CachedFunction struct {
	region         *CacheRegion
	fn             func(ctx context.Context, args ...any) (any, error)
	keyGen         func(args ...any) string
	expirationTime *float64
	shouldCache    func(any) bool
}

// CacheOnArguments builds a CachedFunction wrapping fn. The cache key
// is derived from fn's identity (package, name) plus its arguments,
// stringified with toStr (CanonicalToStr by default).
func (r *CacheRegion) CacheOnArguments(fn func(ctx context.Context, args ...any) (any, error), opts ...CacheOnArgumentsOption) *CachedFunction {
	var o cacheOnArgumentsOptions
	for _, opt := range opts {
		opt(&o)
	}
	keyGen := o.functionKeyGenerator
	if keyGen == nil {
		toStr := o.toStr
		if toStr == nil {
			toStr = CanonicalToStr
		}
		keyGen = FunctionKeyGenerator(o.namespace, fn, toStr)
	}
	return &CachedFunction{
		region:         r,
		fn:             fn,
		keyGen:         keyGen,
		expirationTime: o.expirationTime,
		shouldCache:    o.shouldCache,
	}
}

// Call runs the wrapped function through the dogpile protocol for the
// key derived from args.
func (c *CachedFunction) Call(ctx context.Context, args ...any) (any, error) {
	key := c.keyGen(args...)
	var opts []CreateOption
	if c.expirationTime != nil {
		opts = append(opts, WithCreateExpirationTime(*c.expirationTime))
	}
	if c.shouldCache != nil {
		opts = append(opts, WithShouldCacheFn(c.shouldCache))
	}
	return c.region.GetOrCreate(ctx, key, func(ctx context.Context) (any, error) {
		return c.fn(ctx, args...)
	}, opts...)
}

// Get reads the current cached value for args without invoking fn,
// returning NoValue if absent or stale.
func (c *CachedFunction) Get(ctx context.Context, args ...any) (any, error) {
	return c.region.Get(ctx, c.keyGen(args...))
}

// Set stores value under the key derived from args, bypassing fn.
func (c *CachedFunction) Set(ctx context.Context, value any, args ...any) error {
	return c.region.Set(ctx, c.keyGen(args...), value)
}

// Invalidate removes the cached entry for args so the next Call
// regenerates it.
func (c *CachedFunction) Invalidate(ctx context.Context, args ...any) error {
	return c.region.Delete(ctx, c.keyGen(args...))
}

// Refresh unconditionally runs fn and stores its result, regardless of
// what is currently cached.
func (c *CachedFunction) Refresh(ctx context.Context, args ...any) (any, error) {
	payload, err := c.fn(ctx, args...)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, payload, args...); err != nil {
		return nil, err
	}
	return payload, nil
}

// Original calls the wrapped function directly, bypassing the cache
// entirely.
func (c *CachedFunction) Original(ctx context.Context, args ...any) (any, error) {
	return c.fn(ctx, args...)
}

// CachedMultiFunction is the multi-key counterpart of CachedFunction,
// built on CacheMultiOnArguments.
type CachedMultiFunction struct {
	region         *CacheRegion
	fn             func(ctx context.Context, args ...any) ([]any, error)
	keyGen         func(args ...any) []string
	expirationTime *float64
	shouldCache    func(any) bool
}

// CacheMultiOnArguments builds a CachedMultiFunction wrapping fn, whose
// single call handles a batch of argument tuples: fn receives only the argument subset whose
// keys are missing/stale, and must return one payload per element of
// that subset, in order.
func (r *CacheRegion) CacheMultiOnArguments(fn func(ctx context.Context, args ...any) ([]any, error), opts ...CacheOnArgumentsOption) *CachedMultiFunction {
	var o cacheOnArgumentsOptions
	for _, opt := range opts {
		opt(&o)
	}
	var keyGen func(args ...any) []string
	if o.functionKeyGenerator != nil {
		single := o.functionKeyGenerator
		keyGen = func(args ...any) []string {
			keys := make([]string, len(args))
			for i, a := range args {
				keys[i] = single(a)
			}
			return keys
		}
	} else {
		toStr := o.toStr
		if toStr == nil {
			toStr = CanonicalToStr
		}
		keyGen = MultiKeyGenerator(o.namespace, fn, toStr)
	}
	return &CachedMultiFunction{
		region:         r,
		fn:             fn,
		keyGen:         keyGen,
		expirationTime: o.expirationTime,
		shouldCache:    o.shouldCache,
	}
}

// Call runs the dogpile protocol across one key per element of args,
// calling fn only with the elements whose keys need regeneration.
func (c *CachedMultiFunction) Call(ctx context.Context, args ...any) ([]any, error) {
	keys := c.keyGen(args...)
	argByKey := make(map[string]any, len(args))
	for i, a := range args {
		argByKey[keys[i]] = a
	}

	var opts []CreateOption
	if c.expirationTime != nil {
		opts = append(opts, WithCreateExpirationTime(*c.expirationTime))
	}
	if c.shouldCache != nil {
		opts = append(opts, WithShouldCacheFn(c.shouldCache))
	}

	return c.region.GetOrCreateMulti(ctx, keys, func(ctx context.Context, missingKeys []string) ([]any, error) {
		missingArgs := make([]any, len(missingKeys))
		for i, mk := range missingKeys {
			missingArgs[i] = argByKey[mk]
		}
		return c.fn(ctx, missingArgs...)
	}, opts...)
}

// Invalidate removes the cached entries for every element of args.
func (c *CachedMultiFunction) Invalidate(ctx context.Context, args ...any) error {
	keys := c.keyGen(args...)
	return c.region.DeleteMulti(ctx, keys)
}
