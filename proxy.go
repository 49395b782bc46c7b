package dogpile

import "context"

// ProxyBackend is a stackable pass-through wrapper: it delegates every
// Backend method to the next link in the chain unless a concrete proxy
// embeds it and overrides specific methods. Grounded on
// original_source/dogpile/cache/proxy.py, whose
// ProxyBackend does exactly this in Python.
//
// A typical use: wrap a backend with a logging or metrics proxy that
// overrides Get/Set to time the call, delegating everything else
// (GetMutex, DeleteMulti, ...) to ProxyBackend's defaults.
type ProxyBackend struct {
	Next Backend
}

func (p ProxyBackend) Get(ctx context.Context, key string) (CachedValue, bool, error) {
	return p.Next.Get(ctx, key)
}

func (p ProxyBackend) GetMulti(ctx context.Context, keys []string) ([]CachedValue, []bool, error) {
	return p.Next.GetMulti(ctx, keys)
}

func (p ProxyBackend) Set(ctx context.Context, key string, value CachedValue) error {
	return p.Next.Set(ctx, key, value)
}

func (p ProxyBackend) SetMulti(ctx context.Context, mapping map[string]CachedValue) error {
	return p.Next.SetMulti(ctx, mapping)
}

func (p ProxyBackend) Delete(ctx context.Context, key string) error {
	return p.Next.Delete(ctx, key)
}

func (p ProxyBackend) DeleteMulti(ctx context.Context, keys []string) error {
	return p.Next.DeleteMulti(ctx, keys)
}

func (p ProxyBackend) GetMutex(key string) Mutex {
	return p.Next.GetMutex(key)
}

// ProxyFactory builds a proxy around the next link in the chain. Proxy
// names are registered the same way backends are (see
// registry_backends.go) so ConfigureFromConfig's "wrap" list
// can resolve them by name.
type ProxyFactory func(next Backend) Backend

// WrapBackend applies proxies to backend left-to-right so that the
// first proxy in the list is the outermost.
func WrapBackend(backend Backend, proxies ...ProxyFactory) Backend {
	wrapped := backend
	for i := len(proxies) - 1; i >= 0; i-- {
		wrapped = proxies[i](wrapped)
	}
	return wrapped
}
