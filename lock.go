package dogpile

import "context"

// ValueAccessor returns the currently stored payload and its creation
// time, or present=false to signal "the store has nothing usable for
// this key", modeled as a tagged result rather than an exception.
type ValueAccessor func(ctx context.Context) (payload any, createdAt float64, present bool)

// Creator produces a fresh payload for a key. It is also
// responsible for persisting the value (calling the backend's Set)
// when the caller wants it cached; CacheRegion's Creator closures
// implement that policy (including should_cache_fn gating) before
// handing the closure to Lock.Acquire.
type Creator func(ctx context.Context) (any, error)

// AsyncRunner submits task to a worker pool. task takes ownership of
// the Lock's mutex and must release it on every exit path, regardless
// of outcome.
type AsyncRunner func(task func())

// AcquireParams bundles the per-call behavior the dogpile protocol
// needs: how to read the current value, how to produce a new one, and
// what counts as fresh. Only the Mutex itself is persistent, per-key
// state (held by Lock, installed once via the NameRegistry); every
// other field here is supplied fresh by CacheRegion on each call, the
// way a freshly-closed-over get_value/createfunc pair gets threaded
// into a single acquire() invocation.
type AcquireParams struct {
	ExpirationTime float64 // seconds; -1 == never expires; 0 == always regenerate
	ValueAccessor  ValueAccessor
	Creator        Creator
	AsyncRunner    AsyncRunner // optional
	InvalidatedAt  float64     // 0 == never invalidated
	Hard           bool        // true forces synchronous regeneration, bypassing stale-read
	OnAsyncError   func(error) // optional; receives creator errors from the async hand-off path
}

// Lock is the dogpile state machine: given a
// mutex and per-call AcquireParams, it decides which of three outcomes
// happens: return the fresh cached value, become the synchronous
// regenerator, or release quickly with a stale value while a
// background worker regenerates.
//
// Try the store, fall back to a mutex-protected critical section,
// sleep-and-retry otherwise; Lock expresses that as an explicit
// three-outcome protocol, decoupled from any particular backend.
type Lock struct {
	// Mutex is the one piece of state that must outlive a single
	// call: the dogpile mutex for this (region, key) pair, installed
	// once by NameRegistry and reused by every caller.
	Mutex Mutex
}

// Acquire runs the dogpile protocol and returns the payload the
// caller should see.
func (l *Lock) Acquire(ctx context.Context, p AcquireParams) (any, error) {
	payload, createdAt, present := p.ValueAccessor(ctx)
	if present && isFresh(p.ExpirationTime, createdAt, p.InvalidatedAt) {
		return payload, nil
	}

	if l.Mutex.TryAcquire() {
		// We are the regenerator (step 2, success branch).
		if present && p.AsyncRunner != nil && !p.Hard {
			l.spawnAsync(ctx, p)
			return payload, nil
		}
		return l.regenerateAndRelease(ctx, p.Creator)
	}

	// Someone else holds the mutex (step 2, failure branch).
	if present && !p.Hard {
		return payload, nil // path C: stale-read during regeneration
	}

	// Step 2b: block until the mutex is free, then re-check — the
	// regenerator that held it may have already refreshed the value.
	l.Mutex.Acquire()
	payload2, createdAt2, present2 := p.ValueAccessor(ctx)
	if present2 && isFresh(p.ExpirationTime, createdAt2, p.InvalidatedAt) {
		l.Mutex.Release()
		return payload2, nil
	}
	return l.regenerateAndRelease(ctx, p.Creator)
}

// isFresh implements the freshness rule: expiration_time == 0 always
// forces regeneration; -1 never expires; a value created before the
// most recent invalidation stamp is stale regardless of age.
func isFresh(expirationTime, createdAt, invalidatedAt float64) bool {
	if expirationTime == 0 {
		return false
	}
	if invalidatedAt > 0 && createdAt < invalidatedAt {
		return false
	}
	if expirationTime < 0 {
		return true
	}
	return nowSeconds()-createdAt <= expirationTime
}

// regenerateAndRelease runs the creator under mutex ownership and
// releases on every exit path, including a creator error, which is
// propagated to the caller.
func (l *Lock) regenerateAndRelease(ctx context.Context, creator Creator) (any, error) {
	payload, err := creator(ctx)
	l.Mutex.Release()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// spawnAsync hands regeneration off to the configured AsyncRunner and
// returns immediately; the caller already has the stale payload in
// hand by the time this returns.
func (l *Lock) spawnAsync(ctx context.Context, p AcquireParams) {
	mutex := l.Mutex
	creator := p.Creator
	onErr := p.OnAsyncError
	p.AsyncRunner(func() {
		defer mutex.Release()
		if _, err := creator(ctx); err != nil && onErr != nil {
			onErr(err)
		}
	})
}
