package dogpile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal ValueAccessor-backed store used to drive Lock
// directly, without going through a CacheRegion/Backend at all.
type fakeStore struct {
	mu        sync.Mutex
	payload   any
	createdAt float64
	present   bool
}

func (s *fakeStore) accessor() ValueAccessor {
	return func(ctx context.Context) (any, float64, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.payload, s.createdAt, s.present
	}
}

func (s *fakeStore) write(payload any, createdAt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload, s.createdAt, s.present = payload, createdAt, true
}

func TestLockAcquire_FreshReturnsImmediately(t *testing.T) {
	SetNowFunc(func() time.Time { return time.Unix(1000, 0) })
	defer SetNowFunc(func() time.Time { return time.Now() })

	store := &fakeStore{}
	store.write("cached", 995) // age 5s

	l := &Lock{Mutex: NewInProcessMutex()}
	var creatorCalls int32
	payload, err := l.Acquire(context.Background(), AcquireParams{
		ExpirationTime: 60,
		ValueAccessor:  store.accessor(),
		Creator: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&creatorCalls, 1)
			return "new", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", payload)
	assert.Zero(t, creatorCalls)
}

func TestLockAcquire_MissBecomesSynchronousRegenerator(t *testing.T) {
	SetNowFunc(func() time.Time { return time.Unix(1000, 0) })
	defer SetNowFunc(func() time.Time { return time.Now() })

	store := &fakeStore{}
	l := &Lock{Mutex: NewInProcessMutex()}

	payload, err := l.Acquire(context.Background(), AcquireParams{
		ExpirationTime: 60,
		ValueAccessor:  store.accessor(),
		Creator: func(ctx context.Context) (any, error) {
			store.write("regenerated", 1000)
			return "regenerated", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "regenerated", payload)

	// Mutex must be released afterward: a second call can acquire it.
	assert.True(t, l.Mutex.TryAcquire())
	l.Mutex.Release()
}

func TestLockAcquire_CreatorErrorReleasesMutexAndPropagates(t *testing.T) {
	store := &fakeStore{}
	l := &Lock{Mutex: NewInProcessMutex()}
	boom := errors.New("boom")

	_, err := l.Acquire(context.Background(), AcquireParams{
		ExpirationTime: 60,
		ValueAccessor:  store.accessor(),
		Creator: func(ctx context.Context) (any, error) {
			return nil, boom
		},
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, l.Mutex.TryAcquire(), "mutex must be released even when creator errors")
	l.Mutex.Release()
}

// TestLockAcquire_StaleReadWhileRegenerating models scenario S2: a
// second caller arriving while the mutex is held gets the stale value
// immediately rather than blocking.
func TestLockAcquire_StaleReadWhileRegenerating(t *testing.T) {
	store := &fakeStore{}
	store.write("stale", 0) // old enough to always be stale below

	l := &Lock{Mutex: NewInProcessMutex()}
	l.Mutex.Acquire() // simulate another goroutine holding the regen lock

	payload, err := l.Acquire(context.Background(), AcquireParams{
		ExpirationTime: 1, // age far exceeds 1s given createdAt=0
		ValueAccessor:  store.accessor(),
		Creator: func(ctx context.Context) (any, error) {
			t.Fatal("creator must not run on the stale-read path")
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "stale", payload)
}

// TestLockAcquire_HardInvalidationForcesBlockingRegeneration models the
// documented override: Hard=true never returns a stale value, even
// when the mutex is currently held by someone else.
func TestLockAcquire_HardInvalidationForcesBlockingRegeneration(t *testing.T) {
	store := &fakeStore{}
	store.write("stale", 0)

	l := &Lock{Mutex: NewInProcessMutex()}
	l.Mutex.Acquire()

	done := make(chan struct{})
	var payload any
	var err error
	go func() {
		payload, err = l.Acquire(context.Background(), AcquireParams{
			ExpirationTime: 60,
			Hard:           true,
			ValueAccessor:  store.accessor(),
			Creator: func(ctx context.Context) (any, error) {
				store.write("regenerated", 1000)
				return "regenerated", nil
			},
		})
		close(done)
	}()

	// Give the goroutine a moment to block on the held mutex, then
	// release it so the blocked caller becomes the regenerator.
	time.Sleep(20 * time.Millisecond)
	l.Mutex.Release()
	<-done

	require.NoError(t, err)
	assert.Equal(t, "regenerated", payload)
}

// TestLockAcquire_AsyncHandoffReturnsStaleAndReleasesLater models the
// async regeneration path: the caller gets the stale value back
// immediately, and the mutex is released once the async task runs.
func TestLockAcquire_AsyncHandoffReturnsStaleAndReleasesLater(t *testing.T) {
	store := &fakeStore{}
	store.write("stale", 0)

	l := &Lock{Mutex: NewInProcessMutex()}

	taskDone := make(chan struct{})
	runner := func(task func()) {
		go func() {
			task()
			close(taskDone)
		}()
	}

	payload, err := l.Acquire(context.Background(), AcquireParams{
		ExpirationTime: 1,
		AsyncRunner:    runner,
		ValueAccessor:  store.accessor(),
		Creator: func(ctx context.Context) (any, error) {
			store.write("regenerated", 1000)
			return "regenerated", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "stale", payload, "caller must see the stale value, not wait for the async regen")

	select {
	case <-taskDone:
	case <-time.After(time.Second):
		t.Fatal("async task never completed")
	}
	assert.True(t, l.Mutex.TryAcquire(), "async task must release the mutex when done")
	l.Mutex.Release()
}

func TestLockAcquire_AsyncCreatorErrorReportedViaOnAsyncError(t *testing.T) {
	store := &fakeStore{}
	store.write("stale", 0)

	l := &Lock{Mutex: NewInProcessMutex()}
	boom := errors.New("boom")
	errCh := make(chan error, 1)

	_, err := l.Acquire(context.Background(), AcquireParams{
		ExpirationTime: 1,
		AsyncRunner:    func(task func()) { task() },
		ValueAccessor:  store.accessor(),
		Creator: func(ctx context.Context) (any, error) {
			return nil, boom
		},
		OnAsyncError: func(err error) { errCh <- err },
	})
	require.NoError(t, err)

	select {
	case got := <-errCh:
		assert.ErrorIs(t, got, boom)
	case <-time.After(time.Second):
		t.Fatal("OnAsyncError was never called")
	}
	assert.True(t, l.Mutex.TryAcquire())
	l.Mutex.Release()
}

func TestIsFresh(t *testing.T) {
	SetNowFunc(func() time.Time { return time.Unix(1000, 0) })
	defer SetNowFunc(func() time.Time { return time.Now() })

	assert.False(t, isFresh(0, 995, 0), "expiration_time 0 always forces regeneration")
	assert.True(t, isFresh(-1, 0, 0), "expiration_time -1 never expires")
	assert.True(t, isFresh(60, 995, 0))
	assert.False(t, isFresh(60, 900, 0))
	assert.False(t, isFresh(60, 995, 996), "created before the invalidation stamp is stale")
	assert.True(t, isFresh(60, 997, 996), "created after the invalidation stamp is unaffected")
}
