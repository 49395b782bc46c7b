package dogpile

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameRegistry_MemoizesPerKey(t *testing.T) {
	var builds int32
	reg := NewNameRegistry(func(key string) *Lock {
		atomic.AddInt32(&builds, 1)
		return &Lock{Mutex: NewInProcessMutex()}
	})

	a := reg.Get("foo")
	b := reg.Get("foo")
	assert.Same(t, a, b)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	c := reg.Get("bar")
	assert.NotSame(t, a, c)
	assert.Equal(t, int32(2), atomic.LoadInt32(&builds))
	assert.Equal(t, 2, reg.Len())
}

func TestNameRegistry_ConcurrentGetBuildsOnce(t *testing.T) {
	var builds int32
	reg := NewNameRegistry(func(key string) *Lock {
		atomic.AddInt32(&builds, 1)
		return &Lock{Mutex: NewInProcessMutex()}
	})

	var wg sync.WaitGroup
	results := make([]*Lock, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.Get("same-key")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
}
