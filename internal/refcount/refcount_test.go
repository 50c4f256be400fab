package refcount

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter_ReleaseOnce(t *testing.T) {
	calls := 0
	var c Counter
	c.Init(func() { calls++ })

	c.Retain()
	assert.Equal(t, int32(2), c.RefCount())

	assert.False(t, c.Release(), "первое освобождение не должно удалять объект")
	assert.True(t, c.Alive())
	assert.Equal(t, 0, calls)

	assert.True(t, c.Release())
	assert.False(t, c.Alive())
	assert.Equal(t, 1, calls, "функция освобождения вызывается ровно один раз")
}

func TestCounter_UseAfterRelease(t *testing.T) {
	var c Counter
	c.Init(nil)
	c.Release()

	assert.PanicsWithError(t, ErrReleased.Error(), func() { c.Retain() })
	assert.PanicsWithError(t, ErrReleased.Error(), func() { c.Release() })
	assert.PanicsWithError(t, ErrReleased.Error(), func() { c.Ensure() })
}

func TestCounter_ConcurrentRetainRelease(t *testing.T) {
	released := 0
	var c Counter
	c.Init(func() { released++ })

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Retain()
			c.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), c.RefCount())
	c.Release()
	assert.Equal(t, 1, released)
}
