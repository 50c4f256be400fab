package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/fasthash/fnv1a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intHash(k int) uint64 { return fnv1a.HashUint64(uint64(k)) }

func TestFuture_CompleteOnce(t *testing.T) {
	f := NewFuture[int]()

	_, _, ok := f.Poll()
	assert.False(t, ok, "незавершённый Future не должен отдавать результат")

	assert.True(t, f.Complete(7, nil))
	assert.False(t, f.Complete(8, nil), "повторное завершение должно игнорироваться")

	v, err, ok := f.Poll()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFuture_ThenBeforeAndAfter(t *testing.T) {
	f := NewFuture[string]()
	var got []string
	f.Then(func(v string, _ error) { got = append(got, "before:"+v) })
	f.Complete("x", nil)
	f.Then(func(v string, _ error) { got = append(got, "after:"+v) })

	assert.Equal(t, []string{"before:x", "after:x"}, got)
}

func TestFuture_AwaitContextCancel(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, _, ok := f.Poll()
	assert.False(t, ok, "отмена ожидания не должна завершать Future")
}

func TestRun_ResultAndPanic(t *testing.T) {
	f := Run(context.Background(), Go, func(context.Context) (int, error) { return 42, nil })
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	p := Run(context.Background(), Go, func(context.Context) (int, error) { panic("boom") })
	_, err = p.Await(context.Background())
	assert.ErrorIs(t, err, ErrPanicked)
}

func TestFuture_CancelStopsTask(t *testing.T) {
	started := make(chan struct{})
	observed := make(chan error, 1)
	f := Run(context.Background(), Go, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
		return 1, nil
	})
	<-started
	assert.True(t, f.Cancel())

	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled, "контекст задачи должен быть отменён")
	case <-time.After(time.Second):
		t.Fatal("задача не увидела отмену")
	}
}

func TestLaunch_DiscardAfterCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	discarded := make(chan int, 1)
	f := NewFuture[int]()
	Launch(context.Background(), Go, f, func(context.Context) (int, error) {
		close(started)
		<-release
		return 5, nil
	}, func(v int) { discarded <- v })

	<-started
	f.Cancel()
	close(release)

	select {
	case v := <-discarded:
		assert.Equal(t, 5, v)
	case <-time.After(time.Second):
		t.Fatal("результат отменённой задачи не был передан в discard")
	}
}

func TestPool_RunsAndStops(t *testing.T) {
	p := NewPool(4, 8)
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int32(100), n.Load())
	assert.Equal(t, int64(100), p.Completed())
	assert.ErrorIs(t, p.Submit(func() {}), ErrStopped)
	assert.Contains(t, p.GetStats(), "Workers: 4")

	f := Run(context.Background(), p, func(context.Context) (int, error) { return 1, nil })
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, ErrStopped, "Future должен завершиться ошибкой отправки")
}

func TestPool_SurvivesPanic(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Stop()

	require.NoError(t, p.Submit(func() { panic("boom") }))
	f := Run(context.Background(), p, func(context.Context) (int, error) { return 3, nil })
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestCache_SingleFlight(t *testing.T) {
	c := NewCache[int, int](4, intHash)
	var calls atomic.Int32
	gate := make(chan struct{})

	const n = 32
	futures := make([]*Future[int], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i], _ = c.LoadOrStart(5, func(f *Future[int]) {
				calls.Add(1)
				Launch(context.Background(), Go, f, func(context.Context) (int, error) {
					<-gate
					return 55, nil
				}, nil)
			})
		}(i)
	}
	wg.Wait()
	close(gate)

	for _, f := range futures {
		assert.Same(t, futures[0], f, "все вызовы должны получить один Future")
		v, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 55, v)
	}
	assert.Equal(t, int32(1), calls.Load(), "задача должна запускаться ровно один раз")
	assert.Equal(t, 1, c.Len())
}

func TestCache_FailureRemovesEntry(t *testing.T) {
	c := NewCache[int, int](0, intHash)
	failing := errors.New("io")

	f, started := c.LoadOrStart(1, func(f *Future[int]) { f.Complete(0, failing) })
	require.True(t, started)
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, failing)

	_, ok := c.Get(1)
	assert.False(t, ok, "неудачная запись должна быть удалена до пробуждения ожидающих")

	f2, started := c.LoadOrStart(1, func(f *Future[int]) { f.Complete(9, nil) })
	assert.True(t, started, "повторная попытка должна запускать новую задачу")
	v, err := f2.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestCache_CancelRemovesEntry(t *testing.T) {
	c := NewCache[int, int](0, intHash)
	f, _ := c.LoadOrStart(3, func(*Future[int]) {})
	f.Cancel()

	_, ok := c.Get(3)
	assert.False(t, ok)
}

func TestCache_RemoveIfAndLocked(t *testing.T) {
	c := NewCache[int, int](0, intHash)
	f, _ := c.LoadOrStart(1, func(f *Future[int]) { f.Complete(1, nil) })

	assert.False(t, c.RemoveIf(1, NewFuture[int]()), "чужой Future не должен удалять запись")

	var seen *Future[int]
	c.Locked(1, func(cur *Future[int]) bool {
		seen = cur
		return false
	})
	assert.Same(t, f, seen)

	c.Locked(1, func(*Future[int]) bool { return true })
	_, ok := c.Get(1)
	assert.False(t, ok)

	f, _ = c.LoadOrStart(2, func(f *Future[int]) { f.Complete(2, nil) })
	removed, ok := c.Remove(2)
	assert.True(t, ok)
	assert.Same(t, f, removed)
}

func TestCache_Range(t *testing.T) {
	c := NewCache[int, int](2, intHash)
	for i := 0; i < 10; i++ {
		c.LoadOrStart(i, func(f *Future[int]) { f.Complete(i, nil) })
	}
	sum := 0
	c.Range(func(k int, f *Future[int]) bool {
		v, _, _ := f.Poll()
		sum += v
		return true
	})
	assert.Equal(t, 45, sum)
}
