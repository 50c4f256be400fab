// Package task содержит примитивы асинхронной загрузки: Future с
// продолжениями, исполнители и single-flight кэш поверх них.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPanicked оборачивает панику, случившуюся внутри задачи.
var ErrPanicked = errors.New("task: panicked")

// Future - результат задачи, который завершается ровно один раз.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
	cancel    context.CancelFunc
}

// NewFuture создаёт незавершённый Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed возвращает уже завершённый Future.
func Completed[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v, err)
	return f
}

// Complete завершает Future. Выигрывает первый вызов, остальные возвращают false.
// Продолжения выполняются до того, как ожидающие проснутся.
func (f *Future[T]) Complete(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	cancel := f.cancel
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	if cancel != nil {
		cancel()
	}
	close(f.done)
	return true
}

// Cancel завершает Future с context.Canceled и отменяет контекст задачи.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.Complete(zero, context.Canceled)
}

// Done закрывается после завершения.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await ждёт результат. Отмена ctx прекращает ожидание, но не саму задачу.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll возвращает результат без блокировки; ok=false, пока задача не завершена.
func (f *Future[T]) Poll() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		return v, nil, false
	}
	return f.value, f.err, true
}

// Then добавляет продолжение. Если Future уже завершён, fn вызывается сразу.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Run запускает fn на исполнителе и возвращает его Future.
func Run[T any](ctx context.Context, exec Executor, fn func(context.Context) (T, error)) *Future[T] {
	f := NewFuture[T]()
	Launch(ctx, exec, f, fn, nil)
	return f
}

// Launch запускает fn на исполнителе и завершает им уже созданный f.
// Если f к моменту окончания fn завершён иначе (например, отменён),
// успешный результат передаётся в discard, чтобы его можно было освободить.
func Launch[T any](ctx context.Context, exec Executor, f *Future[T], fn func(context.Context) (T, error), discard func(T)) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		cancel()
		return
	}
	f.cancel = cancel
	f.mu.Unlock()

	err := exec.Submit(func() {
		var zero T
		defer func() {
			if r := recover(); r != nil {
				f.Complete(zero, fmt.Errorf("%w: %v", ErrPanicked, r))
			}
		}()
		if err := ctx.Err(); err != nil {
			f.Complete(zero, err)
			return
		}
		v, err := fn(ctx)
		if !f.Complete(v, err) && err == nil && discard != nil {
			discard(v)
		}
	})
	if err != nil {
		var zero T
		f.Complete(zero, err)
	}
}
