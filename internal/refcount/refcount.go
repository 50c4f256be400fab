// Package refcount - счётчик ссылок с жёсткой проверкой времени жизни.
// Повторное освобождение или захват освобождённого объекта - ошибка
// программиста, поэтому счётчик паникует, а не возвращает ошибку.
package refcount

import (
	"errors"
	"sync/atomic"
)

// ErrReleased - значение паники при обращении к освобождённому объекту.
var ErrReleased = errors.New("refcount: object already released")

// Counter встраивается по значению в структуры с явным временем жизни.
// Нулевое значение не готово к работе: нужен Init.
type Counter struct {
	refs    atomic.Int32
	release func()
}

// Init выставляет счётчик в 1 и запоминает функцию освобождения.
func (c *Counter) Init(release func()) {
	c.release = release
	c.refs.Store(1)
}

// Retain увеличивает счётчик. Паникует, если объект уже освобождён.
func (c *Counter) Retain() {
	for {
		n := c.refs.Load()
		if n <= 0 {
			panic(ErrReleased)
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// Release уменьшает счётчик и на нуле вызывает функцию освобождения
// ровно один раз. Возвращает true, если объект был освобождён.
func (c *Counter) Release() bool {
	n := c.refs.Add(-1)
	switch {
	case n < 0:
		panic(ErrReleased)
	case n == 0:
		if c.release != nil {
			c.release()
		}
		return true
	}
	return false
}

// RefCount возвращает текущее значение счётчика.
func (c *Counter) RefCount() int32 { return c.refs.Load() }

// Alive сообщает, что объект ещё не освобождён.
func (c *Counter) Alive() bool { return c.refs.Load() > 0 }

// Ensure паникует, если объект уже освобождён.
func (c *Counter) Ensure() {
	if c.refs.Load() <= 0 {
		panic(ErrReleased)
	}
}
