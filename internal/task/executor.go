package task

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped возвращается при отправке задачи в остановленный пул.
var ErrStopped = errors.New("task: executor stopped")

// Executor выполняет единицы работы вне вызывающей горутины.
type Executor interface {
	Submit(fn func()) error
}

// ExecutorFunc адаптирует функцию к Executor.
type ExecutorFunc func(fn func()) error

// Submit реализует Executor.
func (e ExecutorFunc) Submit(fn func()) error { return e(fn) }

// Go запускает каждую задачу в отдельной горутине.
var Go Executor = ExecutorFunc(func(fn func()) error {
	go fn()
	return nil
})

// Inline выполняет задачу прямо в вызывающей горутине. Удобен в тестах.
var Inline Executor = ExecutorFunc(func(fn func()) error {
	fn()
	return nil
})

// Pool - пул воркеров фиксированного размера с буферизованной очередью.
type Pool struct {
	workerCount int            // Количество воркеров
	queue       chan func()    // Очередь задач
	mu          sync.RWMutex   // Защищает stopped и закрытие очереди
	stopped     bool           // Пул остановлен
	wg          sync.WaitGroup // WaitGroup для воркеров
	stats       PoolStats      // Статистика
}

// PoolStats содержит статистику пула.
type PoolStats struct {
	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	busyNanos atomic.Int64
}

// NewPool создаёт и запускает пул. workerCount <= 0 означает runtime.NumCPU().
func NewPool(workerCount, queueSize int) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workerCount * 2
	}

	p := &Pool{
		workerCount: workerCount,
		queue:       make(chan func(), queueSize),
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit ставит задачу в очередь. Блокируется, если очередь заполнена.
func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	p.stats.submitted.Add(1)
	p.queue <- fn
	return nil
}

// Stop перестаёт принимать задачи, дожидается выполнения очереди и воркеров.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker выполняет задачи до закрытия очереди
func (p *Pool) worker() {
	defer p.wg.Done()

	for fn := range p.queue {
		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.stats.panicked.Add(1)
		}
		p.stats.busyNanos.Add(time.Since(start).Nanoseconds())
		p.stats.completed.Add(1)
	}()
	fn()
}

// Workers возвращает количество воркеров.
func (p *Pool) Workers() int { return p.workerCount }

// Pending возвращает длину очереди.
func (p *Pool) Pending() int { return len(p.queue) }

// Completed возвращает число выполненных задач.
func (p *Pool) Completed() int64 { return p.stats.completed.Load() }

// GetStats возвращает строку со статистикой пула.
func (p *Pool) GetStats() string {
	return fmt.Sprintf("Workers: %d, Submitted: %d, Completed: %d, Panicked: %d, Pending: %d, Busy: %s",
		p.workerCount,
		p.stats.submitted.Load(),
		p.stats.completed.Load(),
		p.stats.panicked.Load(),
		len(p.queue),
		time.Duration(p.stats.busyNanos.Load()))
}
