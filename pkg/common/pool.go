package common

import (
	"errors"
	"sync"
	"time"
)

// DefaultPoolSize is the number of goroutines a task pool runs unless
// configured otherwise.
const DefaultPoolSize = 20

// Errors that may occur when submitting tasks to a pool.
var (
	ErrPoolClosed  = errors.New("task pool is closed")
	ErrPoolTooBusy = errors.New("task pool queue is full")
)

// TaskPool is a fixed-size pool of goroutines executing submitted closures.
// It backs everything in the process that runs off the caller's goroutine:
// channel allocators, health-check cycles, stats expiry and rediscovery
// timers. Workers are daemon-style: an abandoned pool does not keep the
// process alive, `Stop` exists for orderly shutdown.
type TaskPool struct {
	tasks  chan func()
	mutex  sync.Mutex
	closed bool
}

// NewTaskPool starts `size` workers (DefaultPoolSize if size <= 0) sharing
// one bounded queue.
func NewTaskPool(size int) *TaskPool {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &TaskPool{tasks: make(chan func(), size*64)}
	for i := 0; i < size; i++ {
		go func() {
			for task := range pool.tasks {
				task()
			}
		}()
	}

	return pool
}

// Submit enqueues a task without blocking. Returns an error if the pool is
// stopped or the queue is full; the caller decides whether that is fatal.
func (p *TaskPool) Submit(task func()) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolTooBusy
	}
}

// Run enqueues a task and waits for it to finish. Used by recurring tasks
// whose next fire must not overlap the previous one. A full queue delays
// the task rather than dropping it.
func (p *TaskPool) Run(task func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}

	for {
		err := p.Submit(wrapped)
		if err == nil {
			break
		}
		if errors.Is(err, ErrPoolClosed) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}

	<-done
	return nil
}

// Stop closes the pool. Already queued tasks still run; new submissions fail.
func (p *TaskPool) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.closed {
		close(p.tasks)
		p.closed = true
	}
}
