package common

import (
	"sync"
	"time"
)

// RecurringTask runs a closure on a task pool at a fixed interval. Runs are
// serialized: a fire that finds the previous run still executing is delayed,
// never overlapped. Cancel is idempotent and may be called from the task
// body itself.
type RecurringTask struct {
	interval time.Duration
	body     func()
	pool     *TaskPool

	mutex     sync.Mutex
	cancelled bool
	quit      chan struct{}
}

// ScheduleRecurring starts a new recurring task. The first fire happens one
// full interval after scheduling.
func ScheduleRecurring(pool *TaskPool, interval time.Duration, body func()) *RecurringTask {
	t := &RecurringTask{
		interval: interval,
		body:     body,
		pool:     pool,
		quit:     make(chan struct{}),
	}

	go t.loop()
	return t
}

func (t *RecurringTask) loop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			// Run blocks until the body finished, so a slow body simply
			// makes us skip ticks instead of piling up executions.
			if err := t.pool.Run(t.body); err != nil {
				return
			}
		}
	}
}

// Cancel stops the task. A body currently executing finishes; no further
// fires happen.
func (t *RecurringTask) Cancel() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.cancelled {
		close(t.quit)
		t.cancelled = true
	}
}
