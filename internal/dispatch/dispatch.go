// Package dispatch provides the shared background executor: a bounded worker
// pool accepting immediate or delayed tasks. Delayed tasks can be promoted to
// immediate execution, which is how a foreground request overtakes a
// background-delayed one for the same coalescing key.
package dispatch

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Delay is the scheduling class for an enqueued task.
type Delay int

const (
	// DelayNone dispatches immediately.
	DelayNone Delay = iota

	// DelayDefault applies a small jittered delay, used for background-triggered
	// requests so bursts of lifecycle callbacks spread out.
	DelayDefault

	// DelayLong applies a larger jittered delay.
	DelayLong
)

const jitterWindow = 5 * time.Second

func (d Delay) duration() time.Duration {
	switch d {
	case DelayDefault:
		return rand.N(jitterWindow)
	case DelayLong:
		return jitterWindow + rand.N(jitterWindow)
	default:
		return 0
	}
}

// Scheduled is the handle for an enqueued task.
type Scheduled struct {
	dispatched atomic.Bool
	timer      *time.Timer
	d          *Dispatcher
	task       func()
}

// Promote dispatches a still-pending delayed task immediately. A task that has
// already been handed to a worker is unaffected.
func (s *Scheduled) Promote() {
	if s.dispatched.CompareAndSwap(false, true) {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.d.submit(s.task)
	}
}

// Dispatcher runs tasks on a fixed pool of workers. The synchronous variant
// runs tasks inline (sleeping out delays) for deterministic tests.
type Dispatcher struct {
	tasks       chan func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
	synchronous bool
}

// New starts a dispatcher with the given number of workers.
func New(workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{tasks: make(chan func(), 256)}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer d.wg.Done()
			for task := range d.tasks {
				task()
			}
		}()
	}
	return d
}

// NewSynchronous returns a dispatcher that executes every task inline on the
// caller's goroutine. Test-mode only.
func NewSynchronous() *Dispatcher {
	return &Dispatcher{synchronous: true}
}

// Enqueue schedules a task with the given delay and returns its handle.
func (d *Dispatcher) Enqueue(task func(), delay Delay) *Scheduled {
	s := &Scheduled{d: d, task: task}
	if d.synchronous {
		s.dispatched.Store(true)
		time.Sleep(delay.duration())
		task()
		return s
	}
	dur := delay.duration()
	if dur == 0 {
		s.dispatched.Store(true)
		d.submit(task)
		return s
	}
	s.timer = time.AfterFunc(dur, func() {
		if s.dispatched.CompareAndSwap(false, true) {
			d.submit(task)
		}
	})
	return s
}

// EnqueueAfter schedules a task after an exact duration, used for backoff
// retries where the delay is computed by policy rather than jittered.
func (d *Dispatcher) EnqueueAfter(task func(), after time.Duration) {
	if d.synchronous {
		time.Sleep(after)
		task()
		return
	}
	if after <= 0 {
		d.submit(task)
		return
	}
	time.AfterFunc(after, func() { d.submit(task) })
}

func (d *Dispatcher) submit(task func()) {
	defer func() {
		// Enqueue after Close is a no-op rather than a crash; late billing
		// callbacks may still fire during shutdown.
		_ = recover()
	}()
	d.tasks <- task
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (d *Dispatcher) Close() {
	if d.synchronous {
		return
	}
	d.closeOnce.Do(func() {
		close(d.tasks)
	})
	d.wg.Wait()
}
