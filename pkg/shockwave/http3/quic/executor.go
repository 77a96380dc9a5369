package quic

import "sync"

// Executor dispatches non-blocking tasks produced by a session. §4.3 calls
// for an "eat-what-you-kill" policy: the thread that enqueues the first
// task runs it inline; any later tasks are picked up by whichever
// goroutine already running tasks finishes its current work first. This
// keeps lightly loaded sessions latency-free while still letting several
// submitting goroutines work through a burst.
type Executor interface {
	// Submit dispatches fn. The first call after an idle period may run
	// fn synchronously on the calling goroutine; later calls queue.
	Submit(fn func())
}

// eatWhatYouKillExecutor implements Executor over a small fixed worker
// pool plus inline execution of the task that wakes the queue. §4.3,
// §9 "Session-owned executor".
type eatWhatYouKillExecutor struct {
	mu      sync.Mutex
	queue   []func()
	workers int
	idle    int
}

// NewExecutor creates an Executor that lets at most workers goroutines
// run tasks at once. It starts no goroutines of its own: a task runs on
// the goroutine that submitted it or, when every slot is busy, waits in
// the queue until a goroutine already running tasks picks it up. A
// workers value below 1 is treated as 1.
func NewExecutor(workers int) Executor {
	if workers < 1 {
		workers = 1
	}
	e := &eatWhatYouKillExecutor{workers: workers, idle: workers}
	return e
}

func (e *eatWhatYouKillExecutor) Submit(fn func()) {
	e.mu.Lock()
	if e.idle > 0 {
		e.idle--
		e.mu.Unlock()
		e.runWorker(fn)
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
}

// runWorker executes first, then keeps eating from the queue until it is
// empty, at which point it returns itself to the idle pool.
func (e *eatWhatYouKillExecutor) runWorker(first func()) {
	task := first
	for {
		task()

		e.mu.Lock()
		if len(e.queue) == 0 {
			e.idle++
			e.mu.Unlock()
			return
		}
		task = e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
	}
}

// SyncExecutor runs every task inline on the calling goroutine. Installed
// in tests so dispatch order is deterministic. §9.
type SyncExecutor struct{}

func (SyncExecutor) Submit(fn func()) { fn() }
