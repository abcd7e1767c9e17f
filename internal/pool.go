package internal

// WorkerPool runs queued work on up to N goroutines. The queue buffer is also
// sized to N so that producers feel backpressure once N work items are in
// flight: memory stays bounded and upstream slows down instead of piling work
// on a process that cannot keep up.
type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool creates a pool of size n. Pick n from whatever shared resource
// the work contends on (e.g a fraction of the database connection limit)
// rather than an arbitrary constant. If more than n work is queued, Queue
// eventually blocks until some work is done.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
