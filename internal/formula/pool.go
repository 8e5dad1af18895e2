package formula

import (
	"sync"

	"go.starlark.net/starlark"
)

// DefaultMaxSteps bounds the work of a single evaluation.
const DefaultMaxSteps = 1_000_000

// ThreadPool recycles Starlark threads across evaluations.
type ThreadPool struct {
	mu       sync.Mutex
	threads  []*starlark.Thread
	maxSize  int
	maxSteps uint64
}

// NewThreadPool creates a pool holding at most maxSize idle threads. Each
// thread stops after maxSteps interpreter steps per evaluation.
func NewThreadPool(maxSize int, maxSteps uint64) *ThreadPool {
	if maxSize <= 0 {
		maxSize = 10
	}
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &ThreadPool{
		threads:  make([]*starlark.Thread, 0, maxSize),
		maxSize:  maxSize,
		maxSteps: maxSteps,
	}
}

// Get retrieves an idle thread or creates a new one.
// The thread name is used for error reporting.
func (p *ThreadPool) Get(name string) *starlark.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.threads); n > 0 {
		thread := p.threads[n-1]
		p.threads = p.threads[:n-1]
		thread.Name = name
		return thread
	}

	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(p.maxSteps)
	return thread
}

// Put returns a thread to the pool. If the pool is full, the thread is
// discarded.
func (p *ThreadPool) Put(thread *starlark.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.threads) < p.maxSize {
		thread.Name = ""
		thread.Steps = 0
		p.threads = append(p.threads, thread)
	}
}

// Size returns the number of idle threads.
func (p *ThreadPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}
