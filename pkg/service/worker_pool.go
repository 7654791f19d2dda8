package service

import (
	"context"
	"runtime"
	"sync"
)

// dispatchJob is one forward action waiting for a worker.
type dispatchJob struct {
	runner *workflowRunner
	step   stepRef
}

// stepRef is the part of a step a worker needs to invoke its action.
type stepRef struct {
	id     string
	name   string
	action ActionCall
}

// WorkerPool runs dispatched steps on a fixed set of goroutines. Submit never
// blocks, so a workflow runner can hand work over without waiting for a free
// worker.
type WorkerPool struct {
	ctx     context.Context
	logger  Logger
	handle  func(ctx context.Context, job dispatchJob)
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []dispatchJob
	stopped bool
	quit    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewWorkerPool(ctx context.Context, logger Logger, handle func(ctx context.Context, job dispatchJob)) *WorkerPool {
	wp := &WorkerPool{
		ctx:    ctx,
		logger: logger,
		handle: handle,
		quit:   make(chan struct{}),
	}
	wp.cond = sync.NewCond(&wp.mu)
	return wp
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	// Wake idle workers when the pool context ends
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		select {
		case <-wp.ctx.Done():
		case <-wp.quit:
			return
		}
		wp.mu.Lock()
		wp.stopped = true
		wp.mu.Unlock()
		wp.cond.Broadcast()
	}()
}

// Stop gracefully stops the worker pool. Queued jobs that no worker picked up
// are dropped.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.stopped = true
	dropped := len(wp.queue)
	wp.queue = nil
	wp.mu.Unlock()
	wp.once.Do(func() { close(wp.quit) })
	wp.cond.Broadcast()
	wp.wg.Wait()
	if dropped > 0 {
		wp.logger.Infof("Worker pool stopped with %d undispatched steps", dropped)
	}
}

// Submit queues a job and reports whether the pool accepted it.
func (wp *WorkerPool) Submit(job dispatchJob) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return false
	}
	wp.queue = append(wp.queue, job)
	wp.cond.Signal()
	return true
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		wp.mu.Lock()
		for len(wp.queue) == 0 && !wp.stopped {
			wp.cond.Wait()
		}
		if wp.stopped {
			wp.mu.Unlock()
			return
		}
		job := wp.queue[0]
		wp.queue[0] = dispatchJob{}
		wp.queue = wp.queue[1:]
		wp.mu.Unlock()

		wp.handle(wp.ctx, job)
	}
}
