package router

import "sync/atomic"

// LivenessToken lets the logic loop cancel in-flight worker-pool callbacks
// without touching live state from another goroutine: a worker checks
// Valid() immediately before reposting its result, and a cancelled
// path/build/lookup's callback simply no-ops instead of mutating state
// (§5 "a cancelled path/build/lookup never mutates live data").
type LivenessToken struct {
	generation *uint64
	at         uint64
}

// LivenessSource mints LivenessTokens and can invalidate every token ever
// minted from it in one call (Advance).
type LivenessSource struct {
	generation uint64
}

// Token mints a token valid until the next Advance.
func (s *LivenessSource) Token() LivenessToken {
	return LivenessToken{generation: &s.generation, at: atomic.LoadUint64(&s.generation)}
}

// Advance invalidates every token previously minted by this source.
func (s *LivenessSource) Advance() {
	atomic.AddUint64(&s.generation, 1)
}

// Valid reports whether the source that minted this token has not since
// advanced.
func (t LivenessToken) Valid() bool {
	return atomic.LoadUint64(t.generation) == t.at
}

// job is a unit of CPU-bound work submitted to a Pool: run executes on a
// worker goroutine, and done is closed once it returns.
type job struct {
	run  func()
	done chan struct{}
}

// Pool is a fixed-size worker pool for CPU-bound work the logic loop must
// never perform directly: crypto primitives, frame decryption, per-hop
// onion layers, signature verification (§5). It generalizes socks.Server's
// bounded-semaphore connection-admission loop from "at most N concurrent
// accepts" into "at most N concurrent CPU jobs", run by a fixed worker
// goroutine set rather than a semaphore over ad hoc goroutines, since pool
// jobs here must also survive the caller cancelling interest in the result.
type Pool struct {
	jobs chan job
	quit chan struct{}
}

// NewPool starts size worker goroutines draining a shared job queue.
func NewPool(size, queueLen int) *Pool {
	p := &Pool{
		jobs: make(chan job, queueLen),
		quit: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case j := <-p.jobs:
			j.run()
			close(j.done)
		case <-p.quit:
			return
		}
	}
}

// Submit enqueues fn to run on a worker goroutine and returns a channel
// closed once fn has completed. Submit blocks if the pool's queue is full;
// callers on the logic loop should size queues generously since the
// logic loop itself must never block (§5).
func (p *Pool) Submit(fn func()) <-chan struct{} {
	j := job{run: fn, done: make(chan struct{})}
	p.jobs <- j
	return j.done
}

// Close stops all worker goroutines. In-flight jobs already dequeued
// still run to completion; queued-but-undequeued jobs are abandoned.
func (p *Pool) Close() {
	close(p.quit)
}
