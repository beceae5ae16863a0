// Package executor provides the three worker pools the SSDP and GENA layers
// schedule blocking work onto: an unbounded pool for long-lived receive
// loops, a bounded pool for short sends and lookups, and a single-worker
// FIFO pool that preserves delivery order of user-facing callbacks.
package executor

import (
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
)

// defaultIOPoolSize picks min(cpu*2, 8), matching the recommendation in the
// datagram server core's design (bounded concurrency for outbound sends and
// short descriptor fetches).
func defaultIOPoolSize() int {
	n := runtime.NumCPU() * 2
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Pools bundles the three worker pools behind a single lifecycle. One Pools
// value is shared by every Server/Manager that needs to schedule work.
type Pools struct {
	io       chan func()
	callback chan func()

	serverWG sync.WaitGroup
	ioWG     sync.WaitGroup
	cbWG     sync.WaitGroup

	mu       sync.Mutex
	done     bool
	doneOnce sync.Once
}

// New starts a Pools with the recommended IO concurrency. The callback pool
// is always a single worker so user notifications are delivered in FIFO
// order.
func New() *Pools {
	p := &Pools{
		io:       make(chan func(), 64),
		callback: make(chan func(), 256),
	}

	n := defaultIOPoolSize()
	for i := 0; i < n; i++ {
		p.ioWG.Add(1)
		go p.ioWorker()
	}

	p.cbWG.Add(1)
	go p.callbackWorker()

	return p
}

func (p *Pools) ioWorker() {
	defer p.ioWG.Done()
	for task := range p.io {
		task()
	}
}

func (p *Pools) callbackWorker() {
	defer p.cbWG.Done()
	for task := range p.callback {
		task()
	}
}

// SubmitServer runs task on a fresh, daemon-like goroutine. Intended for
// long-lived receive loops; the executor does not track how long these run
// beyond draining them during Terminate.
func (p *Pools) SubmitServer(task func()) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.serverWG.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.serverWG.Done()
		task()
	}()
}

// SubmitIO enqueues task on the bounded IO pool. Returns false without
// running task if the pool is saturated or terminated; callers log and drop
// per the send path's best-effort semantics.
func (p *Pools) SubmitIO(task func()) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.io <- task:
		return true
	default:
		log.Debug("io pool saturated, dropping task")
		return false
	}
}

// SubmitCallback enqueues task on the single-worker FIFO callback pool.
// Returns false without running task if terminated.
func (p *Pools) SubmitCallback(task func()) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.callback <- task:
		return true
	default:
		log.Debug("callback pool saturated, dropping task")
		return false
	}
}

// Terminate stops accepting new work and blocks until every worker has
// drained its queue. Idempotent; after it, SubmitIO and SubmitCallback
// return false and SubmitServer does nothing.
func (p *Pools) Terminate() {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()

		close(p.io)
		close(p.callback)

		p.ioWG.Wait()
		p.cbWG.Wait()
		p.serverWG.Wait()
	})
}
