// Package worker provides dedicated goroutines that park until another
// context wakes them, plus the spawn/join/terminate lifecycle around
// them.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrPoolExhausted = errors.New("worker pool exhausted")
	ErrJoinTimeout   = errors.New("worker did not exit before join timeout")
)

// Pool spawns workers and bounds how many may be live at once.
type Pool struct {
	mu    sync.Mutex
	limit int
	live  map[*Worker]struct{}
}

// NewPool creates a pool. A limit <= 0 means unbounded.
func NewPool(limit int) *Pool {
	return &Pool{
		limit: limit,
		live:  make(map[*Worker]struct{}),
	}
}

// Spawn starts entry on a new worker goroutine.
func (p *Pool) Spawn(name string, entry func(*Worker)) (*Worker, error) {
	p.mu.Lock()
	if p.limit > 0 && len(p.live) >= p.limit {
		p.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: %w", name, ErrPoolExhausted)
	}
	w := &Worker{
		name: name,
		pool: p,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.live[w] = struct{}{}
	p.mu.Unlock()

	go func() {
		defer close(w.done)
		entry(w)
	}()
	return w, nil
}

// Live returns the number of workers that have not been joined or
// terminated.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *Pool) remove(w *Worker) {
	p.mu.Lock()
	delete(p.live, w)
	p.mu.Unlock()
}

// Worker is a goroutine that spends its idle time parked in Park.
type Worker struct {
	name string
	pool *Pool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	stopOnce    sync.Once
	releaseOnce sync.Once
}

// Name returns the name the worker was spawned with.
func (w *Worker) Name() string { return w.name }

// Wake unparks the worker. Wakes coalesce: several calls before the
// worker runs again produce a single return from Park.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Park blocks until the worker is woken or asked to stop. It returns
// false once Stop has been called; a pending wake never masks a stop.
func (w *Worker) Park() bool {
	select {
	case <-w.quit:
		return false
	case <-w.wake:
		select {
		case <-w.quit:
			return false
		default:
			return true
		}
	}
}

// Quit is closed when the worker has been asked to stop. Entries that
// wait on timers select on it to keep shutdown latency bounded.
func (w *Worker) Quit() <-chan struct{} { return w.quit }

// Done is closed when the entry function has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop asks the worker to exit. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

// Join waits for the entry function to return. A timeout <= 0 waits
// forever. On success the worker's pool slot is released.
func (w *Worker) Join(timeout time.Duration) error {
	if timeout <= 0 {
		<-w.done
		w.release()
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-w.done:
		w.release()
		return nil
	case <-t.C:
		return fmt.Errorf("join %s: %w", w.name, ErrJoinTimeout)
	}
}

// Terminate is the forced cleanup path after a failed Join. The
// goroutine cannot be killed, so it is stopped and abandoned: Park
// never returns true again and its pool slot is freed.
func (w *Worker) Terminate() {
	w.Stop()
	w.release()
}

func (w *Worker) release() {
	w.releaseOnce.Do(func() { w.pool.remove(w) })
}
