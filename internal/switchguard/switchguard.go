// Package switchguard inhibits suspend while the power switch is
// physically held, unless the override combo is held with it.
//
// Switch transitions arrive on a power callback and are decided on a
// dedicated worker that stays parked between notifications. Suspend
// queries are answered from the resulting flag. A ceiling on
// consecutive denials forces a pending suspend through so the host
// never re-queries forever.
package switchguard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scienceol/killswitch/internal/host"
	"github.com/scienceol/killswitch/internal/metrics"
	"github.com/scienceol/killswitch/internal/worker"
)

// Name labels this engine in logs and metrics.
const Name = "switch"

const (
	DefaultCeiling     = 10
	DefaultJoinTimeout = 2 * time.Second
)

var ErrAlreadyRunning = errors.New("switch guard already running")

// maxQueued bounds transitions waiting for the worker.
const maxQueued = 64

// Config wires the engine to its host.
type Config struct {
	Input   host.InputSource
	Suspend host.SuspendBus
	Power   host.PowerBus
	Workers host.Spawner

	// OverrideCombo waives inhibition when fully held at the moment of
	// a press.
	OverrideCombo host.Signal
	// Ceiling bounds consecutive denials. Defaults to DefaultCeiling.
	Ceiling     int
	JoinTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Engine is a Switch-Guard instance. The zero value is not usable; call
// New.
type Engine struct {
	cfg Config
	log *slog.Logger

	lifeMu   sync.Mutex
	w        *worker.Worker
	powerH   host.Handle
	suspendH host.Handle

	mu      sync.Mutex
	active  bool
	allowed bool
	denials int

	// queue holds transitions in delivery order until the worker
	// applies them.
	qmu   sync.Mutex
	queue []host.Transition
}

// New creates an engine. It does not register anything until Start.
func New(cfg Config) *Engine {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.OverrideCombo == 0 {
		cfg.OverrideCombo = host.SignalHome
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		log:     logger.With("engine", Name),
		allowed: true,
	}
}

// Start spawns the callback worker and registers the power callback and
// the suspend handler. If any step fails, the steps already taken are
// undone and the first error is returned.
func (e *Engine) Start() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.w != nil {
		return ErrAlreadyRunning
	}

	e.mu.Lock()
	e.active, e.allowed, e.denials = true, true, 0
	e.mu.Unlock()
	e.qmu.Lock()
	e.queue = nil
	e.qmu.Unlock()
	e.cfg.Metrics.SleepAllowed(Name, true)

	w, err := e.cfg.Workers.Spawn("switchguard", e.run)
	if err != nil {
		e.deactivate()
		return fmt.Errorf("%w: spawn worker: %w", host.ErrRegistration, err)
	}

	powerH, err := e.cfg.Power.RegisterPowerCallback(func(t host.Transition) {
		e.enqueue(t)
		w.Wake()
	})
	if err != nil {
		e.deactivate()
		e.retire(w)
		return fmt.Errorf("%w: power callback: %w", host.ErrRegistration, err)
	}

	suspendH, err := e.cfg.Suspend.RegisterSuspendHandler(host.NewSuspendHandler("switchguard", e.onSuspend))
	if err != nil {
		e.deactivate()
		if uerr := e.cfg.Power.UnregisterPowerCallback(powerH); uerr != nil {
			e.log.Warn("rollback: unregister power callback", "err", uerr)
		}
		e.retire(w)
		return fmt.Errorf("%w: suspend handler: %w", host.ErrRegistration, err)
	}

	e.w, e.powerH, e.suspendH = w, powerH, suspendH
	e.log.Info("started", "override_combo", e.cfg.OverrideCombo.String(), "ceiling", e.cfg.Ceiling)
	return nil
}

// Stop unregisters the suspend handler before anything else so no new
// queries arrive, then the power callback, then stops and joins the
// worker. Every step runs; the first failure is returned. Stopping a
// stopped engine does nothing.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.w == nil {
		return nil
	}
	e.deactivate()

	var first error
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		e.log.Error("stop", "step", step, "err", err)
		if first == nil {
			first = fmt.Errorf("%s: %w", step, err)
		}
	}

	keep("unregister suspend handler", e.cfg.Suspend.UnregisterSuspendHandler(e.suspendH))
	keep("unregister power callback", e.cfg.Power.UnregisterPowerCallback(e.powerH))
	keep("join worker", e.retire(e.w))
	e.w = nil

	if first != nil {
		return fmt.Errorf("%w: %w", host.ErrShutdown, first)
	}
	e.log.Info("stopped")
	return nil
}

// retire stops and joins w, terminating it if the join fails.
func (e *Engine) retire(w *worker.Worker) error {
	w.Stop()
	if err := w.Join(e.cfg.JoinTimeout); err != nil {
		w.Terminate()
		return err
	}
	return nil
}

// deactivate makes late notifications no-ops and restores the
// permissive default.
func (e *Engine) deactivate() {
	e.mu.Lock()
	e.active, e.allowed, e.denials = false, true, 0
	e.cfg.Metrics.SleepAllowed(Name, true)
	e.mu.Unlock()
}

// enqueue records t for the worker. If the worker has fallen
// maxQueued transitions behind, the backlog collapses to a release
// followed by t: the release still resets the denial counter and t
// still decides the final state.
func (e *Engine) enqueue(t host.Transition) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.queue) >= maxQueued {
		e.log.Warn("transition backlog full, collapsing", "queued", len(e.queue))
		e.queue = append(e.queue[:0], host.ReleasedOrOther)
	}
	e.queue = append(e.queue, t)
}

// dequeue pops the oldest queued transition.
func (e *Engine) dequeue() (host.Transition, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.queue) == 0 {
		return 0, false
	}
	t := e.queue[0]
	e.queue = e.queue[1:]
	if len(e.queue) == 0 {
		e.queue = nil
	}
	return t, true
}

// run applies queued transitions one at a time, in delivery order.
// Wakes coalesce, so each wake drains everything queued so far.
func (e *Engine) run(w *worker.Worker) {
	for w.Park() {
		for {
			select {
			case <-w.Quit():
				return
			default:
			}
			t, ok := e.dequeue()
			if !ok {
				break
			}
			e.apply(t)
		}
	}
}

// apply decides SleepAllowed for a power transition.
func (e *Engine) apply(t host.Transition) {
	allowed, reason := true, "released"
	if t == host.Pressed {
		in, err := e.cfg.Input.ReadInput()
		switch {
		case err != nil:
			// Fail open: an unreadable pad must not strand the device awake.
			reason = "input unavailable"
			e.cfg.Metrics.InputReadFailed(Name)
			e.log.Warn("input read failed, allowing sleep", "err", err)
		case in.Has(e.cfg.OverrideCombo):
			reason = "override combo held"
		default:
			allowed, reason = false, "switch held"
		}
	}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.allowed = allowed
	if allowed {
		e.denials = 0
	}
	// Under mu so deactivate's gauge reset cannot be overwritten.
	e.cfg.Metrics.SleepAllowed(Name, allowed)
	e.mu.Unlock()

	e.cfg.Metrics.Transition(Name, t)
	e.log.Debug("power transition", "transition", t.String(), "sleep_allowed", allowed, "reason", reason)
}

// onSuspend runs synchronously on the suspend bus, possibly many times
// in quick succession, and must stay O(1).
func (e *Engine) onSuspend(ev host.SuspendEvent) host.Verdict {
	if ev.Kind != host.EventQuery {
		e.log.Info("suspend notification", "kind", ev.Kind.String(), "event_id", ev.ID)
		return host.Allow
	}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return host.Allow
	}
	if e.allowed {
		e.mu.Unlock()
		e.cfg.Metrics.Query(Name, host.Allow)
		return host.Allow
	}
	if e.denials < e.cfg.Ceiling {
		e.denials++
		n := e.denials
		e.mu.Unlock()
		e.cfg.Metrics.Query(Name, host.Deny)
		e.log.Debug("suspend denied", "event_id", ev.ID, "denials", n)
		return host.Deny
	}

	// The host does not re-deliver the release after a suspend that
	// goes through, so the flag is reset here.
	e.allowed, e.denials = true, 0
	e.mu.Unlock()

	e.cfg.Metrics.FailsafeTripped(Name)
	e.cfg.Metrics.SleepAllowed(Name, true)
	e.cfg.Metrics.Query(Name, host.Allow)
	e.log.Warn("denial ceiling reached, forcing suspend through", "event_id", ev.ID, "ceiling", e.cfg.Ceiling)
	return host.Allow
}

// state reports the flag and counter.
func (e *Engine) state() (allowed bool, denials int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowed, e.denials
}
