// Package holdguard keeps suspend inhibited while the hold toggle is
// active and for a fixed window after it is released, so overshooting
// the hold detent onto the power switch does not put the device to
// sleep.
package holdguard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scienceol/killswitch/internal/clock"
	"github.com/scienceol/killswitch/internal/host"
	"github.com/scienceol/killswitch/internal/metrics"
	"github.com/scienceol/killswitch/internal/worker"
)

// Name labels this engine in logs and metrics.
const Name = "hold"

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultWindow       = time.Second
	DefaultJoinTimeout  = 2 * time.Second
)

var ErrAlreadyRunning = errors.New("hold guard already running")

// Config wires the engine to its host.
type Config struct {
	Input   host.InputSource
	Suspend host.SuspendBus
	Workers host.Spawner
	Clock   clock.Clock

	HoldSignal   host.Signal
	PollInterval time.Duration
	Window       time.Duration
	JoinTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Engine is a Hold-Guard instance.
type Engine struct {
	cfg Config
	log *slog.Logger

	lifeMu sync.Mutex
	w      *worker.Worker
	handle host.Handle

	// allowed is written by the current polling worker, and by Start and
	// Stop while no worker owns it. setMu orders those writes.
	setMu   sync.Mutex
	allowed atomic.Bool
	active  atomic.Bool
}

// New creates an engine with defaults applied.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HoldSignal == 0 {
		cfg.HoldSignal = host.SignalHold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, log: logger.With("engine", Name)}
	e.allowed.Store(true)
	return e
}

// Start registers the suspend handler and spawns the polling loop.
func (e *Engine) Start() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.w != nil {
		return ErrAlreadyRunning
	}
	e.allowed.Store(true)
	e.active.Store(true)
	e.cfg.Metrics.SleepAllowed(Name, true)

	h, err := e.cfg.Suspend.RegisterSuspendHandler(host.NewSuspendHandler("holdguard", e.onSuspend))
	if err != nil {
		e.active.Store(false)
		return fmt.Errorf("%w: suspend handler: %w", host.ErrRegistration, err)
	}

	w, err := e.cfg.Workers.Spawn("holdguard", e.poll)
	if err != nil {
		e.active.Store(false)
		if uerr := e.cfg.Suspend.UnregisterSuspendHandler(h); uerr != nil {
			e.log.Warn("rollback: unregister suspend handler", "err", uerr)
		}
		return fmt.Errorf("%w: spawn poller: %w", host.ErrRegistration, err)
	}

	e.w, e.handle = w, h
	e.log.Info("started",
		"hold_signal", e.cfg.HoldSignal.String(),
		"poll_interval", e.cfg.PollInterval,
		"window", e.cfg.Window)
	return nil
}

// Stop unregisters the handler and stops the polling loop, interrupting
// an inhibition window in progress. Every step runs; the first failure
// is returned.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.w == nil {
		return nil
	}
	e.active.Store(false)

	var first error
	if err := e.cfg.Suspend.UnregisterSuspendHandler(e.handle); err != nil {
		e.log.Error("stop", "step", "unregister suspend handler", "err", err)
		first = fmt.Errorf("unregister suspend handler: %w", err)
	}

	e.w.Stop()
	if err := e.w.Join(e.cfg.JoinTimeout); err != nil {
		e.w.Terminate()
		e.log.Error("stop", "step", "join poller", "err", err)
		if first == nil {
			first = fmt.Errorf("join poller: %w", err)
		}
	}
	e.w = nil
	// The poller's quit channel is closed by now, so even a terminated
	// poller cannot overwrite this.
	e.setMu.Lock()
	e.allowed.Store(true)
	e.setMu.Unlock()
	e.cfg.Metrics.SleepAllowed(Name, true)

	if first != nil {
		return fmt.Errorf("%w: %w", host.ErrShutdown, first)
	}
	e.log.Info("stopped")
	return nil
}

func (e *Engine) onSuspend(ev host.SuspendEvent) host.Verdict {
	if ev.Kind != host.EventQuery {
		e.log.Info("suspend notification", "kind", ev.Kind.String(), "event_id", ev.ID)
		return host.Allow
	}
	if !e.active.Load() || e.allowed.Load() {
		e.cfg.Metrics.Query(Name, host.Allow)
		return host.Allow
	}
	e.cfg.Metrics.Query(Name, host.Deny)
	return host.Deny
}

func (e *Engine) poll(w *worker.Worker) {
	for {
		if !e.tick(w) {
			return
		}
		select {
		case <-w.Quit():
			return
		case <-e.cfg.Clock.After(e.cfg.PollInterval):
		}
	}
}

// tick runs one poll. It returns false if the worker was stopped while
// waiting out an inhibition window.
func (e *Engine) tick(w *worker.Worker) bool {
	in, err := e.cfg.Input.ReadInput()
	if err != nil {
		e.cfg.Metrics.InputReadFailed(Name)
		e.set(w, true, "input unavailable")
		return true
	}

	if in.Has(e.cfg.HoldSignal) {
		e.set(w, false, "hold active")
		return true
	}
	if e.allowed.Load() {
		return true
	}

	// Falling edge. Presses during the window are not polled.
	e.log.Debug("hold released, inhibiting", "window", e.cfg.Window)
	select {
	case <-w.Quit():
		return false
	case <-e.cfg.Clock.After(e.cfg.Window):
	}
	e.set(w, true, "window elapsed")
	return true
}

// set publishes a decision from poller w. Decisions from a poller that
// has been stopped are dropped.
func (e *Engine) set(w *worker.Worker, allowed bool, reason string) {
	e.setMu.Lock()
	defer e.setMu.Unlock()

	select {
	case <-w.Quit():
		e.log.Debug("dropping decision from stopped poller", "sleep_allowed", allowed, "reason", reason)
		return
	default:
	}
	if e.allowed.Swap(allowed) == allowed {
		return
	}
	e.cfg.Metrics.SleepAllowed(Name, allowed)
	e.log.Debug("sleep allowed changed", "sleep_allowed", allowed, "reason", reason)
}
