// Package agent wires the host bridge, the OS inhibitor mirror and the
// enabled arbitration engines into one runnable process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scienceol/killswitch/internal/client"
	"github.com/scienceol/killswitch/internal/config"
	"github.com/scienceol/killswitch/internal/holdguard"
	"github.com/scienceol/killswitch/internal/host"
	"github.com/scienceol/killswitch/internal/metrics"
	"github.com/scienceol/killswitch/internal/power"
	"github.com/scienceol/killswitch/internal/status"
	"github.com/scienceol/killswitch/internal/switchguard"
	"github.com/scienceol/killswitch/internal/worker"
)

// maxWorkers bounds the dedicated workers the engines may hold at once.
const maxWorkers = 4

// engine is the lifecycle both guards share.
type engine interface {
	Start() error
	Stop() error
}

type namedEngine struct {
	name string
	engine
}

// Agent owns every component of a running killswitch process.
type Agent struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Collector

	client  *client.Client
	mirror  *power.Mirror
	engines []namedEngine
	status  *status.Server

	mu      sync.Mutex
	running []string
}

// Option customises an Agent during New.
type Option func(*options)

type options struct {
	inhibitor power.Inhibitor
}

// WithInhibitor replaces the platform OS inhibitor used when
// mirror_os_inhibit is enabled.
func WithInhibitor(inh power.Inhibitor) Option {
	return func(o *options) { o.inhibitor = inh }
}

// New builds an agent from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Collector, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Agent{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		client:  client.New(cfg, logger, m),
	}

	var suspend host.SuspendBus = a.client
	if cfg.MirrorOSInhibit {
		inh := o.inhibitor
		if inh == nil {
			inh = power.New()
		}
		a.mirror = power.NewMirror(a.client, inh, logger)
		suspend = a.mirror
	}

	pool := worker.NewPool(maxWorkers)

	if cfg.SwitchGuard.Enabled {
		combo, err := cfg.SwitchGuard.Combo()
		if err != nil {
			return nil, fmt.Errorf("switch guard: %w", err)
		}
		a.engines = append(a.engines, namedEngine{switchguard.Name, switchguard.New(switchguard.Config{
			Input:         a.client,
			Suspend:       suspend,
			Power:         a.client,
			Workers:       pool,
			OverrideCombo: combo,
			Ceiling:       cfg.SwitchGuard.Ceiling,
			JoinTimeout:   cfg.SwitchGuard.JoinTimeout.Std(),
			Logger:        logger,
			Metrics:       m,
		})})
	}

	if cfg.HoldGuard.Enabled {
		sig, err := cfg.HoldGuard.Signal()
		if err != nil {
			return nil, fmt.Errorf("hold guard: %w", err)
		}
		a.engines = append(a.engines, namedEngine{holdguard.Name, holdguard.New(holdguard.Config{
			Input:        a.client,
			Suspend:      suspend,
			Workers:      pool,
			HoldSignal:   sig,
			PollInterval: cfg.HoldGuard.PollInterval.Std(),
			Window:       cfg.HoldGuard.Window.Std(),
			JoinTimeout:  cfg.HoldGuard.JoinTimeout.Std(),
			Logger:       logger,
			Metrics:      m,
		})})
	}

	if len(a.engines) == 0 {
		return nil, errors.New("no engine enabled")
	}

	if cfg.Status.Listen != "" {
		var g prometheus.Gatherer
		if m != nil {
			g = m.Registry()
		}
		a.status = status.NewServer(a, g, logger)
	}
	return a, nil
}

// Client exposes the host bridge.
func (a *Agent) Client() *client.Client { return a.client }

// Run starts the engines, then serves the host bridge until ctx is
// done. On return every started engine has been stopped; the first
// stop error, if any, is returned.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.mirror.Run(ctx)
		}()
	}
	if a.status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.status.ListenAndServe(ctx, a.cfg.Status.Listen); err != nil {
				a.log.Error("status server failed", "err", err)
			}
		}()
	}

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- a.client.Run() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-bridgeDone:
		bridgeDone = nil
	}

	stopErr := a.stop()
	a.client.Stop()
	if bridgeDone != nil {
		runErr = <-bridgeDone
	}
	cancel()
	wg.Wait()

	if stopErr != nil {
		return stopErr
	}
	return runErr
}

// start brings engines up in order. A failure stops the engines that
// already started.
func (a *Agent) start() error {
	for _, e := range a.engines {
		if err := e.Start(); err != nil {
			if stopErr := a.stop(); stopErr != nil {
				a.log.Error("rollback failed", "err", stopErr)
			}
			return fmt.Errorf("start %s guard: %w", e.name, err)
		}
		a.mu.Lock()
		a.running = append(a.running, e.name)
		a.mu.Unlock()
		a.log.Info("engine started", "engine", e.name)
	}
	return nil
}

// stop tears engines down in reverse start order and keeps the first
// error.
func (a *Agent) stop() error {
	a.mu.Lock()
	running := a.running
	a.running = nil
	a.mu.Unlock()

	var first error
	for i := len(running) - 1; i >= 0; i-- {
		name := running[i]
		for _, e := range a.engines {
			if e.name != name {
				continue
			}
			if err := e.Stop(); err != nil {
				a.log.Error("engine stop failed", "engine", name, "err", err)
				if first == nil {
					first = fmt.Errorf("stop %s guard: %w", name, err)
				}
				continue
			}
			a.log.Info("engine stopped", "engine", name)
		}
	}
	return first
}

// Report implements status.Reporter.
func (a *Agent) Report() status.Report {
	a.mu.Lock()
	engines := append([]string{}, a.running...)
	a.mu.Unlock()

	r := status.Report{
		SessionID: a.client.SessionID(),
		Connected: a.client.Connected(),
		Engines:   engines,
		Handlers:  a.client.Handlers(),
		MirrorOS:  a.mirror != nil,
	}
	if a.mirror != nil {
		r.OSHeld = a.mirror.Held()
	}
	return r
}
