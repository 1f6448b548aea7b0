package power

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/scienceol/killswitch/internal/host"
)

// Mirror is a SuspendBus decorator. Handlers registered through it keep
// their verdicts, and the outcome of each query is reflected in a local
// Inhibitor: held after a Deny, released after an Allow or once a
// suspend starts.
//
// Handlers must not block, so the inhibitor is driven from Run.
type Mirror struct {
	bus host.SuspendBus
	inh Inhibitor
	log *slog.Logger

	want   atomic.Bool
	kick   chan struct{}
	mu     sync.Mutex
	held   bool
	lastOK bool
}

// NewMirror wraps bus.
func NewMirror(bus host.SuspendBus, inh Inhibitor, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		bus:    bus,
		inh:    inh,
		log:    logger.With("component", "os-mirror"),
		kick:   make(chan struct{}, 1),
		lastOK: true,
	}
}

func (m *Mirror) RegisterSuspendHandler(cfg host.SuspendHandlerConfig) (host.Handle, error) {
	inner := cfg.Handler
	if inner != nil {
		cfg.Handler = func(ev host.SuspendEvent) host.Verdict {
			v := inner(ev)
			switch ev.Kind {
			case host.EventQuery:
				m.request(v == host.Deny)
			case host.EventStart:
				m.request(false)
			}
			return v
		}
	}
	return m.bus.RegisterSuspendHandler(cfg)
}

func (m *Mirror) UnregisterSuspendHandler(h host.Handle) error {
	return m.bus.UnregisterSuspendHandler(h)
}

func (m *Mirror) request(hold bool) {
	m.want.Store(hold)
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Held reports whether the OS inhibitor is currently held.
func (m *Mirror) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Run applies requested state changes until ctx is done, then releases
// the inhibitor.
func (m *Mirror) Run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held {
			m.inh.Stop()
			m.held = false
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.apply(m.want.Load())
		}
	}
}

func (m *Mirror) apply(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case hold && !m.held:
		if err := m.inh.Start(); err != nil {
			// Log once per failure streak; queries repeat quickly.
			if m.lastOK {
				m.log.Warn("os inhibitor unavailable", "err", err)
			}
			m.lastOK = false
			return
		}
		m.lastOK = true
		m.held = true
		m.log.Debug("os sleep inhibited")
	case !hold && m.held:
		m.inh.Stop()
		m.held = false
		m.log.Debug("os sleep released")
	}
}
