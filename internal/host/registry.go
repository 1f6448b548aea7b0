package host

import (
	"fmt"
	"sync"
)

type suspendEntry struct {
	handle Handle
	cfg    SuspendHandlerConfig
}

// Registry keeps the handler and callback tables of a host and
// dispatches events to them. It implements SuspendBus and PowerBus;
// transports embed it and feed it events.
type Registry struct {
	mu      sync.RWMutex
	next    Handle
	suspend []suspendEntry
	power   map[Handle]PowerCallback
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{power: make(map[Handle]PowerCallback)}
}

func (r *Registry) RegisterSuspendHandler(cfg SuspendHandlerConfig) (Handle, error) {
	if cfg.Handler == nil {
		return 0, fmt.Errorf("suspend handler %q: nil handler", cfg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.suspend = append(r.suspend, suspendEntry{handle: r.next, cfg: cfg})
	return r.next, nil
}

func (r *Registry) UnregisterSuspendHandler(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.suspend {
		if e.handle == h {
			r.suspend = append(r.suspend[:i:i], r.suspend[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("suspend handler %d: %w", h, ErrUnknownHandle)
}

func (r *Registry) RegisterPowerCallback(cb PowerCallback) (Handle, error) {
	if cb == nil {
		return 0, fmt.Errorf("power callback: nil callback")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.power[r.next] = cb
	return r.next, nil
}

func (r *Registry) UnregisterPowerCallback(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.power[h]; !ok {
		return fmt.Errorf("power callback %d: %w", h, ErrUnknownHandle)
	}
	delete(r.power, h)
	return nil
}

// DispatchSuspend runs the event through the handler chain in
// registration order. For queries the first Deny ends the chain and is
// the result; start and cancelled notifications reach every handler
// and always yield Allow.
func (r *Registry) DispatchSuspend(ev SuspendEvent) Verdict {
	r.mu.RLock()
	chain := make([]suspendEntry, len(r.suspend))
	copy(chain, r.suspend)
	r.mu.RUnlock()

	for _, e := range chain {
		if e.cfg.Handler(ev) == Deny && ev.Kind == EventQuery {
			return Deny
		}
	}
	return Allow
}

// DeliverTransition hands t to every registered power callback.
func (r *Registry) DeliverTransition(t Transition) {
	r.mu.RLock()
	cbs := make([]PowerCallback, 0, len(r.power))
	for _, cb := range r.power {
		cbs = append(cbs, cb)
	}
	r.mu.RUnlock()

	for _, cb := range cbs {
		cb(t)
	}
}

// Handlers returns the names of registered suspend handlers in chain
// order.
func (r *Registry) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.suspend))
	for i, e := range r.suspend {
		names[i] = e.cfg.Name
	}
	return names
}

// PowerCallbacks returns the number of registered power callbacks.
func (r *Registry) PowerCallbacks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.power)
}
