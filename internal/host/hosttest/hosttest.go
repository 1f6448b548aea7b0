// Package hosttest provides host doubles for engine tests.
package hosttest

import (
	"sync"

	"github.com/scienceol/killswitch/internal/host"
)

// Input is a settable InputSource.
type Input struct {
	mu    sync.Mutex
	state host.InputState
	err   error
	gate  chan struct{}
	entry chan struct{}
}

// Set replaces the current snapshot and clears any read error.
func (in *Input) Set(buttons host.Signal) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = host.InputState{Buttons: buttons}
	in.err = nil
}

// Fail makes subsequent reads return err.
func (in *Input) Fail(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.err = err
}

// Block makes subsequent reads wait until release is called. entered
// is closed once a read is parked on the gate.
func (in *Input) Block() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	entry := make(chan struct{})
	in.mu.Lock()
	in.gate, in.entry = gate, entry
	in.mu.Unlock()
	var once sync.Once
	return entry, func() {
		once.Do(func() {
			in.mu.Lock()
			in.gate, in.entry = nil, nil
			in.mu.Unlock()
			close(gate)
		})
	}
}

func (in *Input) ReadInput() (host.InputState, error) {
	in.mu.Lock()
	gate, entry := in.gate, in.entry
	in.entry = nil
	in.mu.Unlock()
	if gate != nil {
		if entry != nil {
			close(entry)
		}
		<-gate
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.err != nil {
		return host.InputState{}, in.err
	}
	return in.state, nil
}

// Bus wraps a Registry and injects registration failures.
type Bus struct {
	*host.Registry

	FailRegisterSuspend   error
	FailUnregisterSuspend error
	FailRegisterPower     error
	FailUnregisterPower   error
}

// NewBus returns a Bus over a fresh Registry.
func NewBus() *Bus {
	return &Bus{Registry: host.NewRegistry()}
}

func (b *Bus) RegisterSuspendHandler(cfg host.SuspendHandlerConfig) (host.Handle, error) {
	if b.FailRegisterSuspend != nil {
		return 0, b.FailRegisterSuspend
	}
	return b.Registry.RegisterSuspendHandler(cfg)
}

func (b *Bus) UnregisterSuspendHandler(h host.Handle) error {
	if b.FailUnregisterSuspend != nil {
		return b.FailUnregisterSuspend
	}
	return b.Registry.UnregisterSuspendHandler(h)
}

func (b *Bus) RegisterPowerCallback(cb host.PowerCallback) (host.Handle, error) {
	if b.FailRegisterPower != nil {
		return 0, b.FailRegisterPower
	}
	return b.Registry.RegisterPowerCallback(cb)
}

func (b *Bus) UnregisterPowerCallback(h host.Handle) error {
	if b.FailUnregisterPower != nil {
		return b.FailUnregisterPower
	}
	return b.Registry.UnregisterPowerCallback(h)
}

// Query dispatches a suspend query with the given event ID.
func (b *Bus) Query(id uint32) host.Verdict {
	return b.DispatchSuspend(host.SuspendEvent{Kind: host.EventQuery, ID: id})
}
