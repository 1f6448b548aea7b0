// Package host defines the capabilities the guard engines consume from
// the device host: input snapshots, the suspend query bus, power-switch
// transitions and worker spawning.
package host

import (
	"errors"

	"github.com/scienceol/killswitch/internal/worker"
)

var (
	// ErrInputUnavailable means no current input snapshot could be read.
	// Engines resolve it by failing open and never propagate it.
	ErrInputUnavailable = errors.New("input snapshot unavailable")

	// ErrRegistration wraps failures to acquire a handler, callback or
	// worker during Start.
	ErrRegistration = errors.New("registration failed")

	// ErrShutdown wraps failures to release resources during Stop.
	ErrShutdown = errors.New("shutdown failed")

	// ErrUnknownHandle is returned when unregistering a handle that is
	// not registered.
	ErrUnknownHandle = errors.New("unknown handle")
)

// Handle identifies a registered handler or callback.
type Handle uint64

// InputSource reads the current physical control state. ReadInput must
// not block.
type InputSource interface {
	ReadInput() (InputState, error)
}

// SuspendBus delivers suspend events synchronously and collects a
// verdict from each registered handler.
type SuspendBus interface {
	RegisterSuspendHandler(cfg SuspendHandlerConfig) (Handle, error)
	UnregisterSuspendHandler(h Handle) error
}

// PowerCallback receives power-switch transitions.
type PowerCallback func(Transition)

// PowerBus delivers power-switch transitions asynchronously.
type PowerBus interface {
	RegisterPowerCallback(cb PowerCallback) (Handle, error)
	UnregisterPowerCallback(h Handle) error
}

// Spawner starts dedicated workers. *worker.Pool implements it.
type Spawner interface {
	Spawn(name string, entry func(*worker.Worker)) (*worker.Worker, error)
}
