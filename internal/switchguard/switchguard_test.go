package switchguard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scienceol/killswitch/internal/host"
	"github.com/scienceol/killswitch/internal/host/hosttest"
	"github.com/scienceol/killswitch/internal/logging"
	"github.com/scienceol/killswitch/internal/metrics"
	"github.com/scienceol/killswitch/internal/worker"
)

type fixture struct {
	input *hosttest.Input
	bus   *hosttest.Bus
	pool  *worker.Pool
	eng   *Engine
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		input: &hosttest.Input{},
		bus:   hosttest.NewBus(),
		pool:  worker.NewPool(0),
	}
	cfg := Config{
		Input:         f.input,
		Suspend:       f.bus,
		Power:         f.bus,
		Workers:       f.pool,
		OverrideCombo: host.SignalHome,
		Ceiling:       10,
		JoinTimeout:   time.Second,
		Logger:        logging.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.eng = New(cfg)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.eng.Start())
	t.Cleanup(func() { _ = f.eng.Stop() })
}

// transition delivers t and waits for the worker to settle on want.
func (f *fixture) transition(t *testing.T, tr host.Transition, want bool) {
	t.Helper()
	f.bus.DeliverTransition(tr)
	require.Eventually(t, func() bool {
		allowed, _ := f.eng.state()
		return allowed == want
	}, time.Second, time.Millisecond)
}

func TestSwitchGuard_AllowsByDefault(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	assert.Equal(t, host.Allow, f.bus.Query(1))
	_, denials := f.eng.state()
	assert.Zero(t, denials)
}

func TestSwitchGuard_PressWithoutComboDenies(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.input.Set(host.SignalCross)
	f.transition(t, host.Pressed, false)

	assert.Equal(t, host.Deny, f.bus.Query(1))
	_, denials := f.eng.state()
	assert.Equal(t, 1, denials)
}

func TestSwitchGuard_ComboWaivesInhibitionAndResetsCounter(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.input.Set(0)
	f.transition(t, host.Pressed, false)
	require.Equal(t, host.Deny, f.bus.Query(1))
	require.Equal(t, host.Deny, f.bus.Query(2))

	f.input.Set(host.SignalHome)
	f.transition(t, host.Pressed, true)

	assert.Equal(t, host.Allow, f.bus.Query(3))
	_, denials := f.eng.state()
	assert.Zero(t, denials)
}

func TestSwitchGuard_PartialComboIsNotAnOverride(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OverrideCombo = host.SignalHome | host.SignalStart })
	f.start(t)

	f.input.Set(host.SignalHome)
	f.transition(t, host.Pressed, false)
	assert.Equal(t, host.Deny, f.bus.Query(1))

	f.input.Set(host.SignalHome | host.SignalStart | host.SignalCross)
	f.transition(t, host.Pressed, true)
	assert.Equal(t, host.Allow, f.bus.Query(2))
}

func TestSwitchGuard_ReleaseAlwaysAllows(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.input.Set(0)
	f.transition(t, host.Pressed, false)
	require.Equal(t, host.Deny, f.bus.Query(1))

	f.transition(t, host.ReleasedOrOther, true)
	assert.Equal(t, host.Allow, f.bus.Query(2))
	_, denials := f.eng.state()
	assert.Zero(t, denials)
}

func TestSwitchGuard_InputFailureFailsOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.input.Set(0)
	f.transition(t, host.Pressed, false)

	f.input.Fail(errors.New("pad unplugged"))
	f.transition(t, host.Pressed, true)
	assert.Equal(t, host.Allow, f.bus.Query(1))
}

func TestSwitchGuard_CeilingForcesSuspendThrough(t *testing.T) {
	m := metrics.NewCollector(nil)
	f := newFixture(t, func(c *Config) { c.Metrics = m })
	f.start(t)

	f.input.Set(0)
	f.transition(t, host.Pressed, false)

	for i := 1; i <= 10; i++ {
		require.Equal(t, host.Deny, f.bus.Query(uint32(i)), "query %d", i)
		_, denials := f.eng.state()
		require.LessOrEqual(t, denials, 10)
	}

	assert.Equal(t, host.Allow, f.bus.Query(11))
	allowed, denials := f.eng.state()
	assert.True(t, allowed)
	assert.Zero(t, denials)

	// Stays allowed until the next press.
	assert.Equal(t, host.Allow, f.bus.Query(12))

	expected := `
# HELP killswitch_failsafe_trips_total Times the consecutive-denial ceiling forced a suspend through.
# TYPE killswitch_failsafe_trips_total counter
killswitch_failsafe_trips_total{engine="switch"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "killswitch_failsafe_trips_total"))
}

func TestSwitchGuard_NotificationsDoNotMutateState(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.input.Set(0)
	f.transition(t, host.Pressed, false)
	require.Equal(t, host.Deny, f.bus.Query(1))

	assert.Equal(t, host.Allow, f.bus.DispatchSuspend(host.SuspendEvent{Kind: host.EventStart, ID: 2}))
	assert.Equal(t, host.Allow, f.bus.DispatchSuspend(host.SuspendEvent{Kind: host.EventCancelled, ID: 3}))

	allowed, denials := f.eng.state()
	assert.False(t, allowed)
	assert.Equal(t, 1, denials)
}

func TestSwitchGuard_StartTwice(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	assert.ErrorIs(t, f.eng.Start(), ErrAlreadyRunning)
}

func TestSwitchGuard_StartRollsBackOnSuspendRegistrationFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.FailRegisterSuspend = errors.New("bus full")

	err := f.eng.Start()
	require.ErrorIs(t, err, host.ErrRegistration)
	assert.Zero(t, f.pool.Live(), "worker must not outlive a failed start")
	assert.Zero(t, f.bus.PowerCallbacks(), "power callback must be unregistered")

	// A later start with a healthy bus succeeds.
	f.bus.FailRegisterSuspend = nil
	f.start(t)
	assert.Equal(t, []string{"switchguard"}, f.bus.Handlers())
}

func TestSwitchGuard_StartRollsBackOnPowerRegistrationFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.FailRegisterPower = errors.New("no callback slots")

	err := f.eng.Start()
	require.ErrorIs(t, err, host.ErrRegistration)
	assert.Zero(t, f.pool.Live())
	assert.Empty(t, f.bus.Handlers())
}

func TestSwitchGuard_StartFailsWhenWorkerCannotSpawn(t *testing.T) {
	pool := worker.NewPool(1)
	hog, err := pool.Spawn("hog", func(w *worker.Worker) {
		for w.Park() {
		}
	})
	require.NoError(t, err)
	defer func() {
		hog.Stop()
		_ = hog.Join(time.Second)
	}()

	f := newFixture(t, func(c *Config) { c.Workers = pool })
	err = f.eng.Start()
	require.ErrorIs(t, err, host.ErrRegistration)
	require.ErrorIs(t, err, worker.ErrPoolExhausted)
	assert.Empty(t, f.bus.Handlers())
	assert.Zero(t, f.bus.PowerCallbacks())
}

func TestSwitchGuard_StopUnregistersEverything(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.eng.Start())

	f.input.Set(0)
	f.transition(t, host.Pressed, false)

	require.NoError(t, f.eng.Stop())
	assert.Empty(t, f.bus.Handlers())
	assert.Zero(t, f.bus.PowerCallbacks())
	assert.Zero(t, f.pool.Live())

	// Late notifications are ignored.
	assert.Equal(t, host.Allow, f.eng.onSuspend(host.SuspendEvent{Kind: host.EventQuery}))
	f.eng.apply(host.Pressed)
	allowed, denials := f.eng.state()
	assert.True(t, allowed)
	assert.Zero(t, denials)

	assert.NoError(t, f.eng.Stop(), "second stop is a no-op")
}

func TestSwitchGuard_StopReportsFirstErrorButFinishes(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.eng.Start())

	f.bus.FailUnregisterSuspend = errors.New("handler busy")
	err := f.eng.Stop()
	require.ErrorIs(t, err, host.ErrShutdown)
	assert.Contains(t, err.Error(), "handler busy")

	assert.Zero(t, f.bus.PowerCallbacks(), "remaining steps still run")
	assert.Zero(t, f.pool.Live())
	assert.Equal(t, host.Allow, f.eng.onSuspend(host.SuspendEvent{Kind: host.EventQuery}))
}

func TestSwitchGuard_StuckWorkerIsTerminated(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.JoinTimeout = 20 * time.Millisecond })
	require.NoError(t, f.eng.Start())

	entered, release := f.input.Block()
	defer release()

	f.bus.DeliverTransition(host.Pressed)
	<-entered

	err := f.eng.Stop()
	require.ErrorIs(t, err, host.ErrShutdown)
	require.ErrorIs(t, err, worker.ErrJoinTimeout)
	assert.Zero(t, f.pool.Live(), "stuck worker is terminated, not leaked")

	release()
	allowed, _ := f.eng.state()
	assert.True(t, allowed, "a late decision from the abandoned worker is dropped")
}

func TestSwitchGuard_TransitionsAppliedInOrderWhileWorkerBusy(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.transition(t, host.Pressed, false)
	for i := uint32(1); i <= 5; i++ {
		require.Equal(t, host.Deny, f.bus.Query(i))
	}

	// Press, release and press again while the worker is stuck reading
	// input for the first of them.
	entered, release := f.input.Block()
	f.bus.DeliverTransition(host.Pressed)
	<-entered
	f.bus.DeliverTransition(host.ReleasedOrOther)
	f.bus.DeliverTransition(host.Pressed)
	release()

	// The release in the middle resets the counter before the last
	// press inhibits again.
	require.Eventually(t, func() bool {
		allowed, denials := f.eng.state()
		return !allowed && denials == 0
	}, time.Second, time.Millisecond)

	for i := uint32(10); i < 20; i++ {
		require.Equal(t, host.Deny, f.bus.Query(i), "query %d", i)
	}
	assert.Equal(t, host.Allow, f.bus.Query(20), "ceiling counts from the last release")
}

func TestSwitchGuard_BacklogCollapsesToReleaseThenLatest(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < maxQueued; i++ {
		f.eng.enqueue(host.Pressed)
	}
	f.eng.enqueue(host.Pressed)

	var got []host.Transition
	for {
		tr, ok := f.eng.dequeue()
		if !ok {
			break
		}
		got = append(got, tr)
	}
	assert.Equal(t, []host.Transition{host.ReleasedOrOther, host.Pressed}, got)
}
