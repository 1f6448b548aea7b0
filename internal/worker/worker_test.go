package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SpawnRespectsLimit(t *testing.T) {
	p := NewPool(1)

	w, err := p.Spawn("first", func(w *Worker) {
		for w.Park() {
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Live())

	_, err = p.Spawn("second", func(*Worker) {})
	require.ErrorIs(t, err, ErrPoolExhausted)

	w.Stop()
	require.NoError(t, w.Join(time.Second))
	assert.Equal(t, 0, p.Live())

	_, err = p.Spawn("third", func(*Worker) {})
	assert.NoError(t, err)
}

func TestWorker_ParkUntilWoken(t *testing.T) {
	p := NewPool(0)
	var wakes atomic.Int32
	handled := make(chan struct{}, 8)

	w, err := p.Spawn("parker", func(w *Worker) {
		for w.Park() {
			wakes.Add(1)
			handled <- struct{}{}
		}
	})
	require.NoError(t, err)

	select {
	case <-handled:
		t.Fatal("worker ran without being woken")
	case <-time.After(20 * time.Millisecond):
	}

	w.Wake()
	<-handled
	assert.Equal(t, int32(1), wakes.Load())

	w.Stop()
	require.NoError(t, w.Join(time.Second))
}

func TestWorker_WakesCoalesce(t *testing.T) {
	p := NewPool(0)
	release := make(chan struct{})
	var wakes atomic.Int32

	w, err := p.Spawn("coalesce", func(w *Worker) {
		<-release
		for w.Park() {
			wakes.Add(1)
		}
	})
	require.NoError(t, err)

	w.Wake()
	w.Wake()
	w.Wake()
	close(release)

	require.Eventually(t, func() bool { return wakes.Load() == 1 }, time.Second, time.Millisecond)
	w.Stop()
	require.NoError(t, w.Join(time.Second))
	assert.Equal(t, int32(1), wakes.Load())
}

func TestWorker_StopWinsOverPendingWake(t *testing.T) {
	p := NewPool(0)
	w := &Worker{
		name: "manual",
		pool: p,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	w.Wake()
	w.Stop()
	assert.False(t, w.Park())
}

func TestWorker_JoinTimeoutThenTerminate(t *testing.T) {
	p := NewPool(0)
	block := make(chan struct{})
	defer close(block)

	w, err := p.Spawn("stuck", func(*Worker) { <-block })
	require.NoError(t, err)

	w.Stop()
	err = w.Join(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrJoinTimeout)
	assert.Equal(t, 1, p.Live())

	w.Terminate()
	assert.Equal(t, 0, p.Live())

	// Terminate after release is harmless.
	w.Terminate()
	assert.Equal(t, 0, p.Live())
}
