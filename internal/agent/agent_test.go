package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scienceol/killswitch/internal/config"
	"github.com/scienceol/killswitch/internal/host"
	"github.com/scienceol/killswitch/internal/logging"
	"github.com/scienceol/killswitch/internal/metrics"
	"github.com/scienceol/killswitch/internal/protocol"
)

// hostSim plays the host side of the bridge for one connection.
type hostSim struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func startHost(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 2)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func acceptHost(t *testing.T, conns <-chan *websocket.Conn) *hostSim {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		h := &hostSim{t: t, conn: conn}
		h.push(protocol.TypeConnected, protocol.ConnectedPayload{AgentID: "console-1"})
		info := h.read()
		require.Equal(t, protocol.TypeInfo, info.Type)
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

func (h *hostSim) push(typ string, payload interface{}) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	h.seq++
	require.NoError(h.t, h.conn.WriteJSON(protocol.Request{ID: fmt.Sprintf("m%d", h.seq), Type: typ, Payload: raw}))
}

func (h *hostSim) read() protocol.Response {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var raw struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Success bool            `json:"success"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(h.t, h.conn.ReadJSON(&raw))
	return protocol.Response{ID: raw.ID, Type: raw.Type, Success: raw.Success, Payload: raw.Payload}
}

// query sends a suspend query and returns the verdict string.
func (h *hostSim) query() string {
	h.t.Helper()
	h.push(protocol.TypeSuspendEvent, protocol.SuspendEventPayload{Kind: "query", EventID: 0x100})
	res := h.read()
	require.Equal(h.t, protocol.TypeSuspendEventResult, res.Type)
	var vp protocol.SuspendVerdictPayload
	require.NoError(h.t, json.Unmarshal(res.Payload.(json.RawMessage), &vp))
	return vp.Verdict
}

func (h *hostSim) eventuallyVerdict(want string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.query() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("verdict never became %q", want)
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.URL = url
	cfg.Reconnect.Min = config.Duration(10 * time.Millisecond)
	cfg.Reconnect.Max = config.Duration(20 * time.Millisecond)
	// Keep the failsafe out of the way of eventually-style polling.
	cfg.SwitchGuard.Ceiling = 1000
	cfg.HoldGuard.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.HoldGuard.Window = config.Duration(50 * time.Millisecond)
	return cfg
}

func runAgent(t *testing.T, a *Agent) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("agent did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestAgent_SwitchGuardOverBridge(t *testing.T) {
	url, conns := startHost(t)
	cfg := testConfig(url)
	cfg.HoldGuard.Enabled = false

	a, err := New(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	stop := runAgent(t, a)
	h := acceptHost(t, conns)

	h.push(protocol.TypeInputState, protocol.InputStatePayload{})
	assert.Equal(t, "allow", h.query())

	h.push(protocol.TypePowerTransition, protocol.PowerTransitionPayload{Pressed: true})
	h.eventuallyVerdict("deny")

	h.push(protocol.TypePowerTransition, protocol.PowerTransitionPayload{Pressed: false})
	h.eventuallyVerdict("allow")

	// Pressed with the override combo held lets the system sleep.
	h.push(protocol.TypeInputState, protocol.InputStatePayload{Buttons: uint32(host.SignalHome)})
	require.Eventually(t, func() bool {
		in, err := a.Client().ReadInput()
		return err == nil && in.Has(host.SignalHome)
	}, time.Second, time.Millisecond)
	h.push(protocol.TypePowerTransition, protocol.PowerTransitionPayload{Pressed: true})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "allow", h.query())

	require.NoError(t, stop())
	assert.Empty(t, a.Client().Handlers(), "engines unregister on shutdown")
}

func TestAgent_HoldGuardOverBridge(t *testing.T) {
	url, conns := startHost(t)
	cfg := testConfig(url)
	cfg.SwitchGuard.Enabled = false

	a, err := New(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	runAgent(t, a)
	h := acceptHost(t, conns)

	h.push(protocol.TypeInputState, protocol.InputStatePayload{Buttons: uint32(host.SignalHold)})
	h.eventuallyVerdict("deny")

	h.push(protocol.TypeInputState, protocol.InputStatePayload{})
	h.eventuallyVerdict("allow")
}

func TestAgent_DisconnectFailsOpen(t *testing.T) {
	url, conns := startHost(t)
	cfg := testConfig(url)
	cfg.HoldGuard.Enabled = false

	a, err := New(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	runAgent(t, a)

	h := acceptHost(t, conns)
	h.push(protocol.TypeInputState, protocol.InputStatePayload{})
	h.push(protocol.TypePowerTransition, protocol.PowerTransitionPayload{Pressed: true})
	h.eventuallyVerdict("deny")

	h.conn.Close()
	h = acceptHost(t, conns)
	h.eventuallyVerdict("allow")
}

type fakeInhibitor struct {
	mu   sync.Mutex
	held bool
}

func (f *fakeInhibitor) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = true
	return nil
}

func (f *fakeInhibitor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
}

func (f *fakeInhibitor) isHeld() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func TestAgent_MirrorsDenialToOS(t *testing.T) {
	url, conns := startHost(t)
	cfg := testConfig(url)
	cfg.HoldGuard.Enabled = false
	cfg.MirrorOSInhibit = true
	inh := &fakeInhibitor{}

	a, err := New(cfg, logging.Discard(), nil, WithInhibitor(inh))
	require.NoError(t, err)
	stop := runAgent(t, a)
	h := acceptHost(t, conns)

	h.push(protocol.TypeInputState, protocol.InputStatePayload{})
	h.push(protocol.TypePowerTransition, protocol.PowerTransitionPayload{Pressed: true})
	h.eventuallyVerdict("deny")
	require.Eventually(t, inh.isHeld, time.Second, time.Millisecond)
	assert.True(t, a.Report().OSHeld || inh.isHeld())

	require.NoError(t, stop())
	assert.False(t, inh.isHeld(), "inhibitor released on shutdown")
}

func TestAgent_Report(t *testing.T) {
	url, conns := startHost(t)
	cfg := testConfig(url)

	a, err := New(cfg, logging.Discard(), metrics.NewCollector(nil))
	require.NoError(t, err)
	runAgent(t, a)
	acceptHost(t, conns)

	require.Eventually(t, func() bool { return a.Report().Connected }, time.Second, time.Millisecond)
	r := a.Report()
	assert.Equal(t, a.Client().SessionID(), r.SessionID)
	assert.Equal(t, []string{"switch", "hold"}, r.Engines)
	assert.Equal(t, []string{"switchguard", "holdguard"}, r.Handlers)
	assert.False(t, r.MirrorOS)
}

func TestNew_NoEngines(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.SwitchGuard.Enabled = false
	cfg.HoldGuard.Enabled = false
	_, err := New(cfg, logging.Discard(), nil)
	assert.Error(t, err)
}

func TestNew_BadCombo(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.SwitchGuard.OverrideCombo = "turbo"
	_, err := New(cfg, logging.Discard(), nil)
	assert.Error(t, err)
}
