// Package client connects the agent to the device host's event bus over
// a WebSocket and exposes that bus as host capabilities: the suspend
// query bus, the power-transition channel and the input snapshot
// source.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scienceol/killswitch/internal/config"
	"github.com/scienceol/killswitch/internal/host"
	"github.com/scienceol/killswitch/internal/metrics"
	"github.com/scienceol/killswitch/internal/protocol"
)

const (
	pingInterval  = 20 * time.Second
	writeTimeout  = 10 * time.Second
	writeChanSize = 256
)

// Client manages the WebSocket connection to the host bus. Engines
// register on the embedded Registry; registrations survive reconnects.
type Client struct {
	*host.Registry

	cfg       *config.Config
	log       *slog.Logger
	metrics   *metrics.Collector
	sessionID string

	mu        sync.Mutex
	conn      *websocket.Conn
	writeCh   chan interface{}
	input     host.InputState
	inputAt   time.Time
	haveInput bool

	reconnector *Reconnector

	stopCh chan struct{}
	once   sync.Once
}

// New creates a new Client.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Collector) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Registry:    host.NewRegistry(),
		cfg:         cfg,
		log:         logger.With("component", "bridge"),
		metrics:     m,
		sessionID:   uuid.NewString(),
		reconnector: NewReconnector(cfg.Reconnect.Min.Std(), cfg.Reconnect.Max.Std()),
		stopCh:      make(chan struct{}),
	}
}

// SessionID identifies this agent process to the host.
func (c *Client) SessionID() string { return c.sessionID }

// Connected reports whether a handshake-complete connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCh != nil
}

// ReadInput returns the last input state pushed by the host. It fails
// while disconnected, before the first push, or when the state is
// older than the configured maximum age.
func (c *Client) ReadInput() (host.InputState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeCh == nil || !c.haveInput {
		return host.InputState{}, host.ErrInputUnavailable
	}
	if maxAge := c.cfg.InputMaxAge.Std(); maxAge > 0 {
		if age := time.Since(c.inputAt); age > maxAge {
			return host.InputState{}, fmt.Errorf("%w: last state is %s old", host.ErrInputUnavailable, age.Round(time.Millisecond))
		}
	}
	return c.input, nil
}

// Stop signals the client to shut down and unblocks a pending read.
func (c *Client) Stop() {
	c.once.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// send enqueues a message for the write goroutine. Non-blocking — drops
// the message if the buffer is full or no connection is active.
func (c *Client) send(v interface{}) {
	c.mu.Lock()
	ch := c.writeCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
		c.log.Warn("write buffer full, dropping message")
	}
}

// writeLoop is the single goroutine that writes to the WebSocket.
func (c *Client) writeLoop(conn *websocket.Conn, ch <-chan interface{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Warn("write failed", "err", err)
				return
			}
		}
	}
}

// stopContext returns a context that is cancelled when Stop is called
// or when the returned cancel func runs.
func (c *Client) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Run connects to the host and serves events, reconnecting with
// backoff until Stop is called.
func (c *Client) Run() error {
	for {
		if c.stopped() {
			return nil
		}

		if err := c.connectAndServe(); err != nil && !c.stopped() {
			c.log.Error("connection lost", "err", err)
		}

		if c.stopped() {
			return nil
		}
		c.log.Info("reconnecting")
		if !c.reconnector.Wait(c.stopCh) {
			return nil
		}
	}
}

func (c *Client) connectAndServe() error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}

	dialCtx, cancelDial := c.stopContext()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if c.stopped() {
		c.dropConn(conn)
		return nil
	}

	var hello protocol.Request
	if err := conn.ReadJSON(&hello); err != nil {
		c.dropConn(conn)
		return fmt.Errorf("failed to read connected message: %w", err)
	}
	if hello.Type != protocol.TypeConnected {
		c.dropConn(conn)
		return fmt.Errorf("unexpected first message type: %s", hello.Type)
	}
	var connected protocol.ConnectedPayload
	_ = json.Unmarshal(hello.Payload, &connected)

	// Per-connection write channel + writer goroutine
	writeCh := make(chan interface{}, writeChanSize)
	writeDone := make(chan struct{})

	c.mu.Lock()
	c.writeCh = writeCh
	c.haveInput = false
	c.mu.Unlock()
	c.metrics.Connected(true)

	go c.writeLoop(conn, writeCh, writeDone)

	defer func() {
		close(writeDone)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.writeCh = nil
		c.haveInput = false
		c.mu.Unlock()
		c.metrics.Connected(false)
		// Without the host no switch release can arrive; fail open.
		c.DeliverTransition(host.ReleasedOrOther)
	}()

	c.log.Info("connected", "agent_id", connected.AgentID, "session_id", c.sessionID)
	c.reconnector.Reset()

	c.send(protocol.Response{
		Type:    protocol.TypeInfo,
		Success: true,
		Payload: protocol.InfoPayload{
			SessionID: c.sessionID,
			OS:        fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
			Handlers:  c.Handlers(),
		},
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.heartbeatLoop(pingDone)

	// Single reader; suspend handlers are non-blocking so events are
	// answered inline, in arrival order.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.stopped() {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("invalid message", "err", err)
			continue
		}
		c.handle(req)
	}
}

// dropConn closes a connection that never completed the handshake.
func (c *Client) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) handle(req protocol.Request) {
	switch req.Type {
	case protocol.TypePing:
		c.send(protocol.Response{Type: protocol.TypePong, Success: true})
	case protocol.TypePong:
		// Heartbeat ack — no action
	case protocol.TypeSuspendEvent:
		c.send(c.handleSuspendEvent(req))
	case protocol.TypePowerTransition:
		c.handlePowerTransition(req)
	case protocol.TypeInputState:
		c.handleInputState(req)
	default:
		c.send(errorResponse(req, fmt.Sprintf("unknown request type: %s", req.Type)))
	}
}

func (c *Client) handleSuspendEvent(req protocol.Request) protocol.Response {
	var p protocol.SuspendEventPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return errorResponse(req, err.Error())
	}
	kind, err := host.ParseEventKind(p.Kind)
	if err != nil {
		return errorResponse(req, err.Error())
	}

	verdict := c.DispatchSuspend(host.SuspendEvent{Kind: kind, ID: p.EventID})
	return protocol.Response{
		ID:      req.ID,
		Type:    protocol.TypeSuspendEventResult,
		Success: true,
		Payload: protocol.SuspendVerdictPayload{Verdict: verdict.String()},
	}
}

func (c *Client) handlePowerTransition(req protocol.Request) {
	var p protocol.PowerTransitionPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.log.Warn("invalid power transition", "err", err)
		return
	}
	t := host.ReleasedOrOther
	if p.Pressed {
		t = host.Pressed
	}
	c.DeliverTransition(t)
}

func (c *Client) handleInputState(req protocol.Request) {
	var p protocol.InputStatePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.log.Warn("invalid input state", "err", err)
		return
	}
	c.mu.Lock()
	c.input = host.InputState{Buttons: host.Signal(p.Buttons)}
	c.inputAt = time.Now()
	c.haveInput = true
	c.mu.Unlock()
}

func (c *Client) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.send(protocol.Response{Type: protocol.TypePing, Success: true})
		}
	}
}

func errorResponse(req protocol.Request, msg string) protocol.Response {
	return protocol.Response{
		ID:      req.ID,
		Type:    req.Type + "_result",
		Success: false,
		Payload: protocol.ErrorPayload{Error: msg},
	}
}
