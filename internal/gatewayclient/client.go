// Package gatewayclient implements the gateway-side connection manager
// (spec §4.1, §4.2, §9): a reconnecting WebSocket session to the server with
// a bounded priority send queue, heartbeat, and the one-shot refresh-token
// gate for auth failures. It plays the role the agent's gRPC connection
// manager plays in a typical arkeep-style agent binary, adapted to a
// WebSocket transport and the richer send-queue semantics this system needs.
package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

// Config holds the parameters needed to connect to and authenticate against
// the server.
type Config struct {
	ServerURL    string
	GatewayID    string
	Platform     string
	Hostname     string
	MaxReconnect int
	ProbeInterval time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxQueueSize int
}

// TokenSource supplies the bearer token presented at auth time and performs
// the one-shot refresh when the server rejects it (spec §4.4, §9).
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// FrameHandler receives every server:* frame the client doesn't handle
// internally (auth_result and pong are consumed by Client itself).
type FrameHandler func(frame protocol.Frame)

// Client is one reconnecting gateway session. Run drives the whole
// lifecycle; callers interact with it through Send and the OnAuthenticated
// hook.
type Client struct {
	cfg    Config
	tokens TokenSource
	logger *zap.Logger

	queue   *Queue
	backoff *Backoff
	refresh refreshGate

	onFrame         FrameHandler
	onAuthenticated func(ctx context.Context)

	mu       sync.Mutex
	conn     *websocket.Conn
	refreshedOnce bool

	writeMu sync.Mutex
}

// New creates a Client. onFrame is called for every inbound server:* frame
// not consumed internally; onAuthenticated is called after every successful
// (re)authentication, including reconnects, so the caller can re-register
// its agents.
func New(cfg Config, tokens TokenSource, logger *zap.Logger, onFrame FrameHandler, onAuthenticated func(ctx context.Context)) *Client {
	logger = logger.Named("gatewayclient")
	c := &Client{
		cfg:             cfg,
		tokens:          tokens,
		logger:          logger,
		backoff:         NewBackoff(cfg.MaxReconnect, cfg.ProbeInterval),
		onFrame:         onFrame,
		onAuthenticated: onAuthenticated,
	}
	c.queue = NewQueue(cfg.MaxQueueSize, c.onDrop, logger)
	return c
}

// ErrTerminal is returned by Run when a second consecutive auth failure
// (after a refresh attempt) makes the session unrecoverable — per spec §4.4
// the gateway process is expected to exit and prompt the operator to
// re-login.
var ErrTerminal = errors.New("gatewayclient: authentication rejected after refresh, re-login required")

// Run drives the reconnect loop until ctx is cancelled or the session hits
// ErrTerminal.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.session(ctx)
		if errors.Is(err, ErrTerminal) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := c.backoff.Next()
		c.logger.Warn("gateway session ended, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one dial-authenticate-serve cycle. It returns when the
// connection closes or errors; the caller decides whether to reconnect.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.authenticate(ctx, conn, false); err != nil {
		return err
	}

	c.backoff.NoteSuccess()
	c.refreshedOnce = false

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	if c.onAuthenticated != nil {
		c.onAuthenticated(ctx)
	}
	c.flush()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.heartbeatLoop(sessionCtx, conn) }()
	go func() { errCh <- c.readLoop(sessionCtx, conn) }()

	return <-errCh
}

// authenticate sends gateway:auth and waits for the result. On rejection
// with a refresh token available, it runs the refresh gate exactly once and
// retries; a second rejection is terminal (spec §4.4).
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn, isRetry bool) error {
	token := c.tokens.Token()

	frame := protocol.MustEncode(protocol.TypeGatewayAuth, protocol.GatewayAuthPayload{
		Token:     token,
		GatewayID: c.cfg.GatewayID,
		DeviceInfo: protocol.DeviceInfo{
			Platform: c.cfg.Platform,
			Hostname: c.cfg.Hostname,
		},
	})
	if err := c.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("sending gateway:auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout + 5*time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}

	var result protocol.Frame
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decoding auth result frame: %w", err)
	}
	if result.Type != protocol.TypeServerGatewayAuthResult {
		return fmt.Errorf("expected gateway_auth_result, got %s", result.Type)
	}

	var payload protocol.ServerAuthResultPayload
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		return fmt.Errorf("decoding auth result payload: %w", err)
	}
	if payload.OK {
		return nil
	}

	if isRetry || c.refreshedOnce {
		return fmt.Errorf("%w: %s", ErrTerminal, payload.Error)
	}

	if _, err := c.refresh.Do(func() (string, error) { return c.tokens.Refresh(ctx) }); err != nil {
		return fmt.Errorf("%w: refresh failed: %v", ErrTerminal, err)
	}
	c.refreshedOnce = true

	return c.authenticate(ctx, conn, true)
}

// heartbeatLoop sends periodic gateway:ping frames and expects a pong
// before PongTimeout; a missed pong arms the fast reconnect path and closes
// the session (spec §4.1).
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			frame := protocol.MustEncode(protocol.TypeGatewayPing, protocol.ClientPingPayload{TS: time.Now().UnixMilli()})
			if err := c.writeFrame(conn, frame); err != nil {
				c.backoff.NotePongTimeout()
				return fmt.Errorf("heartbeat send failed: %w", err)
			}
		}
	}
}

// readLoop decodes inbound server frames and dispatches them.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			c.backoff.NotePongTimeout()
			return fmt.Errorf("read failed: %w", err)
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("received malformed frame, dropping", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.TypeServerPong:
			// A server:pong answers our gateway:ping: the next one is due
			// within PingInterval, and its pong within PongTimeout after that.
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
		default:
			if c.onFrame != nil {
				c.onFrame(frame)
			}
		}
	}
}

// Send transmits frame immediately if the socket is open, falling through
// to the priority queue on any failure or when no connection is open (spec
// §4.2's `send(msg)` semantics).
func (c *Client) Send(frame protocol.Frame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.writeFrame(conn, frame); err == nil {
			return
		}
	}
	c.queue.Enqueue(frame)
}

// flush drains the queue over the current connection, per the flush
// semantics in spec §4.2: interrupted mid-flush, the remainder is prepended
// back to the front.
func (c *Client) flush() {
	batch, ok := c.queue.Flush()
	if !ok {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for i, frame := range batch {
		if conn == nil {
			c.queue.PutBack(batch[i:])
			return
		}
		if err := c.writeFrame(conn, frame); err != nil {
			c.queue.PutBack(batch[i:])
			return
		}
	}
	c.queue.EndFlush()
}

// writeFrame serializes and writes frame. Gorilla's Conn forbids concurrent
// writers, and Send/flush/heartbeatLoop can all reach this from different
// goroutines, so every write is serialized through writeMu.
func (c *Client) writeFrame(conn *websocket.Conn, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) onDrop(frame protocol.Frame) {
	c.logger.Debug("send queue dropped frame", zap.String("type", string(frame.Type)))
}
