package serverws

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

// ClientEndpoint is one connected /ws/client WebSocket. Per spec §5, at most
// one handler goroutine is ever in flight for a given endpoint: readPump
// dispatches frames one at a time on its own goroutine, and writes go
// through the buffered send channel so the pumps never race on conn.
type ClientEndpoint struct {
	stateBox

	conn   *websocket.Conn
	send   chan protocol.Frame
	done   chan struct{}
	logger *zap.Logger

	remoteAddr string

	authTimer *time.Timer
}

// newClientEndpoint wraps an already-upgraded connection and arms the auth
// timer (spec §4.4: first frame must be an auth frame within authTimeout).
func newClientEndpoint(conn *websocket.Conn, remoteAddr string, authTimeout time.Duration, logger *zap.Logger, onAuthTimeout func(*ClientEndpoint)) *ClientEndpoint {
	ep := &ClientEndpoint{
		conn:       conn,
		send:       make(chan protocol.Frame, sendBufferSize),
		done:       make(chan struct{}),
		logger:     logger,
		remoteAddr: remoteAddr,
	}
	ep.authTimer = time.AfterFunc(authTimeout, func() {
		if ep.compareAndSwap(stateAuthenticating, stateClosed) {
			onAuthTimeout(ep)
			ep.closeConn(protocol.CloseAuthTimeout, "authentication timeout")
		}
	})
	return ep
}

// MarkAuthenticated transitions the endpoint to Authenticated and disarms
// the auth timer. Returns false if the endpoint was not in Authenticating
// state (already timed out or closed) — the caller must not register the
// endpoint in that case.
func (ep *ClientEndpoint) MarkAuthenticated() bool {
	if !ep.compareAndSwap(stateAuthenticating, stateAuthenticated) {
		return false
	}
	ep.authTimer.Stop()
	return true
}

// State returns the endpoint's current lifecycle state.
func (ep *ClientEndpoint) State() connState { return ep.get() }

// RemoteAddr returns the peer address captured at connection time.
func (ep *ClientEndpoint) RemoteAddr() string { return ep.remoteAddr }

// Send queues frame for delivery. Best-effort: if the buffer is full the
// frame is dropped and false is returned so the caller can log it (spec
// §4.3 "All are best-effort: a failed send logs and moves on").
func (ep *ClientEndpoint) Send(frame protocol.Frame) bool {
	select {
	case ep.send <- frame:
		return true
	default:
		return false
	}
}

// Close transitions the endpoint to Closed and shuts down its connection
// with the given WebSocket close code. Safe to call more than once.
func (ep *ClientEndpoint) Close(code int, reason string) {
	ep.authTimer.Stop()
	ep.set(stateClosed)
	ep.closeConn(code, reason)
}

func (ep *ClientEndpoint) closeConn(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ep.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(normalizeCloseCode(code), reason), deadline)
	_ = ep.conn.Close()
	select {
	case <-ep.done:
	default:
		close(ep.done)
	}
}

// normalizeCloseCode maps the internal pong-timeout hint (1006) to a code
// the gorilla/websocket formatter accepts on the wire, per spec §6: "1006 ...
// is used internally as a close hint but must not be interpreted by the
// peer." 1006 is reserved and cannot be sent as a real close frame, so a
// pong-timeout close is sent to the peer as CloseAbnormalClosure's public
// analogue, CloseNormalClosure with no distinguishing detail — the peer only
// sees that the socket is gone and reconnects like any other drop.
func normalizeCloseCode(code int) int {
	if code == closeHintPongTimeout {
		return websocket.CloseNormalClosure
	}
	return code
}

const closeHintPongTimeout = 1006

// readPump reads frames from the wire and dispatches them one at a time via
// dispatch. It owns the read side of conn exclusively. The pong handler
// resets the read deadline so a responsive peer's connection never times
// out; an unresponsive one is dropped after pongWait.
func (ep *ClientEndpoint) readPump(pongWait time.Duration, dispatch func(ep *ClientEndpoint, raw []byte)) {
	defer ep.closeConn(websocket.CloseNormalClosure, "")

	ep.conn.SetReadLimit(int64(maxFrameReadLimit))
	_ = ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	ep.conn.SetPongHandler(func(string) error {
		return ep.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ep.conn.ReadMessage()
		if err != nil {
			return
		}
		dispatch(ep, raw)
	}
}

// maxFrameReadLimit is deliberately looser than validate.Config's
// MaxMessageSize: the read limit protects gorilla's internal buffers from
// unbounded growth, while the validator (internal/validate) is the
// authority on the spec's MESSAGE_TOO_LARGE threshold and returns a typed
// error instead of severing the connection.
const maxFrameReadLimit = 4 << 20

// writePump forwards queued frames to the wire and emits periodic pings.
func (ep *ClientEndpoint) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ep.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-ep.send:
			if !ok {
				return
			}
			if err := writeFrameJSON(ep.conn, writeWait, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := ep.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ep.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ep.done:
			return
		}
	}
}
