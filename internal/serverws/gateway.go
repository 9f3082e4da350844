package serverws

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

// GatewayEndpoint is one connected /ws/gateway WebSocket. Gateway auth is
// symmetrical to client auth (spec §4.4); the endpoint carries the same
// lifecycle state machine and heartbeat mechanics, just keyed to a
// GatewayState instead of a ClientState once authenticated.
type GatewayEndpoint struct {
	stateBox

	conn   *websocket.Conn
	send   chan protocol.Frame
	done   chan struct{}
	logger *zap.Logger

	remoteAddr string
	authTimer  *time.Timer
}

func newGatewayEndpoint(conn *websocket.Conn, remoteAddr string, authTimeout time.Duration, logger *zap.Logger, onAuthTimeout func(*GatewayEndpoint)) *GatewayEndpoint {
	ep := &GatewayEndpoint{
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
// the auth timer, mirroring ClientEndpoint.MarkAuthenticated.
func (ep *GatewayEndpoint) MarkAuthenticated() bool {
	if !ep.compareAndSwap(stateAuthenticating, stateAuthenticated) {
		return false
	}
	ep.authTimer.Stop()
	return true
}

func (ep *GatewayEndpoint) State() connState     { return ep.get() }
func (ep *GatewayEndpoint) RemoteAddr() string   { return ep.remoteAddr }

// Send queues frame for delivery to this gateway. Best-effort per spec
// §4.3 — a full buffer here means the gateway's own priority send queue
// (spec §4.2, client side) is not the bottleneck; the server-side buffer
// exists only to decouple the fan-out loop from a single slow socket write.
func (ep *GatewayEndpoint) Send(frame protocol.Frame) bool {
	select {
	case ep.send <- frame:
		return true
	default:
		return false
	}
}

// Close transitions the endpoint to Closed and shuts the socket down.
func (ep *GatewayEndpoint) Close(code int, reason string) {
	ep.authTimer.Stop()
	ep.set(stateClosed)
	ep.closeConn(code, reason)
}

func (ep *GatewayEndpoint) closeConn(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = ep.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(normalizeCloseCode(code), reason), deadline)
	_ = ep.conn.Close()
	select {
	case <-ep.done:
	default:
		close(ep.done)
	}
}

func (ep *GatewayEndpoint) readPump(pongWait time.Duration, dispatch func(ep *GatewayEndpoint, raw []byte)) {
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

func (ep *GatewayEndpoint) writePump(pingPeriod time.Duration) {
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
