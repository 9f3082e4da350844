package serverws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write (spec §5 "every suspension point
	// must be cancellation-aware" — a stalled peer must not hang a writer
	// forever).
	writeWait = 10 * time.Second

	// defaultPingPeriod and defaultPongWait are the server-side heartbeat
	// defaults (spec §4.1: ping every 30s, pong timeout 10s).
	defaultPingPeriod = 30 * time.Second
	defaultPongWait   = 10 * time.Second

	// sendBufferSize is the per-endpoint outbound buffer. The server side
	// has no priority queue of its own (that is a gateway-side concept,
	// §4.2) — broadcasts here are best-effort: a full buffer just drops the
	// frame and logs, per §4.3 "All are best-effort".
	sendBufferSize = 256

	// readBufferSize/writeBufferSize size gorilla's internal I/O buffers.
	readBufferSize  = 4096
	writeBufferSize = 4096
)

// upgrader performs the HTTP -> WebSocket protocol upgrade for both the
// client and gateway endpoints. Origin validation is left to the reverse
// proxy in front of the server, matching the teacher's convention.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: writeBufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// writeFrameJSON marshals v to JSON and writes it to conn as one text
// message, with a write deadline of now+deadline.
func writeFrameJSON(conn *websocket.Conn, deadline time.Duration, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
