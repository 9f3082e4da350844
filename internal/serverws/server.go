package serverws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/auth"
	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
	"github.com/NoPKT/AgentIM-sub003/internal/ratelimit"
	"github.com/NoPKT/AgentIM-sub003/internal/routing"
	"github.com/NoPKT/AgentIM-sub003/internal/ssrf"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
	"github.com/NoPKT/AgentIM-sub003/internal/taskpoller"
	"github.com/NoPKT/AgentIM-sub003/internal/validate"
)

// Config holds the server connection manager's tunables, all of which carry
// the spec's documented defaults when left zero.
type Config struct {
	AuthTimeout time.Duration // spec §4.4, default ~10s
	PingPeriod  time.Duration // spec §4.1, default 30s
	PongWait    time.Duration // spec §4.1, default 10s

	ConnLimitDefault int // spec §4.3, default 10

	ClientMessageRateWindow time.Duration
	ClientMessageRateMax    int

	AgentMessageRateWindow time.Duration
	AgentMessageRateMax    int

	TypingDebounceWindow time.Duration // spec §4.5, "1 typing event per second"

	ShutdownTimeout time.Duration
}

// WithDefaults fills zero fields with the spec's documented defaults.
func (c Config) WithDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.ConnLimitDefault <= 0 {
		c.ConnLimitDefault = 10
	}
	if c.ClientMessageRateWindow <= 0 {
		c.ClientMessageRateWindow = 10 * time.Second
	}
	if c.ClientMessageRateMax <= 0 {
		c.ClientMessageRateMax = 20
	}
	if c.AgentMessageRateWindow <= 0 {
		c.AgentMessageRateWindow = 10 * time.Second
	}
	if c.AgentMessageRateMax <= 0 {
		c.AgentMessageRateMax = 60
	}
	if c.TypingDebounceWindow <= 0 {
		c.TypingDebounceWindow = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Repos bundles every store repository the server dispatches against.
type Repos struct {
	Users       store.UserRepository
	Agents      store.AgentRepository
	Gateways    store.GatewayRepository
	Rooms       store.RoomRepository
	Messages    store.MessageRepository
	Attachments store.AttachmentRepository
	Routers     store.RouterRepository
	AsyncTasks  store.AsyncTaskRepository
	Sender      *store.Sender
}

// Server is the central server-side connection manager: it owns the
// connection Tables (spec §4.3), runs the auth state machine (spec §4.4),
// and dispatches every inbound frame to the component that implements its
// behaviour (validator, rate limiter, sanitizer, routing engine,
// transactional send, task poller).
type Server struct {
	cfg    Config
	logger *zap.Logger

	tables *Tables

	validator *validate.Validator
	gate      *auth.Gate
	connLimit auth.ConnectionLimitProvider

	clientMsgLimiter *ratelimit.Limiter
	agentMsgLimiter  *ratelimit.Limiter
	typingLimiter    *ratelimit.Limiter

	repos   Repos
	routing *routing.Engine
	tasks   *taskpoller.Poller
	ssrf    *ssrf.Filter

	shuttingDown chanFlag
}

// chanFlag is a one-shot broadcast signal: closing it wakes every reader.
type chanFlag chan struct{}

// NewServer wires every dependency into a ready-to-use Server.
func NewServer(cfg Config, logger *zap.Logger, tables *Tables, validator *validate.Validator, gate *auth.Gate, connLimit auth.ConnectionLimitProvider, clientMsgLimiter, agentMsgLimiter, typingLimiter *ratelimit.Limiter, repos Repos, routingEngine *routing.Engine, tasks *taskpoller.Poller, ssrfFilter *ssrf.Filter) *Server {
	return &Server{
		cfg:              cfg.WithDefaults(),
		logger:           logger.Named("serverws"),
		tables:           tables,
		validator:        validator,
		gate:             gate,
		connLimit:        connLimit,
		clientMsgLimiter: clientMsgLimiter,
		agentMsgLimiter:  agentMsgLimiter,
		typingLimiter:    typingLimiter,
		repos:            repos,
		routing:          routingEngine,
		tasks:            tasks,
		ssrf:             ssrfFilter,
		shuttingDown:     make(chanFlag),
	}
}

// SetTaskPoller attaches the async task poller after construction. The
// poller's Sink is the Server itself (tasksink.go), so the two can't be
// built in a single straight-line constructor call — main.go builds Server
// with a nil poller, builds the Poller with Server as its Sink, then wires
// it back in here.
func (s *Server) SetTaskPoller(tasks *taskpoller.Poller) {
	s.tasks = tasks
}

// userConnLimitProvider adapts store.UserRepository to auth.ConnectionLimitProvider.
type userConnLimitProvider struct {
	users store.UserRepository
}

// NewUserConnLimitProvider returns an auth.ConnectionLimitProvider backed by
// the user's stored ConnLimitOverride column (spec §4.3).
func NewUserConnLimitProvider(users store.UserRepository) auth.ConnectionLimitProvider {
	return &userConnLimitProvider{users: users}
}

func (p *userConnLimitProvider) ConnectionLimitOverride(ctx context.Context, userID string) (int, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return 0, err
	}
	user, err := p.users.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return user.ConnLimitOverride, nil
}

// ServeClientWS upgrades GET /ws/client and runs the per-connection handler
// loop until the socket closes.
func (s *Server) ServeClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ep := newClientEndpoint(conn, r.RemoteAddr, s.cfg.AuthTimeout, s.logger, func(ep *ClientEndpoint) {
		s.logger.Info("client auth timeout", zap.String("remote_addr", ep.RemoteAddr()))
	})

	go ep.writePump(s.cfg.PingPeriod)
	ep.readPump(s.cfg.PingPeriod+s.cfg.PongWait, s.dispatchClientFrame)

	s.onClientClosed(ep)
}

// ServeGatewayWS upgrades GET /ws/gateway and runs the per-connection
// handler loop until the socket closes.
func (s *Server) ServeGatewayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ep := newGatewayEndpoint(conn, r.RemoteAddr, s.cfg.AuthTimeout, s.logger, func(ep *GatewayEndpoint) {
		s.logger.Info("gateway auth timeout", zap.String("remote_addr", ep.RemoteAddr()))
	})

	go ep.writePump(s.cfg.PingPeriod)
	ep.readPump(s.cfg.PingPeriod+s.cfg.PongWait, s.dispatchGatewayFrame)

	s.onGatewayClosed(ep)
}

// --- broadcast primitives (spec §4.3) ---------------------------------------

// BroadcastToRoom sends frame to every client joined to roomID, optionally
// excluding one endpoint (the sender, to avoid echoing its own message back
// — though spec §8 scenario 2 expects the sender to receive new_message
// too, so callers typically pass a nil exclude).
func (s *Server) BroadcastToRoom(roomID string, frame protocol.Frame, exclude *ClientEndpoint) {
	s.tables.EachClientInRoom(roomID, exclude, func(ep *ClientEndpoint) {
		if !ep.Send(frame) {
			s.logger.Warn("dropped broadcast frame: client send buffer full", zap.String("room_id", roomID))
		}
	})
}

// BroadcastToAll sends frame to every connected client endpoint.
func (s *Server) BroadcastToAll(frame protocol.Frame) {
	s.tables.EachClient(func(ep *ClientEndpoint) {
		if !ep.Send(frame) {
			s.logger.Warn("dropped broadcast-to-all frame: client send buffer full")
		}
	})
}

// SendToClient sends frame to one client endpoint, best-effort.
func (s *Server) SendToClient(ep *ClientEndpoint, frame protocol.Frame) {
	if !ep.Send(frame) {
		s.logger.Warn("dropped frame: client send buffer full", zap.String("remote_addr", ep.RemoteAddr()))
	}
}

// SendToGateway routes frame to agentID's authoritative gateway, if any. It
// reports whether a route existed — callers use this to decide whether
// routing "succeeded" in the sense of having somewhere to deliver to.
func (s *Server) SendToGateway(agentID string, frame protocol.Frame) bool {
	ep := s.tables.GatewayFor(agentID)
	if ep == nil {
		return false
	}
	if !ep.Send(frame) {
		s.logger.Warn("dropped frame: gateway send buffer full", zap.String("agent_id", agentID))
		return false
	}
	return true
}

// sendError best-effort delivers a server:error frame to ep without closing
// the connection (spec §7 "Protocol" taxonomy: connection stays open).
func (s *Server) sendError(ep *ClientEndpoint, code protocol.ErrorCode, message string) {
	s.SendToClient(ep, protocol.ErrorFrame(code, message))
}

func (s *Server) sendGatewayError(ep *GatewayEndpoint, code protocol.ErrorCode, message string) {
	if !ep.Send(protocol.ErrorFrame(code, message)) {
		s.logger.Warn("dropped error frame: gateway send buffer full", zap.String("code", string(code)))
	}
}

// Shutdown runs the graceful shutdown sequence from spec §5: broadcast
// server:shutdown to every connected client, stop accepting new work
// (the caller is responsible for stopping the HTTP listener), then stop the
// task poller, waiting up to ShutdownTimeout (or until ctx is done) for it
// to finish.
func (s *Server) Shutdown(ctx context.Context) {
	close(s.shuttingDown)

	s.BroadcastToAll(protocol.MustEncode(protocol.TypeServerShutdown, struct{}{}))

	done := make(chan struct{})
	go func() {
		if s.tasks != nil {
			s.tasks.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout exceeded waiting for task poller to stop")
	case <-ctx.Done():
	}
}
