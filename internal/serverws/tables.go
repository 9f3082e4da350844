// Package serverws implements the server side of the real-time messaging
// fabric: the process-local connection tables (spec §4.3), the auth state
// machine (spec §4.4), and the per-client and per-gateway WebSocket
// handlers that tie the rest of the module together (validator, rate
// limiter, sanitizer, routing engine, transactional send, task poller).
//
// Tables are the arena described in spec §9's "cyclic owner graph" note: an
// endpoint never holds a back-pointer into a room or user; instead rooms and
// users hold endpoint references, so closing an endpoint is a bounded walk
// over a handful of maps rather than a graph traversal.
package serverws

import (
	"sync"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

// ClientState is the server's view of an authenticated client endpoint
// (spec §4.3).
type ClientState struct {
	UserID            string
	Username          string
	JoinedRooms       map[string]struct{}
	ConnLimitOverride int
}

// GatewayState is the server's view of an authenticated gateway endpoint
// (spec §4.3).
type GatewayState struct {
	GatewayID   string
	OwnerUserID string
	DeviceInfo  protocol.DeviceInfo
	AgentIDs    map[string]struct{}
}

// Tables holds the process-local connection maps described in spec §4.3.
// All mutations are serialised through a single mutex; reads may happen
// from any goroutine. There is deliberately no cross-node hook here — spec
// §9's second open question marks multi-node sharding out of scope.
type Tables struct {
	mu sync.RWMutex

	clients  map[*ClientEndpoint]*ClientState
	gateways map[*GatewayEndpoint]*GatewayState

	userEndpoints map[string]map[*ClientEndpoint]struct{}
	roomEndpoints map[string]map[*ClientEndpoint]struct{}
	agentRoute    map[string]*GatewayEndpoint
}

// NewTables creates an empty Tables.
func NewTables() *Tables {
	return &Tables{
		clients:       make(map[*ClientEndpoint]*ClientState),
		gateways:      make(map[*GatewayEndpoint]*GatewayState),
		userEndpoints: make(map[string]map[*ClientEndpoint]struct{}),
		roomEndpoints: make(map[string]map[*ClientEndpoint]struct{}),
		agentRoute:    make(map[string]*GatewayEndpoint),
	}
}

// RegisterClient adds an authenticated client endpoint to every table. It
// returns true if this is the principal's first connected endpoint, which
// the caller uses to decide whether to emit an online-presence broadcast
// (spec §4.4).
func (t *Tables) RegisterClient(ep *ClientEndpoint, userID, username string, connLimitOverride int) (firstEndpoint bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clients[ep] = &ClientState{
		UserID:            userID,
		Username:          username,
		JoinedRooms:       make(map[string]struct{}),
		ConnLimitOverride: connLimitOverride,
	}

	set, ok := t.userEndpoints[userID]
	if !ok {
		set = make(map[*ClientEndpoint]struct{})
		t.userEndpoints[userID] = set
	}
	firstEndpoint = len(set) == 0
	set[ep] = struct{}{}
	return firstEndpoint
}

// UnregisterClient removes ep from every table, including every room's
// fan-out set it had joined. It returns the rooms it had joined (so the
// caller can broadcast a typing-clear to each) and whether this was the
// principal's last connected endpoint (so the caller can broadcast
// offline-presence) — both per spec §3's client lifecycle.
func (t *Tables) UnregisterClient(ep *ClientEndpoint) (joinedRooms []string, wasLastEndpoint bool, state *ClientState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.clients[ep]
	if !ok {
		return nil, false, nil
	}
	delete(t.clients, ep)

	for roomID := range state.JoinedRooms {
		joinedRooms = append(joinedRooms, roomID)
		if set := t.roomEndpoints[roomID]; set != nil {
			delete(set, ep)
			if len(set) == 0 {
				delete(t.roomEndpoints, roomID)
			}
		}
	}

	if set := t.userEndpoints[state.UserID]; set != nil {
		delete(set, ep)
		if len(set) == 0 {
			delete(t.userEndpoints, state.UserID)
			wasLastEndpoint = true
		}
	}

	return joinedRooms, wasLastEndpoint, state
}

// JoinRoom records roomID in ep's joined-room set and the room's fan-out
// set. The caller is responsible for the membership check (I2) before
// calling this — JoinRoom itself never validates membership.
func (t *Tables) JoinRoom(ep *ClientEndpoint, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.clients[ep]
	if !ok {
		return
	}
	state.JoinedRooms[roomID] = struct{}{}

	set, ok := t.roomEndpoints[roomID]
	if !ok {
		set = make(map[*ClientEndpoint]struct{})
		t.roomEndpoints[roomID] = set
	}
	set[ep] = struct{}{}
}

// LeaveRoom removes roomID from ep's joined-room set and the room's fan-out
// set.
func (t *Tables) LeaveRoom(ep *ClientEndpoint, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state, ok := t.clients[ep]; ok {
		delete(state.JoinedRooms, roomID)
	}
	if set := t.roomEndpoints[roomID]; set != nil {
		delete(set, ep)
		if len(set) == 0 {
			delete(t.roomEndpoints, roomID)
		}
	}
}

// ClientState returns a copy-free pointer to ep's state, or nil if ep is not
// registered (not yet authenticated, or already closed).
func (t *Tables) ClientState(ep *ClientEndpoint) *ClientState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clients[ep]
}

// HasJoinedRoom reports whether ep has joined roomID (I2's subset check is
// performed once, at join time, against the store; this just answers "did
// join succeed earlier" for in-memory fast paths like typing).
func (t *Tables) HasJoinedRoom(ep *ClientEndpoint, roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.clients[ep]
	if !ok {
		return false
	}
	_, joined := state.JoinedRooms[roomID]
	return joined
}

// UserConnectionCount returns the number of currently connected endpoints
// for userID, used to enforce the per-user connection limit (spec §4.3).
func (t *Tables) UserConnectionCount(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.userEndpoints[userID])
}

// RegisterGateway adds an authenticated gateway endpoint to the gateway
// table. Unlike clients, gateways have no presence broadcast of their own —
// their agents' presence is carried by agent_status frames.
func (t *Tables) RegisterGateway(ep *GatewayEndpoint, gatewayID, ownerUserID string, device protocol.DeviceInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gateways[ep] = &GatewayState{
		GatewayID:   gatewayID,
		OwnerUserID: ownerUserID,
		DeviceInfo:  device,
		AgentIDs:    make(map[string]struct{}),
	}
}

// UnregisterGateway removes ep and every agent route it owns. It returns the
// set of agent ids whose route just went offline, so the caller can mark
// them offline in the store without deleting the rows (spec §3's gateway
// lifecycle — agents may re-register on the next connection).
func (t *Tables) UnregisterGateway(ep *GatewayEndpoint) (agentIDs []string, state *GatewayState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.gateways[ep]
	if !ok {
		return nil, nil
	}
	delete(t.gateways, ep)

	for agentID := range state.AgentIDs {
		agentIDs = append(agentIDs, agentID)
		// Only drop the routing entry if ep is still the authoritative
		// route — a re-registration on another endpoint may already have
		// replaced it (I3).
		if t.agentRoute[agentID] == ep {
			delete(t.agentRoute, agentID)
		}
	}
	return agentIDs, state
}

// RegisterAgentRoute makes ep the authoritative route for agentID,
// replacing any prior route without requiring a server restart (I3).
func (t *Tables) RegisterAgentRoute(ep *GatewayEndpoint, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.gateways[ep]; ok {
		state.AgentIDs[agentID] = struct{}{}
	}
	t.agentRoute[agentID] = ep
}

// GatewayFor returns the authoritative gateway endpoint for agentID, or nil
// if the agent has no live route.
func (t *Tables) GatewayFor(agentID string) *GatewayEndpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agentRoute[agentID]
}

// EachClientInRoom invokes fn for every client endpoint currently joined to
// roomID, excluding exclude if non-nil. fn is invoked while the table's read
// lock is held, so it must not call back into Tables.
func (t *Tables) EachClientInRoom(roomID string, exclude *ClientEndpoint, fn func(*ClientEndpoint)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ep := range t.roomEndpoints[roomID] {
		if ep == exclude {
			continue
		}
		fn(ep)
	}
}

// EachClient invokes fn for every connected client endpoint.
func (t *Tables) EachClient(fn func(*ClientEndpoint)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ep := range t.clients {
		fn(ep)
	}
}

// EachClientForUser invokes fn for every endpoint belonging to userID.
func (t *Tables) EachClientForUser(userID string, fn func(*ClientEndpoint)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ep := range t.userEndpoints[userID] {
		fn(ep)
	}
}

// ClientCount reports the number of connected client endpoints, used by
// health checks and shutdown logging.
func (t *Tables) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// GatewayCount reports the number of connected gateway endpoints.
func (t *Tables) GatewayCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.gateways)
}
