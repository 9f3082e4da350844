package serverws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

func TestTables_RegisterClient_FirstAndSubsequentEndpoint(t *testing.T) {
	tables := NewTables()

	ep1 := &ClientEndpoint{}
	first := tables.RegisterClient(ep1, "user-1", "alice", 0)
	assert.True(t, first, "first endpoint for a user should report firstEndpoint=true")

	ep2 := &ClientEndpoint{}
	first = tables.RegisterClient(ep2, "user-1", "alice", 0)
	assert.False(t, first, "a second endpoint for the same user is not the first")

	assert.Equal(t, 2, tables.UserConnectionCount("user-1"))
	assert.Equal(t, 2, tables.ClientCount())
}

func TestTables_UnregisterClient_LastEndpointAndJoinedRooms(t *testing.T) {
	tables := NewTables()

	ep := &ClientEndpoint{}
	tables.RegisterClient(ep, "user-1", "alice", 0)
	tables.JoinRoom(ep, "room-a")
	tables.JoinRoom(ep, "room-b")

	rooms, wasLast, state := tables.UnregisterClient(ep)
	require.NotNil(t, state)
	assert.True(t, wasLast)
	assert.ElementsMatch(t, []string{"room-a", "room-b"}, rooms)
	assert.Equal(t, 0, tables.UserConnectionCount("user-1"))
	assert.Equal(t, 0, tables.ClientCount())
}

func TestTables_UnregisterClient_NotLastEndpoint(t *testing.T) {
	tables := NewTables()

	ep1 := &ClientEndpoint{}
	ep2 := &ClientEndpoint{}
	tables.RegisterClient(ep1, "user-1", "alice", 0)
	tables.RegisterClient(ep2, "user-1", "alice", 0)

	_, wasLast, _ := tables.UnregisterClient(ep1)
	assert.False(t, wasLast)
	assert.Equal(t, 1, tables.UserConnectionCount("user-1"))
}

func TestTables_UnregisterClient_UnknownEndpointIsNoop(t *testing.T) {
	tables := NewTables()
	rooms, wasLast, state := tables.UnregisterClient(&ClientEndpoint{})
	assert.Nil(t, rooms)
	assert.False(t, wasLast)
	assert.Nil(t, state)
}

func TestTables_JoinLeaveRoom(t *testing.T) {
	tables := NewTables()
	ep := &ClientEndpoint{}
	tables.RegisterClient(ep, "user-1", "alice", 0)

	tables.JoinRoom(ep, "room-a")
	assert.True(t, tables.HasJoinedRoom(ep, "room-a"))

	var seen []*ClientEndpoint
	tables.EachClientInRoom("room-a", nil, func(e *ClientEndpoint) { seen = append(seen, e) })
	assert.Equal(t, []*ClientEndpoint{ep}, seen)

	tables.LeaveRoom(ep, "room-a")
	assert.False(t, tables.HasJoinedRoom(ep, "room-a"))

	seen = nil
	tables.EachClientInRoom("room-a", nil, func(e *ClientEndpoint) { seen = append(seen, e) })
	assert.Empty(t, seen)
}

func TestTables_EachClientInRoom_ExcludesGivenEndpoint(t *testing.T) {
	tables := NewTables()
	ep1 := &ClientEndpoint{}
	ep2 := &ClientEndpoint{}
	tables.RegisterClient(ep1, "user-1", "alice", 0)
	tables.RegisterClient(ep2, "user-2", "bob", 0)
	tables.JoinRoom(ep1, "room-a")
	tables.JoinRoom(ep2, "room-a")

	var seen []*ClientEndpoint
	tables.EachClientInRoom("room-a", ep1, func(e *ClientEndpoint) { seen = append(seen, e) })
	assert.Equal(t, []*ClientEndpoint{ep2}, seen)
}

func TestTables_GatewayRoute_ReplacesWithoutRestart(t *testing.T) {
	tables := NewTables()

	epOld := &GatewayEndpoint{}
	tables.RegisterGateway(epOld, "gw-1", "user-1", protocol.DeviceInfo{Platform: "linux"})
	tables.RegisterAgentRoute(epOld, "agent-1")
	assert.Equal(t, epOld, tables.GatewayFor("agent-1"))

	epNew := &GatewayEndpoint{}
	tables.RegisterGateway(epNew, "gw-1", "user-1", protocol.DeviceInfo{Platform: "linux"})
	tables.RegisterAgentRoute(epNew, "agent-1")
	assert.Equal(t, epNew, tables.GatewayFor("agent-1"), "a re-registration must replace the stale route (I3)")
}

func TestTables_UnregisterGateway_OnlyClearsRouteIfStillAuthoritative(t *testing.T) {
	tables := NewTables()

	epOld := &GatewayEndpoint{}
	tables.RegisterGateway(epOld, "gw-1", "user-1", protocol.DeviceInfo{})
	tables.RegisterAgentRoute(epOld, "agent-1")

	epNew := &GatewayEndpoint{}
	tables.RegisterGateway(epNew, "gw-1", "user-1", protocol.DeviceInfo{})
	tables.RegisterAgentRoute(epNew, "agent-1")

	// epOld disconnects after being superseded; its agent route must not
	// clobber epNew's.
	agentIDs, state := tables.UnregisterGateway(epOld)
	require.NotNil(t, state)
	assert.Equal(t, []string{"agent-1"}, agentIDs)
	assert.Equal(t, epNew, tables.GatewayFor("agent-1"))

	assert.Equal(t, 1, tables.GatewayCount())
}

func TestTables_UnregisterGateway_ClearsOwnRoute(t *testing.T) {
	tables := NewTables()

	ep := &GatewayEndpoint{}
	tables.RegisterGateway(ep, "gw-1", "user-1", protocol.DeviceInfo{})
	tables.RegisterAgentRoute(ep, "agent-1")

	agentIDs, _ := tables.UnregisterGateway(ep)
	assert.Equal(t, []string{"agent-1"}, agentIDs)
	assert.Nil(t, tables.GatewayFor("agent-1"))
	assert.Equal(t, 0, tables.GatewayCount())
}
