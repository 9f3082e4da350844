package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoPKT/AgentIM-sub003/internal/store"
)

type fakeSelector struct {
	chosen []string
	err    error
}

func (f *fakeSelector) SelectAgents(context.Context, *store.Router, []EligibleAgent, string) ([]string, error) {
	return f.chosen, f.err
}

func TestRoute_MentionedAgentsWinOverEverything(t *testing.T) {
	e := NewEngine(&fakeSelector{chosen: []string{"should-not-be-used"}})
	d, err := e.Route(context.Background(), RoomContext{
		BroadcastMode:  true,
		Router:         &store.Router{},
		EligibleAgents: []EligibleAgent{{ID: "x"}},
	}, []string{"beta"}, "status?")
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, d.Mode)
	assert.Equal(t, []string{"beta"}, d.TargetAgentIDs)
	assert.NotEmpty(t, d.ConversationID)
}

func TestRoute_BroadcastWithRouterAndEligibleAgents(t *testing.T) {
	e := NewEngine(&fakeSelector{chosen: []string{"beta"}})
	d, err := e.Route(context.Background(), RoomContext{
		BroadcastMode:  true,
		Router:         &store.Router{},
		EligibleAgents: []EligibleAgent{{ID: "beta"}},
	}, nil, "anyone there?")
	require.NoError(t, err)
	assert.Equal(t, ModeBroadcast, d.Mode)
	assert.Equal(t, []string{"beta"}, d.TargetAgentIDs)
}

func TestRoute_BroadcastNoRouterRoutesNowhere(t *testing.T) {
	e := NewEngine(&fakeSelector{chosen: []string{"beta"}})
	d, err := e.Route(context.Background(), RoomContext{
		BroadcastMode:  true,
		EligibleAgents: []EligibleAgent{{ID: "beta"}},
	}, nil, "anyone there?")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, d.Mode)
}

func TestRoute_BroadcastNoEligibleAgentsRoutesNowhere(t *testing.T) {
	e := NewEngine(&fakeSelector{chosen: []string{"beta"}})
	d, err := e.Route(context.Background(), RoomContext{
		BroadcastMode: true,
		Router:        &store.Router{},
	}, nil, "anyone there?")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, d.Mode)
}

func TestRoute_NonBroadcastRoomRoutesNowhere(t *testing.T) {
	e := NewEngine(&fakeSelector{chosen: []string{"beta"}})
	d, err := e.Route(context.Background(), RoomContext{
		BroadcastMode:  false,
		Router:         &store.Router{},
		EligibleAgents: []EligibleAgent{{ID: "beta"}},
	}, nil, "anyone there?")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, d.Mode)
}

func TestRoute_SelectorErrorRoutesNowhere(t *testing.T) {
	e := NewEngine(&fakeSelector{err: assertErr("router timeout")})
	d, err := e.Route(context.Background(), RoomContext{
		BroadcastMode:  true,
		Router:         &store.Router{},
		EligibleAgents: []EligibleAgent{{ID: "beta"}},
	}, nil, "anyone there?")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, d.Mode)
}

func TestRoute_SelectorEmptyChoiceRoutesNowhere(t *testing.T) {
	e := NewEngine(&fakeSelector{chosen: []string{}})
	d, err := e.Route(context.Background(), RoomContext{
		BroadcastMode:  true,
		Router:         &store.Router{},
		EligibleAgents: []EligibleAgent{{ID: "beta"}},
	}, nil, "anyone there?")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, d.Mode)
}

type assertErr string

func (a assertErr) Error() string { return string(a) }
