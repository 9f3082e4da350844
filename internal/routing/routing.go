// Package routing implements the post-send routing decision (spec §4.7):
// resolving which agents a newly sent message fans out to, and invoking the
// room's Router LLM when the decision requires a model-chosen subset.
package routing

import (
	"context"

	"github.com/google/uuid"

	"github.com/NoPKT/AgentIM-sub003/internal/store"
)

// Mode is the routing decision's outcome.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeBroadcast Mode = "broadcast"
	ModeNone      Mode = "none"
)

// EligibleAgent is a candidate for broadcast routing, as enumerated to the
// router LLM.
type EligibleAgent struct {
	ID           string
	Name         string
	Type         string
	Capabilities []string
}

// Decision is the result of Route: which agents to notify and under which
// mode, plus the shared ConversationId for the fan-out.
type Decision struct {
	Mode           Mode
	TargetAgentIDs []string
	ConversationID string
}

// RoomContext carries the inputs Route needs about the room a message was
// sent to.
type RoomContext struct {
	BroadcastMode  bool
	Router         *store.Router
	EligibleAgents []EligibleAgent // non-api, connected agents in the room
}

// Selector resolves a broadcast room's agent subset via the room's Router.
// Swappable in tests for a fake that never makes an HTTP call.
type Selector interface {
	SelectAgents(ctx context.Context, router *store.Router, agents []EligibleAgent, userMessage string) ([]string, error)
}

// Engine computes routing decisions (spec §4.7's table) and drives the
// router-LLM selection when needed.
type Engine struct {
	selector Selector
}

// NewEngine creates an Engine backed by selector.
func NewEngine(selector Selector) *Engine {
	return &Engine{selector: selector}
}

// Route implements the decision matrix:
//
//	mentioned agents ≠ ∅                                          -> direct, only mentioned agents
//	broadcast room, no mentions, Router AND >=1 eligible agent     -> broadcast, LLM-chosen subset
//	broadcast room, no mentions, no Router or no eligible agents   -> none
//	non-broadcast room, no mentions                                -> none
//
// mentionedAgentIDs must already be resolved from parsed mention names to
// agent ids by the caller (routing only sees ids, never display names).
func (e *Engine) Route(ctx context.Context, room RoomContext, mentionedAgentIDs []string, userMessage string) (Decision, error) {
	if len(mentionedAgentIDs) > 0 {
		return Decision{
			Mode:           ModeDirect,
			TargetAgentIDs: mentionedAgentIDs,
			ConversationID: newConversationID(),
		}, nil
	}

	if !room.BroadcastMode {
		return Decision{Mode: ModeNone}, nil
	}

	if room.Router == nil || len(room.EligibleAgents) == 0 {
		return Decision{Mode: ModeNone}, nil
	}

	chosen, err := e.selector.SelectAgents(ctx, room.Router, room.EligibleAgents, userMessage)
	if err != nil {
		// A malformed, empty, null, or timed-out router response routes
		// nowhere rather than failing the send (spec §4.7).
		return Decision{Mode: ModeNone}, nil
	}
	if len(chosen) == 0 {
		return Decision{Mode: ModeNone}, nil
	}

	return Decision{
		Mode:           ModeBroadcast,
		TargetAgentIDs: chosen,
		ConversationID: newConversationID(),
	}, nil
}

// newConversationID generates a fresh id shared by every target in one
// fan-out (spec §4.7). A UUIDv4 plays the role of the nanoid the spec names;
// both are opaque random identifiers and the wire format does not
// distinguish them.
func newConversationID() string {
	return uuid.New().String()
}
