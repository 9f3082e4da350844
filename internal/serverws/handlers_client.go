package serverws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
	"github.com/NoPKT/AgentIM-sub003/internal/ratelimit"
	"github.com/NoPKT/AgentIM-sub003/internal/routing"
	"github.com/NoPKT/AgentIM-sub003/internal/sanitize"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
	"github.com/NoPKT/AgentIM-sub003/internal/validate"
)

// dispatchClientFrame is ClientEndpoint's readPump callback. It runs the
// validator first (spec §4.6), then gates every frame but auth/ping behind
// the auth state machine (spec §4.4), then hands off to the per-type
// handler.
func (s *Server) dispatchClientFrame(ep *ClientEndpoint, raw []byte) {
	ctx := context.Background()

	frame, err := s.validator.Validate(raw)
	if err != nil {
		var verr *validate.ValidationError
		if errors.As(err, &verr) {
			s.sendError(ep, verr.Code, verr.Message)
			return
		}
		s.sendError(ep, protocol.ErrInvalidMessage, "malformed frame")
		return
	}

	if ep.State() != stateAuthenticated {
		switch frame.Type {
		case protocol.TypeClientAuth:
			s.handleClientAuth(ctx, ep, frame)
		case protocol.TypeClientPing:
			s.handleClientPing(ep, frame)
		default:
			s.sendError(ep, protocol.ErrNotAuthenticated, "authenticate before sending this frame type")
		}
		return
	}

	switch frame.Type {
	case protocol.TypeClientAuth:
		// Already authenticated; a second auth attempt is a no-op error,
		// not a state transition.
		s.sendError(ep, protocol.ErrInvalidMessage, "already authenticated")
	case protocol.TypeClientPing:
		s.handleClientPing(ep, frame)
	case protocol.TypeClientJoinRoom:
		s.handleClientJoinRoom(ctx, ep, frame)
	case protocol.TypeClientLeaveRoom:
		s.handleClientLeaveRoom(ctx, ep, frame)
	case protocol.TypeClientSendMessage:
		s.handleClientSendMessage(ctx, ep, frame)
	case protocol.TypeClientTyping:
		s.handleClientTyping(ctx, ep, frame)
	case protocol.TypeClientStopGeneration:
		s.handleClientStopGeneration(ep, frame)
	default:
		s.sendError(ep, protocol.ErrInvalidMessage, "unrecognized frame type")
	}
}

// onClientClosed runs the server-side teardown for a just-closed client
// connection: unregister from every table and broadcast offline presence
// if this was the principal's last endpoint (spec §3 client lifecycle).
func (s *Server) onClientClosed(ep *ClientEndpoint) {
	joinedRooms, wasLast, state := s.tables.UnregisterClient(ep)
	if state == nil {
		return
	}
	if wasLast {
		s.BroadcastToAll(protocol.MustEncode(protocol.TypeServerPresence, protocol.ServerPresencePayload{
			UserID:   state.UserID,
			Username: state.Username,
			Online:   false,
		}))
	}
	_ = joinedRooms
}

func (s *Server) handleClientAuth(ctx context.Context, ep *ClientEndpoint, frame protocol.Frame) {
	var payload protocol.ClientAuthPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(ep, protocol.ErrInvalidMessage, "invalid client:auth payload")
		return
	}

	claims, err := s.gate.Authenticate(ctx, payload.Token)
	if err != nil {
		s.SendToClient(ep, protocol.MustEncode(protocol.TypeServerAuthResult, protocol.ServerAuthResultPayload{
			OK:    false,
			Error: "authentication failed",
		}))
		ep.Close(protocol.ClosePolicyViolation, "authentication failed")
		return
	}

	limit := s.cfg.ConnLimitDefault
	if override, err := s.connLimit.ConnectionLimitOverride(ctx, claims.PrincipalID); err == nil && override > 0 {
		limit = override
	}
	if s.tables.UserConnectionCount(claims.PrincipalID) >= limit {
		s.SendToClient(ep, protocol.MustEncode(protocol.TypeServerAuthResult, protocol.ServerAuthResultPayload{
			OK:    false,
			Error: "connection limit exceeded",
		}))
		ep.Close(protocol.ClosePolicyViolation, "connection limit exceeded")
		return
	}

	if !ep.MarkAuthenticated() {
		return
	}

	firstEndpoint := s.tables.RegisterClient(ep, claims.PrincipalID, claims.Username, limit)

	s.SendToClient(ep, protocol.MustEncode(protocol.TypeServerAuthResult, protocol.ServerAuthResultPayload{
		OK:     true,
		UserID: claims.PrincipalID,
	}))

	if firstEndpoint {
		s.BroadcastToAll(protocol.MustEncode(protocol.TypeServerPresence, protocol.ServerPresencePayload{
			UserID:   claims.PrincipalID,
			Username: claims.Username,
			Online:   true,
		}))
	}
}

func (s *Server) handleClientPing(ep *ClientEndpoint, frame protocol.Frame) {
	var payload protocol.ClientPingPayload
	_ = json.Unmarshal(frame.Payload, &payload)
	s.SendToClient(ep, protocol.MustEncode(protocol.TypeServerPong, protocol.ServerPongPayload{TS: payload.TS}))
}

func (s *Server) handleClientJoinRoom(ctx context.Context, ep *ClientEndpoint, frame protocol.Frame) {
	var payload protocol.ClientJoinRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(ep, protocol.ErrInvalidMessage, "invalid client:join_room payload")
		return
	}

	state := s.tables.ClientState(ep)
	if state == nil {
		return
	}

	roomID, err := uuid.Parse(payload.RoomID)
	if err != nil {
		s.sendError(ep, protocol.ErrRoomNotFound, "room not found")
		return
	}

	if _, err := s.repos.Rooms.GetByID(ctx, roomID); err != nil {
		s.sendError(ep, protocol.ErrRoomNotFound, "room not found")
		return
	}

	// I2: the server never trusts a client's claim of membership — every
	// join re-checks the store.
	isMember, err := s.repos.Rooms.IsMember(ctx, roomID, state.UserID)
	if err != nil {
		s.sendError(ep, protocol.ErrInternal, "failed to check room membership")
		return
	}
	if !isMember {
		s.sendError(ep, protocol.ErrNotAMember, "not a member of this room")
		return
	}

	s.tables.JoinRoom(ep, payload.RoomID)
}

func (s *Server) handleClientLeaveRoom(_ context.Context, ep *ClientEndpoint, frame protocol.Frame) {
	var payload protocol.ClientJoinRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(ep, protocol.ErrInvalidMessage, "invalid client:leave_room payload")
		return
	}
	s.tables.LeaveRoom(ep, payload.RoomID)
}

func (s *Server) handleClientTyping(ctx context.Context, ep *ClientEndpoint, frame protocol.Frame) {
	var payload protocol.ClientTypingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	state := s.tables.ClientState(ep)
	if state == nil {
		return
	}
	if !s.tables.HasJoinedRoom(ep, payload.RoomID) {
		return
	}

	// Typing debounce is modeled as a rate-limit Window{Max:1, Window:1s}
	// and is fail-open: a KV hiccup should never block a typing indicator
	// (spec §4.5).
	allowed, err := s.typingLimiter.Allow(ctx, ratelimit.Key(state.UserID, "typing:"+payload.RoomID), ratelimit.Window{
		Max:    1,
		Window: s.cfg.TypingDebounceWindow,
	})
	if err != nil {
		s.logger.Warn("typing rate limiter backend error, failing open", zap.Error(err))
	}
	if !allowed {
		return
	}

	s.BroadcastToRoom(payload.RoomID, protocol.MustEncode(protocol.TypeServerTyping, protocol.ServerTypingPayload{
		RoomID:   payload.RoomID,
		UserID:   state.UserID,
		Username: state.Username,
	}), ep)
}

func (s *Server) handleClientStopGeneration(ep *ClientEndpoint, frame protocol.Frame) {
	var payload protocol.ClientStopGenerationPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(ep, protocol.ErrInvalidMessage, "invalid client:stop_generation payload")
		return
	}
	if s.tables.ClientState(ep) == nil {
		return
	}
	s.SendToGateway(payload.AgentID, protocol.MustEncode(protocol.TypeServerStopAgent, protocol.StopAgentPayload{
		AgentID: payload.AgentID,
	}))
}

func (s *Server) handleClientSendMessage(ctx context.Context, ep *ClientEndpoint, frame protocol.Frame) {
	var payload protocol.ClientSendMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(ep, protocol.ErrInvalidMessage, "invalid client:send_message payload")
		return
	}

	state := s.tables.ClientState(ep)
	if state == nil {
		return
	}

	allowed, err := s.clientMsgLimiter.Allow(ctx, ratelimit.Key(state.UserID, "send_message"), ratelimit.Window{
		Max:    s.cfg.ClientMessageRateMax,
		Window: s.cfg.ClientMessageRateWindow,
	})
	if err != nil {
		s.logger.Error("client message rate limiter backend error, failing closed", zap.Error(err))
	}
	if !allowed {
		s.sendError(ep, protocol.ErrRateLimited, "message rate limit exceeded")
		return
	}

	roomID, err := uuid.Parse(payload.RoomID)
	if err != nil {
		s.sendError(ep, protocol.ErrRoomNotFound, "room not found")
		return
	}

	room, err := s.repos.Rooms.GetByID(ctx, roomID)
	if err != nil {
		s.sendError(ep, protocol.ErrRoomNotFound, "room not found")
		return
	}

	agentNames, err := s.repos.Rooms.ListAgentMemberNames(ctx, roomID)
	if err != nil {
		s.sendError(ep, protocol.ErrInternal, "failed to resolve room agents")
		return
	}

	sanitized := sanitize.Content(payload.Content)
	mentions := sanitize.ParseMentions(sanitized, agentNames)

	var replyTo *uuid.UUID
	if payload.ReplyToID != "" {
		if id, err := uuid.Parse(payload.ReplyToID); err == nil {
			replyTo = &id
		}
	}

	attachmentIDs := make([]uuid.UUID, 0, len(payload.AttachmentIDs))
	for _, raw := range payload.AttachmentIDs {
		if id, err := uuid.Parse(raw); err == nil {
			attachmentIDs = append(attachmentIDs, id)
		}
	}

	messageID, err := uuid.NewV7()
	if err != nil {
		s.sendError(ep, protocol.ErrInternal, "failed to generate message id")
		return
	}

	msg, err := s.repos.Sender.SendMessage(ctx, store.SendParams{
		MessageID:     messageID,
		RoomID:        roomID,
		SenderID:      state.UserID,
		SenderType:    "user",
		SenderName:    state.Username,
		Type:          "text",
		Content:       sanitized,
		Mentions:      mentions,
		ReplyToID:     replyTo,
		AttachmentIDs: attachmentIDs,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRoomNotFound):
			s.sendError(ep, protocol.ErrRoomNotFound, "room not found")
		case errors.Is(err, store.ErrNotAMember):
			s.sendError(ep, protocol.ErrNotAMember, "not a member of this room")
		case errors.Is(err, store.ErrTooManyAttachments):
			s.sendError(ep, protocol.ErrInvalidMessage, "too many attachments")
		default:
			s.logger.Error("send_message failed", zap.Error(err))
			s.sendError(ep, protocol.ErrInternal, "failed to send message")
		}
		return
	}

	s.BroadcastToRoom(payload.RoomID, protocol.MustEncode(protocol.TypeServerNewMessage, toWireMessage(msg)), nil)

	s.routeToAgents(ctx, room, msg, mentions, agentNames)
}

// routeToAgents resolves the eligible-agent set for room (non-api agents
// that are members and currently connected through some gateway), runs the
// routing decision (spec §4.7), and fans out server:send_to_agent to each
// target's authoritative gateway.
func (s *Server) routeToAgents(ctx context.Context, room *store.Room, msg *store.Message, mentionNames []string, agentNames []string) {
	members, err := s.repos.Rooms.ListMembers(ctx, room.ID)
	if err != nil {
		s.logger.Error("routing: failed to list room members", zap.Error(err))
		return
	}

	mentionSet := make(map[string]bool, len(mentionNames))
	for _, n := range mentionNames {
		mentionSet[n] = true
	}

	var eligible []routing.EligibleAgent
	var mentionedIDs []string
	for _, member := range members {
		if member.MemberType != "agent" {
			continue
		}
		agent, err := s.repos.Agents.GetByID(ctx, member.MemberID)
		if err != nil {
			continue
		}
		if agent.ConnectionType == "api" {
			continue
		}
		if s.tables.GatewayFor(agent.ID) == nil {
			continue
		}
		var caps []string
		_ = json.Unmarshal([]byte(agent.Capabilities), &caps)
		eligible = append(eligible, routing.EligibleAgent{
			ID:           agent.ID,
			Name:         agent.Name,
			Type:         agent.Type,
			Capabilities: caps,
		})
		if mentionSet[agent.Name] {
			mentionedIDs = append(mentionedIDs, agent.ID)
		}
	}

	var router *store.Router
	if room.RouterID != nil {
		router, _ = s.repos.Routers.GetByID(ctx, *room.RouterID)
	}

	decision, err := s.routing.Route(ctx, routing.RoomContext{
		BroadcastMode:  room.BroadcastMode,
		Router:         router,
		EligibleAgents: eligible,
	}, mentionedIDs, msg.Content)
	if err != nil || decision.Mode == routing.ModeNone {
		return
	}

	for _, agentID := range decision.TargetAgentIDs {
		s.SendToGateway(agentID, protocol.MustEncode(protocol.TypeServerSendToAgent, protocol.SendToAgentPayload{
			AgentID:        agentID,
			RoomID:         room.ID.String(),
			MessageID:      msg.ID.String(),
			Content:        msg.Content,
			SenderName:     msg.SenderName,
			SenderType:     msg.SenderType,
			RoutingMode:    string(decision.Mode),
			ConversationID: decision.ConversationID,
			Depth:          0,
		}))
	}
}

func toWireMessage(msg *store.Message) protocol.Message {
	var mentions []string
	_ = json.Unmarshal([]byte(msg.Mentions), &mentions)

	var replyTo string
	if msg.ReplyToID != nil {
		replyTo = msg.ReplyToID.String()
	}

	attachments := make([]protocol.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, protocol.Attachment{
			ID:       a.ID.String(),
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.Size,
			URL:      a.URL,
		})
	}

	return protocol.Message{
		ID:          msg.ID.String(),
		RoomID:      msg.RoomID.String(),
		SenderID:    msg.SenderID,
		SenderType:  msg.SenderType,
		SenderName:  msg.SenderName,
		Type:        msg.Type,
		Content:     msg.Content,
		Mentions:    mentions,
		ReplyToID:   replyTo,
		Attachments: attachments,
		CreatedAt:   msg.CreatedAt,
	}
}
