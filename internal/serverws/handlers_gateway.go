package serverws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
	"github.com/NoPKT/AgentIM-sub003/internal/ratelimit"
	"github.com/NoPKT/AgentIM-sub003/internal/store"
	"github.com/NoPKT/AgentIM-sub003/internal/validate"
)

// dispatchGatewayFrame is GatewayEndpoint's readPump callback, symmetrical
// to dispatchClientFrame: validate, gate on auth state, then dispatch.
func (s *Server) dispatchGatewayFrame(ep *GatewayEndpoint, raw []byte) {
	ctx := context.Background()

	frame, err := s.validator.Validate(raw)
	if err != nil {
		var verr *validate.ValidationError
		if errors.As(err, &verr) {
			s.sendGatewayError(ep, verr.Code, verr.Message)
			return
		}
		s.sendGatewayError(ep, protocol.ErrInvalidMessage, "malformed frame")
		return
	}

	if ep.State() != stateAuthenticated {
		switch frame.Type {
		case protocol.TypeGatewayAuth:
			s.handleGatewayAuth(ctx, ep, frame)
		case protocol.TypeGatewayPing:
			s.handleGatewayPing(ep, frame)
		default:
			s.sendGatewayError(ep, protocol.ErrNotAuthenticated, "authenticate before sending this frame type")
		}
		return
	}

	switch frame.Type {
	case protocol.TypeGatewayAuth:
		s.sendGatewayError(ep, protocol.ErrInvalidMessage, "already authenticated")
	case protocol.TypeGatewayPing:
		s.handleGatewayPing(ep, frame)
	case protocol.TypeGatewayRegisterAgent:
		s.handleGatewayRegisterAgent(ctx, ep, frame)
	case protocol.TypeGatewayMessageChunk:
		s.handleGatewayMessageChunk(ep, frame)
	case protocol.TypeGatewayMessageComplete:
		s.handleGatewayMessageComplete(ctx, ep, frame)
	case protocol.TypeGatewayAgentStatus:
		s.handleGatewayAgentStatus(ep, frame)
	case protocol.TypeGatewayPermissionReq:
		s.handleGatewayPermissionRequest(ep, frame)
	case protocol.TypeGatewayTerminalData:
		s.handleGatewayTerminalData(ep, frame)
	case protocol.TypeGatewayTaskUpdate:
		s.handleGatewayTaskUpdate(ep, frame)
	default:
		s.sendGatewayError(ep, protocol.ErrInvalidMessage, "unrecognized frame type")
	}
}

// onGatewayClosed tears down a disconnected gateway: every agent route it
// owned is removed (unless already replaced by a newer registration, I3),
// the gateway's row is marked disconnected in the store, and an offline
// agent_status is broadcast for each of those agents. Agent rows are not
// touched, so an agent may reconnect under a new gateway and resume (spec
// §3 gateway lifecycle).
func (s *Server) onGatewayClosed(ep *GatewayEndpoint) {
	agentIDs, state := s.tables.UnregisterGateway(ep)
	if state == nil {
		return
	}

	ctx := context.Background()
	_ = s.repos.Gateways.MarkDisconnected(ctx, state.GatewayID, time.Now())

	for _, agentID := range agentIDs {
		name := agentID
		if agent, err := s.repos.Agents.GetByID(ctx, agentID); err == nil {
			name = agent.Name
		}
		s.BroadcastToAll(protocol.MustEncode(protocol.TypeServerAgentStatus, protocol.GatewayAgentStatusPayload{
			Agent: protocol.AgentStatus{
				AgentID: agentID,
				Name:    name,
				Status:  "offline",
			},
		}))
	}
}

func (s *Server) handleGatewayAuth(ctx context.Context, ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayAuthPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendGatewayError(ep, protocol.ErrInvalidMessage, "invalid gateway:auth payload")
		return
	}

	claims, err := s.gate.Authenticate(ctx, payload.Token)
	if err != nil {
		ep.Send(protocol.MustEncode(protocol.TypeServerGatewayAuthResult, protocol.ServerAuthResultPayload{
			OK:    false,
			Error: "authentication failed",
		}))
		ep.Close(protocol.ClosePolicyViolation, "authentication failed")
		return
	}

	if !ep.MarkAuthenticated() {
		return
	}

	s.tables.RegisterGateway(ep, payload.GatewayID, claims.PrincipalID, payload.DeviceInfo)

	_ = s.repos.Gateways.Upsert(ctx, &store.Gateway{
		ID:          payload.GatewayID,
		OwnerUserID: mustParseUUID(claims.PrincipalID),
		Platform:    payload.DeviceInfo.Platform,
		Hostname:    payload.DeviceInfo.Hostname,
		ConnectedAt: time.Now(),
	})

	ep.Send(protocol.MustEncode(protocol.TypeServerGatewayAuthResult, protocol.ServerAuthResultPayload{
		OK:     true,
		UserID: claims.PrincipalID,
	}))
}

func (s *Server) handleGatewayPing(ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.ClientPingPayload
	_ = json.Unmarshal(frame.Payload, &payload)
	ep.Send(protocol.MustEncode(protocol.TypeServerPong, protocol.ServerPongPayload{TS: payload.TS}))
}

func (s *Server) handleGatewayRegisterAgent(ctx context.Context, ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayRegisterAgentPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendGatewayError(ep, protocol.ErrInvalidMessage, "invalid gateway:register_agent payload")
		return
	}

	capsJSON, _ := json.Marshal(payload.Capabilities)

	agent, err := s.repos.Agents.GetByID(ctx, payload.AgentID)
	if err != nil {
		agent = &store.Agent{
			ID:               payload.AgentID,
			Type:             payload.Type,
			Name:             payload.Name,
			WorkingDirectory: payload.WorkingDirectory,
			OwnerUserID:      mustParseUUID(payload.OwnerUserID),
			ConnectionType:   payload.ConnectionType,
			Capabilities:     string(capsJSON),
			Visibility:       payload.Visibility,
		}
		if err := s.repos.Agents.Create(ctx, agent); err != nil {
			s.logger.Error("register_agent: create failed", zap.Error(err))
			s.sendGatewayError(ep, protocol.ErrInternal, "failed to register agent")
			return
		}
	} else {
		agent.Name = payload.Name
		agent.WorkingDirectory = payload.WorkingDirectory
		agent.ConnectionType = payload.ConnectionType
		agent.Capabilities = string(capsJSON)
		agent.Visibility = payload.Visibility
		if err := s.repos.Agents.Update(ctx, agent); err != nil {
			s.logger.Error("register_agent: update failed", zap.Error(err))
			s.sendGatewayError(ep, protocol.ErrInternal, "failed to register agent")
			return
		}
	}

	// I3: registering replaces any prior route for this agent id without
	// requiring a server restart.
	s.tables.RegisterAgentRoute(ep, payload.AgentID)

	s.BroadcastToAll(protocol.MustEncode(protocol.TypeServerAgentStatus, protocol.GatewayAgentStatusPayload{
		Agent: protocol.AgentStatus{
			AgentID: agent.ID,
			Name:    agent.Name,
			Status:  "online",
		},
	}))
}

func (s *Server) handleGatewayMessageChunk(ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayMessageChunkPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	if s.tables.GatewayFor(payload.AgentID) != ep {
		// A gateway may only stream chunks for agents it currently owns
		// the route for (I3).
		return
	}
	s.BroadcastToRoom(payload.RoomID, protocol.MustEncode(protocol.TypeServerMessageChunk, payload), nil)
}

func (s *Server) handleGatewayMessageComplete(ctx context.Context, ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayMessageCompletePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendGatewayError(ep, protocol.ErrInvalidMessage, "invalid gateway:message_complete payload")
		return
	}
	if s.tables.GatewayFor(payload.Message.SenderID) != ep {
		return
	}

	allowed, err := s.agentMsgLimiter.Allow(ctx, ratelimit.Key(payload.Message.SenderID, "agent_message"), ratelimit.Window{
		Max:    s.cfg.AgentMessageRateMax,
		Window: s.cfg.AgentMessageRateWindow,
	})
	if err != nil {
		s.logger.Warn("agent message rate limiter backend error, failing open", zap.Error(err))
	}
	if !allowed {
		s.sendGatewayError(ep, protocol.ErrRateLimited, "agent message rate limit exceeded")
		return
	}

	roomID, err := uuid.Parse(payload.Message.RoomID)
	if err != nil {
		s.sendGatewayError(ep, protocol.ErrRoomNotFound, "room not found")
		return
	}
	messageID, err := uuid.Parse(payload.Message.ID)
	if err != nil {
		s.sendGatewayError(ep, protocol.ErrInvalidMessage, "invalid message id")
		return
	}

	var replyTo *uuid.UUID
	if payload.Message.ReplyToID != "" {
		if id, err := uuid.Parse(payload.Message.ReplyToID); err == nil {
			replyTo = &id
		}
	}

	mentionsJSON := payload.Message.Mentions
	if mentionsJSON == nil {
		mentionsJSON = []string{}
	}

	msg, err := s.repos.Sender.SendMessage(ctx, store.SendParams{
		MessageID:  messageID,
		RoomID:     roomID,
		SenderID:   payload.Message.SenderID,
		SenderType: "agent",
		SenderName: payload.Message.SenderName,
		Type:       "agent_response",
		Content:    payload.Message.Content,
		Mentions:   mentionsJSON,
		ReplyToID:  replyTo,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRoomNotFound):
			s.sendGatewayError(ep, protocol.ErrRoomNotFound, "room not found")
		case errors.Is(err, store.ErrNotAMember):
			s.sendGatewayError(ep, protocol.ErrNotAMember, "agent not a member of this room")
		default:
			s.logger.Error("message_complete: send failed", zap.Error(err))
			s.sendGatewayError(ep, protocol.ErrInternal, "failed to persist agent message")
		}
		return
	}

	s.BroadcastToRoom(payload.Message.RoomID, protocol.MustEncode(protocol.TypeServerMessageComplete, toWireMessage(msg)), nil)
}

func (s *Server) handleGatewayAgentStatus(ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayAgentStatusPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	if s.tables.GatewayFor(payload.Agent.AgentID) != ep {
		return
	}
	s.BroadcastToAll(protocol.MustEncode(protocol.TypeServerAgentStatus, payload))
}

// handleGatewayPermissionRequest, handleGatewayTerminalData, and
// handleGatewayTaskUpdate have no defined server:* forwarding frame in the
// closed wire registry (spec §6's Server→Client list has no
// permission_request, terminal_data, or task_update entry). Rather than
// invent a type outside that registry, all three are logged and dropped
// (unknown tags, by contrast, get an invalid-message error frame).
func (s *Server) handleGatewayPermissionRequest(ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayPermissionRequestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	if s.tables.GatewayFor(payload.AgentID) != ep {
		return
	}
	s.logger.Debug("gateway:permission_request received, not forwarded",
		zap.String("agent_id", payload.AgentID), zap.String("request_id", payload.RequestID))
}

func (s *Server) handleGatewayTerminalData(ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayTerminalDataPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	s.logger.Debug("gateway:terminal_data received, not forwarded",
		zap.String("agent_id", payload.AgentID), zap.String("agent_name", payload.AgentName))
}

func (s *Server) handleGatewayTaskUpdate(ep *GatewayEndpoint, frame protocol.Frame) {
	var payload protocol.GatewayTaskUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	s.logger.Debug("gateway:task_update received, not forwarded",
		zap.String("service_agent_id", payload.Task.ServiceAgentID),
		zap.String("provider_task_id", payload.Task.ProviderTaskID),
		zap.String("status", payload.Task.Status))
}

func mustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}
	}
	return id
}
