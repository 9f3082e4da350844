package protocol

import "time"

// Attachment mirrors the data model in spec §3.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Message mirrors the data model in spec §3. CreatedAt is always UTC
// ISO-8601, and Mentions is always the server-parsed list (invariant I5) —
// never the client's claimed list.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId"`
	SenderType  string       `json:"senderType"` // "user" | "agent"
	SenderName  string       `json:"senderName"`
	Type        string       `json:"type"` // "text" | "agent_response"
	Content     string       `json:"content"`
	Mentions    []string     `json:"mentions"`
	ReplyToID   string       `json:"replyToId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ClientAuthPayload is the payload of client:auth.
type ClientAuthPayload struct {
	Token string `json:"token"`
}

// ClientPingPayload is the payload of client:ping.
type ClientPingPayload struct {
	TS int64 `json:"ts"`
}

// ClientJoinRoomPayload is the payload of client:join_room and client:leave_room.
type ClientJoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

// ClientSendMessagePayload is the payload of client:send_message. Mentions
// here is the *client's claimed* list and is never trusted for routing —
// see internal/sanitize for the server-side parser that supersedes it.
type ClientSendMessagePayload struct {
	RoomID        string   `json:"roomId"`
	Content       string   `json:"content"`
	Mentions      []string `json:"mentions"`
	ReplyToID     string   `json:"replyToId,omitempty"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}

// ClientTypingPayload is the payload of client:typing.
type ClientTypingPayload struct {
	RoomID string `json:"roomId"`
}

// ClientStopGenerationPayload is the payload of client:stop_generation.
type ClientStopGenerationPayload struct {
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId"`
}

// DeviceInfo is informational-only metadata about a gateway host.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Hostname string `json:"hostname"`
}

// GatewayAuthPayload is the payload of gateway:auth.
type GatewayAuthPayload struct {
	Token      string     `json:"token"`
	GatewayID  string     `json:"gatewayId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// GatewayRegisterAgentPayload is the payload of gateway:register_agent.
type GatewayRegisterAgentPayload struct {
	AgentID          string   `json:"agentId"`
	Type             string   `json:"type"`
	Name             string   `json:"name"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	ConnectionType   string   `json:"connectionType"` // "cli" | "api"
	Capabilities     []string `json:"capabilities"`
	Visibility       string   `json:"visibility"` // "private" | "shared"
	OwnerUserID      string   `json:"ownerUserId"`
}

// GatewayMessageChunkPayload is the payload of gateway:message_chunk.
type GatewayMessageChunkPayload struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk"`
}

// GatewayMessageCompletePayload is the payload of gateway:message_complete.
type GatewayMessageCompletePayload struct {
	Message Message `json:"message"`
}

// AgentStatus mirrors an agent's live status as reported by its gateway.
type AgentStatus struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Status  string `json:"status"` // "online" | "offline" | "busy" | "error"
}

// GatewayAgentStatusPayload is the payload of gateway:agent_status.
type GatewayAgentStatusPayload struct {
	Agent AgentStatus `json:"agent"`
}

// GatewayPermissionRequestPayload is the payload of gateway:permission_request.
type GatewayPermissionRequestPayload struct {
	AgentID     string `json:"agentId"`
	RoomID      string `json:"roomId"`
	RequestID   string `json:"requestId"`
	Description string `json:"description"`
}

// GatewayTerminalDataPayload is the payload of gateway:terminal_data.
type GatewayTerminalDataPayload struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Data      string `json:"data"`
}

// TaskUpdate mirrors the live status of an async generation task.
type TaskUpdate struct {
	ServiceAgentID string `json:"serviceAgentId"`
	ProviderTaskID string `json:"providerTaskId"`
	Status         string `json:"status"` // "async" | "media" | "text" | "error"
}

// GatewayTaskUpdatePayload is the payload of gateway:task_update.
type GatewayTaskUpdatePayload struct {
	Task TaskUpdate `json:"task"`
}

// ServerAuthResultPayload is the payload of server:auth_result and
// server:gateway_auth_result.
type ServerAuthResultPayload struct {
	OK     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ServerPongPayload is the payload of server:pong.
type ServerPongPayload struct {
	TS int64 `json:"ts"`
}

// ServerTypingPayload is the payload of server:typing.
type ServerTypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ServerPresencePayload is the payload of server:presence.
type ServerPresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// ServerRoomRemovedPayload is the payload of server:room_removed.
type ServerRoomRemovedPayload struct {
	RoomID string `json:"roomId"`
}

// ServerMessageDeletedPayload is the payload of server:message_deleted.
type ServerMessageDeletedPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// SendToAgentPayload is the payload of server:send_to_agent.
type SendToAgentPayload struct {
	AgentID        string `json:"agentId"`
	RoomID         string `json:"roomId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	SenderName     string `json:"senderName"`
	SenderType     string `json:"senderType"`
	RoutingMode    string `json:"routingMode"` // "direct" | "broadcast"
	ConversationID string `json:"conversationId"`
	Depth          int    `json:"depth"`
}

// StopAgentPayload is the payload of server:stop_agent.
type StopAgentPayload struct {
	AgentID string `json:"agentId"`
}
