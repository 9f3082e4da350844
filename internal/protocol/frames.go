// Package protocol defines the wire format shared by the server, the client
// UIs, and the gateway processes: the frame envelope, the closed set of
// message types, their priority classes, and the error-code registry.
//
// Frames are JSON text over a WebSocket connection. Every frame carries a
// discriminated "type" field; the payload shape varies by type and is
// documented alongside each constant below.
package protocol

import "encoding/json"

// Frame is the envelope every WebSocket text message is decoded into before
// dispatch. Payload is kept as raw JSON so the validator (internal/validate)
// can enforce size and depth limits before any handler-specific unmarshal
// happens.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Type is the closed enum of frame type strings. The prefix identifies the
// direction the frame travels: "client:" and "gateway:" frames are inbound
// to the server, "server:" frames are outbound.
type Type string

// Client -> Server frames.
const (
	TypeClientAuth           Type = "client:auth"
	TypeClientPing           Type = "client:ping"
	TypeClientJoinRoom       Type = "client:join_room"
	TypeClientLeaveRoom      Type = "client:leave_room"
	TypeClientSendMessage    Type = "client:send_message"
	TypeClientTyping         Type = "client:typing"
	TypeClientStopGeneration Type = "client:stop_generation"
)

// Gateway -> Server frames.
const (
	TypeGatewayAuth            Type = "gateway:auth"
	TypeGatewayPing            Type = "gateway:ping"
	TypeGatewayRegisterAgent   Type = "gateway:register_agent"
	TypeGatewayMessageChunk    Type = "gateway:message_chunk"
	TypeGatewayMessageComplete Type = "gateway:message_complete"
	TypeGatewayAgentStatus     Type = "gateway:agent_status"
	TypeGatewayPermissionReq   Type = "gateway:permission_request"
	TypeGatewayTerminalData    Type = "gateway:terminal_data"
	TypeGatewayTaskUpdate      Type = "gateway:task_update"
)

// Server -> Client frames.
const (
	TypeServerPong           Type = "server:pong"
	TypeServerAuthResult     Type = "server:auth_result"
	TypeServerNewMessage     Type = "server:new_message"
	TypeServerMessageChunk   Type = "server:message_chunk"
	TypeServerMessageComplete Type = "server:message_complete"
	TypeServerMessageEdited  Type = "server:message_edited"
	TypeServerMessageDeleted Type = "server:message_deleted"
	TypeServerTyping         Type = "server:typing"
	TypeServerPresence       Type = "server:presence"
	TypeServerAgentStatus    Type = "server:agent_status"
	TypeServerReactionUpdate Type = "server:reaction_update"
	TypeServerReadReceipt    Type = "server:read_receipt"
	TypeServerRoomUpdate     Type = "server:room_update"
	TypeServerRoomRemoved    Type = "server:room_removed"
	TypeServerError          Type = "server:error"
	TypeServerShutdown       Type = "server:shutdown"
)

// Server -> Gateway frames.
const (
	TypeServerGatewayAuthResult Type = "server:gateway_auth_result"
	TypeServerSendToAgent       Type = "server:send_to_agent"
	TypeServerStopAgent         Type = "server:stop_agent"
	TypeServerRemoveAgent       Type = "server:remove_agent"
	TypeServerRoomContext       Type = "server:room_context"
)

// Priority is the closed set of send-queue eviction classes used by the
// gateway-side priority send queue (spec §4.2). Ordering matters: normal
// is evicted before high, high before critical — see queue.go.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

// PriorityOf returns the priority class a gateway-bound frame type is
// assigned on enqueue, per the closed mapping in spec §4.2.
func PriorityOf(t Type) Priority {
	switch t {
	case TypeGatewayAuth, TypeGatewayRegisterAgent:
		return PriorityCritical
	case TypeGatewayMessageChunk, TypeGatewayMessageComplete, TypeGatewayAgentStatus, TypeGatewayPermissionReq:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// RetryOnDrop is the small allow-set of message types that get the bounded
// exponential retry treatment instead of an immediate drop when a
// normal-priority frame meets a full queue (spec §4.2, rule 3). PriorityOf
// classifies every type in this set as critical or high, so the
// normal-priority branch of the queue currently finds no match in it.
var RetryOnDrop = map[Type]bool{
	TypeGatewayAuth:            true,
	TypeGatewayPermissionReq:   true,
	TypeGatewayMessageComplete: true,
	TypeGatewayAgentStatus:     true,
}

// ErrorCode is the closed registry of server:error codes (spec §6).
type ErrorCode string

const (
	ErrMessageTooLarge        ErrorCode = "MESSAGE_TOO_LARGE"
	ErrInvalidJSON            ErrorCode = "INVALID_JSON"
	ErrJSONTooDeep            ErrorCode = "JSON_TOO_DEEP"
	ErrInvalidMessage         ErrorCode = "INVALID_MESSAGE"
	ErrNotAuthenticated       ErrorCode = "NOT_AUTHENTICATED"
	ErrRateLimited            ErrorCode = "RATE_LIMITED"
	ErrRoomNotFound           ErrorCode = "ROOM_NOT_FOUND"
	ErrNotAMember             ErrorCode = "NOT_A_MEMBER"
	ErrInternal               ErrorCode = "INTERNAL_ERROR"
	ErrProtocolVersionMismatch ErrorCode = "PROTOCOL_VERSION_MISMATCH"
	ErrServerShutdown         ErrorCode = "SERVER_SHUTDOWN"
)

// WebSocket close codes used on the wire (spec §6). 1006 is never sent to
// the peer — it is the internal hint gateway-side code uses to pick the
// fast reconnect path (spec §4.1).
const (
	CloseNormal             = 1000
	ClosePolicyViolation     = 1008
	CloseAuthTimeout         = 4001
	closePongTimeoutInternal = 1006
)

// ErrorFrame builds a server:error Frame with the given code and message.
func ErrorFrame(code ErrorCode, message string) Frame {
	payload, _ := json.Marshal(map[string]string{
		"code":    string(code),
		"message": message,
	})
	return Frame{Type: TypeServerError, Payload: payload}
}

// MustEncode marshals payload into a Frame of the given type. Callers pass
// already-validated internal structs, so a marshal error here indicates a
// programming bug, not bad input — it is logged by the caller, not retried.
func MustEncode(t Type, payload any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload types are internal and always marshalable; a failure here
		// is a programmer error surfaced loudly rather than silently dropped.
		panic("protocol: MustEncode: " + err.Error())
	}
	return Frame{Type: t, Payload: data}
}
