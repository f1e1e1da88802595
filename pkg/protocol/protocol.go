// Package protocol defines the wire message schemas exchanged between the
// relay, editor instances, and CLI clients, along with the closed set of
// error codes the relay may return.
//
// Every frame carries a "type" field and is encoded by pkg/wire as a
// length-prefixed JSON object. The relay never interprets the contents of
// a command's Params or a result's Data — both travel as opaque
// json.RawMessage so that re-serialization can't perturb byte equality.
package protocol

import "encoding/json"

// Type is the discriminator carried by every frame.
type Type string

const (
	TypeRegister      Type = "register"
	TypeRegistered    Type = "registered"
	TypeStatus        Type = "status"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeRequest       Type = "request"
	TypeCommand       Type = "command"
	TypeCommandResult Type = "command_result"
	TypeResponse      Type = "response"
	TypeListInstances Type = "list_instances"
	TypeInstances     Type = "instances"
	TypeSetDefault    Type = "set_default"
	TypeAck           Type = "ack"
	TypeError         Type = "error"
)

// ErrorCode is the closed set of error codes a RESPONSE or ERROR frame may
// carry. Routing/state errors use these; application errors carry whatever
// code the editor supplied verbatim.
type ErrorCode string

const (
	ErrInstanceNotFound          ErrorCode = "INSTANCE_NOT_FOUND"
	ErrInstanceReloading         ErrorCode = "INSTANCE_RELOADING"
	ErrInstanceBusy              ErrorCode = "INSTANCE_BUSY"
	ErrInstanceDisconnected      ErrorCode = "INSTANCE_DISCONNECTED"
	ErrCommandNotFound           ErrorCode = "COMMAND_NOT_FOUND"
	ErrInvalidParams             ErrorCode = "INVALID_PARAMS"
	ErrTimeout                   ErrorCode = "TIMEOUT"
	ErrInternal                  ErrorCode = "INTERNAL_ERROR"
	ErrProtocol                  ErrorCode = "PROTOCOL_ERROR"
	ErrMalformedJSON             ErrorCode = "MALFORMED_JSON"
	ErrPayloadTooLarge           ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrProtocolVersionMismatch   ErrorCode = "PROTOCOL_VERSION_MISMATCH"
	ErrCapabilityNotSupported    ErrorCode = "CAPABILITY_NOT_SUPPORTED"
	ErrQueueFull                 ErrorCode = "QUEUE_FULL"
)

// Retryable reports whether a client may retry a call that failed with
// this code, per spec.md §4.3/§4.4/§7.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrInstanceReloading, ErrInstanceBusy, ErrTimeout, ErrQueueFull:
		return true
	default:
		return false
	}
}

// ErrorDetail is the embedded error payload on COMMAND_RESULT/RESPONSE/
// REGISTERED/ERROR frames.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ProtocolVersion is the version this relay and its reference client speak.
const ProtocolVersion = 1

// Register is sent by an editor as the first frame on a fresh connection.
type Register struct {
	Type            Type     `json:"type"`
	ProtocolVersion int      `json:"protocol_version"`
	InstanceID      string   `json:"instance_id"`
	ProjectName     string   `json:"project_name"`
	EngineVersion   string   `json:"unity_version"`
	Capabilities    []string `json:"capabilities"`
	Timestamp       int64    `json:"ts"`
}

// Registered acknowledges a Register, successful or not.
type Registered struct {
	Type               Type         `json:"type"`
	Success            bool         `json:"success"`
	HeartbeatIntervalMS int64       `json:"heartbeat_interval_ms"`
	Error              *ErrorDetail `json:"error,omitempty"`
}

// Status is sent by an editor to announce a lifecycle transition, e.g.
// entering a reload.
type Status struct {
	Type       Type   `json:"type"`
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  int64  `json:"ts"`
}

// Ping is a liveness probe sent to an editor connection.
type Ping struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"ts"`
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"ts"`
	EchoTS    int64 `json:"echo_ts"`
}

// Request is sent by a client to invoke a command, optionally against a
// named instance.
type Request struct {
	Type       Type            `json:"type"`
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id,omitempty"`
	Command    string          `json:"command"`
	Params     json.RawMessage `json:"params,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
	Timestamp  int64           `json:"ts"`
}

// Command is what the relay forwards to the target editor instance.
type Command struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// CommandResult is the editor's answer to a Command.
type CommandResult struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	Timestamp int64           `json:"ts"`
}

// Response is what the relay sends back to the client for a Request.
type Response struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ListInstances requests the current instance snapshot.
type ListInstances struct {
	Type Type `json:"type"`
}

// InstanceSummary describes one instance within an Instances snapshot.
type InstanceSummary struct {
	ID           string   `json:"id"`
	ProjectName  string   `json:"project_name"`
	Version      string   `json:"version"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// Instances answers a ListInstances request.
type Instances struct {
	Type      Type              `json:"type"`
	Instances []InstanceSummary `json:"instances"`
}

// SetDefault changes the relay's default-instance selection, which is shared
// by every client.
type SetDefault struct {
	Type       Type   `json:"type"`
	InstanceID string `json:"instance_id"`
}

// Ack answers a SetDefault.
type Ack struct {
	Type       Type   `json:"type"`
	InstanceID string `json:"instance_id"`
}

// Error is a standalone fatal-for-the-connection frame, sent best-effort
// before closing a socket on a protocol/framing violation.
type Error struct {
	Type    Type      `json:"type"`
	ID      string    `json:"id,omitempty"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Envelope is the minimal shape needed to read the "type" discriminator (and
// a few commonly-dispatched fields) off an arbitrary frame before decoding
// it into its concrete type.
type Envelope struct {
	Type       Type            `json:"type"`
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
}
