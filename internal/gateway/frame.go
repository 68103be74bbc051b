// Package gateway implements the Connection Manager (C4) and Message Router
// (C5): one authenticated WebSocket session per agent, a concurrent registry
// keyed by agent_id, and frame-kind dispatch (spec.md §4.4, §4.5).
package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Kind is the frame discriminator carried in every envelope.
type Kind string

const (
	// Inbound (agent -> server)
	KindRegister            Kind = "Register"
	KindHeartbeat           Kind = "Heartbeat"
	KindTaskPoll            Kind = "TaskPoll"
	KindTaskInstanceChanged Kind = "TaskInstanceChanged"
	KindTaskLog             Kind = "TaskLog"

	// Internal (Connection Manager -> subscribers; never on the wire)
	KindUnconnected Kind = "Unconnected"

	// Outbound (server -> agent)
	KindAgentRegistered Kind = "AgentRegistered"
	KindDispatchTask    Kind = "DispatchTask"
	KindCancelTask      Kind = "CancelTask"
	KindDrain           Kind = "Drain"
)

// Envelope is the wire frame: {id, kind, payload}, spec.md §6.
type Envelope struct {
	ID      uuid.UUID       `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: uuid.New(), Kind: kind, Payload: raw}, nil
}

// --- Inbound payloads ---

type RegisterPayload struct {
	AgentID   string            `json:"agent_id"`
	Token     string            `json:"token"`
	Namespace string            `json:"namespace"`
	Address   string            `json:"address"`
	Labels    map[string]string `json:"labels"`
	Capacity  int               `json:"capacity"`
}

type HeartbeatPayload struct {
	TS   int64   `json:"ts"`
	Load float64 `json:"load"`
}

type TaskPollPayload struct {
	Labels   map[string]string `json:"labels"`
	Capacity int               `json:"capacity"`
	MaxTasks int               `json:"max"`
}

type TaskInstanceChangedPayload struct {
	InstanceID uuid.UUID      `json:"instance_id"`
	Status     string         `json:"status"`
	EpochMs    int64          `json:"epoch_ms"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Error      string         `json:"error,omitempty"`
	Output     string         `json:"output,omitempty"`
}

type UnconnectedPayload struct {
	Reason string `json:"reason"`
}

type TaskLogPayload struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	TS         int64     `json:"ts"`
}

// --- Outbound payloads ---

type AgentRegisteredPayload struct {
	ServerID    string         `json:"server_id"`
	AgentConfig map[string]any `json:"agent_config"`
}

type DispatchedTask struct {
	Task     any `json:"task"`
	Instance any `json:"instance"`
}

type DispatchTaskPayload struct {
	Tasks []DispatchedTask `json:"tasks"`
}

type CancelTaskPayload struct {
	InstanceID uuid.UUID `json:"instance_id"`
}
