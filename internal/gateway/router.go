package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/internal/jwe"
)

const (
	heartbeatInterval = 10 * time.Second
	maxMissedBeats    = 3
)

// Router drives connections that the App has already upgraded: it runs the
// Register handshake, then reads frames and republishes them as AgentEvents
// for Dispatch and the Agent Manager to consume (spec.md §4.5's handler table,
// translated from control_plane/api.go's one-handler-per-HTTP-path shape to
// one-handler-per-frame-kind).
type Router struct {
	hub *Hub
	jwe *jwe.Service
	log *slog.Logger
}

func NewRouter(hub *Hub, jweSvc *jwe.Service, log *slog.Logger) *Router {
	return &Router{hub: hub, jwe: jweSvc, log: log}
}

// HandleConnection drives one accepted WebSocket connection until it closes.
// The first frame must be Register (spec.md §6 handshake); anything else is
// a protocol error and the connection is dropped.
func (r *Router) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)

	var env Envelope
	conn.SetReadDeadline(time.Now().Add(heartbeatInterval * maxMissedBeats))
	if err := conn.ReadJSON(&env); err != nil {
		r.log.Warn("failed to read first frame", "error", err)
		conn.Close()
		return
	}
	if env.Kind != KindRegister {
		r.log.Warn("first frame was not Register", "kind", env.Kind)
		conn.Close()
		return
	}

	var reg RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		r.log.Warn("malformed Register payload", "error", err)
		conn.Close()
		return
	}
	if _, err := r.jwe.Verify(reg.Token, reg.AgentID); err != nil {
		r.log.Warn("Register token rejected", "agent_id", reg.AgentID, "error", err)
		conn.Close()
		return
	}

	sess := r.hub.Accept(ctx, reg.AgentID, conn)
	defer r.hub.Disconnect(reg.AgentID)

	r.hub.publish(AgentEvent{AgentID: reg.AgentID, Kind: KindRegister, Payload: env.Payload})

	ack, err := NewEnvelope(KindAgentRegistered, AgentRegisteredPayload{ServerID: reg.AgentID, AgentConfig: map[string]any{}})
	if err == nil {
		sess.Send(ack, "")
	}

	r.readLoop(ctx, sess, conn)
}

func (r *Router) readLoop(ctx context.Context, sess *Session, conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(heartbeatInterval * maxMissedBeats))
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			r.log.Info("agent session read ended", "agent_id", sess.AgentID, "error", err)
			return
		}

		switch env.Kind {
		case KindHeartbeat:
			sess.touchHeartbeat()
		case KindTaskPoll, KindTaskInstanceChanged, KindTaskLog:
			// Persisted/dispatched by the subscribing service, not here.
		default:
			r.log.Warn("unknown inbound frame kind", "agent_id", sess.AgentID, "kind", env.Kind)
			continue
		}

		r.hub.publish(AgentEvent{AgentID: sess.AgentID, Kind: env.Kind, Payload: env.Payload})

		if ctx.Err() != nil {
			return
		}
	}
}

// SendDispatch pushes a DispatchTask command to agentID's session, returning
// an error if the agent has no live session (the caller should requeue).
func (r *Router) SendDispatch(agentID string, tasks []DispatchedTask) error {
	sess, ok := r.hub.Get(agentID)
	if !ok {
		return fmt.Errorf("gateway: no session for agent %s", agentID)
	}
	env, err := NewEnvelope(KindDispatchTask, DispatchTaskPayload{Tasks: tasks})
	if err != nil {
		return err
	}
	// Each batch carries different instances, so it is keyed by its own
	// envelope id and never replaces an earlier queued batch.
	sess.Send(env, env.ID.String())
	return nil
}

// SendCancel pushes a CancelTask command, coalescing by instance_id.
func (r *Router) SendCancel(agentID string, instanceID uuid.UUID) error {
	sess, ok := r.hub.Get(agentID)
	if !ok {
		return fmt.Errorf("gateway: no session for agent %s", agentID)
	}
	env, err := NewEnvelope(KindCancelTask, CancelTaskPayload{InstanceID: instanceID})
	if err != nil {
		return err
	}
	sess.Send(env, instanceID.String())
	return nil
}
