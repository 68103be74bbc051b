package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/internal/observability"
)

// AgentEvent is what the Connection Manager publishes to its subscribers —
// the Dispatch and Agent Manager services — generalizing
// control_plane/ws_hub.go's internal broadcast loop into a multi-consumer
// fan-out channel (spec.md §4.4 subscribe_event, §5 "Event channel").
type AgentEvent struct {
	AgentID string
	Kind    Kind
	Payload []byte
}

const eventChannelBuffer = 1024

// staleMissThreshold is the number of consecutive overdue
// CleanupStaleConnections sweeps after which a session is torn down (the
// first of them moves it to Stale), spec.md §4.4's "heartbeat miss x N"
// transition.
const staleMissThreshold = 2

// Hub is the Connection Manager: a concurrent registry of Sessions keyed by
// agent_id, generalized from control_plane/ws_hub.go's single global
// MetricsHub (one hub, N anonymous dashboard clients) to N named agent
// sessions, one registry entry each.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	subMu       sync.Mutex
	subscribers []chan AgentEvent
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, sessions: make(map[string]*Session)}
}

// Accept upgrades conn into a tracked Session. The caller has already
// completed the Register handshake and knows agentID.
func (h *Hub) Accept(ctx context.Context, agentID string, conn *websocket.Conn) *Session {
	sess := newSession(agentID, conn, h.log)

	h.mu.Lock()
	if old, ok := h.sessions[agentID]; ok {
		// A reconnect races the old session closed rather than leaking it.
		old.Close()
	}
	h.sessions[agentID] = sess
	h.mu.Unlock()

	go sess.writeLoop(ctx)
	h.log.Info("agent session registered", "agent_id", agentID, "total_sessions", h.Count())
	observability.ConnectedAgents.Set(float64(h.Count()))
	return sess
}

// Disconnect tears down agentID's session and publishes Unconnected so the
// Agent Manager can fail its in-flight instances (spec.md §4.8).
func (h *Hub) Disconnect(agentID string) {
	h.mu.Lock()
	sess, ok := h.sessions[agentID]
	if ok {
		delete(h.sessions, agentID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	h.log.Info("agent session disconnected", "agent_id", agentID, "total_sessions", h.Count())
	observability.ConnectedAgents.Set(float64(h.Count()))

	payload, _ := json.Marshal(UnconnectedPayload{Reason: "session closed"})
	h.publish(AgentEvent{AgentID: agentID, Kind: KindUnconnected, Payload: payload})
}

func (h *Hub) Get(agentID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[agentID]
	return s, ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Drain marks every session Draining and sends each agent a Drain command.
// The session status is not consulted elsewhere: the dispatcher checks the
// stored Agent's status, and the agent client only logs the command.
func (h *Hub) Drain(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sess := range h.sessions {
		sess.setStatus(SessionDraining)
		env, err := NewEnvelope(KindDrain, struct{}{})
		if err != nil {
			continue
		}
		sess.Send(env, "")
	}
}

// CleanupStaleConnections implements the Connection Manager's named
// operation (spec.md §4.4): sweep every session, advance its heartbeat
// staleness state, and disconnect whichever ones have been silent long
// enough to cross staleMissThreshold. Disconnect publishes Unconnected same
// as any other teardown, so the Agent Manager still fails their instances.
func (h *Hub) CleanupStaleConnections(ttl time.Duration) {
	h.mu.RLock()
	var stale []string
	for agentID, sess := range h.sessions {
		if sess.checkStale(ttl) {
			stale = append(stale, agentID)
		}
	}
	h.mu.RUnlock()

	for _, agentID := range stale {
		h.log.Warn("agent session stale, disconnecting", "agent_id", agentID, "ttl", ttl)
		h.Disconnect(agentID)
	}
}

// Subscribe registers a receiver of AgentEvents buffered to
// eventChannelBuffer events, spec.md §4.4's subscribe_event(sender). When a
// subscriber's buffer is full, publish drops the new event for it.
func (h *Hub) Subscribe() <-chan AgentEvent {
	ch := make(chan AgentEvent, eventChannelBuffer)
	h.subMu.Lock()
	h.subscribers = append(h.subscribers, ch)
	h.subMu.Unlock()
	return ch
}

func (h *Hub) publish(evt AgentEvent) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
			h.log.Warn("agent event subscriber lagging, dropping event", "agent_id", evt.AgentID, "kind", evt.Kind)
		}
	}
}
