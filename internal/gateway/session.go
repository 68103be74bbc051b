package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/internal/observability"
)

// SessionStatus follows the states in spec.md §4.4:
// Online --drain request--> Draining, and
// Online --heartbeat miss x N--> Stale --cleanup--> Disconnected.
// A Draining session stays Draining until it is closed; in-flight work is
// not tracked per session.
type SessionStatus string

const (
	SessionOnline       SessionStatus = "online"
	SessionDraining     SessionStatus = "draining"
	SessionStale        SessionStatus = "stale"
	SessionDisconnected SessionStatus = "disconnected"
)

// outboundHighWaterMark bounds a session's pending-command queue. A command
// whose (kind, instance_id) key is already queued replaces the queued one; a
// new key arriving at the mark evicts the oldest queued command, spec.md §4.5.
const outboundHighWaterMark = 256

// Session owns one agent's WebSocket connection and its single-writer
// outbound queue, generalizing control_plane/ws_hub.go's one-hub-many-clients
// shape down to one queue per connection (spec.md §4.4's per-connection FIFO).
type Session struct {
	AgentID string
	conn    *websocket.Conn
	log     *slog.Logger

	mu       sync.RWMutex
	status   SessionStatus
	pending  map[string]Envelope // coalesce key -> latest envelope
	order    []string            // FIFO of coalesce keys
	outbound chan struct{}       // wakes the writer when pending changes

	lastHeartbeat time.Time
	missedBeats   int

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(agentID string, conn *websocket.Conn, log *slog.Logger) *Session {
	return &Session{
		AgentID:       agentID,
		conn:          conn,
		log:           log,
		status:        SessionOnline,
		pending:       make(map[string]Envelope),
		outbound:      make(chan struct{}, 1),
		lastHeartbeat: time.Now(),
		done:          make(chan struct{}),
	}
}

func coalesceKey(env Envelope, instanceID string) string {
	if instanceID == "" {
		return string(env.Kind)
	}
	return string(env.Kind) + ":" + instanceID
}

// Send enqueues an outbound command. instanceID is empty for commands that
// don't coalesce against a specific instance (e.g. Drain).
func (s *Session) Send(env Envelope, instanceID string) {
	s.mu.Lock()
	key := coalesceKey(env, instanceID)
	if _, exists := s.pending[key]; !exists {
		if len(s.order) >= outboundHighWaterMark {
			dropped := s.order[0]
			s.order = s.order[1:]
			delete(s.pending, dropped)
			s.log.Warn("outbound queue full, dropping oldest command", "agent_id", s.AgentID, "dropped_key", dropped)
			observability.OutboundQueueDrops.WithLabelValues(s.AgentID).Inc()
		}
		s.order = append(s.order, key)
	}
	s.pending[key] = env
	s.mu.Unlock()

	select {
	case s.outbound <- struct{}{}:
	default:
	}
}

// writeLoop is the single goroutine permitted to call conn.Write*, draining
// the coalesced queue in FIFO order until the session closes.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.outbound:
			for {
				env, ok := s.popNext()
				if !ok {
					break
				}
				s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := s.conn.WriteJSON(env); err != nil {
					s.log.Warn("write failed", "agent_id", s.AgentID, "error", err)
					return
				}
			}
		}
	}
}

func (s *Session) popNext() (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return Envelope{}, false
	}
	key := s.order[0]
	s.order = s.order[1:]
	env := s.pending[key]
	delete(s.pending, key)
	return env, true
}

func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.missedBeats = 0
	if s.status == SessionStale {
		s.status = SessionOnline
	}
	s.mu.Unlock()
}

// checkStale implements cleanup_stale_connections' per-session half: a
// session past ttl since its last heartbeat moves Online->Stale on first
// miss, then Stale->Disconnected once it has missed staleMissThreshold
// consecutive sweeps, the spec.md §4.4 "Online --heartbeat miss x N--> Stale
// --cleanup--> Disconnected" path. It reports true once the session should be
// torn down by the caller.
func (s *Session) checkStale(ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionOnline && s.status != SessionStale {
		return false
	}
	if time.Since(s.lastHeartbeat) < ttl {
		return false
	}
	s.missedBeats++
	if s.status == SessionOnline {
		s.status = SessionStale
		return false
	}
	return s.missedBeats >= staleMissThreshold
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
