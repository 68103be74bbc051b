package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/model"
)

// dispatchedTask mirrors gateway.DispatchedTask with concrete field types so
// encoding/json has somewhere to decode into; the wire struct's Task/Instance
// fields are `any` on the server side because they're populated generically,
// which means they carry no static type information for the agent to target.
type dispatchedTask struct {
	Task     model.Task         `json:"task"`
	Instance model.TaskInstance `json:"instance"`
}

type dispatchTaskPayload struct {
	Tasks []dispatchedTask `json:"tasks"`
}

// Client owns one WebSocket connection to the server: the Register
// handshake, heartbeat loop, poll loop and read loop, grounded on
// fluxforge/agent/main.go's registration-retry + heartbeat-goroutine shape,
// adapted from repeated HTTP calls to a single persistent frame stream.
type Client struct {
	cfg Config
	log *slog.Logger
	exe *Executor

	writeMu sync.Mutex
	conn    *websocket.Conn

	runningMu sync.Mutex
	running   map[uuid.UUID]context.CancelFunc
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     log,
		exe:     NewExecutor(),
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run connects, registers, and serves until ctx is cancelled or the
// connection is lost, retrying with exponential backoff between attempts
// (fluxforge/agent/main.go's registration retry loop).
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.log.Warn("agent: connection lost, retrying", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.log.Info("agent: registered", "agent_id", c.cfg.AgentID, "identity", Identity())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.heartbeatLoop(connCtx) }()
	go func() { defer wg.Done(); c.pollLoop(connCtx) }()

	err = c.readLoop(connCtx)
	cancel()
	wg.Wait()
	return err
}

func (c *Client) register() error {
	payload := gateway.RegisterPayload{
		AgentID:   c.cfg.AgentID,
		Token:     c.cfg.Token,
		Namespace: c.cfg.Namespace,
		Labels:    c.cfg.Labels,
		Capacity:  c.cfg.Capacity,
	}
	env, err := gateway.NewEnvelope(gateway.KindRegister, payload)
	if err != nil {
		return err
	}
	if err := c.send(env); err != nil {
		return err
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	var reply gateway.Envelope
	if err := json.Unmarshal(data, &reply); err != nil {
		return err
	}
	if reply.Kind != gateway.KindAgentRegistered {
		return fmt.Errorf("expected AgentRegistered, got %s", reply.Kind)
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := gateway.NewEnvelope(gateway.KindHeartbeat, gateway.HeartbeatPayload{
				TS:   time.Now().UnixMilli(),
				Load: c.load(),
			})
			if err != nil {
				continue
			}
			if err := c.send(env); err != nil {
				c.log.Warn("agent: heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			free := c.cfg.Capacity - c.runningCount()
			if free <= 0 {
				continue
			}
			env, err := gateway.NewEnvelope(gateway.KindTaskPoll, gateway.TaskPollPayload{
				Labels:   c.cfg.Labels,
				Capacity: c.cfg.Capacity,
				MaxTasks: free,
			})
			if err != nil {
				continue
			}
			if err := c.send(env); err != nil {
				c.log.Warn("agent: poll send failed", "error", err)
				return
			}
		}
	}
}

// load reports current concurrency pressure as a 0..1 ratio for the
// Heartbeat payload. The server does not read it; its load balancer compares
// agents by their Dispatched instance counts.
func (c *Client) load() float64 {
	if c.cfg.Capacity <= 0 {
		return 0
	}
	return float64(c.runningCount()) / float64(c.cfg.Capacity)
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env gateway.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("agent: bad envelope", "error", err)
			continue
		}
		switch env.Kind {
		case gateway.KindDispatchTask:
			c.handleDispatch(ctx, env)
		case gateway.KindCancelTask:
			c.handleCancel(env)
		case gateway.KindDrain:
			c.log.Info("agent: drain requested by server")
		default:
			c.log.Warn("agent: unexpected frame kind", "kind", env.Kind)
		}
	}
}

func (c *Client) handleDispatch(ctx context.Context, env gateway.Envelope) {
	var payload dispatchTaskPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.log.Warn("agent: bad dispatch payload", "error", err)
		return
	}
	for _, dt := range payload.Tasks {
		task, instance := dt.Task, dt.Instance
		taskCtx, cancel := context.WithCancel(ctx)
		c.runningMu.Lock()
		c.running[instance.ID] = cancel
		c.runningMu.Unlock()

		go c.executeOne(taskCtx, task, instance)
	}
}

func (c *Client) executeOne(ctx context.Context, task model.Task, instance model.TaskInstance) {
	defer func() {
		c.runningMu.Lock()
		delete(c.running, instance.ID)
		c.runningMu.Unlock()
	}()

	c.reportStatus(instance.ID, model.InstanceRunning, "", "", nil)

	env := append([]string{}, "PATH=/usr/bin:/bin")
	for k, v := range task.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	result := c.exe.Execute(ctx, task, task.Command, env)
	c.sendLog(instance.ID, "stdout", result.Output)
	if result.Error != "" {
		c.sendLog(instance.ID, "stderr", result.Error)
	}

	if result.Succeeded {
		c.reportStatus(instance.ID, model.InstanceSucceeded, result.Output, "", nil)
	} else if ctx.Err() == context.Canceled {
		c.reportStatus(instance.ID, model.InstanceCancelled, result.Output, result.Error, nil)
	} else {
		c.reportStatus(instance.ID, model.InstanceFailed, result.Output, result.Error, nil)
	}
}

func (c *Client) handleCancel(env gateway.Envelope) {
	var payload gateway.CancelTaskPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.log.Warn("agent: bad cancel payload", "error", err)
		return
	}
	c.runningMu.Lock()
	cancel, ok := c.running[payload.InstanceID]
	c.runningMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) reportStatus(id uuid.UUID, status model.InstanceStatus, output, errMsg string, metrics map[string]any) {
	env, err := gateway.NewEnvelope(gateway.KindTaskInstanceChanged, gateway.TaskInstanceChangedPayload{
		InstanceID: id,
		Status:     string(status),
		EpochMs:    time.Now().UnixMilli(),
		Metrics:    metrics,
		Error:      errMsg,
		Output:     output,
	})
	if err != nil {
		return
	}
	if err := c.send(env); err != nil {
		c.log.Warn("agent: status report failed", "instance_id", id, "error", err)
	}
}

func (c *Client) sendLog(id uuid.UUID, kind, content string) {
	if content == "" {
		return
	}
	env, err := gateway.NewEnvelope(gateway.KindTaskLog, gateway.TaskLogPayload{
		InstanceID: id,
		Kind:       kind,
		Content:    content,
		TS:         time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := c.send(env); err != nil {
		c.log.Warn("agent: log send failed", "instance_id", id, "error", err)
	}
}

func (c *Client) runningCount() int {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	return len(c.running)
}

// send serializes writes since gorilla/websocket forbids concurrent writers
// on the same connection.
func (c *Client) send(env gateway.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
