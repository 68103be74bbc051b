// Command hetuflow-agent connects to a hetuflow server over WebSocket,
// registers, polls for work, and executes dispatched tasks, grounded on
// fluxforge/agent/main.go's signal-handling and backoff-registration shape.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hetuflow/hetuflow/internal/agent"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := agent.Config{
		AgentID:   os.Getenv("HETUFLOW_AGENT_ID"),
		Token:     os.Getenv("HETUFLOW_AGENT_TOKEN"),
		Namespace: envOr("HETUFLOW_AGENT_NAMESPACE", "default"),
		Labels:    parseLabels(os.Getenv("HETUFLOW_AGENT_LABELS")),
		Capacity:  parseIntOr(os.Getenv("HETUFLOW_AGENT_CAPACITY"), 4),
		ServerURL: envOr("HETUFLOW_SERVER_URL", "ws://localhost:8080/agent/connect"),
	}
	if interval := os.Getenv("HETUFLOW_AGENT_HEARTBEAT_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if interval := os.Getenv("HETUFLOW_AGENT_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.PollInterval = d
		}
	}

	if cfg.AgentID == "" {
		hostname, _ := os.Hostname()
		cfg.AgentID = "agent-" + hostname
	}

	log.Info("hetuflow-agent starting", "agent_id", cfg.AgentID, "server", cfg.ServerURL, "identity", agent.Identity())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := agent.NewClient(cfg, log)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("agent run failed", "error", err)
		return 2
	}
	log.Info("hetuflow-agent shut down cleanly")
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// parseLabels accepts "k1=v1,k2=v2" label sets from the environment.
func parseLabels(s string) map[string]string {
	labels := map[string]string{}
	if s == "" {
		return labels
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		labels[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return labels
}
