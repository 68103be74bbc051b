// Command hetuflow-server runs the control plane: storage gateway, leader
// election, scheduler, dispatch, agent manager and the WebSocket/HTTP admin
// surface, grounded on control_plane/main.go's env-driven bootstrap sequence.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hetuflow/hetuflow/internal/app"
	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/jwe"
	"github.com/hetuflow/hetuflow/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(os.Getenv("HETUFLOW_CONFIG_FILE"))
	if err != nil {
		log.Error("load config", "error", err)
		return 1
	}

	ctx := context.Background()

	db, err := store.NewPostgres(ctx, cfg.DB.URL)
	if err != nil {
		log.Error("connect postgres", "error", err)
		return 1
	}
	if err := db.Migrate(ctx); err != nil {
		log.Error("apply schema", "error", err)
		return 1
	}

	redisAddr := os.Getenv("HETUFLOW_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("connect redis", "error", err)
		return 1
	}

	nodeID := os.Getenv("HETUFLOW_NODE_ID")
	if nodeID == "" {
		hostname, _ := os.Hostname()
		nodeID = fmt.Sprintf("node-%s-%d", hostname, os.Getpid())
	}

	jweSvc, err := jwe.New(jwe.Config{
		ServerID:      nodeID,
		PrivateKeyPEM: os.Getenv("HETUFLOW_SERVER_PRIVATE_KEY"),
		TTL:           time.Duration(cfg.JWE.TTLSeconds) * time.Second,
		InsecureDev:   os.Getenv("HETUFLOW_INSECURE_DEV") == "true",
		Logger:        log,
	})
	if err != nil {
		log.Error("init jwe service", "error", err)
		return 1
	}

	a, err := app.New(app.Deps{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		JWE:    jweSvc,
		NodeID: nodeID,
		Log:    log,
	})
	if err != nil {
		log.Error("build app", "error", err)
		return 1
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("hetuflow-server starting", "node_id", nodeID, "bind_addr", cfg.Server.BindAddr)
	if err := a.Run(runCtx); err != nil {
		log.Error("app run failed", "error", err)
		return 2
	}
	return 0
}
