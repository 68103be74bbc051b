// Package app is the Application Orchestrator (C10): it builds every
// component, registers them for typed lookup, drives the leader-election
// lifecycle, and owns the HTTP admin surface and WebSocket accept loop,
// grounded on control_plane/main.go's bootstrap sequence.
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hetuflow/hetuflow/internal/agentmanager"
	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/dispatch"
	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/jwe"
	"github.com/hetuflow/hetuflow/internal/loadbalancer"
	"github.com/hetuflow/hetuflow/internal/lock"
	"github.com/hetuflow/hetuflow/internal/scheduler"
	"github.com/hetuflow/hetuflow/internal/store"
)

// App wires every component (C1-C9) and drives the C10 lifecycle: load
// config, build components, elect a leader, serve, shut down cleanly.
type App struct {
	cfg config.Config
	log *slog.Logger

	registry *Registry

	db     store.Gateway
	hub    *gateway.Hub
	router *gateway.Router
	jweSvc *jwe.Service

	elector *lock.Elector
	janitor *lock.Janitor

	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher
	mgr   *agentmanager.AgentManager
	lb    *loadbalancer.LoadBalancer

	common handleGroup
	leader handleGroup

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// Deps lets the caller (cmd/hetuflow-server) supply backends that need their
// own bootstrap error handling (DB connection string, Redis address, key
// material) before App takes ownership of them.
type Deps struct {
	Config config.Config
	DB     store.Gateway
	Redis  *redis.Client
	JWE    *jwe.Service
	NodeID string
	Log    *slog.Logger
}

func New(deps Deps) (*App, error) {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	hub := gateway.NewHub(log)
	router := gateway.NewRouter(hub, deps.JWE, log)

	l, err := lock.New(context.Background(), deps.Redis, deps.DB)
	if err != nil {
		return nil, err
	}
	elector := lock.NewElector(l, "hetuflow-scheduler", deps.NodeID, 30*time.Second, log)
	janitor := lock.NewJanitor(l, deps.DB, 60*time.Second, log)

	a := &App{
		cfg:      deps.Config,
		log:      log,
		registry: NewRegistry(),
		db:       deps.DB,
		hub:      hub,
		router:   router,
		jweSvc:   deps.JWE,
		elector:  elector,
		janitor:  janitor,
		sched:    scheduler.New(deps.DB, log),
		disp:     dispatch.New(deps.DB, router, log),
		mgr:      agentmanager.New(deps.DB, log),
		lb:       loadbalancer.New(deps.DB, log),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}

	a.registry.Register(a.db)
	a.registry.Register(a.hub)
	a.registry.Register(a.router)
	a.registry.Register(a.sched)
	a.registry.Register(a.disp)
	a.registry.Register(a.mgr)
	a.registry.Register(a.lb)
	a.registry.Register(a.elector)

	a.elector.SetCallbacks(a.onElected, a.onLost)
	return a, nil
}

// Registry exposes the component map for admin/debug endpoints or tests that
// need to reach a built component without threading it through App's API.
func (a *App) Registry() *Registry { return a.registry }

// Run blocks until ctx is cancelled, then drains and shuts down cleanly
// (spec.md §4.10 step 5).
func (a *App) Run(ctx context.Context) error {
	commonCtx, cancel := context.WithCancel(ctx)
	a.common.cancel = cancel

	events := a.hub.Subscribe()
	a.common.spawn(commonCtx, func(ctx context.Context) { a.disp.Run(ctx, events) })

	mgrEvents := a.hub.Subscribe()
	a.common.spawn(commonCtx, func(ctx context.Context) { a.mgr.Run(ctx, mgrEvents) })

	a.common.spawn(commonCtx, func(ctx context.Context) { a.janitor.Run(ctx) })
	a.common.spawn(commonCtx, func(ctx context.Context) { a.elector.Run(ctx) })
	a.common.spawn(commonCtx, func(ctx context.Context) { a.runStaleCleanupTick(ctx) })

	a.httpServer = &http.Server{Addr: a.cfg.Server.BindAddr, Handler: a.routes()}
	a.common.spawn(commonCtx, func(ctx context.Context) {
		a.log.Info("admin http server listening", "addr", a.cfg.Server.BindAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "error", err)
		}
	})

	<-ctx.Done()
	a.log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	a.hub.Drain(shutdownCtx)
	_ = a.httpServer.Shutdown(shutdownCtx)

	// The leader lease is left to expire rather than released, so a
	// concurrently-crashing peer can't race this shutdown into split-brain
	// (spec.md §4.10 step 5).
	a.leader.stop()
	a.common.stop()
	a.db.Close()
	return nil
}

// onElected starts the leader-only loops: scheduler materialization tick,
// retry tick, and load balancer sweep (spec.md §4.10 step 3).
func (a *App) onElected(ctx context.Context) {
	leaderCtx, cancel := context.WithCancel(ctx)
	a.leader.cancel = cancel

	a.leader.spawn(leaderCtx, func(ctx context.Context) { a.runSchedulerTick(ctx) })
	a.leader.spawn(leaderCtx, func(ctx context.Context) { a.runRetryTick(ctx) })
	a.leader.spawn(leaderCtx, func(ctx context.Context) { a.lb.Run(ctx, a.cfg.Scheduler.TickInterval) })
}

func (a *App) onLost() {
	a.leader.stop()
}

func (a *App) runSchedulerTick(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Scheduler.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			created, err := a.sched.GenerateTasksForWindow(ctx, now, now.Add(a.cfg.Scheduler.Lookahead))
			if err != nil {
				a.log.Warn("scheduler tick failed", "error", err)
				continue
			}
			if created > 0 {
				a.log.Info("scheduler tick materialized tasks", "count", created)
			}
		}
	}
}

func (a *App) runRetryTick(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Scheduler.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			created, err := a.sched.GenerateRetryTasks(ctx)
			if err != nil {
				a.log.Warn("retry tick failed", "error", err)
				continue
			}
			if created > 0 {
				a.log.Info("retry tick materialized tasks", "count", created)
			}
		}
	}
}

// runStaleCleanupTick sweeps the Connection Manager for sessions that have
// missed their heartbeat deadline (spec.md §4.4 cleanup_stale_connections),
// ticking at the configured heartbeat interval and evaluating against
// AgentOverdueTTL. This runs on every node, not just the leader: connection
// liveness is per-node state, unlike the scheduler/retry ticks above.
func (a *App) runStaleCleanupTick(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Server.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.hub.CleanupStaleConnections(a.cfg.Server.AgentOverdueTTL)
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/agent/connect", a.handleAgentConnect)
	mux.HandleFunc("/debug/leader", a.handleDebugLeader)
	mux.HandleFunc("/scheduler/debug/snapshot", a.handleDebugSnapshot)
	mux.HandleFunc("/jobs", a.handleListJobs)
	mux.HandleFunc("/schedules", a.handleListSchedules)
	return mux
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *App) handleDebugLeader(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"is_leader": a.elector.IsLeader(),
		"epoch":     a.elector.Epoch(),
	})
}

// handleAgentConnect upgrades to WebSocket and hands the connection to the
// Router for the Register handshake and frame loop (spec.md §4.10 step 4).
func (a *App) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	// r.Context() is cancelled once this handler returns; the session keeps
	// its values but not that cancellation.
	go a.router.HandleConnection(context.WithoutCancel(r.Context()), conn)
}

// handleDebugSnapshot reports leader/epoch plus connected-agent count, the
// same shape control_plane/main.go's /scheduler/debug/snapshot exposes.
func (a *App) handleDebugSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"is_leader":        a.elector.IsLeader(),
		"epoch":            a.elector.Epoch(),
		"connected_agents": a.hub.Count(),
	})
}

// handleListJobs and handleListSchedules are minimal read-only listings;
// full CRUD is out of scope (spec.md Non-goals scope the admin surface thin).
func (a *App) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.db.FindJobs(r.Context(), store.Filter{}, store.Page{Limit: 100})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobs)
}

func (a *App) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.db.FindSchedules(r.Context(), store.Filter{}, store.Page{Limit: 100})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(schedules)
}
