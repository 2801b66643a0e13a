// Command switchboard runs the AgentSwitchboard reverse proxy: the
// Semantic Firewall, Traffic Controller, Semantic Cache, Worker
// Sandbox, Flight Recorder, Anomaly Detector, Event Fan-out, and
// Control Plane wired into one HTTP service. The startup/shutdown
// shape (load config, build stores, run background loops, drain on
// signal) follows a standard server-lifecycle layout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentswitchboard/internal/anomaly"
	"agentswitchboard/internal/cache"
	"agentswitchboard/internal/config"
	"agentswitchboard/internal/control"
	"agentswitchboard/internal/domain"
	"agentswitchboard/internal/fanout"
	"agentswitchboard/internal/firewall"
	"agentswitchboard/internal/orchestrator"
	"agentswitchboard/internal/policy"
	"agentswitchboard/internal/recorder"
	"agentswitchboard/internal/sandbox"
	"agentswitchboard/internal/store"
	"agentswitchboard/internal/telemetry"
	"agentswitchboard/internal/traffic"
	"agentswitchboard/internal/tsstore"
	"agentswitchboard/internal/waf"
)

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("switchboard exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ts, err := tsstore.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer ts.Close()

	kv, err := buildKV(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	policies := policy.NewStore(ts)
	wafRules := waf.NewRuleSet(waf.DefaultRules())
	fw := firewall.New(wafRules)
	tc := traffic.New(kv, cfg.LockTTL())
	if cfg.Traffic.EmergencyStopEnabled {
		tc.Trigger()
	}

	embedder := cache.NewHashEmbedder()
	if err := embedder.Ready(context.Background()); err != nil {
		return fmt.Errorf("embedding pipeline not ready: %w", err)
	}
	sc := cache.New(kv, ts, embedder, 0, 0)

	rec := recorder.New(ts)
	rec.SetAgentUpsertCallback(func(a domain.Agent) {
		if err := ts.UpsertAgent(a); err != nil {
			slog.Warn("main: agent upsert failed", "agent", a.AgentID, "error", err)
		}
	})

	sb, err := sandbox.New()
	if err != nil {
		return err
	}

	fo := fanout.New()
	detector := anomaly.New(ts, fo)

	telemetryProvider, err := telemetry.NewProvider(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}

	orch := orchestrator.New(fw, tc, sc, rec, sb, fo, orchestrator.UpstreamSet{
		OpenAI:    cfg.Upstream.OpenAI,
		Anthropic: cfg.Upstream.Anthropic,
		Google:    cfg.Upstream.Google,
	})
	orch.Telemetry = telemetryProvider
	detector.Telemetry = telemetryProvider
	orch.ShadowMode = func() bool { return cfg.Firewall.ShadowMode }
	orch.ActivePolicy = func(orgID string) *domain.Policy {
		if p := policies.Active(orgID); p != nil {
			return p
		}
		if cfg.Policy.SeedFile != "" {
			if err := policies.LoadSeedFile(orgID, cfg.Policy.SeedFile); err != nil {
				slog.Warn("main: policy seed load failed", "org", orgID, "error", err)
				return nil
			}
		}
		return policies.Active(orgID)
	}
	orch.LookupAgent = func(agentID string) (*domain.Agent, bool) {
		agent, err := ts.GetAgent(agentID)
		if err != nil || agent == nil {
			return nil, false
		}
		return agent, true
	}
	orch.ResolveOrg = func(token string) (*domain.Organisation, bool) {
		org, err := ts.GetOrganizationByToken(token)
		if err != nil {
			slog.Warn("main: organisation lookup failed", "error", err)
			return nil, false
		}
		if org == nil {
			return nil, false
		}
		return org, true
	}

	ctrl := control.New(ts, policies, wafRules, tc, fo, cfg.Control.AuthEnabled, cfg.Control.APIKey)

	mux := http.NewServeMux()
	mux.Handle("/api/", ctrl)
	mux.Handle("/healthz", ctrl)
	mux.Handle("/ws", fo)
	mux.Handle("/", orch)

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rec.Run(ctx)
	go detector.Run(ctx)
	if cfg.Policy.SeedFile != "" {
		go policies.WatchSeedFile(ctx, cfg.Policy.SeedFile, 0)
	}
	go runRetentionSweep(ctx, ts, cfg.Storage.RetentionDays)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("switchboard listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("switchboard shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("main: http shutdown error", "error", err)
	}
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("main: telemetry shutdown error", "error", err)
	}
	return nil
}

// runRetentionSweep deletes traces past the retention window once an
// hour until ctx is cancelled.
func runRetentionSweep(ctx context.Context, ts *tsstore.Store, retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ts.Vacuum(retention); err != nil {
				slog.Warn("main: trace retention sweep failed", "error", err)
			}
		}
	}
}

func buildKV(cfg *config.Config) (store.KV, error) {
	if cfg.Redis.Addr == "" {
		slog.Warn("main: no REDIS_URL configured, using in-process memory store (single node only)")
		return store.NewMemoryKV(), nil
	}
	kv, err := store.NewRedisKV(store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	return kv, nil
}
