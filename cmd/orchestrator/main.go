package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/api"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/artifacts"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/classifier"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/config"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/executor"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/lifecycle"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/observability"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/queue"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/scheduler"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("orchestrator")
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	store, err := newStore(cfg)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	reg := registry.New(cfg.UtilizationThreshold)
	q := queue.New(cfg.QueueCeiling, cfg.AvgJobDuration())
	cls := classifier.New(classifier.Config{
		StallWindow: cfg.StallWindow(),
		Timeout:     cfg.ExecTimeout(),
	})
	archiver, err := newArchiver(cfg)
	if err != nil {
		log.Fatalf("init artifact archiver: %v", err)
	}
	adapters, err := newAdapters(cfg)
	if err != nil {
		log.Fatalf("init execution adapters: %v", err)
	}

	mgr := lifecycle.New(store, q, reg, adapters, cls, archiver, lifecycle.Options{
		MaxRetries:    cfg.MaxRetries,
		CancelTimeout: cfg.CancelTimeout(),
		DefaultTrials: cfg.DefaultTrials,
		ExecWorkers:   cfg.ExecWorkers,
	})
	engine := scheduler.New(reg, q, mgr, scheduler.Options{
		Interval:       cfg.SchedulerInterval(),
		HeartbeatGrace: cfg.HeartbeatGrace(),
	})
	mgr.SetWake(engine.Kick)

	recovered, err := mgr.RecoverQueued(ctx)
	if err != nil {
		log.Fatalf("recover jobs: %v", err)
	}
	if recovered > 0 {
		log.Printf("re-queued %d jobs from previous run", recovered)
	}

	go engine.Run(ctx)

	server := api.NewServer(mgr, reg, q)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("orchestrator listening on %s (store=%s)", cfg.ListenAddr, cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server failed: %v", err)
	}
}

func newStore(cfg config.Config) (state.Store, error) {
	switch cfg.Store {
	case "postgres":
		return state.NewPostgresStore(cfg.PostgresDSN)
	default:
		return state.NewMemoryStore(), nil
	}
}

func newArchiver(cfg config.Config) (artifacts.Archiver, error) {
	if cfg.ArtifactBackend == "minio" {
		return artifacts.NewMinIOArchiver(artifacts.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	}
	return artifacts.NewLocalArchiver(cfg.ArtifactRoot), nil
}

func newAdapters(cfg config.Config) (executor.Selector, error) {
	local := executor.NewLocal(cfg.WorkRoot, cfg.ExecTimeout())
	selector := executor.Selector{"": local}
	if cfg.SSHKeyPath != "" {
		key, err := os.ReadFile(cfg.SSHKeyPath)
		if err != nil {
			return nil, err
		}
		remote, err := executor.NewSSHWithKey(cfg.SSHUser, key, cfg.ExecTimeout())
		if err != nil {
			return nil, err
		}
		selector[registry.KindVirtualEnv] = remote
		selector[registry.KindPhysicalBoard] = remote
	}
	return selector, nil
}
