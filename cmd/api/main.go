package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"wasteops.org/internal/app"
	"wasteops.org/internal/auth"
	"wasteops.org/internal/config"
	"wasteops.org/internal/domain"
	"wasteops.org/internal/httpapi"
	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/obs"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo("wasteops-api", version, commit)

	st, closeStore, err := app.OpenStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	rdb := app.OpenRedis(cfg)

	tokens, err := auth.NewTokens(cfg.AuthSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	limiter, local, err := app.NewLimiter(cfg, rdb)
	if err != nil {
		log.Fatalf("admission: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go local.RunJanitor(ctx, time.Minute)

	coord := idempotency.NewCoordinator(st, cfg.IdempotencyTTL, cfg.IdempotencyLease)
	go idempotency.NewSweeper(st, cfg.SweepInterval).Run(ctx)

	orch := mutation.New(st, limiter, coord, domain.NewCatalog(cfg.Producer), app.MutationConfig(cfg))

	hub := stream.New()
	var dispatcher *outbox.Dispatcher
	if cfg.RunDispatcher {
		pub, err := app.NewPublisher(cfg, rdb, hub)
		if err != nil {
			log.Fatalf("publisher: %v", err)
		}
		dispatcher = outbox.NewDispatcher(st, pub, app.DispatcherConfig(cfg))
		dispatcher.Start(ctx)
	}

	ready := httpapi.ReadyProbe{Checks: []httpapi.Pinger{st, app.RedisPinger{Client: rdb}}}

	// HTTP API
	api := httpapi.New(httpapi.Options{
		Ready:        ready,
		Version:      version,
		Resources:    st,
		Orchestrator: orch,
		Outbox:       st,
		Hub:          hub,
		Tokens:       tokens,
		DevTokens:    cfg.DevTokens,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE streams stay open; per-request deadlines come from handlers.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC health
	grpcSrv := grpc.NewServer()
	grpcHealth := httpapi.NewGRPCHealth(ready)
	healthpb.RegisterHealthServer(grpcSrv, grpcHealth)
	go grpcHealth.Monitor(ctx, 5*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting", map[string]any{
		"service": "wasteops-api", "version": version,
		"http_addr": srv.Addr, "grpc_addr": cfg.GRPCAddr,
		"store": cfg.Store, "broker": cfg.Broker, "dispatcher": cfg.RunDispatcher,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting_down", nil)
	obs.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if dispatcher != nil {
		dispatcher.Stop()
	}
	cancel()
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = closeStore()
	obs.Info("stopped", nil)
}
