package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wasteops.org/internal/app"
	"wasteops.org/internal/config"
	"wasteops.org/internal/obs"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// The standalone dispatcher drains the outbox of a shared store. Running it
// next to API instances with WASTEOPS_RUN_DISPATCHER=false is safe: claims
// are leased per batch.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Store == "memory" {
		log.Fatal("dispatcher needs a shared store; WASTEOPS_STORE=memory only works in-process with the api")
	}
	if cfg.Broker == "stream" {
		obs.Warn("dispatcher_stream_broker", map[string]any{"detail": "events are delivered to an in-process hub with no subscribers"})
	}

	obs.Init()
	obs.InitBuildInfo("wasteops-dispatcher", version, commit)

	st, closeStore, err := app.OpenStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	rdb := app.OpenRedis(cfg)

	pub, err := app.NewPublisher(cfg, rdb, stream.New())
	if err != nil {
		log.Fatalf("publisher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := outbox.NewDispatcher(st, pub, app.DispatcherConfig(cfg))
	d.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              getenv("WASTEOPS_DISPATCHER_ADDR", ":8081"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	obs.Info("dispatcher_started", map[string]any{
		"version": version, "broker": cfg.Broker, "batch": cfg.DispatchBatch,
		"concurrency": cfg.DispatchConcurrency, "metrics_addr": srv.Addr,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	obs.Info("shutting_down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	d.Stop()
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = closeStore()
	obs.Info("stopped", nil)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
