package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"wasteops.org/internal/client"
	"wasteops.org/internal/ids"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	baseURL := getenv("WASTEOPS_SMOKE_URL", "http://localhost:8080")
	grpcAddr := getenv("WASTEOPS_SMOKE_GRPC_ADDR", "localhost:9090")
	tenant := getenv("WASTEOPS_SMOKE_TENANT", "smoke-"+ids.New()[18:])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := client.CheckHealth(ctx, grpcAddr, "wasteops-api")
	if err != nil {
		log.Fatalf("grpc health at %s: %v", grpcAddr, err)
	}
	if st != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("api not serving: %v", st)
	}

	anon := client.New(baseURL, "")
	token := os.Getenv("WASTEOPS_SMOKE_TOKEN")
	if token == "" {
		token, err = anon.IssueToken(ctx, "smoke", tenant)
		if err != nil {
			log.Fatalf("token: %v (set WASTEOPS_SMOKE_TOKEN when dev tokens are disabled)", err)
		}
	}
	api := anon.WithToken(token)

	bin := map[string]any{
		"site_id":         "smoke-site",
		"serial":          "SMOKE-" + ids.New()[18:],
		"type":            "general",
		"capacity_litres": 240,
	}
	key := "smoke-create-" + ids.New()

	created, err := api.CreateBin(ctx, key, bin)
	must("create bin", created, err, http.StatusCreated)
	var out struct {
		ID         string `json:"id"`
		VersionTag string `json:"version_tag"`
	}
	if err := created.Decode(&out); err != nil {
		log.Fatalf("decode bin: %v", err)
	}

	replay, err := api.CreateBin(ctx, key, bin)
	must("replay create", replay, err, http.StatusCreated)
	if !replay.Replayed || !bytes.Equal(replay.Body, created.Body) {
		log.Fatalf("replay was not byte-identical (replayed=%v)", replay.Replayed)
	}

	updated, err := api.PatchBin(ctx, out.ID, "smoke-update-"+ids.New(), created.ETag, map[string]any{"capacity_litres": 1100})
	must("update bin", updated, err, http.StatusOK)

	stale, err := api.PatchBin(ctx, out.ID, "smoke-stale-"+ids.New(), created.ETag, map[string]any{"capacity_litres": 660})
	must("stale update", stale, err, http.StatusConflict)

	got, err := api.GetBin(ctx, out.ID)
	must("get bin", got, err, http.StatusOK)
	if got.ETag != updated.ETag {
		log.Fatalf("stored tag %s, want %s", got.ETag, updated.ETag)
	}

	events, err := api.ListEvents(ctx, "", 10)
	must("list events", events, err, http.StatusOK)
	var list struct {
		Items []map[string]any `json:"items"`
	}
	if err := events.Decode(&list); err != nil {
		log.Fatalf("decode events: %v", err)
	}
	if len(list.Items) < 2 {
		log.Fatalf("expected at least 2 outbox events, got %d", len(list.Items))
	}

	fmt.Printf("wasteops smoke passed: tenant=%s bin=%s events=%d\n", tenant, out.ID, len(list.Items))
}

func must(step string, resp client.Response, err error, want int) {
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
	if resp.Status != want {
		log.Fatalf("%s: status %d, want %d: %s", step, resp.Status, want, bytes.TrimSpace(resp.Body))
	}
}
