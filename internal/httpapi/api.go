package httpapi

import (
	"context"
	"net/http"
	"time"

	"wasteops.org/internal/auth"
	"wasteops.org/internal/concurrency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/obs"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/stream"
)

const serviceName = "wasteops-api"

// Pinger is anything the readiness probe can ping (database handle, store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe — простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	Checks []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, c := range rp.Checks {
		if c == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Options wires the HTTP layer to the mutation core.
type Options struct {
	Ready        ReadyProbe
	Version      string
	Resources    concurrency.Reader
	Orchestrator *mutation.Orchestrator
	Outbox       outbox.Inspector
	Hub          *stream.Hub
	Tokens       *auth.Tokens
	// DevTokens enables POST /v1/auth/token.
	DevTokens bool
	// MaxBodyBytes bounds request bodies; zero means 1 MiB.
	MaxBodyBytes int64
	// RateBurst/RatePerSec configure the per-IP front door limiter; zero disables it.
	RateBurst  int
	RatePerSec int
}

// API — HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	resources concurrency.Reader
	orch      *mutation.Orchestrator
	outbox    outbox.Inspector
	stream    *stream.Hub
	tokens    *auth.Tokens
	devTokens bool

	maxBody    int64
	rateBurst  int
	ratePerSec int
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: opts.Ready,
		version:    opts.Version,
		resources:  opts.Resources,
		orch:       opts.Orchestrator,
		outbox:     opts.Outbox,
		stream:     opts.Hub,
		tokens:     opts.Tokens,
		devTokens:  opts.DevTokens,
		maxBody:    opts.MaxBodyBytes,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/bins", a.handleBinsCollection)
	a.mux.HandleFunc("/v1/bins/drops", a.handleBinDrops)
	a.mux.HandleFunc("/v1/bins/", a.handleBinResource)
	a.mux.HandleFunc("/v1/orders", a.handleOrdersCollection)
	a.mux.HandleFunc("/v1/orders/", a.handleOrderResource)

	a.mux.HandleFunc("/v1/outbox/events", a.handleOutboxEvents)
	a.mux.HandleFunc("/v1/outbox/events/", a.handleOutboxEvent)
	a.mux.HandleFunc("/v1/events/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "resource not found")
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	if a.rateBurst > 0 && a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
