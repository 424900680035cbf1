package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"wasteops.org/internal/admission"
	"wasteops.org/internal/auth"
	"wasteops.org/internal/domain"
	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/mutation"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/store/memory"
	"wasteops.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	t       *testing.T
}

type testOptions struct {
	rates     map[string]admission.Rate
	devTokens bool
}

func newTestAPI(t *testing.T) *apiClient {
	return newTestAPIWith(t, testOptions{devTokens: true})
}

func newTestAPIWith(t *testing.T, o testOptions) *apiClient {
	t.Helper()

	tokens, err := auth.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	rates := o.rates
	if rates == nil {
		rates = map[string]admission.Rate{
			admission.RouteBinsWrite:   {PerSecond: 1000, Burst: 1000},
			admission.RouteBinsIngest:  {PerSecond: 1000, Burst: 1000},
			admission.RouteOrdersWrite: {PerSecond: 1000, Burst: 1000},
		}
	}
	st := memory.New()
	coord := idempotency.NewCoordinator(st, time.Hour, 30*time.Second)
	orch := mutation.New(st, admission.NewLocal(rates), coord, domain.NewCatalog("test"), mutation.Config{})

	api := New(Options{
		Ready:        ReadyProbe{Checks: []Pinger{st}},
		Version:      "test",
		Resources:    st,
		Orchestrator: orch,
		Outbox:       st,
		Hub:          stream.New(),
		Tokens:       tokens,
		DevTokens:    o.devTokens,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   st,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) patch(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPatch, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(subject, tenant string, scopes ...string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"subject":   subject,
		"tenant_id": tenant,
		"scopes":    scopes,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func with(token string, kv ...string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + token}
	for i := 0; i+1 < len(kv); i += 2 {
		h[kv[i]] = kv[i+1]
	}
	return h
}

var newBin = map[string]any{
	"site_id":         "site-1",
	"serial":          "SN-100",
	"type":            "recycling",
	"capacity_litres": 240,
}

func TestAPIBinLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("dispatcher-1", "t1")

	resp := api.post("/v1/bins", newBin, with(token, "Idempotency-Key", "K1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	etag1 := resp.Header.Get("ETag")
	if etag1 == "" || resp.Header.Get("Location") == "" {
		t.Fatalf("missing ETag or Location: %v", resp.Header)
	}
	if resp.Header.Get("Idempotency-Key") != "K1" {
		t.Fatal("missing idempotency header echo")
	}
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)

	// Retry: same body, same key, first response back.
	resp = api.post("/v1/bins", newBin, with(token, "Idempotency-Key", "K1"))
	if resp.StatusCode != http.StatusCreated || resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay, got %d %v", resp.StatusCode, resp.Header)
	}
	if resp.Header.Get("Location") != "/v1/bins/"+id {
		t.Fatalf("replay lost Location: %q", resp.Header.Get("Location"))
	}
	replayed := decode[map[string]any](t, resp)
	if replayed["id"] != id || replayed["version_tag"] != created["version_tag"] {
		t.Fatalf("replay differs: %v vs %v", replayed, created)
	}

	resp = api.patch("/v1/bins/"+id, map[string]any{"capacity_litres": 1100}, with(token, "Idempotency-Key", "K2", "If-Match", etag1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected update status: %d", resp.StatusCode)
	}
	etag2 := resp.Header.Get("ETag")
	resp.Body.Close()
	if etag2 == "" || etag2 == etag1 {
		t.Fatalf("expected new ETag, got %q", etag2)
	}

	resp = api.patch("/v1/bins/"+id, map[string]any{"capacity_litres": 660}, with(token, "Idempotency-Key", "K3", "If-Match", etag1))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	conflict := decode[map[string]any](t, resp)
	if conflict["code"] != mutation.ReasonStaleVersion || `"`+conflict["current_tag"].(string)+`"` != etag2 {
		t.Fatalf("unexpected conflict body: %v", conflict)
	}
	if conflict["request_id"] == "" {
		t.Fatal("expected request_id")
	}

	resp = api.get("/v1/bins/"+id, nil, with(token))
	if resp.StatusCode != http.StatusOK || resp.Header.Get("ETag") != etag2 {
		t.Fatalf("unexpected get: %d %s", resp.StatusCode, resp.Header.Get("ETag"))
	}
	bin := decode[map[string]any](t, resp)
	if bin["data"].(map[string]any)["capacity_litres"].(float64) != 1100 {
		t.Fatalf("unexpected stored data: %v", bin["data"])
	}

	resp = api.get("/v1/bins/"+id, nil, with(token, "If-None-Match", etag2))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}

	events, _ := api.store.ListEvents(t.Context(), "t1", "", 100)
	if len(events) != 2 || events[1].EventType != domain.EventBinCapacityUpdated {
		t.Fatalf("unexpected outbox rows: %+v", events)
	}
}

func TestAPIClientContractErrors(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("dispatcher-1", "t1")

	resp := api.post("/v1/bins", newBin, with(token))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing key: expected 400, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["code"] != mutation.ReasonMissingKey {
		t.Fatalf("unexpected code: %v", body["code"])
	}

	resp = api.post("/v1/bins", newBin, with(token, "Idempotency-Key", "K1"))
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)

	resp = api.patch("/v1/bins/"+id, map[string]any{"capacity_litres": 660}, with(token, "Idempotency-Key", "K2"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("missing If-Match: expected 412, got %d", resp.StatusCode)
	}

	other := map[string]any{"site_id": "site-2", "serial": "SN-200", "type": "glass", "capacity_litres": 120}
	resp = api.post("/v1/bins", other, with(token, "Idempotency-Key", "K1"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("key reuse: expected 422, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["code"] != mutation.ReasonKeyReuse {
		t.Fatalf("unexpected code: %v", body["code"])
	}

	resp = api.post("/v1/bins", map[string]any{"site_id": "site-3", "type": "lava"}, with(token, "Idempotency-Key", "K9"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("validation: expected 422, got %d", resp.StatusCode)
	}
	invalid := decode[map[string]any](t, resp)
	fields, _ := invalid["fields"].(map[string]any)
	if _, ok := fields["type"]; !ok {
		t.Fatalf("expected type in fields: %v", invalid)
	}

	resp = api.post("/v1/bins", map[string]any{"unknown": true}, with(token, "Idempotency-Key", "K10"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuthAndTenancy(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/bins", newBin, map[string]string{"Idempotency-Key": "K1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["error"] == "" {
		t.Fatal("expected error message")
	}

	tokenA := api.obtainToken("alice", "tenant-a")
	tokenB := api.obtainToken("bob", "tenant-b")
	readOnly := api.obtainToken("carol", "tenant-a", auth.ScopeBinsRead)

	resp = api.post("/v1/bins", newBin, with(tokenA, "Idempotency-Key", "K1", "X-Tenant-ID", "tenant-b"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tenant mismatch: expected 403, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/bins", newBin, with(readOnly, "Idempotency-Key", "K1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing scope: expected 403, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/bins", newBin, with(tokenA, "Idempotency-Key", "K1"))
	etag := resp.Header.Get("ETag")
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)

	resp = api.get("/v1/bins/"+id, nil, with(tokenB))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant read: expected 404, got %d", resp.StatusCode)
	}
	resp = api.patch("/v1/bins/"+id, map[string]any{"capacity_litres": 660}, with(tokenB, "Idempotency-Key", "K2", "If-Match", etag))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant update: expected 404, got %d", resp.StatusCode)
	}
}

func TestAPIOrderLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("planner", "t1")

	resp := api.post("/v1/bins", newBin, with(token, "Idempotency-Key", "B1"))
	bin := decode[map[string]any](t, resp)

	order := map[string]any{
		"bin_id":        bin["id"],
		"service_type":  "collection",
		"scheduled_for": time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		"notes":         "gate code 1234",
	}
	resp = api.post("/v1/orders", order, with(token, "Idempotency-Key", "O1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create order: %d", resp.StatusCode)
	}
	etag := resp.Header.Get("ETag")
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)

	resp = api.post("/v1/orders/"+id+"/cancel", map[string]any{"reason": "customer moved"}, with(token, "Idempotency-Key", "O2", "If-Match", etag))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	etag = resp.Header.Get("ETag")
	resp.Body.Close()

	resp = api.patch("/v1/orders/"+id, map[string]any{"service_type": "exchange"}, with(token, "Idempotency-Key", "O3", "If-Match", etag))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("patch cancelled order: expected 409, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["code"] != mutation.ReasonInvalidTransition {
		t.Fatalf("unexpected code: %v", body["code"])
	}

	resp = api.post("/v1/orders", map[string]any{
		"bin_id":        "missing",
		"service_type":  "collection",
		"scheduled_for": time.Now().UTC().Format(time.RFC3339),
	}, with(token, "Idempotency-Key", "O4"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown bin: expected 422, got %d", resp.StatusCode)
	}

	events, _ := api.store.ListEvents(t.Context(), "t1", "", 100)
	for _, ev := range events {
		if bytes.Contains(ev.Payload, []byte("gate code")) || bytes.Contains(ev.Payload, []byte("customer moved")) {
			t.Fatalf("free text leaked into %s", ev.EventType)
		}
	}
}

func TestAPIOutboxAdmin(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("ops", "t1")

	resp := api.post("/v1/bins", newBin, with(token, "Idempotency-Key", "K1"))
	resp.Body.Close()

	resp = api.get("/v1/outbox/events", url.Values{"status": []string{"pending"}}, with(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	list := decode[listEventsResponse](t, resp)
	if len(list.Items) != 1 || list.Items[0].Status != outbox.StatusPending {
		t.Fatalf("unexpected list: %+v", list.Items)
	}
	id := list.Items[0].ID.String()

	resp = api.post("/v1/outbox/events/"+id+"/replay", nil, with(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay pending: expected 409, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/outbox/events", url.Values{"status": []string{"bogus"}}, with(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter: expected 400, got %d", resp.StatusCode)
	}

	other := api.obtainToken("ops", "t2")
	resp = api.get("/v1/outbox/events/"+id, nil, with(other))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant event: expected 404, got %d", resp.StatusCode)
	}
}

func TestAPIThrottles(t *testing.T) {
	api := newTestAPIWith(t, testOptions{devTokens: true, rates: map[string]admission.Rate{
		admission.RouteBinsWrite: {PerSecond: 0.01, Burst: 1},
	}})
	token := api.obtainToken("burst", "t1")

	resp := api.post("/v1/bins", newBin, with(token, "Idempotency-Key", "K1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first: %d", resp.StatusCode)
	}
	resp = api.post("/v1/bins", newBin, with(token, "Idempotency-Key", "K2"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"subject": ""}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/token", map[string]any{"subject": "x", "tenant_id": "t1", "scopes": []string{"root"}}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown scope: expected 400, got %d", resp.StatusCode)
	}

	disabled := newTestAPIWith(t, testOptions{})
	resp = disabled.post("/v1/auth/token", map[string]any{"subject": "x", "tenant_id": "t1"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled endpoint: expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d", path, resp.StatusCode)
		}
	}
}
