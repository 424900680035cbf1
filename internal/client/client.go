// Package client is a thin HTTP client for the wasteops API used by the
// smoke runner and operators. It speaks the mutation contract directly:
// callers pass idempotency keys and version tags, the client echoes back
// what the server said.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to one API instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client with a 10s request timeout.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithToken returns a copy authenticating as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Response is the raw outcome of one call.
type Response struct {
	Status   int
	ETag     string
	Replayed bool
	Location string
	Body     []byte
}

// Decode unmarshals the body into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Headers sent with a mutation.
type Headers struct {
	IdempotencyKey string
	IfMatch        string
}

// Do sends body (marshalled as JSON when non-nil) and returns the response
// regardless of status. Only transport failures are errors.
func (c *Client) Do(ctx context.Context, method, path string, body any, h Headers) (Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return Response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if h.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", h.IdempotencyKey)
	}
	if h.IfMatch != "" {
		req.Header.Set("If-Match", h.IfMatch)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{
		Status:   resp.StatusCode,
		ETag:     resp.Header.Get("ETag"),
		Replayed: resp.Header.Get("Idempotent-Replayed") == "true",
		Location: resp.Header.Get("Location"),
		Body:     raw,
	}, nil
}

func (c *Client) CreateBin(ctx context.Context, key string, bin any) (Response, error) {
	return c.Do(ctx, http.MethodPost, "/v1/bins", bin, Headers{IdempotencyKey: key})
}

func (c *Client) PatchBin(ctx context.Context, id, key, ifMatch string, patch any) (Response, error) {
	return c.Do(ctx, http.MethodPatch, "/v1/bins/"+url.PathEscape(id), patch, Headers{IdempotencyKey: key, IfMatch: ifMatch})
}

func (c *Client) GetBin(ctx context.Context, id string) (Response, error) {
	return c.Do(ctx, http.MethodGet, "/v1/bins/"+url.PathEscape(id), nil, Headers{})
}

func (c *Client) CreateOrder(ctx context.Context, key string, order any) (Response, error) {
	return c.Do(ctx, http.MethodPost, "/v1/orders", order, Headers{IdempotencyKey: key})
}

// ListEvents lists outbox events of the caller's tenant, optionally by status.
func (c *Client) ListEvents(ctx context.Context, status string, limit int) (Response, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/outbox/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.Do(ctx, http.MethodGet, path, nil, Headers{})
}

// IssueToken calls the development token endpoint.
func (c *Client) IssueToken(ctx context.Context, subject, tenantID string, scopes ...string) (string, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/v1/auth/token", map[string]any{
		"subject":   subject,
		"tenant_id": tenantID,
		"scopes":    scopes,
	}, Headers{})
	if err != nil {
		return "", err
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("issue token: status %d: %s", resp.Status, strings.TrimSpace(string(resp.Body)))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	return out.Token, nil
}

// WithTimeout applies a default timeout when ctx has no deadline.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// CheckHealth queries the gRPC health service at target for service
// ("" is the whole server).
func CheckHealth(ctx context.Context, target, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	ctx, cancel := WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
