// Package mutation composes admission, idempotency, optimistic concurrency
// and the outbox write around every state-changing request.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wasteops.org/internal/admission"
	"wasteops.org/internal/audit"
	"wasteops.org/internal/concurrency"
	"wasteops.org/internal/idempotency"
	"wasteops.org/internal/obs"
	"wasteops.org/internal/outbox"
	"wasteops.org/internal/resource"
)

// ErrNotFound is returned when an update targets a resource the tenant does not own.
var ErrNotFound = resource.ErrNotFound

// Tx is the transactional surface the orchestrator writes through.
type Tx interface {
	concurrency.Reader
	InsertResource(ctx context.Context, r resource.Resource) error
	// UpdateResource writes r only if the stored tag still equals expectedTag,
	// returning *resource.StaleVersionError otherwise.
	UpdateResource(ctx context.Context, r resource.Resource, expectedTag string) error
	AppendEvents(ctx context.Context, events ...outbox.Event) error
	// CompleteIdempotency fills the placeholder held by c.LeaseToken and
	// returns idempotency.ErrLeaseLost if it is no longer held.
	CompleteIdempotency(ctx context.Context, c idempotency.Completion) error
}

// Store runs fn in one atomic transaction: everything fn wrote commits
// together when it returns nil, nothing commits otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Op distinguishes creation from update of a resource.
type Op int

const (
	OpCreate Op = iota + 1
	OpUpdate
)

// Apply is the business mutation. current is nil on create. The reader sees
// the same transaction, so lookups of related resources are consistent.
type Apply func(ctx context.Context, r concurrency.Reader, current *resource.Resource) (Change, error)

// Change is what Apply wants written.
type Change struct {
	Data   any
	Events []outbox.Draft
	// Status overrides the response status (default 201 on create, 200 on update).
	Status int
}

// Request is one state-changing call.
type Request struct {
	TenantID       string
	Route          string // admission route class
	Operation      string // e.g. "bins.create"
	IdempotencyKey string
	Fingerprint    string
	Kind           string
	ResourceID     string
	Op             Op
	IfMatch        string
	Apply          Apply
}

// Result is the response handed back to the transport; on replay it is the
// cached response of the first execution, byte for byte.
type Result struct {
	Status     int
	Body       []byte
	VersionTag string
	ResourceID string
	Replayed   bool
	Noop       bool
	Events     int
}

type Config struct {
	DedupTimeout time.Duration
	TxTimeout    time.Duration
}

type Orchestrator struct {
	store   Store
	limiter admission.Limiter
	idem    *idempotency.Coordinator
	catalog *outbox.Catalog
	cc      *concurrency.Controller
	cfg     Config
	now     func() time.Time
}

func New(store Store, limiter admission.Limiter, idem *idempotency.Coordinator, catalog *outbox.Catalog, cfg Config) *Orchestrator {
	if cfg.DedupTimeout <= 0 {
		cfg.DedupTimeout = 2 * time.Second
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	return &Orchestrator{
		store:   store,
		limiter: limiter,
		idem:    idem,
		catalog: catalog,
		cc:      concurrency.New(),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs req through every gate. Rejections are returned as typed
// errors from the gate that produced them.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	tr := &trace{}
	res, err := o.execute(ctx, req, tr)
	if err != nil {
		tr.reject(reasonOf(err))
	} else {
		tr.respond()
	}
	o.record(ctx, req, tr, res, err, time.Since(start))
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, req Request, tr *trace) (Result, error) {
	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		reason := ReasonInvalidKey
		if errors.Is(err, idempotency.ErrMissingKey) {
			reason = ReasonMissingKey
		}
		return Result{}, &ClientContractError{Reason: reason, Err: err}
	}
	if req.Op == OpUpdate && strings.TrimSpace(req.IfMatch) == "" {
		return Result{}, &ClientContractError{Reason: ReasonMissingIfMatch, Err: concurrency.ErrPreconditionRequired}
	}

	decision, err := o.limiter.TryAcquire(ctx, req.TenantID, req.Route)
	if err != nil {
		obs.AdmissionDecisions.WithLabelValues(req.Route, "error").Inc()
		if errors.Is(err, admission.ErrUnknownRoute) {
			return Result{}, err
		}
		return Result{}, &TransientError{Stage: "admission", Err: err}
	}
	if !decision.Admitted {
		obs.AdmissionDecisions.WithLabelValues(req.Route, "throttled").Inc()
		return Result{}, &AdmissionError{RetryAfter: decision.RetryAfter}
	}
	obs.AdmissionDecisions.WithLabelValues(req.Route, "admitted").Inc()
	tr.advance(StateAdmitted)

	dedupCtx, cancel := context.WithTimeout(ctx, o.cfg.DedupTimeout)
	outcome, err := o.idem.Begin(dedupCtx, req.TenantID, req.IdempotencyKey, req.Fingerprint, req.Operation)
	cancel()
	if err != nil {
		return Result{}, &TransientError{Stage: "dedup", Err: err}
	}
	switch outcome.Kind {
	case idempotency.Replay:
		return Result{
			Status:     outcome.Cached.Status,
			Body:       outcome.Cached.Body,
			VersionTag: outcome.Cached.VersionTag,
			ResourceID: resourceIDOf(outcome.Cached.Body),
			Replayed:   true,
		}, nil
	case idempotency.InFlight:
		return Result{}, &ConflictError{Reason: ReasonDuplicateInFlight}
	case idempotency.Mismatch:
		return Result{}, &ClientContractError{Reason: ReasonKeyReuse, Err: errors.New("idempotency key was used with a different request")}
	}
	tr.advance(StateDedupChecked)

	res, err := o.commit(ctx, req, outcome.Lease, tr)
	if err != nil {
		// Nothing committed: free the key so the caller may retry with it.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DedupTimeout)
		if relErr := o.idem.Release(releaseCtx, outcome.Lease); relErr != nil {
			obs.Warn("idempotency_release_failed", map[string]any{
				"tenant_id": req.TenantID,
				"operation": req.Operation,
				"error":     relErr,
			})
		}
		cancel()
		return Result{}, classify(err)
	}
	tr.advance(StateCommitted)
	return res, nil
}

func (o *Orchestrator) commit(ctx context.Context, req Request, lease idempotency.Lease, tr *trace) (Result, error) {
	txCtx, cancel := context.WithTimeout(ctx, o.cfg.TxTimeout)
	defer cancel()

	var res Result
	err := o.store.InTx(txCtx, func(ctx context.Context, tx Tx) error {
		res = Result{}
		var current *resource.Resource
		if req.Op == OpUpdate {
			cur, err := o.cc.Validate(ctx, tx, req.TenantID, req.Kind, req.ResourceID, req.IfMatch)
			if err != nil {
				return err
			}
			current = &cur
		}
		tr.advance(StateConcurrencyChecked)

		change, err := req.Apply(ctx, tx, current)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(change.Data)
		if err != nil {
			return fmt.Errorf("marshal resource data: %w", err)
		}
		data, err := resource.Canonicalize(raw)
		if err != nil {
			return fmt.Errorf("canonicalize resource data: %w", err)
		}

		now := o.now()
		var next resource.Resource
		if current == nil {
			next = resource.Resource{ID: req.ResourceID, TenantID: req.TenantID, Kind: req.Kind, CreatedAt: now, UpdatedAt: now}
		} else {
			next = current.Clone()
		}
		next.Data = data
		changed, err := o.cc.Retag(&next)
		if err != nil {
			return err
		}

		status := change.Status
		switch {
		case current == nil:
			if status == 0 {
				status = http.StatusCreated
			}
			if err := tx.InsertResource(ctx, next); err != nil {
				return err
			}
		case changed:
			if status == 0 {
				status = http.StatusOK
			}
			next.UpdatedAt = now
			if err := tx.UpdateResource(ctx, next, current.VersionTag); err != nil {
				return err
			}
		default:
			// Same content, same tag: nothing to write or announce.
			if status == 0 {
				status = http.StatusOK
			}
			next = *current
			res.Noop = true
		}

		if !res.Noop && len(change.Events) > 0 {
			events := make([]outbox.Event, 0, len(change.Events))
			for _, d := range change.Events {
				ev, err := o.catalog.New(req.TenantID, next.ID, d)
				if err != nil {
					return err
				}
				events = append(events, ev)
			}
			if err := tx.AppendEvents(ctx, events...); err != nil {
				return err
			}
			res.Events = len(events)
		}

		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		if err := tx.CompleteIdempotency(ctx, lease.Completion(status, body, next.VersionTag)); err != nil {
			return err
		}
		res.Status = status
		res.Body = body
		res.VersionTag = next.VersionTag
		res.ResourceID = next.ID
		return nil
	})
	return res, err
}

// classify maps a failure inside the transaction onto the error taxonomy.
func classify(err error) error {
	var (
		stale *resource.StaleVersionError
		ve    *ValidationError
	)
	switch {
	case errors.As(err, &stale):
		return &ConflictError{Reason: ReasonStaleVersion, CurrentTag: stale.Current}
	case errors.Is(err, resource.ErrStaleVersion):
		return &ConflictError{Reason: ReasonStaleVersion}
	case errors.Is(err, concurrency.ErrPreconditionRequired):
		return &ClientContractError{Reason: ReasonMissingIfMatch, Err: err}
	case errors.Is(err, resource.ErrNotFound):
		return err
	case errors.Is(err, resource.ErrAlreadyExists):
		return &ConflictError{Reason: ReasonAlreadyExists}
	case errors.As(err, &ve), errors.Is(err, ErrInvalidTransition):
		return err
	case errors.Is(err, outbox.ErrUnknownEventType), errors.Is(err, outbox.ErrInvalidEventData):
		// A business mutation announcing an event it did not register is a bug.
		return err
	case errors.Is(err, idempotency.ErrLeaseLost):
		return &TransientError{Stage: "commit", Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &TransientError{Stage: "timeout", Err: err}
	default:
		return &TransientError{Stage: "commit", Err: err}
	}
}

func (o *Orchestrator) record(ctx context.Context, req Request, tr *trace, res Result, err error, took time.Duration) {
	reason := tr.reason
	if tr.final == StateResponded {
		reason = "ok"
		if res.Replayed {
			reason = "replayed"
		} else if res.Noop {
			reason = "noop"
		}
	}
	obs.MutationOutcomes.WithLabelValues(req.Operation, string(tr.final), reason).Inc()

	fields := map[string]any{
		"operation":     req.Operation,
		"route":         req.Route,
		"resource_kind": req.Kind,
		"resource_id":   req.ResourceID,
		"state":         string(tr.final),
		"reached":       string(tr.reached),
		"reason":        reason,
		"duration_ms":   took.Milliseconds(),
	}
	if tr.final == StateResponded {
		fields["status"] = res.Status
		fields["version_tag"] = res.VersionTag
		fields["replayed"] = res.Replayed
		fields["events"] = res.Events
	} else if reason == ReasonTransient || reason == ReasonInternal {
		fields["error"] = err
	}
	_ = audit.LogEvent(ctx, "mutation", fields)
}

// resourceIDOf reads the id back out of a cached response body.
func resourceIDOf(body []byte) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &v)
	return v.ID
}
