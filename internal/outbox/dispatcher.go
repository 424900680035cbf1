package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wasteops.org/internal/obs"
)

// DispatcherConfig holds dispatcher tuning.
type DispatcherConfig struct {
	Interval        time.Duration
	BatchSize       int
	Concurrency     int
	Lease           time.Duration
	PublishTimeout  time.Duration
	MaxRetries      int
	Backoff         Backoff
	DeadLetterTopic string
}

func (c *DispatcherConfig) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if floor := MinLease(c.BatchSize, c.Concurrency, c.PublishTimeout); c.Lease < floor {
		c.Lease = floor
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.Backoff.Floor <= 0 {
		c.Backoff.Floor = 2 * time.Second
	}
	if c.Backoff.Ceiling < c.Backoff.Floor {
		c.Backoff.Ceiling = 10 * time.Minute
	}
	if c.DeadLetterTopic == "" {
		c.DeadLetterTopic = "outbox.dead-letter"
	}
}

// MinLease is the shortest claim lease under which a full batch, delivered
// concurrency events at a time, can finish before its claim runs out. One
// extra publish timeout is kept as margin.
func MinLease(batchSize, concurrency int, publishTimeout time.Duration) time.Duration {
	if batchSize <= 0 || concurrency <= 0 {
		return publishTimeout
	}
	rounds := (batchSize + concurrency - 1) / concurrency
	return time.Duration(rounds+1) * publishTimeout
}

// Dispatcher drains due outbox rows to a Publisher. All dispatch state lives
// in the ledger, so a restarted dispatcher resumes with no recovery step;
// rows claimed by a dead instance become due again when their lease runs out.
type Dispatcher struct {
	ledger Ledger
	pub    Publisher
	cfg    DispatcherConfig
	tracer *obs.Tracer
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(ledger Ledger, pub Publisher, cfg DispatcherConfig) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{
		ledger: ledger,
		pub:    pub,
		cfg:    cfg,
		tracer: obs.NewTracer(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the scheduling loop in the background until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Run(ctx)
	}()
}

// Stop cancels the loop and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Run blocks until ctx is cancelled. A full batch is followed immediately by
// another cycle; otherwise the loop waits for the next tick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		n, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			obs.Error("outbox_claim_failed", map[string]any{"error": err})
		}
		if err == nil && n >= d.cfg.BatchSize {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch, delivers it on the worker pool and waits for
// every delivery of the batch to finish. It returns the batch size.
// Events of one resource are delivered in ledger order by a single worker.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	d.refreshBacklog(ctx)

	batch, err := d.ledger.ClaimDue(ctx, d.now(), d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim due: %w", err)
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, group := range groupByResource(batch) {
		select {
		case <-ctx.Done():
			wg.Wait()
			return len(batch), ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(group []Event) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, ev := range group {
				if ctx.Err() != nil {
					return
				}
				d.process(ctx, ev)
			}
		}(group)
	}
	wg.Wait()
	return len(batch), nil
}

type resourceKey struct {
	tenant string
	id     string
}

// groupByResource splits batch into per-resource runs sorted by Seq. Groups
// keep the order in which their first event appears. Events without a
// resource id each form their own group.
func groupByResource(batch []Event) [][]Event {
	sorted := append([]Event(nil), batch...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	var groups [][]Event
	index := make(map[resourceKey]int)
	for _, ev := range sorted {
		if ev.ResourceID == "" {
			groups = append(groups, []Event{ev})
			continue
		}
		k := resourceKey{tenant: ev.TenantID, id: ev.ResourceID}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}

func (d *Dispatcher) refreshBacklog(ctx context.Context) {
	counts, err := d.ledger.CountByStatus(ctx)
	if err != nil {
		return
	}
	obs.OutboxPending.Set(float64(counts[StatusPending]))
}

func (d *Dispatcher) process(ctx context.Context, ev Event) {
	ctx, span := d.tracer.StartDispatchSpan(ctx, ev.ID.String(), ev.EventType, ev.Topic, ev.RetryCount+1)

	// NextAttemptAt of a claimed row is its lease deadline. A publish that
	// could outlast it might race another dispatcher's re-claim, so the row
	// is left alone until the lease runs out.
	if !d.now().Add(d.cfg.PublishTimeout).Before(ev.NextAttemptAt) {
		obs.OutboxDispatch.WithLabelValues("skipped").Inc()
		obs.Warn("outbox_lease_expiring", map[string]any{
			"event_id":   ev.ID.String(),
			"event_type": ev.EventType,
			"lease_end":  ev.NextAttemptAt.Format(time.RFC3339Nano),
		})
		d.tracer.EndDispatchSpan(span, "skipped", nil)
		return
	}

	// An exhausted row whose dead-letter publish failed earlier goes
	// straight back to the dead-letter path.
	if ev.RetryCount > d.cfg.MaxRetries {
		result, err := d.deadLetter(ctx, ev, ev.RetryCount, ev.LastError)
		d.tracer.EndDispatchSpan(span, result, err)
		return
	}

	err := d.publish(ctx, ev.Topic, MessageOf(ev))
	if err == nil {
		if markErr := d.ledger.MarkSent(ctx, ev.ID, ev.ClaimToken, d.now()); markErr != nil {
			d.logMarkFailure(ev, "sent", markErr)
		}
		obs.OutboxDispatch.WithLabelValues("sent").Inc()
		d.tracer.EndDispatchSpan(span, "sent", nil)
		return
	}

	retries := ev.RetryCount + 1
	if IsPermanent(err) || retries > d.cfg.MaxRetries {
		if retries <= d.cfg.MaxRetries {
			retries = d.cfg.MaxRetries + 1
		}
		result, dlqErr := d.deadLetter(ctx, ev, retries, err.Error())
		d.tracer.EndDispatchSpan(span, result, errors.Join(err, dlqErr))
		return
	}

	next := d.now().Add(d.cfg.Backoff.Delay(retries))
	if markErr := d.ledger.MarkRetry(ctx, ev.ID, ev.ClaimToken, retries, next, err.Error()); markErr != nil {
		d.logMarkFailure(ev, "retry", markErr)
	}
	obs.OutboxDispatch.WithLabelValues("retried").Inc()
	obs.Warn("outbox_retry_scheduled", map[string]any{
		"event_id":    ev.ID.String(),
		"event_type":  ev.EventType,
		"retry_count": retries,
		"next_at":     next.Format(time.RFC3339Nano),
		"error":       err,
	})
	d.tracer.EndDispatchSpan(span, "retried", err)
}

// deadLetter publishes the dead-letter envelope and marks the row DEAD. When
// the dead-letter publish fails the row stays PENDING with retries past the
// budget, so its next attempt takes this path again.
func (d *Dispatcher) deadLetter(ctx context.Context, ev Event, retries int, reason string) (string, error) {
	body, err := deadLetterBody(ev, retries, reason)
	if err == nil {
		msg := MessageOf(ev)
		msg.Body = body
		err = d.publish(ctx, d.cfg.DeadLetterTopic, msg)
	}
	if err != nil {
		next := d.now().Add(d.cfg.Backoff.Delay(retries))
		if markErr := d.ledger.MarkRetry(ctx, ev.ID, ev.ClaimToken, retries, next, reason); markErr != nil {
			d.logMarkFailure(ev, "retry", markErr)
		}
		obs.OutboxDispatch.WithLabelValues("error").Inc()
		obs.Error("outbox_dead_letter_failed", map[string]any{
			"event_id":   ev.ID.String(),
			"event_type": ev.EventType,
			"topic":      d.cfg.DeadLetterTopic,
			"error":      err,
		})
		return "error", err
	}

	if markErr := d.ledger.MarkDead(ctx, ev.ID, ev.ClaimToken, retries, d.now(), reason); markErr != nil {
		d.logMarkFailure(ev, "dead", markErr)
		return "error", markErr
	}
	obs.OutboxDispatch.WithLabelValues("dead").Inc()
	obs.OutboxDead.WithLabelValues(ev.EventType).Inc()
	obs.Warn("outbox_event_dead", map[string]any{
		"event_id":    ev.ID.String(),
		"event_type":  ev.EventType,
		"tenant_id":   ev.TenantID,
		"retry_count": retries,
		"reason":      reason,
	})
	return "dead", nil
}

func (d *Dispatcher) publish(ctx context.Context, topic string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	start := time.Now()
	err := d.pub.Publish(ctx, topic, msg)
	obs.OutboxPublishSeconds.Observe(time.Since(start).Seconds())
	return err
}

func (d *Dispatcher) logMarkFailure(ev Event, op string, err error) {
	level := "error"
	if errors.Is(err, ErrClaimLost) {
		level = "warn"
	}
	obs.Log(level, "outbox_mark_failed", map[string]any{
		"event_id": ev.ID.String(),
		"op":       op,
		"error":    err,
	})
}

func deadLetterBody(ev Event, retries int, reason string) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		return nil, fmt.Errorf("outbox: decode envelope %s: %w", ev.ID, err)
	}
	return json.Marshal(DeadLetter{Envelope: env, FailureReason: reason, RetryCount: retries})
}
