package poll

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/storystack/tagflow/internal/domain"
	"github.com/storystack/tagflow/internal/notify"
	"github.com/storystack/tagflow/internal/registry"
)

type StatusQuerier interface {
	StatusByIDs(ctx context.Context, assetIDs []string) ([]domain.AssetStatus, error)
}

type Publisher interface {
	Publish(event notify.Event)
}

type Invalidator interface {
	Invalidate(ctx context.Context, assetIDs []string) error
}

type Config struct {
	Interval   time.Duration
	MaxBackoff time.Duration
}

// Loop is the single authoritative reconciler. Each tick batch-queries
// the status of every tracked asset and promotes fully-terminal batches
// out of the registry. The timer goroutine and the sweep consumer share
// one Loop, so ticks are serialized by a dedicated mutex and promotion is
// gated on winning the registry removal; a batch's completion side
// effects run at most once. Query failures abandon the tick without
// mutating the registry; the next tick retries, with capped exponential
// backoff while failures persist.
type Loop struct {
	logger      *log.Logger
	registry    *registry.Registry
	querier     StatusQuerier
	publisher   Publisher
	invalidator Invalidator
	interval    time.Duration
	maxBackoff  time.Duration
	metrics     *Metrics
	tracer      trace.Tracer

	// tickMu serializes RunOnce across the timer goroutine and sweep
	// handlers. Overlapping ticks would snapshot the registry before
	// either removes and duplicate every completion side effect.
	tickMu sync.Mutex

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	kick     chan struct{}
	failures int
}

func NewLoop(
	logger *log.Logger,
	reg *registry.Registry,
	querier StatusQuerier,
	publisher Publisher,
	invalidator Invalidator,
	cfg Config,
	metrics *Metrics,
) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = 8 * interval
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Loop{
		logger:      logger,
		registry:    reg,
		querier:     querier,
		publisher:   publisher,
		invalidator: invalidator,
		interval:    interval,
		maxBackoff:  maxBackoff,
		metrics:     metrics,
		tracer:      otel.Tracer("tagflow/poll"),
		kick:        make(chan struct{}, 1),
	}
}

// Start launches the polling goroutine. Calling Start while running is a
// no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go l.run(ctx)
}

// Stop cancels the timer and waits for the current tick to return.
// Idempotent and safe to call when not running. An in-flight status query
// is not aborted beyond context cancellation; a late result mutates
// nothing because registry removal is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// Kick requests an immediate tick. Used as the event-driven fast path
// after a submission lands; coalesces if a kick is already pending.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-l.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		l.RunOnce(ctx)
		timer.Reset(l.delay())
	}
}

func (l *Loop) delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures == 0 {
		return l.interval
	}
	backoff := l.interval
	for i := 0; i < l.failures && backoff < l.maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > l.maxBackoff {
		backoff = l.maxBackoff
	}
	return backoff
}

// Sweep re-syncs the registry from the shared durable store and runs one
// tick. This heals batches registered by another process and snapshots
// lost to concurrent store writes.
func (l *Loop) Sweep(ctx context.Context) {
	if adopted := l.registry.Sync(ctx); adopted > 0 {
		l.logger.Printf("sweep adopted batches from store count=%d", adopted)
	}
	l.RunOnce(ctx)
}

// RunOnce executes a single tick. Exposed for the sweep handler and tests;
// the background goroutine calls it on every timer fire.
func (l *Loop) RunOnce(ctx context.Context) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	startedAt := time.Now()

	tracked := l.registry.List()
	l.metrics.trackedBatches.Set(float64(len(tracked)))
	if len(tracked) == 0 {
		l.metrics.ticksTotal.WithLabelValues("idle").Inc()
		return
	}

	ctx, span := l.tracer.Start(ctx, "poll.tick")
	span.SetAttributes(attribute.Int("poll.tracked_batches", len(tracked)))
	defer span.End()

	assetIDs := make([]string, 0, len(tracked))
	for _, batch := range tracked {
		assetIDs = append(assetIDs, batch.AssetIDs...)
	}

	statuses, err := l.querier.StatusByIDs(ctx, assetIDs)
	if err != nil {
		l.recordFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "status query failed")
		l.metrics.ticksTotal.WithLabelValues("error").Inc()
		l.logger.Printf("status query failed, tick abandoned tracked=%d err=%v", len(tracked), err)
		return
	}
	l.recordSuccess()

	byID := make(map[string]domain.AssetStatus, len(statuses))
	for _, st := range statuses {
		byID[st.ID] = st
	}

	removed := 0
	var invalidated []string
	for _, batch := range tracked {
		completed, failed, terminal := partition(batch, byID)
		if !terminal {
			continue
		}

		if !l.registry.Remove(ctx, batch.BatchID) {
			// Another tick already promoted this batch.
			continue
		}
		removed++
		invalidated = append(invalidated, completed...)
		invalidated = append(invalidated, failed...)
		l.metrics.assetsCompletedTotal.Add(float64(len(completed)))
		l.metrics.assetsFailedTotal.Add(float64(len(failed)))
		l.logger.Printf(
			"batch finished batch_id=%s completed=%d failed=%d",
			batch.BatchID, len(completed), len(failed),
		)

		l.publisher.Publish(notify.Event{
			Kind:              notify.EventBatchCompleted,
			BatchID:           batch.BatchID,
			CompletedAssetIDs: completed,
			FailedAssetIDs:    failed,
		})
	}

	if removed > 0 {
		if err := l.invalidator.Invalidate(ctx, invalidated); err != nil {
			span.RecordError(err)
			l.logger.Printf("cache invalidation failed assets=%d err=%v", len(invalidated), err)
		}
		if l.registry.Len() == 0 {
			l.publisher.Publish(notify.Event{Kind: notify.EventTrackingDrained})
		}
	}

	l.metrics.trackedBatches.Set(float64(l.registry.Len()))
	l.metrics.ticksTotal.WithLabelValues("ok").Inc()
	l.metrics.tickDuration.Observe(time.Since(startedAt).Seconds())
}

// partition splits a batch's assets by observed status. A batch is
// terminal only once every asset it tracks is completed or failed; ids
// the query did not return count as pending, since the remote row may not
// have materialized yet.
func partition(batch domain.TrackedBatch, byID map[string]domain.AssetStatus) (completed, failed []string, terminal bool) {
	terminal = true
	for _, assetID := range batch.AssetIDs {
		st, ok := byID[assetID]
		if !ok || !st.Terminal() {
			terminal = false
			continue
		}
		if st.AutoTagStatus == domain.AutoTagStatusFailed {
			failed = append(failed, assetID)
		} else {
			completed = append(completed, assetID)
		}
	}
	if !terminal {
		return nil, nil, false
	}
	return completed, failed, true
}

func (l *Loop) recordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
}

func (l *Loop) recordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
}
