package poller

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/storystack/tagflow/internal/config"
	"github.com/storystack/tagflow/internal/notify"
	"github.com/storystack/tagflow/internal/poll"
	"github.com/storystack/tagflow/internal/queue"
)

// Server hosts the poller's task surface: an asynq consumer for sweep
// tasks plus the HTTP endpoints observers and operators use. The
// authoritative poll loop itself runs independently; sweeps only nudge it.
type Server struct {
	logger  *log.Logger
	server  *asynq.Server
	loop    *poll.Loop
	hub     *notify.Hub
	metrics *poll.Metrics
	tracer  trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	pollerCfg config.PollerConfig,
	loop *poll.Loop,
	hub *notify.Hub,
	metrics *poll.Metrics,
) *Server {
	concurrency := pollerCfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		loop:    loop,
		hub:     hub,
		metrics: metrics,
		tracer:  otel.Tracer("tagflow/poller"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeTagSweep, s.handleTagSweep)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) handleTagSweep(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseTagSweepPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "poller.tag_sweep", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("sweep.reason", payload.Reason),
		attribute.String("sweep.batch_id", payload.BatchID),
	)
	defer span.End()

	if payload.Reason == queue.SweepReasonSubmission {
		s.logger.Printf("sweep requested reason=%s batch_id=%s", payload.Reason, payload.BatchID)
	}

	s.loop.Sweep(ctx)
	return nil
}

// Handler serves the poller's HTTP surface: health, metrics, and the SSE
// event stream observers subscribe to.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	return mux
}

// NewSweepScheduler emits the periodic fallback sweep. The scheduled
// sweep heals registry snapshots lost to concurrent store writes and
// batches registered while the poller was down.
func NewSweepScheduler(queueCfg config.QueueConfig, interval time.Duration) (*asynq.Scheduler, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	scheduler := asynq.NewScheduler(queueCfg.RedisClientOpt(), &asynq.SchedulerOpts{})

	task, err := queue.NewTagSweepTask(queue.TagSweepPayload{
		Reason: queue.SweepReasonScheduled,
	})
	if err != nil {
		return nil, err
	}

	_, err = scheduler.Register(
		fmt.Sprintf("@every %s", interval),
		task,
		asynq.Queue(queueCfg.Name),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return nil, fmt.Errorf("register sweep schedule: %w", err)
	}

	return scheduler, nil
}
