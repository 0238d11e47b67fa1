package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/storystack/tagflow/internal/assets"
	"github.com/storystack/tagflow/internal/domain"
	"github.com/storystack/tagflow/internal/queue"
	"github.com/storystack/tagflow/internal/registry"
)

const maxStatusQueryIDs = 200

type Server struct {
	logger                *log.Logger
	tagger                batchSubmitter
	assetStore            assets.Store
	registry              *registry.Registry
	sweeper               sweepEnqueuer
	storage               objectStorage
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type batchSubmitter interface {
	Submit(ctx context.Context, refs []domain.AssetRef) (domain.SubmissionOutcome, error)
}

type sweepEnqueuer interface {
	EnqueueTagSweep(ctx context.Context, payload queue.TagSweepPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Options struct {
	Storage      objectStorage
	PresignTTL   time.Duration
	RateLimiter  RateLimiter
	UserIDHeader string
}

func NewServer(
	logger *log.Logger,
	tagger batchSubmitter,
	assetStore assets.Store,
	reg *registry.Registry,
	sweeper sweepEnqueuer,
	opts Options,
) *Server {
	presignTTL := opts.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	storage := opts.Storage
	if storage == nil {
		storage = unavailableObjectStorage{}
	}
	userIDHeader := opts.UserIDHeader
	if userIDHeader == "" {
		userIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		tagger:                tagger,
		assetStore:            assetStore,
		registry:              reg,
		sweeper:               sweeper,
		storage:               storage,
		presignTTL:            presignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: userIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("tagflow/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/tagging/batches", s.handleSubmitBatch)
	s.mux.HandleFunc("GET /v1/assets/status", s.handleAssetStatus)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	refs, objectKeys, err := s.resolveImageURLs(r.Context(), req.Assets)
	if err != nil {
		s.logger.Printf("resolve image urls failed err=%v", err)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	outcome, err := s.tagger.Submit(r.Context(), refs)
	if err != nil {
		// Nothing is registered on submission failure; the caller owns
		// the resubmit.
		s.logger.Printf("batch submission failed assets=%d err=%v", len(refs), err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "tagging service rejected the batch"})
		return
	}

	if !outcome.Async() {
		if err := s.assetStore.MarkPending(r.Context(), req.AssetIDs(), objectKeys); err != nil {
			s.logger.Printf("mark pending failed assets=%d err=%v", len(refs), err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record tagging state"})
			return
		}
		if err := s.assetStore.ApplyResults(r.Context(), outcome.Results); err != nil {
			s.logger.Printf("apply inline results failed err=%v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store tags"})
			return
		}
		s.metrics.batchesSubmitted.WithLabelValues("sync").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  domain.AutoTagStatusCompleted,
			"results": outcome.Results,
		})
		return
	}

	// Track the batch before touching asset rows. The remote service has
	// accepted the work either way; a lost pending row polls as pending
	// until results land, while an untracked batch would never resolve.
	s.registry.Add(r.Context(), domain.TrackedBatch{
		BatchID:     outcome.BatchID,
		AssetIDs:    req.AssetIDs(),
		SubmittedAt: time.Now().UTC(),
	})
	s.requestSweep(r.Context(), outcome.BatchID)
	if err := s.assetStore.MarkPending(r.Context(), req.AssetIDs(), objectKeys); err != nil {
		s.logger.Printf("mark pending failed assets=%d err=%v", len(refs), err)
	}
	s.metrics.batchesSubmitted.WithLabelValues("async").Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":   outcome.BatchID,
		"status":     domain.AutoTagStatusPending,
		"status_url": "/v1/assets/status?ids=" + strings.Join(req.AssetIDs(), ","),
	})
}

// requestSweep nudges the poller so freshly registered batches are picked
// up ahead of its next timer fire. Best effort: the periodic sweep and
// poll interval cover a lost nudge.
func (s *Server) requestSweep(ctx context.Context, batchID string) {
	if s.sweeper == nil {
		return
	}
	_, err := s.sweeper.EnqueueTagSweep(ctx, queue.TagSweepPayload{
		Reason:      queue.SweepReasonSubmission,
		BatchID:     batchID,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("sweep enqueue failed batch_id=%s err=%v", batchID, err)
		return
	}
	s.metrics.sweepsEnqueued.WithLabelValues(queue.SweepReasonSubmission).Inc()
}

func (s *Server) resolveImageURLs(ctx context.Context, in []domain.AssetRef) ([]domain.AssetRef, map[string]string, error) {
	refs := make([]domain.AssetRef, 0, len(in))
	objectKeys := make(map[string]string)
	for _, ref := range in {
		if strings.TrimSpace(ref.ImageURL) != "" {
			refs = append(refs, ref)
			continue
		}

		exists, err := s.storage.ObjectExists(ctx, ref.ObjectKey)
		if err != nil {
			return nil, nil, fmt.Errorf("check object %s: %w", ref.ObjectKey, err)
		}
		if !exists {
			return nil, nil, fmt.Errorf("source object is missing: %s", ref.ObjectKey)
		}

		url, err := s.storage.PresignedGetURL(ctx, ref.ObjectKey, s.presignTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("presign object %s: %w", ref.ObjectKey, err)
		}
		objectKeys[ref.AssetID] = ref.ObjectKey
		ref.ImageURL = url
		refs = append(refs, ref)
	}
	return refs, objectKeys, nil
}

func (s *Server) handleAssetStatus(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ids query parameter is required"})
		return
	}
	if len(ids) > maxStatusQueryIDs {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("at most %d ids per query", maxStatusQueryIDs),
		})
		return
	}

	statuses, err := s.assetStore.StatusByIDs(r.Context(), ids)
	if err != nil {
		s.logger.Printf("status query failed ids=%d err=%v", len(ids), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query asset status"})
		return
	}
	if statuses == nil {
		statuses = []domain.AssetStatus{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"assets": statuses})
}

func splitIDs(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
