package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/storystack/tagflow/internal/assets"
	"github.com/storystack/tagflow/internal/domain"
	"github.com/storystack/tagflow/internal/queue"
	"github.com/storystack/tagflow/internal/registry"
)

type fakeTagger struct {
	outcome domain.SubmissionOutcome
	err     error
	gotRefs []domain.AssetRef
}

func (f *fakeTagger) Submit(_ context.Context, refs []domain.AssetRef) (domain.SubmissionOutcome, error) {
	f.gotRefs = refs
	return f.outcome, f.err
}

type fakeSweeper struct {
	payloads []queue.TagSweepPayload
}

func (f *fakeSweeper) EnqueueTagSweep(_ context.Context, payload queue.TagSweepPayload) (*asynq.TaskInfo, error) {
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (f *fakeStorage) PresignedGetURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://storage.test/" + objectKey + "?signed", nil
}

func (f *fakeStorage) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	return f.objects[objectKey], nil
}

func newTestServer(t *testing.T, tagger *fakeTagger) (*Server, *registry.Registry, *assets.MemoryStore, *fakeSweeper) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	reg := registry.New(logger, registry.NewMemoryStore())
	store := assets.NewMemoryStore()
	sweeper := &fakeSweeper{}
	srv := NewServer(logger, tagger, store, reg, sweeper, Options{
		Storage: &fakeStorage{objects: map[string]bool{"uploads/a2.png": true}},
	})
	return srv, reg, store, sweeper
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAsyncRegistersBatchAndEnqueuesSweep(t *testing.T) {
	tagger := &fakeTagger{outcome: domain.SubmissionOutcome{BatchID: "batch-1"}}
	srv, reg, store, sweeper := newTestServer(t, tagger)

	rec := postJSON(t, srv.Handler(), "/v1/tagging/batches",
		`{"assets":[{"asset_id":"a1","image_url":"http://x/a1.jpg"}]}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["batch_id"] != "batch-1" {
		t.Fatalf("expected batch-1, got %v", resp["batch_id"])
	}

	tracked := reg.List()
	if len(tracked) != 1 || tracked[0].BatchID != "batch-1" {
		t.Fatalf("expected batch-1 tracked, got %v", tracked)
	}
	if len(tracked[0].AssetIDs) != 1 || tracked[0].AssetIDs[0] != "a1" {
		t.Fatalf("expected asset a1 tracked, got %v", tracked[0].AssetIDs)
	}

	status, err := store.StatusByIDs(context.Background(), []string{"a1"})
	if err != nil || len(status) != 1 {
		t.Fatalf("expected a1 marked pending, got %v err=%v", status, err)
	}
	if status[0].AutoTagStatus != domain.AutoTagStatusPending {
		t.Fatalf("expected pending, got %s", status[0].AutoTagStatus)
	}

	if len(sweeper.payloads) != 1 || sweeper.payloads[0].BatchID != "batch-1" {
		t.Fatalf("expected one sweep enqueued for batch-1, got %v", sweeper.payloads)
	}
	if sweeper.payloads[0].Reason != queue.SweepReasonSubmission {
		t.Fatalf("expected submission sweep reason, got %s", sweeper.payloads[0].Reason)
	}
}

type failingPendingStore struct {
	*assets.MemoryStore
}

func (s *failingPendingStore) MarkPending(context.Context, []string, map[string]string) error {
	return errors.New("database down")
}

func TestSubmitAsyncTracksBatchWhenPendingWriteFails(t *testing.T) {
	tagger := &fakeTagger{outcome: domain.SubmissionOutcome{BatchID: "batch-1"}}
	logger := log.New(io.Discard, "", 0)
	reg := registry.New(logger, registry.NewMemoryStore())
	sweeper := &fakeSweeper{}
	store := &failingPendingStore{MemoryStore: assets.NewMemoryStore()}
	srv := NewServer(logger, tagger, store, reg, sweeper, Options{})

	rec := postJSON(t, srv.Handler(), "/v1/tagging/batches",
		`{"assets":[{"asset_id":"a1","image_url":"http://x/a1.jpg"}]}`)

	// The remote service accepted the batch, so the caller gets 202 and
	// the batch is tracked; the missing pending rows poll as pending.
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	tracked := reg.List()
	if len(tracked) != 1 || tracked[0].BatchID != "batch-1" {
		t.Fatalf("expected batch-1 tracked despite pending-write failure, got %v", tracked)
	}
	if len(sweeper.payloads) != 1 {
		t.Fatalf("expected one sweep enqueued, got %d", len(sweeper.payloads))
	}
}

func TestSubmitSyncAppliesResultsImmediately(t *testing.T) {
	tagger := &fakeTagger{outcome: domain.SubmissionOutcome{
		Results: []domain.TagResult{{AssetID: "a1", Tags: []string{"cat"}}},
	}}
	srv, reg, store, sweeper := newTestServer(t, tagger)

	rec := postJSON(t, srv.Handler(), "/v1/tagging/batches",
		`{"assets":[{"asset_id":"a1","image_url":"http://x/a1.jpg"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if reg.Len() != 0 {
		t.Fatal("sync outcome must bypass the registry")
	}
	if len(sweeper.payloads) != 0 {
		t.Fatal("sync outcome must not enqueue a sweep")
	}

	asset, ok, err := store.Get(context.Background(), "a1")
	if err != nil || !ok {
		t.Fatalf("expected asset a1 stored, ok=%v err=%v", ok, err)
	}
	if asset.AutoTagStatus != domain.AutoTagStatusCompleted {
		t.Fatalf("expected completed, got %s", asset.AutoTagStatus)
	}
	if len(asset.Tags) != 1 || asset.Tags[0] != "cat" {
		t.Fatalf("unexpected tags: %v", asset.Tags)
	}
}

func TestSubmitFailureLeavesRegistryUntouched(t *testing.T) {
	tagger := &fakeTagger{err: errors.New("model service down")}
	srv, reg, _, sweeper := newTestServer(t, tagger)

	rec := postJSON(t, srv.Handler(), "/v1/tagging/batches",
		`{"assets":[{"asset_id":"a1","image_url":"http://x/a1.jpg"}]}`)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if reg.Len() != 0 {
		t.Fatal("failed submission must not register a batch")
	}
	if len(sweeper.payloads) != 0 {
		t.Fatal("failed submission must not enqueue a sweep")
	}
}

func TestSubmitResolvesObjectKeysToPresignedURLs(t *testing.T) {
	tagger := &fakeTagger{outcome: domain.SubmissionOutcome{BatchID: "batch-2"}}
	srv, _, _, _ := newTestServer(t, tagger)

	rec := postJSON(t, srv.Handler(), "/v1/tagging/batches",
		`{"assets":[{"asset_id":"a2","object_key":"uploads/a2.png"}]}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(tagger.gotRefs) != 1 {
		t.Fatalf("expected one submitted ref, got %d", len(tagger.gotRefs))
	}
	if !strings.Contains(tagger.gotRefs[0].ImageURL, "uploads/a2.png") {
		t.Fatalf("expected presigned URL for object key, got %s", tagger.gotRefs[0].ImageURL)
	}
}

func TestSubmitRejectsMissingObject(t *testing.T) {
	tagger := &fakeTagger{outcome: domain.SubmissionOutcome{BatchID: "batch-3"}}
	srv, reg, _, _ := newTestServer(t, tagger)

	rec := postJSON(t, srv.Handler(), "/v1/tagging/batches",
		`{"assets":[{"asset_id":"a9","object_key":"uploads/missing.png"}]}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if reg.Len() != 0 {
		t.Fatal("missing object must not register a batch")
	}
}

func TestSubmitRejectsInvalidBody(t *testing.T) {
	tagger := &fakeTagger{}
	srv, _, _, _ := newTestServer(t, tagger)

	rec := postJSON(t, srv.Handler(), "/v1/tagging/batches", `{"assets":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty assets, got %d", rec.Code)
	}

	rec = postJSON(t, srv.Handler(), "/v1/tagging/batches", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestAssetStatusEndpoint(t *testing.T) {
	tagger := &fakeTagger{}
	srv, _, store, _ := newTestServer(t, tagger)

	if err := store.MarkPending(context.Background(), []string{"a1"}, nil); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/assets/status?ids=a1,%20,a2", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Assets []domain.AssetStatus `json:"assets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Assets) != 1 || resp.Assets[0].ID != "a1" {
		t.Fatalf("unexpected statuses: %v", resp.Assets)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/assets/status", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing ids, got %d", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	if got := routeLabel("/v1/tagging/batches"); got != "/v1/tagging/batches" {
		t.Fatalf("unexpected label %s", got)
	}
	if got := routeLabel("/v1/assets/status"); got != "/v1/assets/status" {
		t.Fatalf("unexpected label %s", got)
	}
	if got := routeLabel("/healthz"); got != "/healthz" {
		t.Fatalf("unexpected label %s", got)
	}
}
