package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	AutoTagStatusPending   = "pending"
	AutoTagStatusCompleted = "completed"
	AutoTagStatusFailed    = "failed"
)

// Asset is the tag-state record owned by the asset store. The tagging
// service never mutates Tags directly except through ApplyResults.
type Asset struct {
	ID            string
	ObjectKey     string
	AutoTagStatus string
	Tags          []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AssetStatus is the batched status-query projection.
type AssetStatus struct {
	ID            string `json:"id"`
	AutoTagStatus string `json:"auto_tag_status"`
}

// Terminal reports whether the asset has stopped being worth polling.
func (s AssetStatus) Terminal() bool {
	return s.AutoTagStatus == AutoTagStatusCompleted || s.AutoTagStatus == AutoTagStatusFailed
}

type AssetRef struct {
	AssetID   string `json:"asset_id"`
	ImageURL  string `json:"image_url,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
}

type SubmitRequest struct {
	Assets []AssetRef `json:"assets"`
}

func (r SubmitRequest) Validate() error {
	if len(r.Assets) == 0 {
		return errors.New("assets must contain at least one entry")
	}
	seen := make(map[string]struct{}, len(r.Assets))
	for i, ref := range r.Assets {
		if strings.TrimSpace(ref.AssetID) == "" {
			return fmt.Errorf("assets[%d].asset_id is required", i)
		}
		if _, dup := seen[ref.AssetID]; dup {
			return fmt.Errorf("assets[%d].asset_id is duplicated: %s", i, ref.AssetID)
		}
		seen[ref.AssetID] = struct{}{}
		if strings.TrimSpace(ref.ImageURL) == "" && strings.TrimSpace(ref.ObjectKey) == "" {
			return fmt.Errorf("assets[%d] requires image_url or object_key", i)
		}
	}
	return nil
}

func (r SubmitRequest) AssetIDs() []string {
	ids := make([]string, 0, len(r.Assets))
	for _, ref := range r.Assets {
		ids = append(ids, ref.AssetID)
	}
	return ids
}

// TagResult is one asset's tags as produced by the model service.
type TagResult struct {
	AssetID string   `json:"asset_id"`
	Tags    []string `json:"tags"`
	Failed  bool     `json:"failed,omitempty"`
}

// SubmissionOutcome is the tagged variant returned by the tagger: either
// the service accepted the batch for asynchronous processing (BatchID set)
// or it tagged inline (Results set). Exactly one side is populated.
type SubmissionOutcome struct {
	BatchID string
	Results []TagResult
}

func (o SubmissionOutcome) Async() bool {
	return o.BatchID != ""
}

// TrackedBatch is one registry entry: a batch id plus the asset ids whose
// tagging outcome has not yet been confirmed terminal by a poll.
// SubmittedAt is informational only.
type TrackedBatch struct {
	BatchID     string    `json:"batch_id"`
	AssetIDs    []string  `json:"asset_ids"`
	SubmittedAt time.Time `json:"submitted_at"`
}
