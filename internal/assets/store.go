package assets

import (
	"context"

	"github.com/storystack/tagflow/internal/domain"
)

// Store owns AssetTagState. The poll loop only ever reads from it
// (StatusByIDs); writes happen on submission and when results land.
type Store interface {
	// MarkPending flips the listed assets to auto_tag_status=pending.
	// Unknown ids are created so a status poll never loses them.
	MarkPending(ctx context.Context, assetIDs []string, objectKeys map[string]string) error

	// StatusByIDs returns the current status of exactly the given ids, in
	// the order the backing store yields them. Ids with no record are
	// omitted.
	StatusByIDs(ctx context.Context, assetIDs []string) ([]domain.AssetStatus, error)

	// ApplyResults writes tags and the terminal status for each result.
	ApplyResults(ctx context.Context, results []domain.TagResult) error

	// Get returns the full asset record.
	Get(ctx context.Context, assetID string) (domain.Asset, bool, error)
}
