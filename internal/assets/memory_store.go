package assets

import (
	"context"
	"sync"
	"time"

	"github.com/storystack/tagflow/internal/domain"
)

type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]domain.Asset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]domain.Asset),
	}
}

func (s *MemoryStore) MarkPending(_ context.Context, assetIDs []string, objectKeys map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range assetIDs {
		asset, ok := s.assets[id]
		if !ok {
			asset = domain.Asset{ID: id, CreatedAt: now}
		}
		if key, has := objectKeys[id]; has && key != "" {
			asset.ObjectKey = key
		}
		asset.AutoTagStatus = domain.AutoTagStatusPending
		asset.UpdatedAt = now
		s.assets[id] = asset
	}
	return nil
}

func (s *MemoryStore) StatusByIDs(_ context.Context, assetIDs []string) ([]domain.AssetStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var statuses []domain.AssetStatus
	for _, id := range assetIDs {
		asset, ok := s.assets[id]
		if !ok {
			continue
		}
		statuses = append(statuses, domain.AssetStatus{
			ID:            asset.ID,
			AutoTagStatus: asset.AutoTagStatus,
		})
	}
	return statuses, nil
}

func (s *MemoryStore) ApplyResults(_ context.Context, results []domain.TagResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, result := range results {
		asset, ok := s.assets[result.AssetID]
		if !ok {
			asset = domain.Asset{ID: result.AssetID, CreatedAt: now}
		}
		asset.Tags = append([]string(nil), result.Tags...)
		if result.Failed {
			asset.AutoTagStatus = domain.AutoTagStatusFailed
		} else {
			asset.AutoTagStatus = domain.AutoTagStatusCompleted
		}
		asset.UpdatedAt = now
		s.assets[result.AssetID] = asset
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, assetID string) (domain.Asset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[assetID]
	return asset, ok, nil
}
