package assets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/storystack/tagflow/internal/domain"
)

var ErrAssetNotFound = errors.New("asset not found")

const assetSchemaSQL = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	object_key TEXT NOT NULL DEFAULT '',
	auto_tag_status TEXT NOT NULL,
	tags TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, assetSchemaSQL); err != nil {
		return fmt.Errorf("ensure assets schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) MarkPending(ctx context.Context, assetIDs []string, objectKeys map[string]string) error {
	if len(assetIDs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, id := range assetIDs {
		_, err := s.db.ExecContext(
			ctx,
			`INSERT INTO assets (id, object_key, auto_tag_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4)
			 ON CONFLICT (id) DO UPDATE
			 SET auto_tag_status = EXCLUDED.auto_tag_status, updated_at = EXCLUDED.updated_at`,
			id,
			objectKeys[id],
			domain.AutoTagStatusPending,
			now,
		)
		if err != nil {
			return fmt.Errorf("mark asset %s pending: %w", id, err)
		}
	}
	return nil
}

func (s *PostgresStore) StatusByIDs(ctx context.Context, assetIDs []string) ([]domain.AssetStatus, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, auto_tag_status FROM assets WHERE id = ANY($1)`,
		pq.Array(assetIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("query asset statuses: %w", err)
	}
	defer rows.Close()

	var statuses []domain.AssetStatus
	for rows.Next() {
		var st domain.AssetStatus
		if err := rows.Scan(&st.ID, &st.AutoTagStatus); err != nil {
			return nil, fmt.Errorf("scan asset status: %w", err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset statuses: %w", err)
	}
	return statuses, nil
}

func (s *PostgresStore) ApplyResults(ctx context.Context, results []domain.TagResult) error {
	if len(results) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, result := range results {
		status := domain.AutoTagStatusCompleted
		if result.Failed {
			status = domain.AutoTagStatusFailed
		}
		_, err := s.db.ExecContext(
			ctx,
			`UPDATE assets
			 SET auto_tag_status = $1, tags = $2, updated_at = $3
			 WHERE id = $4`,
			status,
			pq.Array(result.Tags),
			now,
			result.AssetID,
		)
		if err != nil {
			return fmt.Errorf("apply tags for asset %s: %w", result.AssetID, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, assetID string) (domain.Asset, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, object_key, auto_tag_status, tags, created_at, updated_at
		 FROM assets
		 WHERE id = $1`,
		assetID,
	)

	var asset domain.Asset
	if err := row.Scan(
		&asset.ID,
		&asset.ObjectKey,
		&asset.AutoTagStatus,
		pq.Array(&asset.Tags),
		&asset.CreatedAt,
		&asset.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return domain.Asset{}, false, nil
		}
		return domain.Asset{}, false, fmt.Errorf("query asset: %w", err)
	}

	return asset, true, nil
}
