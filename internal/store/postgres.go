// Package store is the persistence boundary: once a block-list room's edits
// settle, the agreed sort keys are committed to the durable block rows. All
// other page/block CRUD lives with the main API, not here.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BlockOrder is one block's agreed position, identified by its sort key.
type BlockOrder struct {
	BlockID string
	SortKey string
}

// Postgres commits settled block order to the durable block rows.
type Postgres struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// CommitBlockOrder writes the agreed sort keys for a page's blocks in one
// batch. Rows for blocks the CRUD path has since deleted are skipped by the
// WHERE clause; that is fine, the order only matters for rows that exist.
func (s *Postgres) CommitBlockOrder(ctx context.Context, pageID string, order []BlockOrder) error {
	if len(order) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range order {
		batch.Queue(
			`UPDATE blocks SET sort_key = $1, updated_at = now() WHERE id = $2 AND page_id = $3`,
			b.SortKey, b.BlockID, pageID,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range order {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("commit block order for page %s: %w", pageID, err)
		}
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}
