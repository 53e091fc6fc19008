package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const historyCacheSize = 1024

// Postgres is a Ledger backed by a Postgres table. Reads go through an LRU
// of per-pipeline histories that is invalidated on append.
type Postgres struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error

	cache *historyCache
}

// historyCache holds per-pipeline histories. Every invalidation bumps the
// pipeline's generation, and a read only populates the cache if the
// generation it started under is still current, so a query that raced an
// append never caches the shorter history.
type historyCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, []Entry]
	gens    map[string]uint64
}

func newHistoryCache(size int) (*historyCache, error) {
	entries, err := lru.New[string, []Entry](size)
	if err != nil {
		return nil, err
	}
	return &historyCache{entries: entries, gens: make(map[string]uint64)}, nil
}

// get returns the cached history, or the generation a read must present to
// store.
func (c *historyCache) get(pipelineID string) ([]Entry, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.entries.Get(pipelineID); ok {
		return append([]Entry(nil), cached...), 0, true
	}
	return nil, c.gens[pipelineID], false
}

func (c *historyCache) store(pipelineID string, gen uint64, history []Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[pipelineID] != gen {
		return false
	}
	c.entries.Add(pipelineID, append([]Entry(nil), history...))
	return true
}

func (c *historyCache) invalidate(pipelineID string) {
	c.mu.Lock()
	c.gens[pipelineID]++
	c.entries.Remove(pipelineID)
	c.mu.Unlock()
}

// NewPostgres opens dsn with the pgx driver and checks connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	return newPostgres(db)
}

func newPostgres(db *sql.DB) (*Postgres, error) {
	cache, err := newHistoryCache(historyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: db, cache: cache}, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	p.schemaOnce.Do(func() {
		_, p.schemaErr = p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS step_acknowledgments (
  id BIGSERIAL PRIMARY KEY,
  pipeline_id TEXT NOT NULL,
  step_id TEXT NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  acknowledged_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_acknowledgments_pipeline_id ON step_acknowledgments (pipeline_id);
`)
	})
	return p.schemaErr
}

func (p *Postgres) Append(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	if err := p.ensureSchema(ctx); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO step_acknowledgments (pipeline_id, step_id, comment, user_id, acknowledged_at)
VALUES ($1, $2, $3, $4, $5)`,
		e.PipelineID, e.StepID, e.Comment, e.UserID, e.At.UTC())
	if err != nil {
		return fmt.Errorf("append acknowledgment: %w", err)
	}
	p.cache.invalidate(e.PipelineID)
	return nil
}

func (p *Postgres) List(ctx context.Context, pipelineID string) ([]Entry, error) {
	pipelineID = strings.TrimSpace(pipelineID)
	cached, gen, ok := p.cache.get(pipelineID)
	if ok {
		return cached, nil
	}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT pipeline_id, step_id, comment, user_id, acknowledged_at
FROM step_acknowledgments
WHERE pipeline_id = $1
ORDER BY acknowledged_at ASC, id ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgments: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PipelineID, &e.StepID, &e.Comment, &e.UserID, &e.At); err != nil {
			return nil, fmt.Errorf("scan acknowledgment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list acknowledgments: %w", err)
	}
	p.cache.store(pipelineID, gen, out)
	return out, nil
}

// Close releases the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
