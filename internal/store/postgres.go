package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quivertree/invoicemem/internal/memory"
	"go.uber.org/zap"
)

// Postgres is the production memory store backed by a pgx connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() {
	s.db.Close()
}

// Save upserts a memory record keyed by id.
func (s *Postgres) Save(ctx context.Context, m *memory.Memory) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO memories (id, kind, content, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   kind=EXCLUDED.kind, content=EXCLUDED.content,
		   source=EXCLUDED.source, updated_at=EXCLUDED.updated_at`,
		m.ID, string(m.Kind), m.Content, m.Source, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w", m.ID, err)
	}
	return nil
}

// GetByID returns a single memory, or memory.ErrNotFound.
func (s *Postgres) GetByID(ctx context.Context, id string) (*memory.Memory, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, kind, content, source, created_at, updated_at
		 FROM memories WHERE id=$1`, id)

	var m memory.Memory
	var kind string
	err := row.Scan(&m.ID, &kind, &m.Content, &m.Source, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	m.Kind = memory.Kind(kind)
	return &m, nil
}

// SearchByText performs a case-insensitive substring match against content.
// Rows come back in insertion order; ranking is the caller's job.
func (s *Postgres) SearchByText(ctx context.Context, query string, limit int) ([]*memory.Memory, error) {
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, kind, content, source, created_at, updated_at
		 FROM memories WHERE content ILIKE '%' || $1 || '%'
		 ORDER BY created_at LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		var m memory.Memory
		var kind string
		if err := rows.Scan(&m.ID, &kind, &m.Content, &m.Source, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Kind = memory.Kind(kind)
		out = append(out, &m)
	}
	return out, rows.Err()
}
