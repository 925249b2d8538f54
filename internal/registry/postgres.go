package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gearsrt/runtime/internal/domain"
)

// PostgresPersistence is the Postgres-backed Persistence implementation,
// storing each library as a single JSONB document keyed by name.
type PostgresPersistence struct {
	pool *pgxpool.Pool
}

func NewPostgresPersistence(ctx context.Context, dsn string) (*PostgresPersistence, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	p := &PostgresPersistence{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresPersistence) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS libraries (
			name TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresPersistence) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresPersistence) Save(ctx context.Context, lib domain.Library) error {
	data, err := json.Marshal(lib)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO libraries (name, data, created_at, updated_at)
		VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, lib.Name, data, lib.CreatedAt, lib.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	return nil
}

func (p *PostgresPersistence) Delete(ctx context.Context, name string) error {
	ct, err := p.pool.Exec(ctx, `DELETE FROM libraries WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete library: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("library not found: %s", name)
	}
	return nil
}

func (p *PostgresPersistence) List(ctx context.Context) ([]domain.Library, error) {
	rows, err := p.pool.Query(ctx, `SELECT data FROM libraries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	var libs []domain.Library
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		var lib domain.Library
		if err := json.Unmarshal(data, &lib); err != nil {
			continue
		}
		libs = append(libs, lib)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list libraries rows: %w", err)
	}
	return libs, nil
}
