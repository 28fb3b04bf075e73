package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "img2img_alternative.db"

const createGenerationsTable = `
CREATE TABLE IF NOT EXISTS image_generations (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	negative_prompt TEXT NOT NULL,
	sampler_name TEXT NOT NULL,
	steps INTEGER NOT NULL,
	cfg_scale REAL NOT NULL,
	denoising_strength REAL NOT NULL,
	batch_size INTEGER NOT NULL,
	seed INTEGER NOT NULL,
	subseed INTEGER NOT NULL,
	subseed_strength REAL NOT NULL,
	extra_generation_params TEXT NOT NULL DEFAULT '{}',
	cache_hit INTEGER NOT NULL DEFAULT 0,
	noise_std REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
`

const createGenerationsIndex = `
CREATE INDEX IF NOT EXISTS image_generations_created_at ON image_generations (created_at);
`

var migrations = []string{createGenerationsTable, createGenerationsIndex}

// New opens the database at path and applies the schema.
func New(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database: %w", err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error migrating sqlite database: %w", err)
		}
	}

	return db, nil
}
