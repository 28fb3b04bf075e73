package generations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"img2img_alternative/clock"
	"img2img_alternative/entities"
)

const insertGenerationQuery string = `
INSERT INTO image_generations (id, prompt, negative_prompt, sampler_name, steps,
                               cfg_scale, denoising_strength, batch_size, seed, subseed,
                               subseed_strength, extra_generation_params, cache_hit, noise_std,
                               duration_ms, processed, created_at) VALUES
                            (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const selectGenerationColumns string = `
SELECT id, prompt, negative_prompt, sampler_name, steps,
       cfg_scale, denoising_strength, batch_size, seed, subseed,
       subseed_strength, extra_generation_params, cache_hit, noise_std,
       duration_ms, processed, created_at FROM image_generations`

const getGenerationByID = selectGenerationColumns + ` WHERE id = ?;`

const listGenerations = selectGenerationColumns + ` ORDER BY created_at DESC, id LIMIT ?;`

type sqliteRepo struct {
	dbConn *sql.DB
	clock  clock.Clock
}

type Config struct {
	DB    *sql.DB
	Clock clock.Clock
}

func NewRepository(cfg *Config) (Repository, error) {
	if cfg.DB == nil {
		return nil, errors.New("missing DB parameter")
	}

	newRepo := &sqliteRepo{
		dbConn: cfg.DB,
		clock:  cfg.Clock,
	}
	if newRepo.clock == nil {
		newRepo.clock = clock.NewClock()
	}

	return newRepo, nil
}

func (repo *sqliteRepo) Create(ctx context.Context, generation *entities.ImageGeneration) (*entities.ImageGeneration, error) {
	if generation.ID == "" {
		generation.ID = uuid.NewString()
	}
	if generation.CreatedAt.IsZero() {
		generation.CreatedAt = repo.clock.Now()
	}

	extraParams := []byte("{}")
	if generation.ExtraGenerationParams != nil {
		var err error
		if extraParams, err = json.Marshal(generation.ExtraGenerationParams); err != nil {
			return nil, fmt.Errorf("error encoding extra generation params: %w", err)
		}
	}

	_, err := repo.dbConn.ExecContext(ctx, insertGenerationQuery,
		generation.ID, generation.Prompt, generation.NegativePrompt, generation.SamplerName, generation.Steps,
		generation.CfgScale, generation.DenoisingStrength, generation.BatchSize, generation.Seed, generation.Subseed,
		generation.SubseedStrength, string(extraParams), generation.CacheHit, generation.NoiseStd,
		generation.DurationMs, generation.Processed, generation.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return generation, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (*entities.ImageGeneration, error) {
	var generation entities.ImageGeneration
	var extraParams string

	err := row.Scan(
		&generation.ID, &generation.Prompt, &generation.NegativePrompt, &generation.SamplerName, &generation.Steps,
		&generation.CfgScale, &generation.DenoisingStrength, &generation.BatchSize, &generation.Seed, &generation.Subseed,
		&generation.SubseedStrength, &extraParams, &generation.CacheHit, &generation.NoiseStd,
		&generation.DurationMs, &generation.Processed, &generation.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(extraParams), &generation.ExtraGenerationParams); err != nil {
		return nil, err
	}

	return &generation, nil
}

func (repo *sqliteRepo) GetByID(ctx context.Context, id string) (*entities.ImageGeneration, error) {
	return scanGeneration(repo.dbConn.QueryRowContext(ctx, getGenerationByID, id))
}

func (repo *sqliteRepo) List(ctx context.Context, limit int) ([]*entities.ImageGeneration, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := repo.dbConn.QueryContext(ctx, listGenerations, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entities.ImageGeneration
	for rows.Next() {
		generation, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, generation)
	}
	return out, rows.Err()
}
