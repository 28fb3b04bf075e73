package generations

import (
	"context"

	"img2img_alternative/entities"
)

type Repository interface {
	Create(ctx context.Context, generation *entities.ImageGeneration) (*entities.ImageGeneration, error)
	GetByID(ctx context.Context, id string) (*entities.ImageGeneration, error)
	// List returns the most recent generations first.
	List(ctx context.Context, limit int) ([]*entities.ImageGeneration, error)
}
