package cache

import (
	"context"
	"time"

	"clubops/backend/internal/domain"
)

// BoardCache holds the assembled live floor board. Writes that change
// what the floor looks like invalidate it; readers fall through to the
// store on a miss.
type BoardCache interface {
	Get(ctx context.Context) (*domain.LiveBoard, bool, error)
	Set(ctx context.Context, board *domain.LiveBoard, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopBoardCache struct{}

func (NoopBoardCache) Get(_ context.Context) (*domain.LiveBoard, bool, error) {
	return nil, false, nil
}

func (NoopBoardCache) Set(_ context.Context, _ *domain.LiveBoard, _ time.Duration) error {
	return nil
}

func (NoopBoardCache) Invalidate(_ context.Context) error {
	return nil
}
