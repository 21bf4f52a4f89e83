package repo

import (
	"context"
	"errors"
	"time"

	"github.com/fanoutlabs/crossposter/internal/model"
)

var ErrNotFound = errors.New("post not found")

type PostRepository interface {
	Insert(ctx context.Context, body string, scheduledAt *time.Time, recurring bool) (model.Post, error)
	UpdateBody(ctx context.Context, id, body string) error
	GetDue(ctx context.Context, asOf time.Time) ([]model.Post, error)
	MarkQueued(ctx context.Context, id string) error
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	List(ctx context.Context, limit, offset int) ([]model.Post, error)
}
