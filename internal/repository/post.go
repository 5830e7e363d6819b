package repository

import (
	"context"
	"errors"

	"smallsite/internal/models"
	"smallsite/internal/observability"
)

const postColumns = "id, content, created_at, user_id"

// PostRepository defines the interface for post data operations
type PostRepository interface {
	ListNewestFirst(ctx context.Context) ([]models.Post, error)
	Create(ctx context.Context, post models.NewPost) (*models.Post, error)
}

type postRepository struct {
	q   Querier
	log *observability.RemoteLogger
}

// NewPostRepository creates a new post repository
func NewPostRepository(q Querier) PostRepository {
	return &postRepository{q: q, log: observability.NewRemoteLogger(models.KindPosts.String())}
}

func (r *postRepository) ListNewestFirst(ctx context.Context) ([]models.Post, error) {
	var posts []models.Post
	err := r.q.From(models.KindPosts.String()).
		Select(postColumns).
		Order("created_at", false).
		Execute(ctx, &posts)
	if err != nil {
		r.log.LogError(ctx, err, "select")
		return nil, err
	}
	if err := validateRows(models.KindPosts.String(), posts); err != nil {
		return nil, err
	}
	r.log.LogRead(ctx, map[string]interface{}{"rows": len(posts)})
	return posts, nil
}

func (r *postRepository) Create(ctx context.Context, post models.NewPost) (*models.Post, error) {
	var rows []models.Post
	err := r.q.From(models.KindPosts.String()).
		Insert(post).
		Execute(ctx, &rows)
	if err != nil {
		r.log.LogError(ctx, err, "insert")
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("insert returned no post")
	}
	if err := rows[0].Validate(); err != nil {
		return nil, err
	}
	r.log.LogCreate(ctx, map[string]interface{}{"post_id": rows[0].ID})
	return &rows[0], nil
}
