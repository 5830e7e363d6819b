package repository

import (
	"context"
	"errors"

	"smallsite/internal/models"
	"smallsite/internal/observability"
)

const favoriteColumns = "id, user_id, title, url, created_at"

// FavoriteRepository defines the interface for favorite data operations
type FavoriteRepository interface {
	ListByUser(ctx context.Context, userID string) ([]models.Favorite, error)
	Create(ctx context.Context, fav models.NewFavorite) (*models.Favorite, error)
	// DeleteOwned deletes the favorite only if userID owns it and reports how many rows went.
	DeleteOwned(ctx context.Context, id, userID string) (int, error)
}

type favoriteRepository struct {
	q   Querier
	log *observability.RemoteLogger
}

func NewFavoriteRepository(q Querier) FavoriteRepository {
	return &favoriteRepository{q: q, log: observability.NewRemoteLogger(models.KindFavorites.String())}
}

func (r *favoriteRepository) ListByUser(ctx context.Context, userID string) ([]models.Favorite, error) {
	var favs []models.Favorite
	err := r.q.From(models.KindFavorites.String()).
		Select(favoriteColumns).
		Eq("user_id", userID).
		Order("created_at", false).
		Execute(ctx, &favs)
	if err != nil {
		r.log.LogError(ctx, err, "select")
		return nil, err
	}
	if err := validateRows(models.KindFavorites.String(), favs); err != nil {
		return nil, err
	}
	r.log.LogRead(ctx, map[string]interface{}{"rows": len(favs)})
	return favs, nil
}

func (r *favoriteRepository) Create(ctx context.Context, fav models.NewFavorite) (*models.Favorite, error) {
	var rows []models.Favorite
	err := r.q.From(models.KindFavorites.String()).
		Insert(fav).
		Execute(ctx, &rows)
	if err != nil {
		r.log.LogError(ctx, err, "insert")
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("insert returned no favorite")
	}
	if err := rows[0].Validate(); err != nil {
		return nil, err
	}
	r.log.LogCreate(ctx, map[string]interface{}{"favorite_id": rows[0].ID})
	return &rows[0], nil
}

func (r *favoriteRepository) DeleteOwned(ctx context.Context, id, userID string) (int, error) {
	var rows []models.Favorite
	err := r.q.From(models.KindFavorites.String()).
		Delete().
		Match(map[string]string{"id": id, "user_id": userID}).
		Execute(ctx, &rows)
	if err != nil {
		r.log.LogError(ctx, err, "delete")
		return 0, err
	}
	r.log.LogDelete(ctx, map[string]interface{}{"favorite_id": id, "rows": len(rows)})
	return len(rows), nil
}
