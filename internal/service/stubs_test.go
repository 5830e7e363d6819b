package service

import (
	"context"
	"errors"
	"testing"

	"smallsite/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postRepoStub is a stub for repository.PostRepository.
type postRepoStub struct {
	listFn   func(context.Context) ([]models.Post, error)
	createFn func(context.Context, models.NewPost) (*models.Post, error)
}

func (s *postRepoStub) ListNewestFirst(ctx context.Context) ([]models.Post, error) {
	return s.listFn(ctx)
}
func (s *postRepoStub) Create(ctx context.Context, post models.NewPost) (*models.Post, error) {
	return s.createFn(ctx, post)
}

func noopPostRepo() *postRepoStub {
	return &postRepoStub{
		listFn: func(context.Context) ([]models.Post, error) { return []models.Post{}, nil },
		createFn: func(_ context.Context, p models.NewPost) (*models.Post, error) {
			return &models.Post{ID: 1, Content: p.Content, AuthorID: p.AuthorID}, nil
		},
	}
}

// profileRepoStub is a stub for repository.ProfileRepository.
type profileRepoStub struct {
	getByUserIDsFn func(context.Context, []string) ([]models.Profile, error)
	getByUserIDFn  func(context.Context, string) (*models.Profile, error)
	upsertFn       func(context.Context, models.Profile) (*models.Profile, error)
}

func (s *profileRepoStub) GetByUserIDs(ctx context.Context, ids []string) ([]models.Profile, error) {
	return s.getByUserIDsFn(ctx, ids)
}
func (s *profileRepoStub) GetByUserID(ctx context.Context, id string) (*models.Profile, error) {
	return s.getByUserIDFn(ctx, id)
}
func (s *profileRepoStub) Upsert(ctx context.Context, p models.Profile) (*models.Profile, error) {
	return s.upsertFn(ctx, p)
}

func noopProfileRepo() *profileRepoStub {
	return &profileRepoStub{
		getByUserIDsFn: func(context.Context, []string) ([]models.Profile, error) { return []models.Profile{}, nil },
		getByUserIDFn:  func(context.Context, string) (*models.Profile, error) { return nil, nil },
		upsertFn:       func(_ context.Context, p models.Profile) (*models.Profile, error) { return &p, nil },
	}
}

// favoriteRepoStub is a stub for repository.FavoriteRepository.
type favoriteRepoStub struct {
	listFn   func(context.Context, string) ([]models.Favorite, error)
	createFn func(context.Context, models.NewFavorite) (*models.Favorite, error)
	deleteFn func(context.Context, string, string) (int, error)
}

func (s *favoriteRepoStub) ListByUser(ctx context.Context, userID string) ([]models.Favorite, error) {
	return s.listFn(ctx, userID)
}
func (s *favoriteRepoStub) Create(ctx context.Context, f models.NewFavorite) (*models.Favorite, error) {
	return s.createFn(ctx, f)
}
func (s *favoriteRepoStub) DeleteOwned(ctx context.Context, id, userID string) (int, error) {
	return s.deleteFn(ctx, id, userID)
}

func noopFavoriteRepo() *favoriteRepoStub {
	return &favoriteRepoStub{
		listFn: func(context.Context, string) ([]models.Favorite, error) { return []models.Favorite{}, nil },
		createFn: func(_ context.Context, f models.NewFavorite) (*models.Favorite, error) {
			return &models.Favorite{ID: "fav-1", UserID: f.UserID, Title: f.Title, URL: f.URL}, nil
		},
		deleteFn: func(context.Context, string, string) (int, error) { return 1, nil },
	}
}

func strPtr(s string) *string { return &s }

// assertCode asserts that err is an AppError with the given code.
func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var appErr *models.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
}
