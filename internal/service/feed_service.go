// Package service assembles the site's view of the remote store and guards writes to it.
package service

import (
	"context"
	"log/slog"

	"smallsite/internal/models"
	"smallsite/internal/observability"
	"smallsite/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// FeedService reads posts, profiles and favorites and joins them client-side.
type FeedService struct {
	postRepo     repository.PostRepository
	profileRepo  repository.ProfileRepository
	favoriteRepo repository.FavoriteRepository
}

func NewFeedService(
	postRepo repository.PostRepository,
	profileRepo repository.ProfileRepository,
	favoriteRepo repository.FavoriteRepository,
) *FeedService {
	return &FeedService{
		postRepo:     postRepo,
		profileRepo:  profileRepo,
		favoriteRepo: favoriteRepo,
	}
}

// LoadViewModel builds the signed-in view: the feed newest first with author
// names, the identity's own profile and its favorites. A post failure aborts the
// load and returns an empty feed with the error; profile and favorite failures
// are logged and leave those parts empty.
func (s *FeedService) LoadViewModel(ctx context.Context, identity *models.Identity) (*models.ViewModel, error) {
	if identity == nil {
		return models.EmptyViewModel(), models.NewUnauthenticatedError("view the feed")
	}

	span, ctx := observability.StartSpan(ctx, "feed.load_view_model", attribute.String("user.id", identity.ID))
	var err error
	defer func() { span.Finish(err) }()

	id := *identity
	vm := models.EmptyViewModel()
	vm.Identity = &id

	var (
		posts     []models.FeedPost
		profile   *models.Profile
		favorites []models.Favorite
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.loadFeed(gctx)
		if err != nil {
			return err
		}
		posts = p
		return nil
	})
	g.Go(func() error {
		p, err := s.profileRepo.GetByUserID(gctx, id.ID)
		if err != nil {
			logPartialFailure(gctx, "own profile", err)
			return nil
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		f, err := s.favoriteRepo.ListByUser(gctx, id.ID)
		if err != nil {
			logPartialFailure(gctx, "favorites", err)
			return nil
		}
		favorites = f
		return nil
	})

	if waitErr := g.Wait(); waitErr != nil {
		err = models.NewRemoteError("load posts", waitErr)
		return vm, err
	}

	vm.Posts = posts
	vm.Profile = profile
	if favorites != nil {
		vm.Favorites = favorites
	}
	return vm, nil
}

// loadFeed emulates a join: posts first, then one batched profile lookup for
// their distinct authors.
func (s *FeedService) loadFeed(ctx context.Context) ([]models.FeedPost, error) {
	posts, err := s.postRepo.ListNewestFirst(ctx)
	if err != nil {
		return nil, err
	}

	feed := make([]models.FeedPost, len(posts))
	seen := make(map[string]struct{}, len(posts))
	authorIDs := make([]string, 0, len(posts))
	for i, p := range posts {
		feed[i] = models.FeedPost{Post: p}
		if _, ok := seen[p.AuthorID]; !ok {
			seen[p.AuthorID] = struct{}{}
			authorIDs = append(authorIDs, p.AuthorID)
		}
	}
	if len(authorIDs) == 0 {
		return feed, nil
	}

	profiles, err := s.profileRepo.GetByUserIDs(ctx, authorIDs)
	if err != nil {
		logPartialFailure(ctx, "author profiles", err)
		return feed, nil
	}

	names := make(map[string]string, len(profiles))
	for _, p := range profiles {
		if p.DisplayName != nil {
			names[p.UserID] = *p.DisplayName
		}
	}
	for i := range feed {
		if name, ok := names[feed[i].AuthorID]; ok {
			feed[i].DisplayName = &name
		}
	}
	return feed, nil
}

// LoadFavorites lists the identity's favorites, newest first.
func (s *FeedService) LoadFavorites(ctx context.Context, identity *models.Identity) ([]models.Favorite, error) {
	if identity == nil {
		return []models.Favorite{}, models.NewUnauthenticatedError("view favorites")
	}
	favs, err := s.favoriteRepo.ListByUser(ctx, identity.ID)
	if err != nil {
		return []models.Favorite{}, models.NewRemoteError("load favorites", err)
	}
	return favs, nil
}

func logPartialFailure(ctx context.Context, part string, err error) {
	observability.GlobalLogger.WarnContext(ctx, "view model part unavailable",
		slog.String("part", part),
		slog.String("error", err.Error()),
		slog.String("correlation_id", observability.ExtractCorrelationID(ctx)),
	)
}
