package service

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"smallsite/internal/models"
	"smallsite/internal/observability"
	"smallsite/internal/repository"
)

// Reloader refreshes the view after a successful write.
type Reloader interface {
	Reload(ctx context.Context) error
}

const (
	maxPostLength  = 5000
	maxNameLength  = 80
	maxTitleLength = 200
)

// MutationGateway performs authenticated writes. At most one write per entity
// kind is in flight; a second one is refused with BUSY instead of queued.
type MutationGateway struct {
	postRepo     repository.PostRepository
	profileRepo  repository.ProfileRepository
	favoriteRepo repository.FavoriteRepository
	reloader     Reloader
	now          func() time.Time

	busy map[models.EntityKind]*atomic.Bool
}

// NewMutationGateway wires the gateway. reloader may be nil.
func NewMutationGateway(
	postRepo repository.PostRepository,
	profileRepo repository.ProfileRepository,
	favoriteRepo repository.FavoriteRepository,
	reloader Reloader,
) *MutationGateway {
	return &MutationGateway{
		postRepo:     postRepo,
		profileRepo:  profileRepo,
		favoriteRepo: favoriteRepo,
		reloader:     reloader,
		now:          time.Now,
		busy: map[models.EntityKind]*atomic.Bool{
			models.KindPosts:     {},
			models.KindProfiles:  {},
			models.KindFavorites: {},
		},
	}
}

// Busy reports whether a write of kind is in flight.
func (g *MutationGateway) Busy(kind models.EntityKind) bool {
	b, ok := g.busy[kind]
	return ok && b.Load()
}

// guarded runs write under kind's busy guard and reloads the view when it succeeds.
func (g *MutationGateway) guarded(ctx context.Context, kind models.EntityKind, write func(ctx context.Context) error) error {
	guard := g.busy[kind]
	if !guard.CompareAndSwap(false, true) {
		observability.MutationsRejectedBusy.WithLabelValues(kind.String()).Inc()
		return models.NewBusyError(kind)
	}
	defer guard.Store(false)

	if err := write(ctx); err != nil {
		return err
	}

	if g.reloader != nil {
		if err := g.reloader.Reload(ctx); err != nil {
			// The write is committed; a failed reload only leaves the view stale.
			observability.GlobalLogger.WarnContext(ctx, "reload after write failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func remoteWriteError(ctx context.Context, kind models.EntityKind, operation string, err error) error {
	observability.NewRemoteLogger(kind.String()).LogError(ctx, err, operation)
	return models.NewRemoteError(operation, err)
}

// CreatePost publishes content as identity.
func (g *MutationGateway) CreatePost(ctx context.Context, identity *models.Identity, content string) (*models.Post, error) {
	if identity == nil {
		return nil, models.NewUnauthenticatedError("post")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("post content is required")
	}
	if len(content) > maxPostLength {
		return nil, models.NewValidationError("post content is too long")
	}

	var created *models.Post
	err := g.guarded(ctx, models.KindPosts, func(ctx context.Context) error {
		p, err := g.postRepo.Create(ctx, models.NewPost{Content: content, AuthorID: identity.ID})
		if err != nil {
			return remoteWriteError(ctx, models.KindPosts, "create post", err)
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SaveDisplayName creates or replaces identity's profile.
func (g *MutationGateway) SaveDisplayName(ctx context.Context, identity *models.Identity, name string) (*models.Profile, error) {
	if identity == nil {
		return nil, models.NewUnauthenticatedError("save your name")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.NewValidationError("display name is required")
	}
	if len(name) > maxNameLength {
		return nil, models.NewValidationError("display name is too long")
	}

	var saved *models.Profile
	err := g.guarded(ctx, models.KindProfiles, func(ctx context.Context) error {
		now := g.now().UTC()
		p, err := g.profileRepo.Upsert(ctx, models.Profile{
			UserID:      identity.ID,
			DisplayName: &name,
			UpdatedAt:   &now,
		})
		if err != nil {
			return remoteWriteError(ctx, models.KindProfiles, "save profile", err)
		}
		saved = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// AddFavorite bookmarks title, and optionally link, for identity.
func (g *MutationGateway) AddFavorite(ctx context.Context, identity *models.Identity, title, link string) (*models.Favorite, error) {
	if identity == nil {
		return nil, models.NewUnauthenticatedError("save favorites")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, models.NewValidationError("title is required")
	}
	if len(title) > maxTitleLength {
		return nil, models.NewValidationError("title is too long")
	}
	var linkPtr *string
	if link = strings.TrimSpace(link); link != "" {
		u, err := url.ParseRequestURI(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, models.NewValidationError("url must be an http or https address")
		}
		linkPtr = &link
	}

	var created *models.Favorite
	err := g.guarded(ctx, models.KindFavorites, func(ctx context.Context) error {
		f, err := g.favoriteRepo.Create(ctx, models.NewFavorite{UserID: identity.ID, Title: title, URL: linkPtr})
		if err != nil {
			return remoteWriteError(ctx, models.KindFavorites, "add favorite", err)
		}
		created = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteFavorite removes one of identity's favorites. A favorite that does not
// exist or belongs to someone else is NOT_FOUND.
func (g *MutationGateway) DeleteFavorite(ctx context.Context, identity *models.Identity, favoriteID string) error {
	if identity == nil {
		return models.NewUnauthenticatedError("remove favorites")
	}
	favoriteID = strings.TrimSpace(favoriteID)
	if favoriteID == "" {
		return models.NewValidationError("favorite id is required")
	}

	return g.guarded(ctx, models.KindFavorites, func(ctx context.Context) error {
		n, err := g.favoriteRepo.DeleteOwned(ctx, favoriteID, identity.ID)
		if err != nil {
			return remoteWriteError(ctx, models.KindFavorites, "remove favorite", err)
		}
		if n == 0 {
			return models.NewNotFoundError("favorite", favoriteID)
		}
		return nil
	})
}
