package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"smallsite/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloaderStub struct {
	calls atomic.Int32
	err   error
}

func (r *reloaderStub) Reload(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func TestMutationGateway_RequiresIdentity(t *testing.T) {
	t.Parallel()

	posts := noopPostRepo()
	posts.createFn = func(context.Context, models.NewPost) (*models.Post, error) {
		t.Error("no request may be sent without an identity")
		return nil, nil
	}
	reload := &reloaderStub{}
	g := NewMutationGateway(posts, noopProfileRepo(), noopFavoriteRepo(), reload)
	ctx := context.Background()

	_, err := g.CreatePost(ctx, nil, "hello")
	assertCode(t, err, models.CodeUnauthenticated)
	_, err = g.SaveDisplayName(ctx, nil, "Ann")
	assertCode(t, err, models.CodeUnauthenticated)
	_, err = g.AddFavorite(ctx, nil, "Go", "")
	assertCode(t, err, models.CodeUnauthenticated)
	assertCode(t, g.DeleteFavorite(ctx, nil, "f1"), models.CodeUnauthenticated)

	assert.Zero(t, reload.calls.Load())
}

func TestMutationGateway_Validation(t *testing.T) {
	t.Parallel()

	g := NewMutationGateway(noopPostRepo(), noopProfileRepo(), noopFavoriteRepo(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"blank post", func() error { _, err := g.CreatePost(ctx, ann, "   "); return err }},
		{"blank name", func() error { _, err := g.SaveDisplayName(ctx, ann, "\t"); return err }},
		{"blank title", func() error { _, err := g.AddFavorite(ctx, ann, "", "https://go.dev"); return err }},
		{"bad url", func() error { _, err := g.AddFavorite(ctx, ann, "Go", "not a url"); return err }},
		{"non-http url", func() error { _, err := g.AddFavorite(ctx, ann, "Go", "javascript:alert(1)"); return err }},
		{"blank favorite id", func() error { return g.DeleteFavorite(ctx, ann, " ") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertCode(t, tt.run(), models.CodeValidation)
		})
	}
}

func TestMutationGateway_CreatePostReloadsBeforeReturning(t *testing.T) {
	t.Parallel()

	var sent models.NewPost
	posts := noopPostRepo()
	posts.createFn = func(_ context.Context, p models.NewPost) (*models.Post, error) {
		sent = p
		return &models.Post{ID: 7, Content: p.Content, AuthorID: p.AuthorID}, nil
	}
	reload := &reloaderStub{}
	g := NewMutationGateway(posts, noopProfileRepo(), noopFavoriteRepo(), reload)

	p, err := g.CreatePost(context.Background(), ann, "  hello world ")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ID)
	assert.Equal(t, models.NewPost{Content: "hello world", AuthorID: "u1"}, sent)
	assert.Equal(t, int32(1), reload.calls.Load())
	assert.False(t, g.Busy(models.KindPosts))
}

func TestMutationGateway_SaveDisplayNameUpsertsWithTimestamp(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	var sent models.Profile
	profiles := noopProfileRepo()
	profiles.upsertFn = func(_ context.Context, p models.Profile) (*models.Profile, error) {
		sent = p
		return &p, nil
	}
	g := NewMutationGateway(noopPostRepo(), profiles, noopFavoriteRepo(), nil)
	g.now = func() time.Time { return fixed }

	saved, err := g.SaveDisplayName(context.Background(), ann, " Ann ")
	require.NoError(t, err)
	assert.Equal(t, "u1", sent.UserID)
	assert.Equal(t, "Ann", *sent.DisplayName)
	assert.True(t, fixed.Equal(*sent.UpdatedAt))
	assert.Equal(t, "Ann", saved.Name())
}

func TestMutationGateway_BusyGuardPerKind(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var creates atomic.Int32
	posts := noopPostRepo()
	posts.createFn = func(_ context.Context, p models.NewPost) (*models.Post, error) {
		creates.Add(1)
		close(entered)
		<-release
		return &models.Post{ID: 1, Content: p.Content, AuthorID: p.AuthorID}, nil
	}
	g := NewMutationGateway(posts, noopProfileRepo(), noopFavoriteRepo(), nil)

	done := make(chan error)
	go func() {
		_, err := g.CreatePost(context.Background(), ann, "first")
		done <- err
	}()
	<-entered
	assert.True(t, g.Busy(models.KindPosts))

	_, err := g.CreatePost(context.Background(), ann, "second")
	assertCode(t, err, models.CodeBusy)

	// Other kinds are not blocked.
	_, err = g.SaveDisplayName(context.Background(), ann, "Ann")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), creates.Load())
	assert.False(t, g.Busy(models.KindPosts))
}

func TestMutationGateway_RemoteFailureReleasesGuard(t *testing.T) {
	t.Parallel()

	favs := noopFavoriteRepo()
	favs.createFn = func(context.Context, models.NewFavorite) (*models.Favorite, error) {
		return nil, errors.New("insert rejected")
	}
	reload := &reloaderStub{}
	g := NewMutationGateway(noopPostRepo(), noopProfileRepo(), favs, reload)

	_, err := g.AddFavorite(context.Background(), ann, "Go", "https://go.dev")
	assertCode(t, err, models.CodeRemote)
	assert.False(t, g.Busy(models.KindFavorites))
	assert.Zero(t, reload.calls.Load())

	favs.createFn = noopFavoriteRepo().createFn
	f, err := g.AddFavorite(context.Background(), ann, "Go", "https://go.dev")
	require.NoError(t, err)
	assert.Equal(t, "https://go.dev", *f.URL)
	assert.Equal(t, int32(1), reload.calls.Load())
}

func TestMutationGateway_DeleteFavoriteMatchesOwner(t *testing.T) {
	t.Parallel()

	var gotID, gotOwner string
	favs := noopFavoriteRepo()
	favs.deleteFn = func(_ context.Context, id, owner string) (int, error) {
		gotID, gotOwner = id, owner
		return 0, nil
	}
	reload := &reloaderStub{}
	g := NewMutationGateway(noopPostRepo(), noopProfileRepo(), favs, reload)

	err := g.DeleteFavorite(context.Background(), ann, "f-other")
	assertCode(t, err, models.CodeNotFound)
	assert.Equal(t, "f-other", gotID)
	assert.Equal(t, "u1", gotOwner)
	assert.Zero(t, reload.calls.Load())

	favs.deleteFn = func(context.Context, string, string) (int, error) { return 1, nil }
	require.NoError(t, g.DeleteFavorite(context.Background(), ann, "f-mine"))
	assert.Equal(t, int32(1), reload.calls.Load())
}

func TestMutationGateway_ReloadFailureDoesNotFailWrite(t *testing.T) {
	t.Parallel()

	reload := &reloaderStub{err: errors.New("reload failed")}
	g := NewMutationGateway(noopPostRepo(), noopProfileRepo(), noopFavoriteRepo(), reload)

	_, err := g.CreatePost(context.Background(), ann, "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(1), reload.calls.Load())
}
