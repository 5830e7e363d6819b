package devstack_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"smallsite/internal/devstack"
	"smallsite/internal/models"
	"smallsite/internal/remote"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "anon-integration-key"

type stack struct {
	server *devstack.Server
	http   *httptest.Server
	client *remote.Client
}

func newStack(t *testing.T, autoConfirm bool) *stack {
	t.Helper()
	db, err := devstack.OpenMemory()
	require.NoError(t, err)
	srv := devstack.New(db, devstack.Options{
		APIKey:      apiKey,
		JWTSecret:   "integration-secret-0123456789",
		SiteURL:     "http://site.test/auth/confirm",
		AutoConfirm: autoConfirm,
	})
	hs := httptest.NewServer(adaptor.FiberApp(srv.App()))
	t.Cleanup(hs.Close)

	client, err := remote.New(remote.Options{URL: hs.URL, APIKey: apiKey})
	require.NoError(t, err)
	return &stack{server: srv, http: hs, client: client}
}

func (s *stack) signUp(t *testing.T, email string) (*remote.Auth, *models.Session) {
	t.Helper()
	auth := s.client.NewAuth(remote.NewMemoryStorage(), "sb-auth-token")
	sess, err := auth.SignUp(context.Background(), email, "hunter22", "")
	require.NoError(t, err)
	require.NotNil(t, sess)
	return auth, sess
}

func apiError(t *testing.T, err error) *remote.APIError {
	t.Helper()
	var apiErr *remote.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	return apiErr
}

func TestPasswordSignIn(t *testing.T) {
	t.Parallel()
	st := newStack(t, true)
	ctx := context.Background()
	_, signed := st.signUp(t, "ann@example.test")

	auth := st.client.NewAuth(remote.NewMemoryStorage(), "sb-auth-token")
	sess, err := auth.SignInWithPassword(ctx, "Ann@Example.test", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, signed.User.ID, sess.User.ID)
	assert.Equal(t, "ann@example.test", sess.User.Email)

	_, err = auth.SignInWithPassword(ctx, "ann@example.test", "wrong")
	e := apiError(t, err)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Equal(t, "Invalid login credentials", e.Message)

	_, err = auth.SignUp(ctx, "ann@example.test", "hunter22", "")
	assert.Equal(t, "user_already_exists", apiError(t, err).Code)
}

func TestUnconfirmedSignUpNeedsEmail(t *testing.T) {
	t.Parallel()
	st := newStack(t, false)
	ctx := context.Background()
	auth := st.client.NewAuth(remote.NewMemoryStorage(), "sb-auth-token")

	sess, err := auth.SignUp(ctx, "bob@example.test", "hunter22", "")
	require.NoError(t, err)
	assert.Nil(t, sess)

	_, err = auth.SignInWithPassword(ctx, "bob@example.test", "hunter22")
	assert.Equal(t, "Email not confirmed", apiError(t, err).Message)

	msgs := st.server.Outbox()
	require.Len(t, msgs, 1)
	sess, err = auth.VerifyOTP(ctx, msgs[0].TokenHash, "signup")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.test", sess.User.Email)

	_, err = auth.SignInWithPassword(ctx, "bob@example.test", "hunter22")
	assert.NoError(t, err)
}

func TestMagicLink(t *testing.T) {
	t.Parallel()
	st := newStack(t, false)
	ctx := context.Background()
	auth := st.client.NewAuth(remote.NewMemoryStorage(), "sb-auth-token")

	require.NoError(t, auth.SignInWithOTP(ctx, "cat@example.test", "http://site.test/auth/confirm"))
	msgs := st.server.Outbox()
	require.Len(t, msgs, 1)
	assert.Equal(t, "magiclink", msgs[0].Type)

	link, err := url.Parse(msgs[0].Link)
	require.NoError(t, err)
	assert.Equal(t, "/auth/confirm", link.Path)
	assert.Equal(t, msgs[0].TokenHash, link.Query().Get("token_hash"))

	sess, err := auth.VerifyOTP(ctx, msgs[0].TokenHash, "magiclink")
	require.NoError(t, err)
	assert.Equal(t, "cat@example.test", sess.User.Email)

	_, err = auth.VerifyOTP(ctx, msgs[0].TokenHash, "magiclink")
	e := apiError(t, err)
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Equal(t, "otp_expired", e.Code)
}

func TestVerifyRedirectCarriesSession(t *testing.T) {
	t.Parallel()
	st := newStack(t, false)
	ctx := context.Background()
	auth := st.client.NewAuth(remote.NewMemoryStorage(), "sb-auth-token")
	require.NoError(t, auth.SignInWithOTP(ctx, "dee@example.test", ""))
	hash := st.server.Outbox()[0].TokenHash

	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	req, err := http.NewRequest(http.MethodGet,
		st.http.URL+"/auth/v1/verify?type=magiclink&token_hash="+hash+"&redirect_to="+url.QueryEscape("http://site.test/welcome"), nil)
	require.NoError(t, err)
	req.Header.Set("apikey", apiKey)
	resp, err := noRedirect.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	location := resp.Header.Get("Location")
	sess, err := auth.SetSessionFromURL(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, "dee@example.test", sess.User.Email)
}

func TestRefreshRotatesToken(t *testing.T) {
	t.Parallel()
	st := newStack(t, true)
	ctx := context.Background()
	auth, first := st.signUp(t, "eve@example.test")

	next, err := auth.RefreshSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, next.RefreshToken)

	// The rotated-out token no longer works.
	storage := remote.NewMemoryStorage()
	require.NoError(t, storage.Save(ctx, "k", first))
	stale := st.client.NewAuth(storage, "k")
	_, err = stale.RefreshSession(ctx)
	assert.Equal(t, http.StatusBadRequest, apiError(t, err).Status)
	assert.Nil(t, stale.Session())
}

func TestSignOutRevokesRefreshTokens(t *testing.T) {
	t.Parallel()
	st := newStack(t, true)
	ctx := context.Background()
	auth, first := st.signUp(t, "fay@example.test")

	require.NoError(t, auth.SignOut(ctx))
	assert.Nil(t, auth.Session())

	storage := remote.NewMemoryStorage()
	require.NoError(t, storage.Save(ctx, "k", first))
	again := st.client.NewAuth(storage, "k")
	_, err := again.RefreshSession(ctx)
	assert.Error(t, err)
}

func TestPostsReadableByAllWritableByOwner(t *testing.T) {
	t.Parallel()
	st := newStack(t, true)
	ctx := context.Background()
	auth, sess := st.signUp(t, "ann@example.test")

	var created []models.Post
	err := st.client.Rest(auth).From("posts").
		Insert(models.NewPost{Content: "hello", AuthorID: sess.User.ID}).
		Execute(ctx, &created)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NoError(t, created[0].Validate())

	var posts []models.Post
	err = st.client.Rest(nil).From("posts").Select("id,content,user_id,created_at").
		Order("created_at", false).Execute(ctx, &posts)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0].Content)

	err = st.client.Rest(auth).From("posts").
		Insert(models.NewPost{Content: "forged", AuthorID: "someone-else"}).
		Execute(ctx, nil)
	e := apiError(t, err)
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Equal(t, "42501", e.Code)
}

func TestProfileUpsertKeepsOneRow(t *testing.T) {
	t.Parallel()
	st := newStack(t, true)
	ctx := context.Background()
	auth, sess := st.signUp(t, "ann@example.test")

	for _, name := range []string{"Ann", "Annie"} {
		name := name
		var rows []models.Profile
		err := st.client.Rest(auth).From("profiles").
			Upsert(models.Profile{UserID: sess.User.ID, DisplayName: &name}, "user_id").
			Execute(ctx, &rows)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, name, rows[0].Name())
	}

	var rows []models.Profile
	err := st.client.Rest(nil).From("profiles").
		In("user_id", []string{sess.User.ID}).Execute(ctx, &rows)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Annie", rows[0].Name())
}

func TestFavoritesAreOwnerOnly(t *testing.T) {
	t.Parallel()
	st := newStack(t, true)
	ctx := context.Background()
	ann, annSess := st.signUp(t, "ann@example.test")
	bob, bobSess := st.signUp(t, "bob@example.test")

	var created []models.Favorite
	err := st.client.Rest(ann).From("favorites").
		Insert(models.NewFavorite{UserID: annSess.User.ID, Title: "Go blog"}).
		Execute(ctx, &created)
	require.NoError(t, err)
	require.Len(t, created, 1)
	favID := created[0].ID

	var seen []models.Favorite
	require.NoError(t, st.client.Rest(bob).From("favorites").Execute(ctx, &seen))
	assert.Empty(t, seen)

	var deleted []models.Favorite
	err = st.client.Rest(bob).From("favorites").Delete().
		Match(map[string]string{"id": favID, "user_id": bobSess.User.ID}).
		Execute(ctx, &deleted)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	// Even naming the owner does not let another user delete.
	err = st.client.Rest(bob).From("favorites").Delete().
		Match(map[string]string{"id": favID, "user_id": annSess.User.ID}).
		Execute(ctx, &deleted)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	require.NoError(t, st.client.Rest(ann).From("favorites").Execute(ctx, &seen))
	require.Len(t, seen, 1)

	err = st.client.Rest(ann).From("favorites").Delete().
		Match(map[string]string{"id": favID, "user_id": annSess.User.ID}).
		Execute(ctx, &deleted)
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
}

func TestSeed(t *testing.T) {
	t.Parallel()
	db, err := devstack.OpenMemory()
	require.NoError(t, err)

	users, err := devstack.Seed(context.Background(), db, devstack.SeedOptions{Users: 3, PostsPerUser: 2, Anonymous: 1, Seed: 42})
	require.NoError(t, err)
	require.Len(t, users, 3)

	var posts, profiles int64
	require.NoError(t, db.Model(&models.Post{}).Count(&posts).Error)
	require.NoError(t, db.Model(&models.Profile{}).Count(&profiles).Error)
	assert.EqualValues(t, 6, posts)
	assert.EqualValues(t, 2, profiles)
}
