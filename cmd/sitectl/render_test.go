package main

import (
	"bytes"
	"testing"
	"time"

	"smallsite/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRenderFeed(t *testing.T) {
	t.Parallel()

	ann := "Ann"
	now := time.Now()
	vm := &models.ViewModel{
		Identity: &models.Identity{ID: "u1", Email: "ann@example.com"},
		Profile:  &models.Profile{UserID: "u1", DisplayName: &ann},
		Posts: []models.FeedPost{
			{Post: models.Post{ID: 2, Content: "second", AuthorID: "u1", CreatedAt: now}, DisplayName: &ann},
			{Post: models.Post{ID: 1, Content: "first", AuthorID: "u2", CreatedAt: now.Add(-time.Hour)}},
		},
	}

	tests := []struct {
		name     string
		limit    int
		contains []string
		excludes []string
	}{
		{name: "all posts", limit: 0, contains: []string{"ann@example.com", "Ann", "second", "anonymous", "first"}},
		{name: "limited", limit: 1, contains: []string{"second"}, excludes: []string{"first"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			renderFeed(&buf, vm, tt.limit)
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestRenderFeedEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderFeed(&buf, models.EmptyViewModel(), 10)
	assert.Equal(t, "no posts yet\n", buf.String())
}

func TestRenderFavorites(t *testing.T) {
	t.Parallel()

	link := "https://go.dev"
	var buf bytes.Buffer
	renderFavorites(&buf, []models.Favorite{
		{ID: "f1", UserID: "u1", Title: "Go", URL: &link},
		{ID: "f2", UserID: "u1", Title: "No link"},
	})
	assert.Contains(t, buf.String(), "https://go.dev")
	assert.Contains(t, buf.String(), "No link")

	buf.Reset()
	renderFavorites(&buf, nil)
	assert.Equal(t, "no favorites\n", buf.String())
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	assert.Contains(t, describe(models.NewUnauthenticatedError("publish")), "sitectl login")
	assert.Equal(t, "SUPABASE_URL and SUPABASE_ANON_KEY must be set",
		describe(models.NewClientUnavailableError(nil)))
}
