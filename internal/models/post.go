package models

import (
	"errors"
	"time"
)

// AnonymousName is rendered for posts whose author has no profile.
const AnonymousName = "anonymous"

// Post is a published entry in the public feed. Posts are immutable once created.
type Post struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	AuthorID  string    `gorm:"column:user_id;not null;index" json:"user_id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the remote table name independent of the Go type name.
func (Post) TableName() string { return string(KindPosts) }

// Validate checks the fields every stored post row carries.
func (p *Post) Validate() error {
	switch {
	case p.ID == 0:
		return errors.New("post row missing id")
	case p.AuthorID == "":
		return errors.New("post row missing user_id")
	case p.CreatedAt.IsZero():
		return errors.New("post row missing created_at")
	}
	return nil
}

// NewPost is the insert payload for a post.
type NewPost struct {
	Content  string `json:"content"`
	AuthorID string `json:"user_id"`
}

// FeedPost is a post joined client-side with its author's display name.
type FeedPost struct {
	Post
	// DisplayName is nil when the author has no profile or the lookup failed.
	DisplayName *string `json:"display_name,omitempty"`
}

// Name returns the display name to render for the post's author.
func (p FeedPost) Name() string {
	if p.DisplayName == nil || *p.DisplayName == "" {
		return AnonymousName
	}
	return *p.DisplayName
}
