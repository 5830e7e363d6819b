// Package models contains data structures for the site's domain models.
package models

// EntityKind names a remote table the site reads and writes.
type EntityKind string

const (
	KindPosts     EntityKind = "posts"
	KindProfiles  EntityKind = "profiles"
	KindFavorites EntityKind = "favorites"
)

func (k EntityKind) String() string { return string(k) }
