package devstack

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"smallsite/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedPassword is the password of every seeded account.
const SeedPassword = "password123"

// SeedOptions controls demo data generation.
type SeedOptions struct {
	Users        int
	PostsPerUser int
	// MaxDays spreads post timestamps over this many days back.
	MaxDays int
	// Anonymous is the number of seeded users left without a profile.
	Anonymous int
	Seed      int64
}

// Seed creates confirmed demo accounts with profiles, posts and favorites.
func Seed(ctx context.Context, db *gorm.DB, opts SeedOptions) ([]User, error) {
	if opts.Users <= 0 {
		return nil, nil
	}
	if opts.PostsPerUser <= 0 {
		opts.PostsPerUser = 3
	}
	if opts.MaxDays <= 0 {
		opts.MaxDays = 30
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	faker := gofakeit.New(opts.Seed)
	r := rand.New(rand.NewSource(opts.Seed))

	hash, err := bcrypt.GenerateFromPassword([]byte(SeedPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash seed password: %w", err)
	}

	now := time.Now().UTC()
	users := make([]User, 0, opts.Users)
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < opts.Users; i++ {
			confirmed := now
			u := User{
				ID:           uuid.NewString(),
				Email:        fmt.Sprintf("%s%d@example.test", strings.ToLower(faker.Username()), i),
				PasswordHash: string(hash),
				ConfirmedAt:  &confirmed,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.Create(&u).Error; err != nil {
				return err
			}
			users = append(users, u)

			if i >= opts.Anonymous {
				name := faker.Name()
				if err := tx.Create(&models.Profile{UserID: u.ID, DisplayName: &name, UpdatedAt: &confirmed}).Error; err != nil {
					return err
				}
			}

			posts := make([]models.Post, opts.PostsPerUser)
			for j := range posts {
				back := time.Duration(r.Intn(opts.MaxDays*24*60)) * time.Minute
				posts[j] = models.Post{
					Content:   faker.Sentence(8 + r.Intn(12)),
					AuthorID:  u.ID,
					CreatedAt: now.Add(-back),
				}
			}
			if err := tx.Create(&posts).Error; err != nil {
				return err
			}

			url := faker.URL()
			created := now.Add(-time.Duration(r.Intn(opts.MaxDays*24)) * time.Hour)
			fav := models.Favorite{
				ID:        uuid.NewString(),
				UserID:    u.ID,
				Title:     strings.TrimSuffix(faker.Sentence(4), "."),
				URL:       &url,
				CreatedAt: &created,
			}
			if err := tx.Create(&fav).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return users, nil
}
