package repository

import (
	"context"
	"errors"

	"smallsite/internal/models"
	"smallsite/internal/observability"
)

// ProfileRepository defines the interface for profile data operations
type ProfileRepository interface {
	// GetByUserIDs fetches the profiles of the given users in one request.
	GetByUserIDs(ctx context.Context, userIDs []string) ([]models.Profile, error)
	// GetByUserID returns nil without error when the user has no profile.
	GetByUserID(ctx context.Context, userID string) (*models.Profile, error)
	Upsert(ctx context.Context, profile models.Profile) (*models.Profile, error)
}

type profileRepository struct {
	q   Querier
	log *observability.RemoteLogger
}

func NewProfileRepository(q Querier) ProfileRepository {
	return &profileRepository{q: q, log: observability.NewRemoteLogger(models.KindProfiles.String())}
}

func (r *profileRepository) GetByUserIDs(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	if len(userIDs) == 0 {
		return []models.Profile{}, nil
	}
	var profiles []models.Profile
	err := r.q.From(models.KindProfiles.String()).
		Select("user_id, display_name").
		In("user_id", userIDs).
		Execute(ctx, &profiles)
	if err != nil {
		r.log.LogError(ctx, err, "select_in")
		return nil, err
	}
	if err := validateRows(models.KindProfiles.String(), profiles); err != nil {
		return nil, err
	}
	r.log.LogRead(ctx, map[string]interface{}{"requested": len(userIDs), "rows": len(profiles)})
	return profiles, nil
}

func (r *profileRepository) GetByUserID(ctx context.Context, userID string) (*models.Profile, error) {
	var profiles []models.Profile
	err := r.q.From(models.KindProfiles.String()).
		Select("user_id, display_name, updated_at").
		Eq("user_id", userID).
		Limit(1).
		Execute(ctx, &profiles)
	if err != nil {
		r.log.LogError(ctx, err, "select")
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	if err := profiles[0].Validate(); err != nil {
		return nil, err
	}
	return &profiles[0], nil
}

func (r *profileRepository) Upsert(ctx context.Context, profile models.Profile) (*models.Profile, error) {
	var rows []models.Profile
	err := r.q.From(models.KindProfiles.String()).
		Upsert(profile, "user_id").
		Execute(ctx, &rows)
	if err != nil {
		r.log.LogError(ctx, err, "upsert")
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("upsert returned no profile")
	}
	if err := rows[0].Validate(); err != nil {
		return nil, err
	}
	r.log.LogUpsert(ctx, map[string]interface{}{"user_id": rows[0].UserID})
	return &rows[0], nil
}
