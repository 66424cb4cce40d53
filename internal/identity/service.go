package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classattend/internal/apperr"
	"classattend/internal/model"
	"classattend/internal/store"
)

// Profile is what the identity provider tells us about a signed-in user.
type Profile struct {
	ExternalID string `json:"clerkUserId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	ImageURL   string `json:"imageUrl"`
}

// ProfileUpdate carries the locally editable user fields.
type ProfileUpdate struct {
	Institution *string     `json:"institution"`
	Role        *model.Role `json:"role"`
}

// Service keeps local user records in sync with the identity provider.
type Service struct {
	users store.Users
	log   zerolog.Logger
}

func NewService(users store.Users, log zerolog.Logger) *Service {
	return &Service{users: users, log: log.With().Str("component", "identity").Logger()}
}

// Sync creates the user on first login and refreshes name, email and
// image on later logins.
func (s *Service) Sync(ctx context.Context, p Profile) (*model.User, error) {
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Name = strings.TrimSpace(p.Name)
	if p.ExternalID == "" || p.Email == "" {
		return nil, apperr.Validation("external id and email are required")
	}

	u, err := s.users.SyncUser(ctx, &model.User{
		ID:         uuid.NewString(),
		ExternalID: p.ExternalID,
		Email:      p.Email,
		Name:       p.Name,
		ImageURL:   p.ImageURL,
		Role:       model.RoleTeacher,
		Active:     true,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Conflict("email already belongs to another user")
	}
	if err != nil {
		return nil, apperr.Storage("sync user", err)
	}
	s.log.Debug().Str("user_id", u.ID).Msg("user synced")
	return u, nil
}

// Resolve maps an auth subject to an active local user.
func (s *Service) Resolve(ctx context.Context, externalID string) (*model.User, error) {
	u, err := s.users.GetUserByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user")
	}
	if err != nil {
		return nil, apperr.Storage("load user", err)
	}
	if !u.Active {
		return nil, apperr.NotFound("user")
	}
	return u, nil
}

// UpdateProfile edits role and institution. Nil fields are left alone.
func (s *Service) UpdateProfile(ctx context.Context, externalID string, upd ProfileUpdate) (*model.User, error) {
	if upd.Role != nil && !upd.Role.Valid() {
		return nil, apperr.Validation("role must be teacher or admin")
	}
	u, err := s.Resolve(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if upd.Institution != nil {
		u.Institution = strings.TrimSpace(*upd.Institution)
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if err := s.users.UpdateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("user")
		}
		return nil, apperr.Storage("update user", err)
	}
	return u, nil
}
