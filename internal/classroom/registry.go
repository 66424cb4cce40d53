package classroom

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classattend/internal/apperr"
	"classattend/internal/model"
	"classattend/internal/store"
)

const publicIDAttempts = 5

// CreateInput is the user supplied part of a new classroom.
type CreateInput struct {
	Name         string `json:"name"`
	Subject      string `json:"subject"`
	AcademicYear string `json:"academicYear"`
	Description  string `json:"description"`
}

// RegistryStore is the persistence the registry needs.
type RegistryStore interface {
	store.Users
	store.Classrooms
}

// Registry owns classroom records. Every lookup is scoped to the owner.
type Registry struct {
	store RegistryStore
	log   zerolog.Logger
	newID func() (string, error)
}

func NewRegistry(s RegistryStore, log zerolog.Logger) *Registry {
	return &Registry{
		store: s,
		log:   log.With().Str("component", "registry").Logger(),
		newID: newPublicID,
	}
}

// Create stores a new empty classroom for ownerID, which must be a known
// active user.
func (r *Registry) Create(ctx context.Context, ownerID string, in CreateInput) (*model.Classroom, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.Validation("classroom name is required")
	}
	if err := r.checkOwner(ctx, ownerID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Classroom{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Name:         in.Name,
		Subject:      strings.TrimSpace(in.Subject),
		AcademicYear: strings.TrimSpace(in.AcademicYear),
		Description:  strings.TrimSpace(in.Description),
		Active:       true,
		Students:     []model.Student{},
		TempFaces:    []model.TempFace{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for attempt := 1; ; attempt++ {
		id, err := r.newID()
		if err != nil {
			return nil, err
		}
		c.PublicID = id
		err = r.store.CreateClassroom(ctx, c)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) || attempt == publicIDAttempts {
			return nil, apperr.Storage("create classroom", err)
		}
		r.log.Warn().Str("public_id", id).Int("attempt", attempt).Msg("public id collision")
	}

	r.log.Info().Str("classroom", c.PublicID).Str("owner", ownerID).Msg("classroom created")
	return c, nil
}

func (r *Registry) checkOwner(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return apperr.NotFound("user")
	}
	u, err := r.store.GetUser(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("user")
	}
	if err != nil {
		return apperr.Storage("load owner", err)
	}
	if !u.Active {
		return apperr.NotFound("user")
	}
	return nil
}

// List returns the owner's active classrooms, newest first.
func (r *Registry) List(ctx context.Context, ownerID string) ([]model.Classroom, error) {
	out, err := r.store.ListClassrooms(ctx, ownerID)
	if err != nil {
		return nil, apperr.Storage("list classrooms", err)
	}
	for i := range out {
		out[i].Normalize()
	}
	return out, nil
}

// Get returns an active classroom owned by ownerID.
func (r *Registry) Get(ctx context.Context, ownerID, publicID string) (*model.Classroom, error) {
	c, err := r.store.GetClassroom(ctx, ownerID, publicID)
	if err != nil {
		return nil, storeError("load classroom", err)
	}
	c.Normalize()
	return c, nil
}

// SoftDelete marks the classroom inactive. Its sessions are kept.
func (r *Registry) SoftDelete(ctx context.Context, ownerID, publicID string) error {
	if err := r.store.DeactivateClassroom(ctx, ownerID, publicID); err != nil {
		return storeError("delete classroom", err)
	}
	r.log.Info().Str("classroom", publicID).Msg("classroom deactivated")
	return nil
}

func newPublicID() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// storeError maps store sentinels onto application errors.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("classroom")
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict("classroom was modified concurrently, retry")
	default:
		return apperr.Storage(op, err)
	}
}
