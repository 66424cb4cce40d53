package store

import (
	"context"
	"errors"

	"classattend/internal/model"
)

var (
	// ErrNotFound is returned when no record matches the query predicate.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned on a unique constraint violation.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned when a classroom changed since it was loaded.
	ErrConflict = errors.New("version conflict")
)

// Users persists local user records.
type Users interface {
	// SyncUser inserts u or, when its external id is known, refreshes
	// email, name, image and last login. It returns the stored record.
	SyncUser(ctx context.Context, u *model.User) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
}

// Classrooms persists classrooms. Reads only match active classrooms of the given owner.
type Classrooms interface {
	CreateClassroom(ctx context.Context, c *model.Classroom) error
	ListClassrooms(ctx context.Context, ownerID string) ([]model.Classroom, error)
	GetClassroom(ctx context.Context, ownerID, publicID string) (*model.Classroom, error)
	// UpdateClassroom writes c if the stored version still equals c.Version,
	// then increments c.Version. Otherwise it returns ErrConflict.
	UpdateClassroom(ctx context.Context, c *model.Classroom) error
	DeactivateClassroom(ctx context.Context, ownerID, publicID string) error
}

// Sessions persists attendance sessions, keyed by classroom id.
type Sessions interface {
	// AppendSession stores s and bumps the classroom's session count.
	AppendSession(ctx context.Context, s *model.AttendanceSession) error
	// ListSessions returns a classroom's sessions oldest first.
	ListSessions(ctx context.Context, classroomID string) ([]model.AttendanceSession, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	Users
	Classrooms
	Sessions
	Ping(ctx context.Context) error
	Close() error
}
