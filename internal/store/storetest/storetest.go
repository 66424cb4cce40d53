// Package storetest runs the same behavioural checks against every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"classattend/internal/model"
	"classattend/internal/store"
)

// Run exercises s. Every call uses fresh ids so a shared database can be reused.
func Run(t *testing.T, s store.Store) {
	t.Run("users", func(t *testing.T) { users(t, s) })
	t.Run("classrooms", func(t *testing.T) { classrooms(t, s) })
	t.Run("sessions", func(t *testing.T) { sessions(t, s) })
}

func newUser() *model.User {
	ext := "ext_" + uuid.NewString()
	return &model.User{ID: uuid.NewString(), ExternalID: ext, Email: ext + "@example.com", Name: "T", Role: model.RoleTeacher, Active: true}
}

func newClassroom(owner string) *model.Classroom {
	return &model.Classroom{
		ID:       uuid.NewString(),
		PublicID: uuid.NewString()[:10],
		OwnerID:  owner,
		Name:     "Room",
		Active:   true,
	}
}

func newOwner(t *testing.T, s store.Store) string {
	t.Helper()
	u, err := s.SyncUser(context.Background(), newUser())
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	return u.ID
}

func users(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := newUser()
	first, err := s.SyncUser(ctx, u)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if first.LastLoginAt == nil {
		t.Fatal("last login not set")
	}

	again := *u
	again.ID = uuid.NewString()
	again.Name = "Renamed"
	second, err := s.SyncUser(ctx, &again)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if second.ID != first.ID || second.Name != "Renamed" {
		t.Fatalf("resync %+v", second)
	}

	clash := newUser()
	clash.Email = u.Email
	if _, err := s.SyncUser(ctx, clash); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("email clash: %v", err)
	}

	second.Institution = "School"
	if err := s.UpdateUser(ctx, second); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetUserByExternalID(ctx, u.ExternalID)
	if err != nil || got.Institution != "School" {
		t.Fatalf("get: %+v %v", got, err)
	}
	if _, err := s.GetUserByExternalID(ctx, "missing-"+uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing user: %v", err)
	}
	byID, err := s.GetUser(ctx, first.ID)
	if err != nil || byID.ExternalID != u.ExternalID {
		t.Fatalf("get by id: %+v %v", byID, err)
	}
	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		if _, err := s.GetUser(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing user %q: %v", id, err)
		}
	}
}

func classrooms(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := newOwner(t, s)
	c := newClassroom(owner)
	if err := s.CreateClassroom(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := newClassroom(owner)
	dup.PublicID = c.PublicID
	if err := s.CreateClassroom(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate public id: %v", err)
	}

	if _, err := s.GetClassroom(ctx, uuid.NewString(), c.PublicID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign owner: %v", err)
	}

	loaded, err := s.GetClassroom(ctx, owner, c.PublicID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stale := *loaded
	loaded.GroupPhotoUploaded = true
	loaded.TempFaces = []model.TempFace{{FaceID: "temp_000", BBox: model.BBox{1, 2, 3, 4}}}
	if err := s.UpdateClassroom(ctx, loaded); err != nil {
		t.Fatalf("update: %v", err)
	}
	if loaded.Version != stale.Version+1 {
		t.Fatalf("version %d after %d", loaded.Version, stale.Version)
	}
	if err := s.UpdateClassroom(ctx, &stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale update: %v", err)
	}

	bad := *loaded
	bad.ModelTrained = true
	if err := s.UpdateClassroom(ctx, &bad); err == nil {
		t.Fatal("invariant violation persisted")
	}

	list, err := s.ListClassrooms(ctx, owner)
	if err != nil || len(list) != 1 || len(list[0].TempFaces) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}

	if err := s.DeactivateClassroom(ctx, owner, c.PublicID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.DeactivateClassroom(ctx, owner, c.PublicID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second deactivate: %v", err)
	}
}

func sessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := newOwner(t, s)
	c := newClassroom(owner)
	if err := s.CreateClassroom(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 2; i >= 0; i-- {
		sess := &model.AttendanceSession{
			ID:            uuid.NewString(),
			ClassroomID:   c.ID,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			TotalStudents: 1,
			Results:       []model.FaceResult{{RollNumber: "R1", Status: model.ResultPresent, BBox: model.BBox{1, 2, 3, 4}}},
		}
		if err := s.AppendSession(ctx, sess); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	list, err := s.ListSessions(ctx, c.ID)
	if err != nil || len(list) != 3 {
		t.Fatalf("list: %d %v", len(list), err)
	}
	if !list[0].CreatedAt.Before(list[2].CreatedAt) {
		t.Fatal("sessions not oldest first")
	}
	if len(list[0].Results) != 1 || list[0].Results[0].BBox != (model.BBox{1, 2, 3, 4}) {
		t.Fatalf("results %+v", list[0].Results)
	}

	got, err := s.GetClassroom(ctx, owner, c.PublicID)
	if err != nil || got.SessionCount != 3 {
		t.Fatalf("session count: %+v %v", got, err)
	}
}
