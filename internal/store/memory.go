package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"classattend/internal/model"
)

// Memory is a mutex-guarded in-process store for development and tests.
type Memory struct {
	mu         sync.Mutex
	users      map[string]*model.User // by external id
	classrooms map[string]*model.Classroom
	sessions   map[string][]model.AttendanceSession
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]*model.User),
		classrooms: make(map[string]*model.Classroom),
		sessions:   make(map[string][]model.AttendanceSession),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) SyncUser(_ context.Context, u *model.User) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ext, other := range m.users {
		if ext != u.ExternalID && other.Email == u.Email {
			return nil, ErrDuplicate
		}
	}
	now := time.Now().UTC()
	if cur, ok := m.users[u.ExternalID]; ok {
		cur.Email = u.Email
		cur.Name = u.Name
		cur.ImageURL = u.ImageURL
		cur.LastLoginAt = &now
		cur.UpdatedAt = now
		out := *cur
		return &out, nil
	}
	stored := *u
	stored.LastLoginAt = &now
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.users[u.ExternalID] = &stored
	out := stored
	return &out, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			out := *u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetUserByExternalID(_ context.Context, externalID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (m *Memory) UpdateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ExternalID]; !ok {
		return ErrNotFound
	}
	stored := *u
	stored.UpdatedAt = time.Now().UTC()
	m.users[u.ExternalID] = &stored
	*u = stored
	return nil
}

func (m *Memory) CreateClassroom(_ context.Context, c *model.Classroom) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.classrooms {
		if other.PublicID == c.PublicID {
			return ErrDuplicate
		}
	}
	c.Version = 1
	m.classrooms[c.ID] = cloneClassroom(c)
	return nil
}

func (m *Memory) ListClassrooms(_ context.Context, ownerID string) ([]model.Classroom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Classroom{}
	for _, c := range m.classrooms {
		if c.OwnerID == ownerID && c.Active {
			out = append(out, *cloneClassroom(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetClassroom(_ context.Context, ownerID, publicID string) (*model.Classroom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(ownerID, publicID)
	if c == nil {
		return nil, ErrNotFound
	}
	return cloneClassroom(c), nil
}

func (m *Memory) UpdateClassroom(_ context.Context, c *model.Classroom) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.find(c.OwnerID, c.PublicID)
	if cur == nil {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrConflict
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	c.SessionCount = cur.SessionCount
	m.classrooms[c.ID] = cloneClassroom(c)
	return nil
}

func (m *Memory) DeactivateClassroom(_ context.Context, ownerID, publicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(ownerID, publicID)
	if c == nil {
		return ErrNotFound
	}
	c.Active = false
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendSession(_ context.Context, s *model.AttendanceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classrooms[s.ClassroomID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range m.sessions[s.ClassroomID] {
		if existing.ID == s.ID {
			return ErrDuplicate
		}
	}
	m.sessions[s.ClassroomID] = append(m.sessions[s.ClassroomID], cloneSession(*s))
	c.SessionCount++
	return nil
}

func (m *Memory) ListSessions(_ context.Context, classroomID string) ([]model.AttendanceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.sessions[classroomID]
	out := make([]model.AttendanceSession, 0, len(src))
	for _, s := range src {
		out = append(out, cloneSession(s))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) find(ownerID, publicID string) *model.Classroom {
	for _, c := range m.classrooms {
		if c.PublicID == publicID && c.OwnerID == ownerID && c.Active {
			return c
		}
	}
	return nil
}

func cloneClassroom(c *model.Classroom) *model.Classroom {
	out := *c
	out.Students = append([]model.Student(nil), c.Students...)
	out.TempFaces = append([]model.TempFace(nil), c.TempFaces...)
	if c.TrainedAt != nil {
		t := *c.TrainedAt
		out.TrainedAt = &t
	}
	return &out
}

func cloneSession(s model.AttendanceSession) model.AttendanceSession {
	s.Results = append([]model.FaceResult(nil), s.Results...)
	s.Absentees = append([]string(nil), s.Absentees...)
	return s
}
