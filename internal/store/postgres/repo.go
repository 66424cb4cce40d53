package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"classattend/internal/model"
	"classattend/internal/store"
)

// Repository persists users, classrooms and sessions in Postgres.
// Roster and pending faces are JSONB columns; sessions live in their own table.
type Repository struct {
	db *sql.DB
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }
func (r *Repository) Close() error                   { return r.db.Close() }

const userColumns = `id, external_id, email, name, image_url, role, institution, active, last_login_at, created_at, updated_at`

// SyncUser upserts by external id.
func (r *Repository) SyncUser(ctx context.Context, u *model.User) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, external_id, email, name, image_url, role, institution, active, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (external_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			image_url = EXCLUDED.image_url,
			last_login_at = NOW(),
			updated_at = NOW()
		RETURNING `+userColumns,
		u.ID, u.ExternalID, u.Email, u.Name, u.ImageURL, string(u.Role), u.Institution, u.Active)
	out, err := scanUser(row)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, translate(err)
	}
	return u, nil
}

func (r *Repository) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	u, err := scanUser(row)
	if err != nil {
		return nil, translate(err)
	}
	return u, nil
}

func (r *Repository) UpdateUser(ctx context.Context, u *model.User) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, name = $3, image_url = $4, role = $5, institution = $6, active = $7, updated_at = NOW()
		WHERE external_id = $1
	`, u.ExternalID, u.Email, u.Name, u.ImageURL, string(u.Role), u.Institution, u.Active)
	if err != nil {
		return translate(err)
	}
	return expectOne(res)
}

const classroomColumns = `id, public_id, owner_id, name, subject, academic_year, description, active,
	group_photo_uploaded, faces_detected, dataset_ready, model_trained, trained_at,
	students, temp_faces, session_count, version, created_at, updated_at`

func (r *Repository) CreateClassroom(ctx context.Context, c *model.Classroom) error {
	if err := c.Validate(); err != nil {
		return err
	}
	students, faces, err := encodeRoster(c)
	if err != nil {
		return err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO classrooms (id, public_id, owner_id, name, subject, academic_year, description, active,
			group_photo_uploaded, faces_detected, dataset_ready, model_trained, trained_at, students, temp_faces, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15::jsonb,1)
		RETURNING version, created_at, updated_at
	`, c.ID, c.PublicID, c.OwnerID, c.Name, c.Subject, c.AcademicYear, c.Description, c.Active,
		c.GroupPhotoUploaded, c.FacesDetected, c.DatasetReady, c.ModelTrained, c.TrainedAt, students, faces)
	if err := row.Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return translate(err)
	}
	return nil
}

func (r *Repository) ListClassrooms(ctx context.Context, ownerID string) ([]model.Classroom, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+classroomColumns+`
		FROM classrooms
		WHERE owner_id = $1 AND active
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Classroom{}
	for rows.Next() {
		c, err := scanClassroom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *Repository) GetClassroom(ctx context.Context, ownerID, publicID string) (*model.Classroom, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+classroomColumns+`
		FROM classrooms
		WHERE public_id = $1 AND owner_id = $2 AND active
	`, publicID, ownerID)
	c, err := scanClassroom(row)
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

func (r *Repository) UpdateClassroom(ctx context.Context, c *model.Classroom) error {
	if err := c.Validate(); err != nil {
		return err
	}
	students, faces, err := encodeRoster(c)
	if err != nil {
		return err
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE classrooms SET
			name = $4, subject = $5, academic_year = $6, description = $7,
			group_photo_uploaded = $8, faces_detected = $9, dataset_ready = $10, model_trained = $11,
			trained_at = $12, students = $13::jsonb, temp_faces = $14::jsonb,
			version = version + 1, updated_at = NOW()
		WHERE public_id = $1 AND owner_id = $2 AND active AND version = $3
		RETURNING version, updated_at, session_count
	`, c.PublicID, c.OwnerID, c.Version, c.Name, c.Subject, c.AcademicYear, c.Description,
		c.GroupPhotoUploaded, c.FacesDetected, c.DatasetReady, c.ModelTrained, c.TrainedAt, students, faces)
	err = row.Scan(&c.Version, &c.UpdatedAt, &c.SessionCount)
	if errors.Is(err, sql.ErrNoRows) {
		// Either gone or changed underneath us.
		if _, getErr := r.GetClassroom(ctx, c.OwnerID, c.PublicID); getErr != nil {
			return getErr
		}
		return store.ErrConflict
	}
	return err
}

func (r *Repository) DeactivateClassroom(ctx context.Context, ownerID, publicID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE classrooms SET active = FALSE, version = version + 1, updated_at = NOW()
		WHERE public_id = $1 AND owner_id = $2 AND active
	`, publicID, ownerID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *Repository) AppendSession(ctx context.Context, s *model.AttendanceSession) error {
	results, err := json.Marshal(s.Results)
	if err != nil {
		return err
	}
	absentees, err := json.Marshal(s.Absentees)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, classroom_id, created_at, total_students, present_count, absent_count,
			result_image_url, photo_url, results, absentees)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10::jsonb)
	`, s.ID, s.ClassroomID, s.CreatedAt, s.TotalStudents, s.PresentCount, s.AbsentCount,
		s.ResultImageURL, s.PhotoURL, string(results), string(absentees)); err != nil {
		return translate(err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE classrooms SET session_count = session_count + 1 WHERE id = $1`, s.ClassroomID)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) ListSessions(ctx context.Context, classroomID string) ([]model.AttendanceSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, classroom_id, created_at, total_students, present_count, absent_count,
			result_image_url, photo_url, results, absentees
		FROM attendance_sessions
		WHERE classroom_id = $1
		ORDER BY created_at ASC
	`, classroomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.AttendanceSession{}
	for rows.Next() {
		var s model.AttendanceSession
		var results, absentees []byte
		if err := rows.Scan(&s.ID, &s.ClassroomID, &s.CreatedAt, &s.TotalStudents, &s.PresentCount, &s.AbsentCount,
			&s.ResultImageURL, &s.PhotoURL, &results, &absentees); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(results, &s.Results); err != nil {
			return nil, fmt.Errorf("decode session %s results: %w", s.ID, err)
		}
		if err := json.Unmarshal(absentees, &s.Absentees); err != nil {
			return nil, fmt.Errorf("decode session %s absentees: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*model.User, error) {
	var u model.User
	var role string
	var lastLogin sql.NullTime
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.ImageURL, &role, &u.Institution,
		&u.Active, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func scanClassroom(row scanner) (*model.Classroom, error) {
	var c model.Classroom
	var trainedAt sql.NullTime
	var students, faces []byte
	if err := row.Scan(&c.ID, &c.PublicID, &c.OwnerID, &c.Name, &c.Subject, &c.AcademicYear, &c.Description, &c.Active,
		&c.GroupPhotoUploaded, &c.FacesDetected, &c.DatasetReady, &c.ModelTrained, &trainedAt,
		&students, &faces, &c.SessionCount, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if trainedAt.Valid {
		t := trainedAt.Time
		c.TrainedAt = &t
	}
	if err := json.Unmarshal(students, &c.Students); err != nil {
		return nil, fmt.Errorf("decode students: %w", err)
	}
	if err := json.Unmarshal(faces, &c.TempFaces); err != nil {
		return nil, fmt.Errorf("decode temp faces: %w", err)
	}
	return &c, nil
}

func encodeRoster(c *model.Classroom) (string, string, error) {
	c.Normalize()
	students, err := json.Marshal(c.Students)
	if err != nil {
		return "", "", err
	}
	faces, err := json.Marshal(c.TempFaces)
	if err != nil {
		return "", "", err
	}
	return string(students), string(faces), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
