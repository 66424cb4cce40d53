package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classattend/internal/apperr"
	"classattend/internal/faceclient"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/store"
)

// Recognizer runs face recognition against a trained classroom model.
type Recognizer interface {
	RecognizeFaces(ctx context.Context, classroomID string, img faceclient.Image) (*faceclient.Recognition, error)
}

// PhotoArchiver keeps a copy of the original attendance photo.
type PhotoArchiver interface {
	ArchivePhoto(ctx context.Context, classroomID, sessionID string, data []byte, filename string) (string, error)
}

// Store is the persistence the ledger needs.
type Store interface {
	store.Classrooms
	store.Sessions
}

// Ledger records attendance sessions and serves their history.
type Ledger struct {
	store   Store
	faces   Recognizer
	archive PhotoArchiver
	basis   Basis
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithArchive enables archiving of original photos.
func WithArchive(a PhotoArchiver) Option {
	return func(l *Ledger) { l.archive = a }
}

// WithBasis sets the analytics percentage basis.
func WithBasis(b Basis) Option {
	return func(l *Ledger) { l.basis = b }
}

func NewLedger(s Store, faces Recognizer, log zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store: s,
		faces: faces,
		basis: BasisSnapshot,
		log:   log.With().Str("component", "ledger").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Take recognises faces in img and appends a new session to the classroom.
func (l *Ledger) Take(ctx context.Context, ownerID, publicID string, img faceclient.Image) (*model.AttendanceSession, error) {
	c, err := l.classroom(ctx, ownerID, publicID)
	if err != nil {
		return nil, err
	}
	if !c.ModelTrained {
		return nil, apperr.Precondition("model not trained")
	}

	ctx = context.WithoutCancel(ctx)
	rec, err := l.faces.RecognizeFaces(ctx, c.PublicID, img)
	if err != nil {
		l.log.Warn().Err(err).Str("classroom", c.PublicID).Msg("recognition failed")
		return nil, err
	}

	session := RecordSession(c, rec, uuid.NewString(), l.now())
	if l.archive != nil {
		url, err := l.archive.ArchivePhoto(ctx, c.PublicID, session.ID, img.Data, img.Filename)
		if err != nil {
			l.log.Warn().Err(err).Str("classroom", c.PublicID).Str("session", session.ID).Msg("photo archive failed")
		} else {
			session.PhotoURL = url
		}
	}

	if err := l.store.AppendSession(ctx, &session); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("classroom")
		}
		return nil, apperr.Storage("record session", err)
	}
	metrics.SessionsRecorded.Inc()
	l.log.Info().
		Str("classroom", c.PublicID).
		Str("session", session.ID).
		Int("present", session.PresentCount).
		Int("absent", session.AbsentCount).
		Msg("attendance recorded")
	return &session, nil
}

// History returns one page of the classroom's sessions.
func (l *Ledger) History(ctx context.Context, ownerID, publicID string, page, pageSize int) (HistoryPage, error) {
	_, sessions, err := l.Sessions(ctx, ownerID, publicID)
	if err != nil {
		return HistoryPage{}, err
	}
	return History(sessions, page, pageSize), nil
}

// Analytics summarises the classroom's sessions using the configured basis.
func (l *Ledger) Analytics(ctx context.Context, ownerID, publicID string) (Summary, error) {
	c, sessions, err := l.Sessions(ctx, ownerID, publicID)
	if err != nil {
		return Summary{}, err
	}
	return Analytics(c, sessions, l.basis), nil
}

// Sessions loads an owned classroom with all its sessions, oldest first.
func (l *Ledger) Sessions(ctx context.Context, ownerID, publicID string) (*model.Classroom, []model.AttendanceSession, error) {
	c, err := l.classroom(ctx, ownerID, publicID)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := l.store.ListSessions(ctx, c.ID)
	if err != nil {
		return nil, nil, apperr.Storage("list sessions", err)
	}
	return c, sessions, nil
}

func (l *Ledger) classroom(ctx context.Context, ownerID, publicID string) (*model.Classroom, error) {
	c, err := l.store.GetClassroom(ctx, ownerID, publicID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("classroom")
	}
	if err != nil {
		return nil, apperr.Storage("load classroom", err)
	}
	c.Normalize()
	return c, nil
}

// RecordSession turns a recognition pass into a session snapshot.
//
// A face counts as present only when its roll number is on the active
// roster, and only its first occurrence is kept. Every unidentified face
// is kept as its own unknown entry. Identified roll numbers that are not
// on the roster are kept once, marked unknown.
func RecordSession(c *model.Classroom, rec *faceclient.Recognition, id string, at time.Time) model.AttendanceSession {
	roster := c.ActiveRoster()
	onRoster := make(map[string]struct{}, len(roster))
	for _, s := range roster {
		onRoster[s.RollNumber] = struct{}{}
	}

	results := make([]model.FaceResult, 0, len(rec.Faces))
	seen := make(map[string]struct{}, len(rec.Faces))
	present := 0
	for _, f := range rec.Faces {
		if f.Unknown() {
			results = append(results, model.FaceResult{
				RollNumber: model.UnknownRoll,
				Confidence: f.Confidence,
				BBox:       f.BBox,
				Status:     model.ResultUnknown,
				ImageURL:   f.ImageURL,
			})
			continue
		}
		if _, dup := seen[f.RollNumber]; dup {
			continue
		}
		seen[f.RollNumber] = struct{}{}

		status := model.ResultUnknown
		if _, ok := onRoster[f.RollNumber]; ok {
			status = model.ResultPresent
			present++
		}
		results = append(results, model.FaceResult{
			RollNumber: f.RollNumber,
			Confidence: f.Confidence,
			BBox:       f.BBox,
			Status:     status,
			ImageURL:   f.ImageURL,
		})
	}

	absentees := make([]string, 0, len(roster))
	for _, s := range roster {
		if _, ok := seen[s.RollNumber]; !ok {
			absentees = append(absentees, s.RollNumber)
		}
	}

	return model.AttendanceSession{
		ID:             id,
		ClassroomID:    c.ID,
		CreatedAt:      at,
		TotalStudents:  len(roster),
		PresentCount:   present,
		AbsentCount:    len(absentees),
		ResultImageURL: rec.ResultImageURL,
		Results:        results,
		Absentees:      absentees,
	}
}
