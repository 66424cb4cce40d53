package classroom

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"classattend/internal/apperr"
	"classattend/internal/faceclient"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/store"
)

// FaceService is the part of the recognition service the workflow drives.
type FaceService interface {
	DetectFaces(ctx context.Context, classroomID string, img faceclient.Image) ([]faceclient.DetectedFace, error)
	AssignRollNumbers(ctx context.Context, classroomID string, assignments []faceclient.Assignment) (*faceclient.AssignResult, error)
	TrainModel(ctx context.Context, classroomID string) (*faceclient.TrainResult, error)
	Status(ctx context.Context, classroomID string) (*faceclient.Status, error)
}

// StudentAssignment labels one detected face.
type StudentAssignment struct {
	RollNumber  string `json:"rollNumber"`
	FaceID      string `json:"faceId"`
	StudentName string `json:"studentName"`
}

// AssignOutcome is the classroom after labelling plus the faces the
// recognition service refused.
type AssignOutcome struct {
	Classroom *model.Classroom              `json:"classroom"`
	Failed    []faceclient.FailedAssignment `json:"failedAssignments"`
}

// StatusView combines local workflow flags with the recognition service's view.
type StatusView struct {
	ClassroomID        string              `json:"classroomId"`
	WorkflowState      model.WorkflowState `json:"workflowState"`
	GroupPhotoUploaded bool                `json:"groupPhotoUploaded"`
	FacesDetected      int                 `json:"facesDetected"`
	PendingFaces       int                 `json:"pendingFaces"`
	Students           int                 `json:"students"`
	DatasetReady       bool                `json:"datasetReady"`
	ModelTrained       bool                `json:"modelTrained"`
	TrainedAt          *time.Time          `json:"trainedAt,omitempty"`
	FaceService        *faceclient.Status  `json:"faceService"`
	FaceServiceError   string              `json:"faceServiceError,omitempty"`
}

// Workflow moves a classroom through photo upload, labelling and training.
// Remote calls and the write that follows them run detached from the
// caller's cancellation so a dropped client does not strand the service
// and the store in different states.
type Workflow struct {
	store store.Classrooms
	faces FaceService
	log   zerolog.Logger
	now   func() time.Time
}

func NewWorkflow(s store.Classrooms, faces FaceService, log zerolog.Logger) *Workflow {
	return &Workflow{
		store: s,
		faces: faces,
		log:   log.With().Str("component", "workflow").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// UploadGroupPhoto detects faces in img and stores them for labelling.
// Any previous dataset and model are invalidated.
func (w *Workflow) UploadGroupPhoto(ctx context.Context, ownerID, publicID string, img faceclient.Image) (*model.Classroom, []model.TempFace, error) {
	c, err := w.load(ctx, ownerID, publicID)
	if err != nil {
		return nil, nil, err
	}

	ctx = context.WithoutCancel(ctx)
	detected, err := w.faces.DetectFaces(ctx, c.PublicID, img)
	if err != nil {
		w.log.Warn().Err(err).Str("classroom", c.PublicID).Msg("face detection failed")
		return nil, nil, err
	}

	faces := make([]model.TempFace, 0, len(detected))
	for _, f := range detected {
		faces = append(faces, model.TempFace{FaceID: f.FaceID, BBox: f.BBox, ImageURL: f.ImageURL})
	}
	c.TempFaces = faces
	c.GroupPhotoUploaded = true
	c.FacesDetected = len(faces)
	c.DatasetReady = false
	c.ModelTrained = false
	c.TrainedAt = nil

	if err := w.save(ctx, c, "upload_photo"); err != nil {
		return nil, nil, err
	}
	w.log.Info().Str("classroom", c.PublicID).Int("faces", len(faces)).Msg("group photo processed")
	return c, faces, nil
}

// AssignStudents labels pending faces with roll numbers and replaces the roster.
func (w *Workflow) AssignStudents(ctx context.Context, ownerID, publicID string, in []StudentAssignment) (*AssignOutcome, error) {
	if len(in) == 0 {
		return nil, apperr.Validation("no assignments provided")
	}
	c, err := w.load(ctx, ownerID, publicID)
	if err != nil {
		return nil, err
	}
	if !c.GroupPhotoUploaded || len(c.TempFaces) == 0 {
		return nil, apperr.Precondition("group photo not uploaded")
	}

	pending := make(map[string]struct{}, len(c.TempFaces))
	for _, f := range c.TempFaces {
		pending[f.FaceID] = struct{}{}
	}
	rolls := make(map[string]struct{}, len(in))
	seenFaces := make(map[string]struct{}, len(in))
	names := make(map[string]string, len(in))
	req := make([]faceclient.Assignment, 0, len(in))
	for i, a := range in {
		roll := strings.TrimSpace(a.RollNumber)
		face := strings.TrimSpace(a.FaceID)
		if roll == "" || face == "" {
			return nil, apperr.Validation("assignment %d: roll number and face id are required", i)
		}
		if _, dup := rolls[roll]; dup {
			return nil, apperr.Validation("duplicate roll number %q", roll)
		}
		if _, dup := seenFaces[face]; dup {
			return nil, apperr.Validation("face %q assigned twice", face)
		}
		if _, ok := pending[face]; !ok {
			return nil, apperr.Validation("face %q is not pending assignment", face)
		}
		rolls[roll] = struct{}{}
		seenFaces[face] = struct{}{}
		names[roll] = strings.TrimSpace(a.StudentName)
		req = append(req, faceclient.Assignment{FaceID: face, RollNumber: roll})
	}

	ctx = context.WithoutCancel(ctx)
	res, err := w.faces.AssignRollNumbers(ctx, c.PublicID, req)
	if err != nil {
		return nil, err
	}

	failed := make(map[string]struct{}, len(res.Failed))
	for _, f := range res.Failed {
		failed[f.Assignment.FaceID] = struct{}{}
	}
	students := make([]model.Student, 0, len(req))
	for _, a := range req {
		if _, bad := failed[a.FaceID]; bad {
			continue
		}
		name := names[a.RollNumber]
		if name == "" {
			name = "Student " + a.RollNumber
		}
		students = append(students, model.Student{RollNumber: a.RollNumber, Name: name, FaceID: a.FaceID, Active: true})
	}
	if len(students) == 0 {
		return nil, apperr.Upstream("face service rejected every assignment", 0, res.Failed, nil)
	}

	c.Students = students
	c.TempFaces = []model.TempFace{}
	c.DatasetReady = true
	if err := w.save(ctx, c, "assign_students"); err != nil {
		return nil, err
	}

	out := &AssignOutcome{Classroom: c, Failed: res.Failed}
	if out.Failed == nil {
		out.Failed = []faceclient.FailedAssignment{}
	}
	w.log.Info().Str("classroom", c.PublicID).Int("students", len(students)).Int("failed", len(res.Failed)).Msg("students assigned")
	return out, nil
}

// TrainModel asks the recognition service to train on the labelled dataset.
func (w *Workflow) TrainModel(ctx context.Context, ownerID, publicID string) (*model.Classroom, error) {
	c, err := w.load(ctx, ownerID, publicID)
	if err != nil {
		return nil, err
	}
	if !c.DatasetReady {
		return nil, apperr.Precondition("dataset not ready")
	}
	if c.ModelTrained {
		return nil, apperr.Precondition("already trained")
	}

	ctx = context.WithoutCancel(ctx)
	res, err := w.faces.TrainModel(ctx, c.PublicID)
	if err != nil {
		w.log.Warn().Err(err).Str("classroom", c.PublicID).Msg("training failed")
		return nil, err
	}

	trainedAt := w.now()
	c.ModelTrained = true
	c.TrainedAt = &trainedAt
	if err := w.save(ctx, c, "train_model"); err != nil {
		return nil, err
	}
	w.log.Info().Str("classroom", c.PublicID).Str("upstream", res.Message).Msg("model trained")
	return c, nil
}

// Status reports the workflow position. A recognition service failure is
// reported in the view rather than failing the call.
func (w *Workflow) Status(ctx context.Context, ownerID, publicID string) (*StatusView, error) {
	c, err := w.load(ctx, ownerID, publicID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		ClassroomID:        c.PublicID,
		WorkflowState:      c.State(),
		GroupPhotoUploaded: c.GroupPhotoUploaded,
		FacesDetected:      c.FacesDetected,
		PendingFaces:       len(c.TempFaces),
		Students:           len(c.ActiveRoster()),
		DatasetReady:       c.DatasetReady,
		ModelTrained:       c.ModelTrained,
		TrainedAt:          c.TrainedAt,
	}
	st, err := w.faces.Status(ctx, c.PublicID)
	if err != nil {
		view.FaceServiceError = apperr.Message(err)
		return view, nil
	}
	view.FaceService = st
	return view, nil
}

func (w *Workflow) load(ctx context.Context, ownerID, publicID string) (*model.Classroom, error) {
	c, err := w.store.GetClassroom(ctx, ownerID, publicID)
	if err != nil {
		return nil, storeError("load classroom", err)
	}
	c.Normalize()
	return c, nil
}

func (w *Workflow) save(ctx context.Context, c *model.Classroom, transition string) error {
	if err := c.Validate(); err != nil {
		return apperr.Storage("save classroom", fmt.Errorf("invariant violated: %w", err))
	}
	if err := w.store.UpdateClassroom(ctx, c); err != nil {
		return storeError("save classroom", err)
	}
	metrics.Transitions.WithLabelValues(transition).Inc()
	return nil
}
