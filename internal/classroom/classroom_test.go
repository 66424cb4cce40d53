package classroom

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"classattend/internal/apperr"
	"classattend/internal/faceclient"
	"classattend/internal/model"
	"classattend/internal/store"
)

type fakeFaces struct {
	detected   []faceclient.DetectedFace
	detectErr  error
	failed     []faceclient.FailedAssignment
	assigned   []faceclient.Assignment
	assignErr  error
	trainCalls int
	trainErr   error
	status     *faceclient.Status
	statusErr  error
}

func (f *fakeFaces) DetectFaces(context.Context, string, faceclient.Image) ([]faceclient.DetectedFace, error) {
	return f.detected, f.detectErr
}

func (f *fakeFaces) AssignRollNumbers(_ context.Context, _ string, a []faceclient.Assignment) (*faceclient.AssignResult, error) {
	f.assigned = a
	if f.assignErr != nil {
		return nil, f.assignErr
	}
	return &faceclient.AssignResult{Successful: a, Failed: f.failed}, nil
}

func (f *fakeFaces) TrainModel(context.Context, string) (*faceclient.TrainResult, error) {
	f.trainCalls++
	if f.trainErr != nil {
		return nil, f.trainErr
	}
	return &faceclient.TrainResult{Status: "success"}, nil
}

func (f *fakeFaces) Status(context.Context, string) (*faceclient.Status, error) {
	return f.status, f.statusErr
}

func twoFaces() []faceclient.DetectedFace {
	return []faceclient.DetectedFace{
		{FaceID: "temp_000", BBox: model.BBox{1, 2, 3, 4}, ImageURL: "http://face/temp_000.jpg"},
		{FaceID: "temp_001", BBox: model.BBox{5, 6, 7, 8}, ImageURL: "http://face/temp_001.jpg"},
	}
}

type fixture struct {
	mem   *store.Memory
	reg   *Registry
	wf    *Workflow
	faces *fakeFaces
}

func newFixture() *fixture {
	mem := store.NewMemory()
	for _, id := range []string{"owner-1", "owner-2"} {
		_, _ = mem.SyncUser(context.Background(), &model.User{
			ID:         id,
			ExternalID: "ext-" + id,
			Email:      id + "@school.test",
			Role:       model.RoleTeacher,
			Active:     true,
		})
	}
	faces := &fakeFaces{detected: twoFaces()}
	return &fixture{
		mem:   mem,
		reg:   NewRegistry(mem, zerolog.Nop()),
		wf:    NewWorkflow(mem, faces, zerolog.Nop()),
		faces: faces,
	}
}

func (f *fixture) create(t *testing.T, owner string) *model.Classroom {
	t.Helper()
	c, err := f.reg.Create(context.Background(), owner, CreateInput{Name: " Physics 101 ", Subject: "Physics"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func assertInvariants(t *testing.T, c *model.Classroom) {
	t.Helper()
	if err := c.Validate(); err != nil {
		t.Fatalf("invariant broken: %v (%+v)", err, c)
	}
}

var photo = faceclient.Image{Data: []byte("png"), Filename: "class.png", ContentType: "image/png"}

func TestCreateAndGet(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	if len(c.PublicID) != 10 {
		t.Fatalf("public id %q", c.PublicID)
	}
	if c.Name != "Physics 101" || c.State() != model.StateEmpty {
		t.Fatalf("unexpected classroom %+v", c)
	}

	got, err := f.reg.Get(context.Background(), "owner-1", c.PublicID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("got %s want %s", got.ID, c.ID)
	}
}

func TestCreateRequiresName(t *testing.T) {
	f := newFixture()
	_, err := f.reg.Create(context.Background(), "owner-1", CreateInput{Name: "  "})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("want validation, got %v", err)
	}
}

func TestCreateRequiresActiveOwner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.reg.Create(ctx, "no-such-user", CreateInput{Name: "Chem"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("unknown owner: want not found, got %v", err)
	}

	u, err := f.mem.GetUser(ctx, "owner-2")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	u.Active = false
	if err := f.mem.UpdateUser(ctx, u); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.reg.Create(ctx, "owner-2", CreateInput{Name: "Chem"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("inactive owner: want not found, got %v", err)
	}

	list, err := f.reg.List(ctx, "owner-2")
	if err != nil || len(list) != 0 {
		t.Fatalf("list after rejected creates: %v %v", list, err)
	}
}

func TestCreateRetriesPublicIDCollision(t *testing.T) {
	f := newFixture()
	first := f.create(t, "owner-1")

	ids := []string{first.PublicID, first.PublicID, "abcdef0123"}
	f.reg.newID = func() (string, error) {
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}
	c, err := f.reg.Create(context.Background(), "owner-1", CreateInput{Name: "Chem"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.PublicID != "abcdef0123" {
		t.Fatalf("public id %q", c.PublicID)
	}
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture()
	first := f.create(t, "owner-1")
	f.reg.newID = func() (string, error) { return first.PublicID, nil }
	_, err := f.reg.Create(context.Background(), "owner-1", CreateInput{Name: "Chem"})
	if !apperr.Is(err, apperr.KindStorage) || !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("want storage error wrapping duplicate, got %v", err)
	}
}

func TestOtherOwnerGetsNotFound(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	ctx := context.Background()

	if _, err := f.reg.Get(ctx, "owner-2", c.PublicID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("get: want not found, got %v", err)
	}
	if _, _, err := f.wf.UploadGroupPhoto(ctx, "owner-2", c.PublicID, photo); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("upload: want not found, got %v", err)
	}
	if err := f.reg.SoftDelete(ctx, "owner-2", c.PublicID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("delete: want not found, got %v", err)
	}
}

func TestSoftDeleteTwice(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	ctx := context.Background()

	if err := f.reg.SoftDelete(ctx, "owner-1", c.PublicID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.reg.SoftDelete(ctx, "owner-1", c.PublicID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("second delete: want not found, got %v", err)
	}
	list, err := f.reg.List(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("deleted classroom still listed: %+v", list)
	}
}

func TestFullWorkflow(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	ctx := context.Background()

	c, faces, err := f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	assertInvariants(t, c)
	if len(faces) != 2 || c.FacesDetected != 2 || c.State() != model.StatePhotoUploaded {
		t.Fatalf("after upload: %+v", c)
	}

	out, err := f.wf.AssignStudents(ctx, "owner-1", c.PublicID, []StudentAssignment{
		{RollNumber: "R1", FaceID: "temp_000", StudentName: "Ann"},
		{RollNumber: "R2", FaceID: "temp_001"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	c = out.Classroom
	assertInvariants(t, c)
	if !c.DatasetReady || len(c.TempFaces) != 0 || len(c.Students) != 2 {
		t.Fatalf("after assign: %+v", c)
	}
	if c.Students[1].Name != "Student R2" {
		t.Fatalf("default name %q", c.Students[1].Name)
	}

	c, err = f.wf.TrainModel(ctx, "owner-1", c.PublicID)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	assertInvariants(t, c)
	if !c.ModelTrained || c.TrainedAt == nil || c.State() != model.StateTrained {
		t.Fatalf("after train: %+v", c)
	}

	if _, err := f.wf.TrainModel(ctx, "owner-1", c.PublicID); !apperr.Is(err, apperr.KindPrecondition) {
		t.Fatalf("second train: want precondition, got %v", err)
	}
	if f.faces.trainCalls != 1 {
		t.Fatalf("train called %d times", f.faces.trainCalls)
	}

	// Re-upload invalidates the dataset and the model.
	c, _, err = f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo)
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	assertInvariants(t, c)
	if c.DatasetReady || c.ModelTrained || c.TrainedAt != nil {
		t.Fatalf("re-upload did not reset: %+v", c)
	}
}

func TestUploadFailureLeavesClassroomUntouched(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	f.faces.detectErr = apperr.Upstream("face service error: no faces", http.StatusBadRequest, nil, nil)

	_, _, err := f.wf.UploadGroupPhoto(context.Background(), "owner-1", c.PublicID, photo)
	if apperr.HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("want upstream 400, got %v", err)
	}
	got, _ := f.reg.Get(context.Background(), "owner-1", c.PublicID)
	if got.GroupPhotoUploaded || got.Version != c.Version {
		t.Fatalf("classroom changed: %+v", got)
	}
}

func TestAssignGuards(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	ctx := context.Background()

	_, err := f.wf.AssignStudents(ctx, "owner-1", c.PublicID, []StudentAssignment{{RollNumber: "R1", FaceID: "temp_000"}})
	if !apperr.Is(err, apperr.KindPrecondition) {
		t.Fatalf("before upload: want precondition, got %v", err)
	}
	if _, _, err := f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo); err != nil {
		t.Fatalf("upload: %v", err)
	}

	cases := map[string][]StudentAssignment{
		"empty":          nil,
		"blank roll":     {{RollNumber: " ", FaceID: "temp_000"}},
		"duplicate roll": {{RollNumber: "R1", FaceID: "temp_000"}, {RollNumber: "R1", FaceID: "temp_001"}},
		"duplicate face": {{RollNumber: "R1", FaceID: "temp_000"}, {RollNumber: "R2", FaceID: "temp_000"}},
		"unknown face":   {{RollNumber: "R1", FaceID: "temp_999"}},
	}
	for name, in := range cases {
		if _, err := f.wf.AssignStudents(ctx, "owner-1", c.PublicID, in); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("%s: want validation, got %v", name, err)
		}
	}
	if f.faces.assigned != nil {
		t.Fatalf("remote called despite invalid input")
	}
}

func TestAssignDropsFailedFaces(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	ctx := context.Background()
	if _, _, err := f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo); err != nil {
		t.Fatalf("upload: %v", err)
	}
	f.faces.failed = []faceclient.FailedAssignment{{
		Assignment: faceclient.Assignment{FaceID: "temp_001", RollNumber: "R2"},
		Reason:     "Face image file not found",
	}}

	out, err := f.wf.AssignStudents(ctx, "owner-1", c.PublicID, []StudentAssignment{
		{RollNumber: "R1", FaceID: "temp_000"},
		{RollNumber: "R2", FaceID: "temp_001"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(out.Classroom.Students) != 1 || out.Classroom.Students[0].RollNumber != "R1" {
		t.Fatalf("roster %+v", out.Classroom.Students)
	}
	if len(out.Failed) != 1 {
		t.Fatalf("failed %+v", out.Failed)
	}
}

func TestAssignAllFailedIsUpstreamError(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	ctx := context.Background()
	if _, _, err := f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo); err != nil {
		t.Fatalf("upload: %v", err)
	}
	f.faces.failed = []faceclient.FailedAssignment{{Assignment: faceclient.Assignment{FaceID: "temp_000", RollNumber: "R1"}}}

	_, err := f.wf.AssignStudents(ctx, "owner-1", c.PublicID, []StudentAssignment{{RollNumber: "R1", FaceID: "temp_000"}})
	if !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("want upstream, got %v", err)
	}
	got, _ := f.reg.Get(ctx, "owner-1", c.PublicID)
	if got.DatasetReady {
		t.Fatal("dataset marked ready")
	}
}

func TestTrainRequiresDataset(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	_, err := f.wf.TrainModel(context.Background(), "owner-1", c.PublicID)
	if !apperr.Is(err, apperr.KindPrecondition) {
		t.Fatalf("want precondition, got %v", err)
	}
}

func TestStaleWriteConflicts(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	ctx := context.Background()

	stale, _ := f.mem.GetClassroom(ctx, "owner-1", c.PublicID)
	if _, _, err := f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo); err != nil {
		t.Fatalf("upload: %v", err)
	}
	stale.Description = "edited"
	err := f.wf.save(ctx, stale, "test")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestStatusToleratesFaceServiceFailure(t *testing.T) {
	f := newFixture()
	c := f.create(t, "owner-1")
	f.faces.statusErr = apperr.Upstream("face service request failed", http.StatusBadGateway, nil, errors.New("refused"))

	view, err := f.wf.Status(context.Background(), "owner-1", c.PublicID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.WorkflowState != model.StateEmpty || view.FaceServiceError == "" || view.FaceService != nil {
		t.Fatalf("unexpected view %+v", view)
	}
}

func assertUnchanged(t *testing.T, before, after *model.Classroom) {
	t.Helper()
	if after.Version != before.Version {
		t.Errorf("version %d, want %d", after.Version, before.Version)
	}
	if len(after.Students) != len(before.Students) || len(after.TempFaces) != len(before.TempFaces) {
		t.Errorf("roster changed: students %d->%d, pending faces %d->%d",
			len(before.Students), len(after.Students), len(before.TempFaces), len(after.TempFaces))
	}
	if after.DatasetReady != before.DatasetReady || after.ModelTrained != before.ModelTrained {
		t.Errorf("flags changed: dataset %v->%v, trained %v->%v",
			before.DatasetReady, after.DatasetReady, before.ModelTrained, after.ModelTrained)
	}
	if after.TrainedAt != nil && before.TrainedAt == nil {
		t.Errorf("trainedAt set to %v", after.TrainedAt)
	}
}

func TestAssignFailureLeavesClassroomUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "owner-1")
	c, _, err := f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	f.faces.assignErr = apperr.Upstream("face service request failed", http.StatusBadGateway, nil, errors.New("connection refused"))
	_, err = f.wf.AssignStudents(ctx, "owner-1", c.PublicID, []StudentAssignment{{RollNumber: "R1", FaceID: "temp_000"}})
	if got := apperr.HTTPStatus(err); got != http.StatusBadGateway {
		t.Fatalf("status = %d (%v)", got, err)
	}

	after, err := f.reg.Get(ctx, "owner-1", c.PublicID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertUnchanged(t, c, after)
	if len(after.TempFaces) != 2 || after.State() != model.StatePhotoUploaded {
		t.Fatalf("after failed assign: %+v", after)
	}
}

func TestTrainFailureLeavesClassroomUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.create(t, "owner-1")
	c, _, err := f.wf.UploadGroupPhoto(ctx, "owner-1", c.PublicID, photo)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	out, err := f.wf.AssignStudents(ctx, "owner-1", c.PublicID, []StudentAssignment{
		{RollNumber: "R1", FaceID: "temp_000"},
		{RollNumber: "R2", FaceID: "temp_001"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	c = out.Classroom

	f.faces.trainErr = apperr.Upstream("face service timed out", http.StatusGatewayTimeout, nil, context.DeadlineExceeded)
	if _, err := f.wf.TrainModel(ctx, "owner-1", c.PublicID); apperr.HTTPStatus(err) != http.StatusGatewayTimeout {
		t.Fatalf("train: want 504, got %v", err)
	}

	after, err := f.reg.Get(ctx, "owner-1", c.PublicID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertUnchanged(t, c, after)
	if after.ModelTrained || after.TrainedAt != nil || after.State() != model.StateLabeled {
		t.Fatalf("after failed train: %+v", after)
	}

	f.faces.trainErr = nil
	if _, err := f.wf.TrainModel(ctx, "owner-1", c.PublicID); err != nil {
		t.Fatalf("retry train: %v", err)
	}
}
