package api

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"classattend/internal/apperr"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/classroom"
	"classattend/internal/identity"
	"classattend/internal/model"
	"classattend/internal/report"
)

const userKey = "user"

// HealthCheck is one dependency probed by /healthz. A failing critical
// check turns the response into 503.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Identity       *identity.Service
	Registry       *classroom.Registry
	Workflow       *classroom.Workflow
	Ledger         *attendance.Ledger
	Basis          attendance.Basis
	MaxUploadBytes int64
	Health         []HealthCheck
	Log            zerolog.Logger
}

// Handler serves the REST API.
type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 50 << 20
	}
	return &Handler{Deps: d}
}

// classroomView adds the derived workflow state to a classroom.
type classroomView struct {
	*model.Classroom
	WorkflowState model.WorkflowState `json:"workflowState"`
}

func viewOf(c *model.Classroom) classroomView {
	c.Normalize()
	return classroomView{Classroom: c, WorkflowState: c.State()}
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for _, hc := range h.Health {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			if hc.Critical {
				status = http.StatusServiceUnavailable
			}
			continue
		}
		checks[hc.Name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks, "timestamp": time.Now().UTC()})
}

// ---------- Identity ----------

// resolveUser maps the token subject to the local user for every
// authenticated route.
func (h *Handler) resolveUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := auth.FromContext(c)
		if !ok {
			renderError(c, h.Log, apperr.Auth("missing bearer token"))
			return
		}
		u, err := h.Identity.Resolve(c.Request.Context(), claims.Subject)
		if err != nil {
			renderError(c, h.Log, err)
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

func currentUser(c *gin.Context) *model.User {
	return c.MustGet(userKey).(*model.User)
}

func (h *Handler) SyncUser(c *gin.Context) {
	var p identity.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		renderError(c, h.Log, apperr.Validation("invalid request body: %v", err))
		return
	}
	if claims, ok := auth.FromContext(c); ok {
		if p.ExternalID == "" {
			p.ExternalID = claims.Subject
		}
		if p.ExternalID != claims.Subject {
			renderError(c, h.Log, apperr.Auth("token subject does not match user"))
			return
		}
		if p.Email == "" {
			p.Email = claims.Email
		}
	}
	u, err := h.Identity.Sync(c.Request.Context(), p)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user synced", "user": u})
}

func (h *Handler) GetProfile(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var upd identity.ProfileUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		renderError(c, h.Log, apperr.Validation("invalid request body: %v", err))
		return
	}
	u, err := h.Identity.UpdateProfile(c.Request.Context(), currentUser(c).ExternalID, upd)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// ---------- Classrooms ----------

func (h *Handler) CreateClassroom(c *gin.Context) {
	var in classroom.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		renderError(c, h.Log, apperr.Validation("invalid request body: %v", err))
		return
	}
	cls, err := h.Registry.Create(c.Request.Context(), currentUser(c).ID, in)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(cls))
}

func (h *Handler) ListClassrooms(c *gin.Context) {
	list, err := h.Registry.List(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	out := make([]classroomView, 0, len(list))
	for i := range list {
		out = append(out, viewOf(&list[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetClassroom(c *gin.Context) {
	cls, err := h.Registry.Get(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(cls))
}

func (h *Handler) DeleteClassroom(c *gin.Context) {
	id := c.Param("id")
	if err := h.Registry.SoftDelete(c.Request.Context(), currentUser(c).ID, id); err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "classroom deleted", "classroomId": id})
}

func (h *Handler) UploadGroupPhoto(c *gin.Context) {
	img, err := readImage(c, "image", h.MaxUploadBytes)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	cls, faces, err := h.Workflow.UploadGroupPhoto(c.Request.Context(), currentUser(c).ID, c.Param("id"), img)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          "group photo processed",
		"classroom":        viewOf(cls),
		"facesForLabeling": faces,
	})
}

func (h *Handler) AssignStudents(c *gin.Context) {
	var body struct {
		Assignments []classroom.StudentAssignment `json:"assignments"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		renderError(c, h.Log, apperr.Validation("invalid request body: %v", err))
		return
	}
	out, err := h.Workflow.AssignStudents(c.Request.Context(), currentUser(c).ID, c.Param("id"), body.Assignments)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":           "students assigned",
		"classroom":         viewOf(out.Classroom),
		"failedAssignments": out.Failed,
	})
}

func (h *Handler) TrainModel(c *gin.Context) {
	cls, err := h.Workflow.TrainModel(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "model trained", "classroom": viewOf(cls)})
}

func (h *Handler) ClassroomStatus(c *gin.Context) {
	view, err := h.Workflow.Status(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ---------- Attendance ----------

func (h *Handler) TakeAttendance(c *gin.Context) {
	img, err := readImage(c, "image", h.MaxUploadBytes)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	session, err := h.Ledger.Take(c.Request.Context(), currentUser(c).ID, c.Param("id"), img)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":        "attendance recorded",
		"session":        session,
		"resultImageUrl": session.ResultImageURL,
	})
}

func (h *Handler) History(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 10)
	out, err := h.Ledger.History(c.Request.Context(), currentUser(c).ID, c.Param("id"), page, limit)
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Analytics(c *gin.Context) {
	out, err := h.Ledger.Analytics(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Export(c *gin.Context) {
	cls, sessions, err := h.Ledger.Sessions(c.Request.Context(), currentUser(c).ID, c.Param("id"))
	if err != nil {
		renderError(c, h.Log, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteAttendance(&buf, cls, sessions, h.Basis); err != nil {
		renderError(c, h.Log, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+report.Filename(cls, time.Now().UTC())+`"`)
	c.Data(http.StatusOK, report.ContentType, buf.Bytes())
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
