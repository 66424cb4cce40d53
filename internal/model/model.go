package model

import (
	"errors"
	"fmt"
	"time"
)

// Role is the access level of a user.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// User is the local record of an externally authenticated person.
type User struct {
	ID          string     `json:"id" bson:"_id"`
	ExternalID  string     `json:"externalId" bson:"externalId"`
	Email       string     `json:"email" bson:"email"`
	Name        string     `json:"name" bson:"name"`
	ImageURL    string     `json:"imageUrl,omitempty" bson:"imageUrl,omitempty"`
	Role        Role       `json:"role" bson:"role"`
	Institution string     `json:"institution" bson:"institution"`
	Active      bool       `json:"active" bson:"active"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty" bson:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" bson:"updatedAt"`
}

// BBox is a face bounding box as x1, y1, x2, y2 pixels.
type BBox [4]int

// Student is one roster entry of a classroom.
type Student struct {
	RollNumber string `json:"rollNumber" bson:"rollNumber"`
	Name       string `json:"name" bson:"name"`
	FaceID     string `json:"faceId" bson:"faceId"`
	Active     bool   `json:"active" bson:"active"`
}

// TempFace is a detected face waiting to be labelled with a roll number.
type TempFace struct {
	FaceID   string `json:"faceId" bson:"faceId"`
	BBox     BBox   `json:"bbox" bson:"bbox"`
	ImageURL string `json:"imageUrl" bson:"imageUrl"`
}

// WorkflowState is the position of a classroom in the
// photo -> labelling -> training -> recognition sequence.
type WorkflowState string

const (
	StateEmpty           WorkflowState = "EMPTY"
	StatePhotoUploaded   WorkflowState = "PHOTO_UPLOADED"
	StateLabeled         WorkflowState = "LABELED"
	StateTrained         WorkflowState = "TRAINED"
	StateAttendanceTaken WorkflowState = "ATTENDANCE_TAKEN"
)

// Classroom is owned by exactly one user and carries the workflow flags.
type Classroom struct {
	ID                 string     `json:"id" bson:"_id"`
	PublicID           string     `json:"classroomId" bson:"publicId"`
	OwnerID            string     `json:"ownerId" bson:"ownerId"`
	Name               string     `json:"name" bson:"name"`
	Subject            string     `json:"subject" bson:"subject"`
	AcademicYear       string     `json:"academicYear" bson:"academicYear"`
	Description        string     `json:"description" bson:"description"`
	Active             bool       `json:"active" bson:"active"`
	GroupPhotoUploaded bool       `json:"groupPhotoUploaded" bson:"groupPhotoUploaded"`
	FacesDetected      int        `json:"facesDetected" bson:"facesDetected"`
	DatasetReady       bool       `json:"datasetReady" bson:"datasetReady"`
	ModelTrained       bool       `json:"modelTrained" bson:"modelTrained"`
	TrainedAt          *time.Time `json:"trainedAt,omitempty" bson:"trainedAt,omitempty"`
	Students           []Student  `json:"students" bson:"students"`
	TempFaces          []TempFace `json:"tempFaceData" bson:"tempFaces"`
	SessionCount       int        `json:"totalSessions" bson:"sessionCount"`
	Version            int64      `json:"version" bson:"version"`
	CreatedAt          time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt" bson:"updatedAt"`
}

// State derives the workflow state from the flags.
func (c *Classroom) State() WorkflowState {
	switch {
	case c.ModelTrained && c.SessionCount > 0:
		return StateAttendanceTaken
	case c.ModelTrained:
		return StateTrained
	case c.DatasetReady:
		return StateLabeled
	case c.GroupPhotoUploaded:
		return StatePhotoUploaded
	default:
		return StateEmpty
	}
}

// ActiveRoster returns the active students in roster order.
func (c *Classroom) ActiveRoster() []Student {
	out := make([]Student, 0, len(c.Students))
	for _, s := range c.Students {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the workflow invariants. Stores refuse to persist a
// classroom for which it returns an error.
func (c *Classroom) Validate() error {
	if c.DatasetReady && len(c.Students) == 0 {
		return errors.New("dataset ready with empty roster")
	}
	if c.DatasetReady && len(c.TempFaces) > 0 {
		return errors.New("dataset ready with unassigned faces")
	}
	if c.ModelTrained && !c.DatasetReady {
		return errors.New("model trained without a dataset")
	}
	seen := make(map[string]struct{}, len(c.Students))
	for _, s := range c.Students {
		if s.RollNumber == "" {
			return errors.New("student without roll number")
		}
		if _, dup := seen[s.RollNumber]; dup {
			return fmt.Errorf("duplicate roll number %q", s.RollNumber)
		}
		seen[s.RollNumber] = struct{}{}
	}
	return nil
}

// Normalize replaces nil collections with empty ones so they encode as [] rather than null.
func (c *Classroom) Normalize() {
	if c.Students == nil {
		c.Students = []Student{}
	}
	if c.TempFaces == nil {
		c.TempFaces = []TempFace{}
	}
}
