package model

import "time"

// UnknownRoll is the roll number recorded for faces the model could not identify.
const UnknownRoll = "unknown"

// ResultStatus tags a single face result inside a session.
type ResultStatus string

const (
	ResultPresent ResultStatus = "present"
	ResultUnknown ResultStatus = "unknown"
)

// FaceResult is one recognised (or unrecognised) face of a session.
type FaceResult struct {
	RollNumber string       `json:"rollNumber" bson:"rollNumber"`
	Confidence float64      `json:"confidence" bson:"confidence"`
	BBox       BBox         `json:"bbox" bson:"bbox"`
	Status     ResultStatus `json:"status" bson:"status"`
	ImageURL   string       `json:"imageUrl,omitempty" bson:"imageUrl,omitempty"`
}

// AttendanceSession is an immutable snapshot of one recognition pass.
type AttendanceSession struct {
	ID             string       `json:"sessionId" bson:"_id"`
	ClassroomID    string       `json:"-" bson:"classroomId"`
	CreatedAt      time.Time    `json:"createdAt" bson:"createdAt"`
	TotalStudents  int          `json:"totalStudents" bson:"totalStudents"`
	PresentCount   int          `json:"presentCount" bson:"presentCount"`
	AbsentCount    int          `json:"absentCount" bson:"absentCount"`
	ResultImageURL string       `json:"resultImageUrl,omitempty" bson:"resultImageUrl,omitempty"`
	PhotoURL       string       `json:"photoUrl,omitempty" bson:"photoUrl,omitempty"`
	Results        []FaceResult `json:"results" bson:"results"`
	Absentees      []string     `json:"absentees" bson:"absentees"`
}

// Present reports whether rollNumber has a present result in the session.
func (s *AttendanceSession) Present(rollNumber string) bool {
	for _, r := range s.Results {
		if r.Status == ResultPresent && r.RollNumber == rollNumber {
			return true
		}
	}
	return false
}

// Normalize replaces nil collections with empty ones.
func (s *AttendanceSession) Normalize() {
	if s.Results == nil {
		s.Results = []FaceResult{}
	}
	if s.Absentees == nil {
		s.Absentees = []string{}
	}
}
