package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStateProgression(t *testing.T) {
	c := &Classroom{}
	steps := []struct {
		apply func()
		want  WorkflowState
	}{
		{func() {}, StateEmpty},
		{func() { c.GroupPhotoUploaded = true }, StatePhotoUploaded},
		{func() { c.DatasetReady = true }, StateLabeled},
		{func() { c.ModelTrained = true }, StateTrained},
		{func() { c.SessionCount = 1 }, StateAttendanceTaken},
	}
	for _, s := range steps {
		s.apply()
		if got := c.State(); got != s.want {
			t.Fatalf("state %s, want %s", got, s.want)
		}
	}
}

func TestValidate(t *testing.T) {
	roster := []Student{{RollNumber: "R1", Active: true}}
	cases := []struct {
		name string
		c    Classroom
		ok   bool
	}{
		{"empty", Classroom{}, true},
		{"ready", Classroom{DatasetReady: true, Students: roster}, true},
		{"trained", Classroom{DatasetReady: true, ModelTrained: true, Students: roster}, true},
		{"ready without roster", Classroom{DatasetReady: true}, false},
		{"ready with pending faces", Classroom{DatasetReady: true, Students: roster, TempFaces: []TempFace{{FaceID: "f"}}}, false},
		{"trained without dataset", Classroom{ModelTrained: true}, false},
		{"duplicate roll", Classroom{Students: []Student{{RollNumber: "R1"}, {RollNumber: "R1"}}}, false},
		{"blank roll", Classroom{Students: []Student{{RollNumber: ""}}}, false},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: err=%v", tc.name, err)
		}
	}
}

func TestActiveRoster(t *testing.T) {
	c := &Classroom{Students: []Student{
		{RollNumber: "R1", Active: true},
		{RollNumber: "R2"},
		{RollNumber: "R3", Active: true},
	}}
	got := c.ActiveRoster()
	if len(got) != 2 || got[0].RollNumber != "R1" || got[1].RollNumber != "R3" {
		t.Fatalf("roster %+v", got)
	}
}

func TestNormalizeEncodesEmptyArrays(t *testing.T) {
	c := &Classroom{}
	c.Normalize()
	s := &AttendanceSession{}
	s.Normalize()

	b, _ := json.Marshal(c)
	if !strings.Contains(string(b), `"students":[]`) || !strings.Contains(string(b), `"tempFaceData":[]`) {
		t.Fatalf("classroom json %s", b)
	}
	b, _ = json.Marshal(s)
	if !strings.Contains(string(b), `"results":[]`) || !strings.Contains(string(b), `"absentees":[]`) {
		t.Fatalf("session json %s", b)
	}
}

func TestSessionPresent(t *testing.T) {
	s := &AttendanceSession{Results: []FaceResult{
		{RollNumber: "A", Status: ResultPresent},
		{RollNumber: "B", Status: ResultUnknown},
	}}
	if !s.Present("A") || s.Present("B") || s.Present("C") {
		t.Fatal("unexpected presence")
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleTeacher.Valid() || !RoleAdmin.Valid() || Role("student").Valid() {
		t.Fatal("role validation")
	}
}
