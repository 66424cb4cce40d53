package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"classattend/internal/attendance"
	"classattend/internal/model"
)

const (
	sessionsSheet = "Sessions"
	studentsSheet = "Students"
)

// ContentType is the MIME type of the workbook written by WriteAttendance.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Filename suggests a download name for a classroom export.
func Filename(c *model.Classroom, at time.Time) string {
	return fmt.Sprintf("attendance-%s-%s.xlsx", c.PublicID, at.Format("20060102"))
}

// WriteAttendance writes a workbook with one row per session and one row
// per roster student.
func WriteAttendance(w io.Writer, c *model.Classroom, sessions []model.AttendanceSession, basis attendance.Basis) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sessionsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(studentsSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	summary := attendance.Analytics(c, sessions, basis)

	rows := [][]any{{"Session", "Date", "Total Students", "Present", "Absent", "Absentees", "Result Image"}}
	for _, s := range sessions {
		rows = append(rows, []any{
			s.ID,
			s.CreatedAt.UTC().Format(time.RFC3339),
			s.TotalStudents,
			s.PresentCount,
			s.AbsentCount,
			strings.Join(s.Absentees, ", "),
			s.ResultImageURL,
		})
	}
	if err := writeRows(f, sessionsSheet, rows); err != nil {
		return err
	}

	rows = [][]any{{"Roll Number", "Name", "Present", "Sessions", "Percentage"}}
	for _, st := range summary.StudentAttendance {
		rows = append(rows, []any{st.RollNumber, st.Name, st.PresentCount, st.TotalSessions, st.Percentage})
	}
	if err := writeRows(f, studentsSheet, rows); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
