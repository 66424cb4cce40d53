package attendance

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"classattend/internal/model"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	trendLength     = 10
)

// Basis selects the denominator used for attendance percentages.
type Basis string

const (
	// BasisSnapshot divides by each session's frozen roster size.
	BasisSnapshot Basis = "snapshot"
	// BasisRoster divides by the classroom's current roster size.
	BasisRoster Basis = "roster"
)

// ParseBasis accepts "snapshot" or "roster"; empty means snapshot.
func ParseBasis(s string) (Basis, error) {
	switch Basis(strings.ToLower(strings.TrimSpace(s))) {
	case "", BasisSnapshot:
		return BasisSnapshot, nil
	case BasisRoster:
		return BasisRoster, nil
	}
	return "", fmt.Errorf("unknown analytics basis %q", s)
}

// Pagination describes where a history page sits.
type Pagination struct {
	CurrentPage   int  `json:"currentPage"`
	PageSize      int  `json:"pageSize"`
	TotalPages    int  `json:"totalPages"`
	TotalSessions int  `json:"totalSessions"`
	HasNextPage   bool `json:"hasNextPage"`
	HasPrevPage   bool `json:"hasPrevPage"`
}

// HistoryPage is one page of sessions, newest first.
type HistoryPage struct {
	Sessions   []model.AttendanceSession `json:"sessions"`
	Pagination Pagination                `json:"pagination"`
}

// TrendPoint is one session in the attendance trend.
type TrendPoint struct {
	SessionID    string    `json:"sessionId"`
	Date         time.Time `json:"date"`
	PresentCount int       `json:"presentCount"`
	Percentage   float64   `json:"percentage"`
}

// StudentStat is a student's attendance over all sessions.
type StudentStat struct {
	RollNumber    string  `json:"rollNumber"`
	Name          string  `json:"name"`
	PresentCount  int     `json:"presentCount"`
	TotalSessions int     `json:"totalSessions"`
	Percentage    float64 `json:"percentage"`
}

// Summary is the analytics view of a classroom.
type Summary struct {
	TotalSessions     int           `json:"totalSessions"`
	AverageAttendance float64       `json:"averageAttendance"`
	AttendanceTrend   []TrendPoint  `json:"attendanceTrend"`
	StudentAttendance []StudentStat `json:"studentAttendance"`
	Basis             Basis         `json:"basis"`
}

// History pages through sessions newest first. Pages are 1-based.
func History(sessions []model.AttendanceSession, page, pageSize int) HistoryPage {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	sorted := append([]model.AttendanceSession(nil), sessions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	total := len(sorted)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	out := make([]model.AttendanceSession, 0, end-start)
	for _, s := range sorted[start:end] {
		s.Normalize()
		out = append(out, s)
	}
	return HistoryPage{
		Sessions: out,
		Pagination: Pagination{
			CurrentPage:   page,
			PageSize:      pageSize,
			TotalPages:    totalPages,
			TotalSessions: total,
			HasNextPage:   page < totalPages,
			HasPrevPage:   page > 1,
		},
	}
}

// Analytics folds the session list of c into a summary.
func Analytics(c *model.Classroom, sessions []model.AttendanceSession, basis Basis) Summary {
	if basis == "" {
		basis = BasisSnapshot
	}
	sum := Summary{
		AttendanceTrend:   []TrendPoint{},
		StudentAttendance: []StudentStat{},
		Basis:             basis,
	}
	if len(sessions) == 0 {
		return sum
	}

	ordered := append([]model.AttendanceSession(nil), sessions...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	roster := c.ActiveRoster()
	denominator := func(s model.AttendanceSession) int {
		if basis == BasisRoster {
			return len(roster)
		}
		return s.TotalStudents
	}

	present, possible := 0, 0
	for _, s := range ordered {
		present += s.PresentCount
		possible += denominator(s)
	}
	sum.TotalSessions = len(ordered)
	sum.AverageAttendance = percent(present, possible)

	recent := ordered
	if len(recent) > trendLength {
		recent = recent[len(recent)-trendLength:]
	}
	for _, s := range recent {
		sum.AttendanceTrend = append(sum.AttendanceTrend, TrendPoint{
			SessionID:    s.ID,
			Date:         s.CreatedAt,
			PresentCount: s.PresentCount,
			Percentage:   percent(s.PresentCount, denominator(s)),
		})
	}

	for _, st := range roster {
		n := 0
		for i := range ordered {
			if ordered[i].Present(st.RollNumber) {
				n++
			}
		}
		sum.StudentAttendance = append(sum.StudentAttendance, StudentStat{
			RollNumber:    st.RollNumber,
			Name:          st.Name,
			PresentCount:  n,
			TotalSessions: len(ordered),
			Percentage:    percent(n, len(ordered)),
		})
	}
	return sum
}

// percent returns part/whole*100 rounded to two decimals, or 0 for an empty whole.
func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*10000) / 100
}
