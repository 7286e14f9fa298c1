package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StudentProgress is the tool-facing view of a student's recent work.
type StudentProgress struct {
	StudentID            string   `json:"student_id"`
	Name                 string   `json:"name"`
	CompletedAssignments int      `json:"completed_assignments"`
	PendingAssignments   int      `json:"pending_assignments"`
	AverageGrade         float64  `json:"average_grade"`
	SubjectsOfConcern    []string `json:"subjects_of_concern,omitempty"`
}

// AttendanceSummary aggregates attendance for one class over a date range.
type AttendanceSummary struct {
	ClassID  string          `json:"class_id"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Students []StudentRollup `json:"students"`
}

// StudentRollup is one student's attendance counts within a summary.
type StudentRollup struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Present   int    `json:"present"`
	Absent    int    `json:"absent"`
	Late      int    `json:"late"`
}

// ErrNotFound is returned when tenant data does not exist or belongs to
// another organization.
var ErrNotFound = errors.New("not found")

// Store reads tenant data for tool execution. All queries are scoped to the
// caller's organization.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a tenant data store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// StudentProgress returns progress for one student within an organization.
func (s *Store) StudentProgress(ctx context.Context, orgID, studentID string) (*StudentProgress, error) {
	p := &StudentProgress{StudentID: studentID}
	err := s.pool.QueryRow(ctx,
		`SELECT s.name,
			COALESCE(SUM(CASE WHEN a.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(a.grade) FILTER (WHERE a.grade IS NOT NULL), 0)
		 FROM students s
		 LEFT JOIN assignments a ON a.student_id = s.id
		 WHERE s.id = $1 AND s.organization_id = $2
		 GROUP BY s.name`,
		studentID, orgID,
	).Scan(&p.Name, &p.CompletedAssignments, &p.PendingAssignments, &p.AverageGrade)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading student progress: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT a.subject FROM assignments a
		 WHERE a.student_id = $1 AND a.grade IS NOT NULL AND a.grade < 60`,
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading subjects of concern: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("scanning subject: %w", err)
		}
		p.SubjectsOfConcern = append(p.SubjectsOfConcern, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subjects: %w", err)
	}

	return p, nil
}

// ClassAttendance returns per-student attendance counts for a class. The from
// and to bounds are optional YYYY-MM-DD dates.
func (s *Store) ClassAttendance(ctx context.Context, orgID, classID, from, to string) (*AttendanceSummary, error) {
	query := `SELECT s.id, s.name,
		COALESCE(SUM(CASE WHEN r.status = 'present' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN r.status = 'absent' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN r.status = 'late' THEN 1 ELSE 0 END), 0)
	 FROM students s
	 JOIN class_members m ON m.student_id = s.id
	 JOIN classes c ON c.id = m.class_id
	 LEFT JOIN attendance r ON r.student_id = s.id AND r.class_id = c.id`
	args := []any{classID, orgID}
	where := ` WHERE c.id = $1 AND c.organization_id = $2`
	if from != "" {
		args = append(args, from)
		where += fmt.Sprintf(" AND (r.date IS NULL OR r.date >= $%d)", len(args))
	}
	if to != "" {
		args = append(args, to)
		where += fmt.Sprintf(" AND (r.date IS NULL OR r.date <= $%d)", len(args))
	}
	query += where + ` GROUP BY s.id, s.name ORDER BY s.name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading class attendance: %w", err)
	}
	defer rows.Close()

	summary := &AttendanceSummary{ClassID: classID, From: from, To: to}
	for rows.Next() {
		var r StudentRollup
		if err := rows.Scan(&r.StudentID, &r.Name, &r.Present, &r.Absent, &r.Late); err != nil {
			return nil, fmt.Errorf("scanning attendance row: %w", err)
		}
		summary.Students = append(summary.Students, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attendance rows: %w", err)
	}
	if len(summary.Students) == 0 {
		return nil, ErrNotFound
	}

	return summary, nil
}
