package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// EnrollmentRepository reads the course roster behind a session.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// ListStudentIDs returns the actively enrolled students of the session's course.
func (r *EnrollmentRepository) ListStudentIDs(ctx context.Context, sessionID string) ([]string, error) {
	const query = `SELECT e.student_id FROM course_enrollments e
JOIN class_sessions s ON s.course_id = e.course_id
WHERE s.id = $1 AND e.status = 'active'
ORDER BY e.student_id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, sessionID); err != nil {
		return nil, fmt.Errorf("list session roster: %w", err)
	}
	return ids, nil
}
