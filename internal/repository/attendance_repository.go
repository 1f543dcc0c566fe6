package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

const attendanceColumns = `id, session_id, student_id, scanned_at, status, device_fingerprint_hash, ip_address, credential_nonce, created_at`

// AttendanceRepository persists attendance records. At most one record exists per
// (session_id, student_id); the unique index backs InsertIfAbsent.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// InsertIfAbsent stores the record unless one already exists for the student in the
// session. It reports false on conflict.
func (r *AttendanceRepository) InsertIfAbsent(ctx context.Context, record *models.AttendanceRecord) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO attendance_records (` + attendanceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (session_id, student_id) DO NOTHING RETURNING id`
	var insertedID string
	err := r.db.QueryRowxContext(ctx, query,
		record.ID, record.SessionID, record.StudentID, record.ScannedAt, record.Status,
		record.DeviceFingerprintHash, record.IPAddress, record.CredentialNonce, record.CreatedAt,
	).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert attendance record: %w", err)
	}
	return true, nil
}

// Exists reports whether the student already has a record in the session.
func (r *AttendanceRepository) Exists(ctx context.Context, sessionID, studentID string) (bool, error) {
	const query = `SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, sessionID, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check attendance record: %w", err)
	}
	return true, nil
}

// ListBySession returns the session's records ordered by scan time.
func (r *AttendanceRepository) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + ` FROM attendance_records WHERE session_id = $1 ORDER BY scanned_at, student_id`
	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, sessionID); err != nil {
		return nil, fmt.Errorf("list attendance records: %w", err)
	}
	return records, nil
}

// CountByFingerprint counts other students in the session whose scans carried the
// same device fingerprint hash.
func (r *AttendanceRepository) CountByFingerprint(ctx context.Context, sessionID, fingerprintHash, excludeStudentID string) (int, error) {
	const query = `SELECT COUNT(*) FROM attendance_records
WHERE session_id = $1 AND device_fingerprint_hash = $2 AND student_id <> $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sessionID, fingerprintHash, excludeStudentID); err != nil {
		return 0, fmt.Errorf("count attendance by fingerprint: %w", err)
	}
	return count, nil
}

// InsertAbsent writes an absent record for every listed student that has none yet
// and returns how many rows were created.
func (r *AttendanceRepository) InsertAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) (int, error) {
	if len(studentIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(studentIDs))
	for i := range studentIDs {
		ids[i] = uuid.NewString()
	}
	const query = `INSERT INTO attendance_records (id, session_id, student_id, scanned_at, status, created_at)
SELECT t.id, $1, t.student_id, $2, $3, $2
FROM unnest($4::text[], $5::text[]) AS t(id, student_id)
ON CONFLICT (session_id, student_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query, sessionID, at, models.AttendanceStatusAbsent, pq.Array(ids), pq.Array(studentIDs))
	if err != nil {
		return 0, fmt.Errorf("insert absent records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert absent records: %w", err)
	}
	return int(affected), nil
}

// Summary counts the session's records by status.
func (r *AttendanceRepository) Summary(ctx context.Context, sessionID string) (models.AttendanceSummary, error) {
	const query = `SELECT status, COUNT(*) AS total FROM attendance_records WHERE session_id = $1 GROUP BY status`
	var rows []struct {
		Status models.AttendanceStatus `db:"status"`
		Total  int                     `db:"total"`
	}
	var summary models.AttendanceSummary
	if err := r.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return summary, fmt.Errorf("summarise attendance: %w", err)
	}
	for _, row := range rows {
		summary.Add(row.Status, row.Total)
	}
	return summary, nil
}
