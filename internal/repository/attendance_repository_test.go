package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

const insertIfAbsentPattern = "ON CONFLICT (session_id, student_id) DO NOTHING RETURNING id"

func newRecord() *models.AttendanceRecord {
	hash := "abc123"
	return &models.AttendanceRecord{
		SessionID:             "s1",
		StudentID:             "stu-1",
		ScannedAt:             time.Date(2024, 3, 4, 9, 0, 5, 0, time.UTC),
		Status:                models.AttendanceStatusPresent,
		DeviceFingerprintHash: &hash,
	}
}

func TestAttendanceRepositoryInsertIfAbsent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(insertIfAbsentPattern)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-1"))

	record := newRecord()
	inserted, err := repo.InsertIfAbsent(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, record.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryInsertIfAbsentConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(insertIfAbsentPattern)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	inserted, err := repo.InsertIfAbsent(context.Background(), newRecord())
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestAttendanceRepositoryInsertIfAbsentStorageError(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(insertIfAbsentPattern)).
		WillReturnError(errors.New("connection reset"))

	inserted, err := repo.InsertIfAbsent(context.Background(), newRecord())
	require.Error(t, err)
	assert.False(t, inserted)
}

func TestAttendanceRepositoryExists(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	query := regexp.QuoteMeta("SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2 LIMIT 1")
	mock.ExpectQuery(query).WithArgs("s1", "stu-1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(query).WithArgs("s1", "stu-2").WillReturnError(sql.ErrNoRows)

	exists, err := repo.Exists(context.Background(), "s1", "stu-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.Exists(context.Background(), "s1", "stu-2")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryCountByFingerprint(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("device_fingerprint_hash = $2 AND student_id <> $3")).
		WithArgs("s1", "abc123", "stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountByFingerprint(context.Background(), "s1", "abc123", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAttendanceRepositoryInsertAbsent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("FROM unnest($4::text[], $5::text[]) AS t(id, student_id)")).
		WithArgs("s1", at, models.AttendanceStatusAbsent, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	inserted, err := repo.InsertAbsent(context.Background(), "s1", []string{"stu-2", "stu-3", "stu-4"}, at)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryInsertAbsentEmpty(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	inserted, err := repo.InsertAbsent(context.Background(), "s1", nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositorySummary(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "total"}).
			AddRow("present", 20).
			AddRow("late", 3).
			AddRow("absent", 5))

	summary, err := repo.Summary(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceSummary{Present: 20, Late: 3, Absent: 5, Total: 28}, summary)
}
