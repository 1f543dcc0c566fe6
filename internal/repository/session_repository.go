package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

const sessionColumns = `id, course_id, session_date, start_time, end_time, room_location, status, activated_at,
        total_enrolled, geofence_lat, geofence_lng, geofence_radius_m, updated_at`

type sessionRow struct {
	ID              string               `db:"id"`
	CourseID        string               `db:"course_id"`
	Date            time.Time            `db:"session_date"`
	StartTime       time.Time            `db:"start_time"`
	EndTime         time.Time            `db:"end_time"`
	RoomLocation    string               `db:"room_location"`
	Status          models.SessionStatus `db:"status"`
	ActivatedAt     sql.NullTime         `db:"activated_at"`
	TotalEnrolled   int                  `db:"total_enrolled"`
	GeofenceLat     sql.NullFloat64      `db:"geofence_lat"`
	GeofenceLng     sql.NullFloat64      `db:"geofence_lng"`
	GeofenceRadiusM sql.NullFloat64      `db:"geofence_radius_m"`
	UpdatedAt       time.Time            `db:"updated_at"`
}

func (r sessionRow) toModel() *models.ClassSession {
	session := &models.ClassSession{
		ID:            r.ID,
		CourseID:      r.CourseID,
		Date:          r.Date,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		RoomLocation:  r.RoomLocation,
		Status:        r.Status,
		TotalEnrolled: r.TotalEnrolled,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ActivatedAt.Valid {
		at := r.ActivatedAt.Time
		session.ActivatedAt = &at
	}
	if r.GeofenceLat.Valid && r.GeofenceLng.Valid && r.GeofenceRadiusM.Valid {
		session.Geofence = &models.GeofenceConfig{
			CenterLat:    r.GeofenceLat.Float64,
			CenterLng:    r.GeofenceLng.Float64,
			RadiusMeters: r.GeofenceRadiusM.Float64,
		}
	}
	return session
}

// SessionRepository persists class sessions and their lifecycle state.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindByID returns a session by its ID. sql.ErrNoRows is returned untouched.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.ClassSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE id = $1`
	var row sessionRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find class session: %w", err)
	}
	return row.toModel(), nil
}

// Transition moves the session to t.To only while its status is one of t.From.
// activated_at is written on the first move into active and never cleared.
func (r *SessionRepository) Transition(ctx context.Context, id string, t models.SessionTransition) (*models.ClassSession, error) {
	from := make([]string, len(t.From))
	for i, status := range t.From {
		from[i] = string(status)
	}
	var activatedAt *time.Time
	if t.To == models.SessionStatusActive {
		at := t.At
		activatedAt = &at
	}

	query := `UPDATE class_sessions
SET status = $2, activated_at = COALESCE(activated_at, $3), updated_at = $4
WHERE id = $1 AND status = ANY($5)
RETURNING ` + sessionColumns
	var row sessionRow
	if err := r.db.GetContext(ctx, &row, query, id, t.To, activatedAt, t.At, pq.Array(from)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("transition class session: %w", err)
	}
	return row.toModel(), nil
}

// ListByStatus returns sessions in any of the given states.
func (r *SessionRepository) ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.ClassSession, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	query := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE status = ANY($1) ORDER BY start_time`
	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(values)); err != nil {
		return nil, fmt.Errorf("list class sessions by status: %w", err)
	}
	sessions := make([]models.ClassSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, *row.toModel())
	}
	return sessions, nil
}
