package dto

import (
	"time"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// SessionResponse is the management view of a session.
type SessionResponse struct {
	ID          string                    `json:"id"`
	CourseID    string                    `json:"course_id"`
	Status      models.SessionStatus      `json:"status"`
	StartTime   time.Time                 `json:"start_time"`
	EndTime     time.Time                 `json:"end_time"`
	ActivatedAt *time.Time                `json:"activated_at,omitempty"`
	Deadline    *time.Time                `json:"deadline,omitempty"`
	Room        string                    `json:"room_location,omitempty"`
	Geofence    *models.GeofenceConfig    `json:"geofence,omitempty"`
	Attendance  *models.AttendanceSummary `json:"attendance,omitempty"`
}

// NewSessionResponse renders a session, optionally with its snapshot extras.
func NewSessionResponse(session *models.ClassSession, deadline *time.Time, summary *models.AttendanceSummary) SessionResponse {
	return SessionResponse{
		ID:          session.ID,
		CourseID:    session.CourseID,
		Status:      session.Status,
		StartTime:   session.StartTime,
		EndTime:     session.EndTime,
		ActivatedAt: session.ActivatedAt,
		Deadline:    deadline,
		Room:        session.RoomLocation,
		Geofence:    session.Geofence,
		Attendance:  summary,
	}
}
