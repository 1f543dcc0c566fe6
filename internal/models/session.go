package models

import "time"

// SessionStatus is the lifecycle state of a class session.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusScheduled: {SessionStatusActive, SessionStatusCancelled},
	SessionStatusActive:    {SessionStatusPaused, SessionStatusCompleted, SessionStatusCancelled},
	SessionStatusPaused:    {SessionStatusActive, SessionStatusCompleted, SessionStatusCancelled},
}

// Valid returns true when the status is a supported value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusActive, SessionStatusPaused, SessionStatusCompleted, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// GeofenceConfig is a circular region a scan must originate from.
type GeofenceConfig struct {
	CenterLat    float64 `json:"center_lat"`
	CenterLng    float64 `json:"center_lng"`
	RadiusMeters float64 `json:"radius_meters"`
}

// ClassSession is one scheduled meeting of a course.
type ClassSession struct {
	ID            string          `json:"id"`
	CourseID      string          `json:"course_id"`
	Date          time.Time       `json:"date"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	RoomLocation  string          `json:"room_location"`
	Status        SessionStatus   `json:"status"`
	ActivatedAt   *time.Time      `json:"activated_at,omitempty"`
	TotalEnrolled int             `json:"total_enrolled"`
	Geofence      *GeofenceConfig `json:"geofence,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Deadline is the auto-expiry instant, fixed by the first activation.
func (s *ClassSession) Deadline(maxDuration time.Duration) (time.Time, bool) {
	if s == nil || s.ActivatedAt == nil {
		return time.Time{}, false
	}
	return s.ActivatedAt.Add(maxDuration), true
}

// SessionTransition describes a requested state change.
type SessionTransition struct {
	From []SessionStatus
	To   SessionStatus
	At   time.Time
}

// SessionSnapshot is a session together with its attendance tally.
type SessionSnapshot struct {
	Session    *ClassSession     `json:"session"`
	Deadline   *time.Time        `json:"deadline,omitempty"`
	Attendance AttendanceSummary `json:"attendance"`
}
