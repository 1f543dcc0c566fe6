package models

import "time"

// EventKind names a realtime event pushed to session subscribers.
type EventKind string

const (
	EventCredentialRotated  EventKind = "credential.rotated"
	EventAttendanceAccepted EventKind = "attendance.accepted"
	EventSessionStatus      EventKind = "session.status"
)

// Event is one realtime message for a session room.
type Event struct {
	Kind      EventKind   `json:"kind"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data"`
	At        time.Time   `json:"at"`
}

// CredentialRotatedData carries the new QR payload.
type CredentialRotatedData struct {
	Payload      string    `json:"payload"`
	QRImage      string    `json:"qr_image"`
	IssuedAt     int64     `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiringSoon time.Time `json:"expiring_soon_at"`
}

// AttendanceAcceptedData describes an accepted scan. StudentID is blanked for
// anonymized subscribers.
type AttendanceAcceptedData struct {
	StudentID string           `json:"student_id,omitempty"`
	Status    AttendanceStatus `json:"status"`
	ScannedAt time.Time        `json:"scanned_at"`
	Flags     []ScanFlag       `json:"flags,omitempty"`
}

// Anonymized returns a copy without the student identity.
func (d AttendanceAcceptedData) Anonymized() AttendanceAcceptedData {
	d.StudentID = ""
	d.Flags = nil
	return d
}

// SessionStatusData announces a lifecycle change.
type SessionStatusData struct {
	Status      SessionStatus `json:"status"`
	ActivatedAt *time.Time    `json:"activated_at,omitempty"`
}
