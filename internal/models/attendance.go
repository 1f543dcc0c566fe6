package models

import "time"

// AttendanceStatus represents the status for attendance records.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "present"
	AttendanceStatusLate    AttendanceStatus = "late"
	AttendanceStatusAbsent  AttendanceStatus = "absent"
	AttendanceStatusExcused AttendanceStatus = "excused"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusLate, AttendanceStatusAbsent, AttendanceStatusExcused:
		return true
	default:
		return false
	}
}

// AttendanceRecord is the durable outcome of one accepted scan, or a synthesized
// absence once the session completes.
type AttendanceRecord struct {
	ID                    string           `db:"id" json:"id"`
	SessionID             string           `db:"session_id" json:"session_id"`
	StudentID             string           `db:"student_id" json:"student_id"`
	ScannedAt             time.Time        `db:"scanned_at" json:"scanned_at"`
	Status                AttendanceStatus `db:"status" json:"status"`
	DeviceFingerprintHash *string          `db:"device_fingerprint_hash" json:"device_fingerprint_hash,omitempty"`
	IPAddress             *string          `db:"ip_address" json:"ip_address,omitempty"`
	CredentialNonce       *string          `db:"credential_nonce" json:"-"`
	CreatedAt             time.Time        `db:"created_at" json:"created_at"`
}

// AttendanceSummary counts records of a session by status.
type AttendanceSummary struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Excused int `json:"excused"`
	Total   int `json:"total"`
}

// Add accumulates n records of the given status.
func (s *AttendanceSummary) Add(status AttendanceStatus, n int) {
	switch status {
	case AttendanceStatusPresent:
		s.Present += n
	case AttendanceStatusLate:
		s.Late += n
	case AttendanceStatusAbsent:
		s.Absent += n
	case AttendanceStatusExcused:
		s.Excused += n
	default:
		return
	}
	s.Total += n
}
