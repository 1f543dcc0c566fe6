package models

import "time"

// RejectReason explains why a scan was not recorded.
type RejectReason string

const (
	RejectMalformedCredential RejectReason = "MALFORMED_CREDENTIAL"
	RejectExpired             RejectReason = "EXPIRED"
	RejectInvalidSignature    RejectReason = "INVALID_SIGNATURE"
	RejectSessionMismatch     RejectReason = "SESSION_MISMATCH"
	RejectSessionNotActive    RejectReason = "SESSION_NOT_ACTIVE"
	RejectAlreadyRecorded     RejectReason = "ALREADY_RECORDED"
	RejectOutsideGeofence     RejectReason = "OUTSIDE_GEOFENCE"
	RejectLocationUnavailable RejectReason = "LOCATION_UNAVAILABLE"
)

// ScanFlag is a heuristic fraud signal attached to an accepted scan. Flags never
// cause a rejection.
type ScanFlag string

const (
	FlagDeviceChanged ScanFlag = "DEVICE_CHANGED"
	FlagSharedDevice  ScanFlag = "SHARED_DEVICE"
)

// ScanInput is everything the pipeline needs to judge one scan.
type ScanInput struct {
	SessionID   string `validate:"required"`
	StudentID   string `validate:"required"`
	Credential  []byte
	Fingerprint DeviceFingerprint
	Location    *GeoLocation `validate:"omitempty"`
	IPAddress   string
}

// ScanResult is either an acceptance with a classification or a rejection reason.
type ScanResult struct {
	Accepted  bool              `json:"accepted"`
	Status    AttendanceStatus  `json:"status,omitempty"`
	Reason    RejectReason      `json:"reason,omitempty"`
	Record    *AttendanceRecord `json:"record,omitempty"`
	Flags     []ScanFlag        `json:"flags,omitempty"`
	DecidedAt time.Time         `json:"decided_at"`
}
