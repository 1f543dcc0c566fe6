package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// ScanRequest is the body of a scan submission. Credential is the decoded QR
// payload, either the credential object or the JSON string holding it.
type ScanRequest struct {
	Credential  json.RawMessage          `json:"credential"`
	Fingerprint models.DeviceFingerprint `json:"fingerprint"`
	Location    *models.GeoLocation      `json:"location,omitempty"`
}

// ScanResponse is returned for accepted scans and carried in the data field of
// rejections.
type ScanResponse struct {
	Accepted  bool                    `json:"accepted"`
	Status    models.AttendanceStatus `json:"status,omitempty"`
	Reason    models.RejectReason     `json:"reason,omitempty"`
	RecordID  string                  `json:"record_id,omitempty"`
	ScannedAt *time.Time              `json:"scanned_at,omitempty"`
	Flags     []models.ScanFlag       `json:"flags,omitempty"`
}

// NewScanResponse flattens a pipeline result for the wire.
func NewScanResponse(result *models.ScanResult) ScanResponse {
	res := ScanResponse{
		Accepted: result.Accepted,
		Status:   result.Status,
		Reason:   result.Reason,
		Flags:    result.Flags,
	}
	if result.Record != nil {
		res.RecordID = result.Record.ID
		scannedAt := result.Record.ScannedAt
		res.ScannedAt = &scannedAt
	}
	return res
}
