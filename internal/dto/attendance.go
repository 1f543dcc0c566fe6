package dto

import (
	"time"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// AttendanceRow is one line of a session's attendance listing. The device
// hash and IP stay server side.
type AttendanceRow struct {
	StudentID string                  `json:"student_id"`
	Status    models.AttendanceStatus `json:"status"`
	ScannedAt time.Time               `json:"scanned_at"`
}

// NewAttendanceRows projects records into listing rows.
func NewAttendanceRows(records []models.AttendanceRecord) []AttendanceRow {
	rows := make([]AttendanceRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, AttendanceRow{StudentID: r.StudentID, Status: r.Status, ScannedAt: r.ScannedAt})
	}
	return rows
}
