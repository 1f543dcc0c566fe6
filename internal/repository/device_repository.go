package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/qr-presence-api/internal/models"
)

// DeviceRepository remembers the last fingerprint each student scanned with.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository constructs the repository.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Get returns the stored fingerprint, or nil when the student has none yet.
func (r *DeviceRepository) Get(ctx context.Context, studentID string) (*models.DeviceFingerprint, error) {
	const query = `SELECT fingerprint FROM student_devices WHERE student_id = $1`
	var raw []byte
	if err := r.db.GetContext(ctx, &raw, query, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get student device: %w", err)
	}
	var fp models.DeviceFingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("decode student device: %w", err)
	}
	return &fp, nil
}

// Save replaces the student's bound fingerprint.
func (r *DeviceRepository) Save(ctx context.Context, studentID string, fp models.DeviceFingerprint) error {
	payload, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encode student device: %w", err)
	}
	const query = `INSERT INTO student_devices (student_id, fingerprint, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (student_id) DO UPDATE SET fingerprint = EXCLUDED.fingerprint, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, studentID, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("save student device: %w", err)
	}
	return nil
}
