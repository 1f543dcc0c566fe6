package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/realtime"
	"github.com/noah-isme/qr-presence-api/internal/signals"
	"github.com/noah-isme/qr-presence-api/pkg/config"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

type attendanceStore interface {
	InsertIfAbsent(ctx context.Context, record *models.AttendanceRecord) (bool, error)
	Exists(ctx context.Context, sessionID, studentID string) (bool, error)
	CountByFingerprint(ctx context.Context, sessionID, fingerprintHash, excludeStudentID string) (int, error)
}

type deviceStore interface {
	Get(ctx context.Context, studentID string) (*models.DeviceFingerprint, error)
	Save(ctx context.Context, studentID string, fp models.DeviceFingerprint) error
}

type credentialChecker interface {
	Verify(cred models.Credential) bool
	TTL() time.Duration
	ClockSkew() time.Duration
}

type sessionExpirer interface {
	Expire(ctx context.Context, id string) (bool, error)
	Deadline(session *models.ClassSession) (time.Time, bool)
}

// ScanConfig tunes classification and fraud heuristics.
type ScanConfig struct {
	GraceWindow               time.Duration
	LatePolicy                string
	DeviceSimilarityThreshold float64
	Clock                     clockwork.Clock
}

// ScanService is the scan validation pipeline. Checks run in a fixed order and the
// first failing one decides the rejection reason.
type ScanService struct {
	sessions    sessionReader
	expirer     sessionExpirer
	credentials credentialChecker
	attendance  attendanceStore
	devices     deviceStore
	publisher   realtime.Publisher
	validator   *validator.Validate
	metrics     *MetricsService
	logger      *zap.Logger
	cfg         ScanConfig
}

// NewScanService constructs the pipeline. devices, publisher and metrics may be nil.
func NewScanService(sessions sessionReader, expirer sessionExpirer, credentials credentialChecker, attendance attendanceStore, devices deviceStore, publisher realtime.Publisher, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, cfg ScanConfig) *ScanService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = 0
	}
	if cfg.LatePolicy == "" {
		cfg.LatePolicy = config.LatePolicyActivation
	}
	return &ScanService{
		sessions:    sessions,
		expirer:     expirer,
		credentials: credentials,
		attendance:  attendance,
		devices:     devices,
		publisher:   publisher,
		validator:   validate,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// Submit runs the pipeline for one scan. Protocol rejections are returned as a
// result; only infrastructure failures produce an error, and no record is written
// in that case.
func (s *ScanService) Submit(ctx context.Context, in models.ScanInput) (*models.ScanResult, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid scan payload")
	}

	started := s.cfg.Clock.Now()
	result, err := s.evaluate(ctx, in, started)
	s.metrics.RecordScan(result, err, s.cfg.Clock.Since(started))
	return result, err
}

func (s *ScanService) evaluate(ctx context.Context, in models.ScanInput, now time.Time) (*models.ScanResult, error) {
	logger := s.logger.With(zap.String("session_id", in.SessionID), zap.String("student_id", in.StudentID))

	cred, err := ParseCredential(in.Credential)
	if err != nil {
		logger.Debug("scan rejected", zap.String("reason", string(models.RejectMalformedCredential)), zap.Error(err))
		return rejected(models.RejectMalformedCredential, now), nil
	}

	age := now.Sub(cred.IssuedTime())
	if age > s.credentials.TTL() || age < -s.credentials.ClockSkew() {
		logger.Debug("scan rejected", zap.String("reason", string(models.RejectExpired)), zap.Duration("age", age))
		return rejected(models.RejectExpired, now), nil
	}

	if !s.credentials.Verify(cred) {
		logger.Warn("credential signature mismatch",
			zap.String("event", "credential_tampering"),
			zap.String("credential_session_id", cred.SessionID),
			zap.String("ip", in.IPAddress),
		)
		return rejected(models.RejectInvalidSignature, now), nil
	}
	if cred.SessionID != in.SessionID {
		logger.Warn("credential presented to another session",
			zap.String("event", "credential_session_mismatch"),
			zap.String("credential_session_id", cred.SessionID),
		)
		return rejected(models.RejectSessionMismatch, now), nil
	}

	session, err := s.sessions.FindByID(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rejected(models.RejectSessionNotActive, now), nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if session.Status != models.SessionStatusActive {
		return rejected(models.RejectSessionNotActive, now), nil
	}
	if deadline, ok := s.expirer.Deadline(session); ok && !now.Before(deadline) {
		if _, err := s.expirer.Expire(ctx, session.ID); err != nil {
			logger.Error("auto-expiry from scan failed", zap.Error(err))
		}
		return rejected(models.RejectSessionNotActive, now), nil
	}

	exists, err := s.attendance.Exists(ctx, in.SessionID, in.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check attendance")
	}
	if exists {
		return rejected(models.RejectAlreadyRecorded, now), nil
	}

	if session.Geofence != nil {
		if in.Location == nil {
			return rejected(models.RejectLocationUnavailable, now), nil
		}
		if !signals.Within(*in.Location, *session.Geofence) {
			logger.Debug("scan outside geofence",
				zap.Float64("distance_m", signals.Distance(in.Location.Latitude, in.Location.Longitude, session.Geofence.CenterLat, session.Geofence.CenterLng)),
			)
			return rejected(models.RejectOutsideGeofence, now), nil
		}
	}

	record := &models.AttendanceRecord{
		SessionID:       in.SessionID,
		StudentID:       in.StudentID,
		ScannedAt:       now.UTC(),
		Status:          s.classify(session, now),
		CredentialNonce: &cred.Nonce,
		CreatedAt:       now.UTC(),
	}
	fingerprintHash := ""
	if signals.Defined(in.Fingerprint) {
		fingerprintHash = signals.Hash(in.Fingerprint)
		record.DeviceFingerprintHash = &fingerprintHash
	}
	if in.IPAddress != "" {
		ip := in.IPAddress
		record.IPAddress = &ip
	}

	inserted, err := s.attendance.InsertIfAbsent(ctx, record)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attendance")
	}
	if !inserted {
		return rejected(models.RejectAlreadyRecorded, now), nil
	}

	flags := s.deviceFlags(ctx, logger, in, fingerprintHash)
	logger.Info("attendance recorded", zap.String("status", string(record.Status)), zap.Any("flags", flags))

	s.publishAccepted(ctx, record, flags)
	return &models.ScanResult{
		Accepted:  true,
		Status:    record.Status,
		Record:    record,
		Flags:     flags,
		DecidedAt: now,
	}, nil
}

// classify compares the scan against the grace window measured from the
// reference instant selected by the late policy.
func (s *ScanService) classify(session *models.ClassSession, now time.Time) models.AttendanceStatus {
	reference := session.StartTime
	if s.cfg.LatePolicy != config.LatePolicyScheduled || reference.IsZero() {
		if session.ActivatedAt != nil {
			reference = *session.ActivatedAt
		}
	}
	if now.Sub(reference) <= s.cfg.GraceWindow {
		return models.AttendanceStatusPresent
	}
	return models.AttendanceStatusLate
}

// deviceFlags runs the fraud heuristics. Failures are logged and never change the
// decision.
func (s *ScanService) deviceFlags(ctx context.Context, logger *zap.Logger, in models.ScanInput, fingerprintHash string) []models.ScanFlag {
	if fingerprintHash == "" {
		return nil
	}
	var flags []models.ScanFlag

	if s.devices != nil {
		previous, err := s.devices.Get(ctx, in.StudentID)
		switch {
		case err != nil:
			logger.Warn("device binding lookup failed", zap.Error(err))
		case previous != nil:
			if similarity := signals.Similarity(*previous, in.Fingerprint); similarity < s.cfg.DeviceSimilarityThreshold {
				flags = append(flags, models.FlagDeviceChanged)
				logger.Info("device change detected", zap.Float64("similarity", similarity))
			}
		}
		if err == nil {
			if err := s.devices.Save(ctx, in.StudentID, in.Fingerprint); err != nil {
				logger.Warn("device binding update failed", zap.Error(err))
			}
		}
	}

	shared, err := s.attendance.CountByFingerprint(ctx, in.SessionID, fingerprintHash, in.StudentID)
	if err != nil {
		logger.Warn("shared device lookup failed", zap.Error(err))
	} else if shared > 0 {
		flags = append(flags, models.FlagSharedDevice)
		logger.Info("device shared within session", zap.Int("other_students", shared))
	}
	return flags
}

func (s *ScanService) publishAccepted(ctx context.Context, record *models.AttendanceRecord, flags []models.ScanFlag) {
	if s.publisher == nil {
		return
	}
	event := models.Event{
		Kind:      models.EventAttendanceAccepted,
		SessionID: record.SessionID,
		At:        record.ScannedAt,
		Data: models.AttendanceAcceptedData{
			StudentID: record.StudentID,
			Status:    record.Status,
			ScannedAt: record.ScannedAt,
			Flags:     flags,
		},
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish realtime event", zap.String("kind", string(event.Kind)), zap.String("session_id", record.SessionID), zap.Error(err))
	}
}

func rejected(reason models.RejectReason, at time.Time) *models.ScanResult {
	return &models.ScanResult{Accepted: false, Reason: reason, DecidedAt: at}
}
