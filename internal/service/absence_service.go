package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/pkg/jobs"
)

type rosterReader interface {
	ListStudentIDs(ctx context.Context, sessionID string) ([]string, error)
}

type absenceWriter interface {
	InsertAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) (int, error)
}

// AbsenceService records students who never scanned as absent once a session completes.
type AbsenceService struct {
	sessions sessionReader
	roster   rosterReader
	records  absenceWriter
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewAbsenceService constructs the synthesizer.
func NewAbsenceService(sessions sessionReader, roster rosterReader, records absenceWriter, metrics *MetricsService, logger *zap.Logger) *AbsenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AbsenceService{sessions: sessions, roster: roster, records: records, metrics: metrics, logger: logger}
}

// Synthesize inserts absent records for every enrolled student without one. It is
// idempotent and only meaningful for completed sessions.
func (s *AbsenceService) Synthesize(ctx context.Context, sessionID string, at time.Time) (int, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, jobs.Permanent(fmt.Errorf("session %s not found", sessionID))
		}
		return 0, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.Status != models.SessionStatusCompleted {
		return 0, jobs.Permanent(fmt.Errorf("session %s is %s, not completed", sessionID, session.Status))
	}

	students, err := s.roster.ListStudentIDs(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("load roster for %s: %w", sessionID, err)
	}
	inserted, err := s.records.InsertAbsent(ctx, sessionID, students, at)
	if err != nil {
		return 0, err
	}

	s.metrics.RecordAbsences(inserted)
	s.logger.Info("absent records synthesized",
		zap.String("session_id", sessionID),
		zap.Int("roster", len(students)),
		zap.Int("absent", inserted),
	)
	return inserted, nil
}

// HandleJob adapts Synthesize to the job queue.
func (s *AbsenceService) HandleJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(AbsenceJob)
	if !ok {
		return jobs.Permanent(fmt.Errorf("unexpected payload %T for %s", job.Payload, job.Type))
	}
	_, err := s.Synthesize(ctx, payload.SessionID, payload.CompletedAt)
	return err
}
