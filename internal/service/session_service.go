package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/realtime"
	"github.com/noah-isme/qr-presence-api/internal/repository"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
	"github.com/noah-isme/qr-presence-api/pkg/jobs"
	"github.com/noah-isme/qr-presence-api/pkg/scheduler"
)

// JobTypeSynthesizeAbsent is the job enqueued when a session completes.
const JobTypeSynthesizeAbsent = "attendance.synthesize_absent"

// AbsenceJob is the payload of JobTypeSynthesizeAbsent.
type AbsenceJob struct {
	SessionID   string
	CompletedAt time.Time
}

type sessionRepository interface {
	FindByID(ctx context.Context, id string) (*models.ClassSession, error)
	Transition(ctx context.Context, id string, t models.SessionTransition) (*models.ClassSession, error)
	ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.ClassSession, error)
}

type credentialIssuer interface {
	Issue(ctx context.Context, sessionID string) (*models.IssuedCredential, error)
	Revoke(ctx context.Context, sessionID string) error
}

type attendanceSummarizer interface {
	Summary(ctx context.Context, sessionID string) (models.AttendanceSummary, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// SessionConfig tunes the session lifecycle.
type SessionConfig struct {
	RotationInterval time.Duration
	MaxDuration      time.Duration
	Clock            clockwork.Clock
}

// SessionService is the session state machine. It owns the rotation and deadline
// tasks of every live session.
type SessionService struct {
	repo        sessionRepository
	credentials credentialIssuer
	attendance  attendanceSummarizer
	scheduler   *scheduler.Scheduler
	publisher   realtime.Publisher
	jobs        jobEnqueuer
	metrics     *MetricsService
	logger      *zap.Logger
	cfg         SessionConfig
	locks       *keyedMutex
}

// NewSessionService constructs the state machine. publisher, jobs and metrics may be nil.
func NewSessionService(repo sessionRepository, credentials credentialIssuer, attendance attendanceSummarizer, sched *scheduler.Scheduler, publisher realtime.Publisher, jobQueue jobEnqueuer, metrics *MetricsService, logger *zap.Logger, cfg SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 30 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 60 * time.Minute
	}
	return &SessionService{
		repo:        repo,
		credentials: credentials,
		attendance:  attendance,
		scheduler:   sched,
		publisher:   publisher,
		jobs:        jobQueue,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		locks:       newKeyedMutex(),
	}
}

func rotationKey(sessionID string) string { return "rotate:" + sessionID }
func deadlineKey(sessionID string) string { return "expire:" + sessionID }

// Start activates a scheduled session. Starting a paused session resumes it.
func (s *SessionService) Start(ctx context.Context, id string) (*models.ClassSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionStatusPaused {
		return s.resumeLocked(ctx, session)
	}
	if session.Status != models.SessionStatusScheduled {
		return nil, invalidTransition(session.Status, models.SessionStatusActive)
	}

	updated, err := s.transition(ctx, session, models.SessionStatusActive, models.SessionStatusScheduled)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session started", zap.String("session_id", id), zap.Timep("activated_at", updated.ActivatedAt))
	s.startRotation(ctx, updated)
	s.ensureDeadline(updated)
	s.announce(ctx, updated)
	return updated, nil
}

// Pause stops rotation. The auto-expiry deadline keeps running.
func (s *SessionService) Pause(ctx context.Context, id string) (*models.ClassSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusActive {
		return nil, invalidTransition(session.Status, models.SessionStatusPaused)
	}

	updated, err := s.transition(ctx, session, models.SessionStatusPaused, models.SessionStatusActive)
	if err != nil {
		return nil, err
	}
	s.scheduler.Cancel(rotationKey(id))
	s.reportTasks()
	s.logger.Info("session paused", zap.String("session_id", id))
	s.announce(ctx, updated)
	return updated, nil
}

// Resume reactivates a paused session without touching activatedAt.
func (s *SessionService) Resume(ctx context.Context, id string) (*models.ClassSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resumeLocked(ctx, session)
}

func (s *SessionService) resumeLocked(ctx context.Context, session *models.ClassSession) (*models.ClassSession, error) {
	if session.Status != models.SessionStatusPaused {
		return nil, invalidTransition(session.Status, models.SessionStatusActive)
	}
	if s.deadlinePassed(session) {
		if _, err := s.finishLocked(ctx, session, models.SessionStatusCompleted); err != nil {
			return nil, err
		}
		return nil, appErrors.Clone(appErrors.ErrSessionNotActive, "session reached its maximum duration")
	}

	updated, err := s.transition(ctx, session, models.SessionStatusActive, models.SessionStatusPaused)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session resumed", zap.String("session_id", session.ID))
	s.startRotation(ctx, updated)
	s.ensureDeadline(updated)
	s.announce(ctx, updated)
	return updated, nil
}

// Complete ends the session and schedules absent synthesis for the roster.
func (s *SessionService) Complete(ctx context.Context, id string) (*models.ClassSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.finishLocked(ctx, session, models.SessionStatusCompleted)
}

// Cancel abandons the session from any non-terminal state. No absences are recorded.
func (s *SessionService) Cancel(ctx context.Context, id string) (*models.ClassSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.finishLocked(ctx, session, models.SessionStatusCancelled)
}

// Expire completes the session once its deadline has been reached. It reports
// whether this call performed the completion; terminal sessions and sessions
// still within their window are left alone.
func (s *SessionService) Expire(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if session.Status.Terminal() || !s.deadlinePassed(session) {
		return false, nil
	}
	if _, err := s.finishLocked(ctx, session, models.SessionStatusCompleted); err != nil {
		return false, err
	}
	s.logger.Info("session auto-expired", zap.String("session_id", id), zap.Duration("max_duration", s.cfg.MaxDuration))
	return true, nil
}

// Get returns the session with its deadline and attendance tally.
func (s *SessionService) Get(ctx context.Context, id string) (*models.SessionSnapshot, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot := &models.SessionSnapshot{Session: session}
	if deadline, ok := session.Deadline(s.cfg.MaxDuration); ok {
		snapshot.Deadline = &deadline
	}
	if s.attendance != nil {
		summary, err := s.attendance.Summary(ctx, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to summarise attendance")
		}
		snapshot.Attendance = summary
	}
	return snapshot, nil
}

// Records lists the session's attendance records ordered by scan time.
func (s *SessionService) Records(ctx context.Context, id string) ([]models.AttendanceRecord, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	if s.attendance == nil {
		return []models.AttendanceRecord{}, nil
	}
	records, err := s.attendance.ListBySession(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
	}
	return records, nil
}

// Deadline returns the auto-expiry instant of an activated session.
func (s *SessionService) Deadline(session *models.ClassSession) (time.Time, bool) {
	return session.Deadline(s.cfg.MaxDuration)
}

// Recover reschedules the tasks of sessions left active or paused by a previous
// process. Sessions past their deadline are completed.
func (s *SessionService) Recover(ctx context.Context) error {
	sessions, err := s.repo.ListByStatus(ctx, models.SessionStatusActive, models.SessionStatusPaused)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list live sessions")
	}
	for i := range sessions {
		session := sessions[i]
		if err := s.recoverOne(ctx, &session); err != nil {
			s.logger.Error("failed to recover session", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	s.logger.Info("sessions recovered", zap.Int("count", len(sessions)))
	return nil
}

func (s *SessionService) recoverOne(ctx context.Context, session *models.ClassSession) error {
	unlock := s.locks.Lock(session.ID)
	defer unlock()

	if s.deadlinePassed(session) {
		_, err := s.finishLocked(ctx, session, models.SessionStatusCompleted)
		return err
	}
	s.ensureDeadline(session)
	if session.Status == models.SessionStatusActive {
		s.startRotation(ctx, session)
	}
	return nil
}

func (s *SessionService) finishLocked(ctx context.Context, session *models.ClassSession, to models.SessionStatus) (*models.ClassSession, error) {
	var from []models.SessionStatus
	switch to {
	case models.SessionStatusCompleted:
		from = []models.SessionStatus{models.SessionStatusActive, models.SessionStatusPaused}
	case models.SessionStatusCancelled:
		from = []models.SessionStatus{models.SessionStatusScheduled, models.SessionStatusActive, models.SessionStatusPaused}
	}
	if !session.Status.CanTransitionTo(to) {
		return nil, invalidTransition(session.Status, to)
	}

	updated, err := s.transition(ctx, session, to, from...)
	if err != nil {
		return nil, err
	}
	s.scheduler.Cancel(rotationKey(session.ID))
	s.scheduler.Cancel(deadlineKey(session.ID))
	s.reportTasks()

	if err := s.credentials.Revoke(ctx, session.ID); err != nil {
		s.logger.Warn("failed to revoke credential", zap.String("session_id", session.ID), zap.Error(err))
	}
	if to == models.SessionStatusCompleted {
		s.enqueueAbsence(updated)
	}
	s.logger.Info("session finished", zap.String("session_id", session.ID), zap.String("status", string(to)))
	s.announce(ctx, updated)
	return updated, nil
}

func (s *SessionService) enqueueAbsence(session *models.ClassSession) {
	if s.jobs == nil {
		return
	}
	job := jobs.Job{
		Type:    JobTypeSynthesizeAbsent,
		Payload: AbsenceJob{SessionID: session.ID, CompletedAt: s.cfg.Clock.Now().UTC()},
	}
	if err := s.jobs.Enqueue(job); err != nil {
		s.logger.Error("failed to enqueue absence synthesis", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *SessionService) startRotation(ctx context.Context, session *models.ClassSession) {
	id := session.ID
	if _, err := s.credentials.Issue(ctx, id); err != nil {
		s.logger.Error("failed to issue initial credential", zap.String("session_id", id), zap.Error(err))
	}
	err := s.scheduler.Every(rotationKey(id), s.cfg.RotationInterval, func(taskCtx context.Context) {
		s.rotate(taskCtx, id)
	})
	if err != nil {
		s.logger.Error("failed to schedule rotation", zap.String("session_id", id), zap.Error(err))
	}
	s.reportTasks()
}

// rotate issues the next credential under the session lock. A tick cancelled by
// pause or finish while it waited for the lock does nothing.
func (s *SessionService) rotate(taskCtx context.Context, id string) {
	unlock := s.locks.Lock(id)
	defer unlock()
	if taskCtx.Err() != nil {
		return
	}
	if _, err := s.credentials.Issue(context.WithoutCancel(taskCtx), id); err != nil {
		s.logger.Warn("credential rotation failed", zap.String("session_id", id), zap.Error(err))
	}
}

// ensureDeadline schedules auto-expiry once per session; pause and resume never move it.
func (s *SessionService) ensureDeadline(session *models.ClassSession) {
	deadline, ok := s.Deadline(session)
	if !ok || s.scheduler.Has(deadlineKey(session.ID)) {
		return
	}
	id := session.ID
	err := s.scheduler.At(deadlineKey(id), deadline, func(taskCtx context.Context) {
		if _, err := s.Expire(context.WithoutCancel(taskCtx), id); err != nil {
			s.logger.Error("auto-expiry failed", zap.String("session_id", id), zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Error("failed to schedule deadline", zap.String("session_id", id), zap.Error(err))
	}
	s.reportTasks()
}

func (s *SessionService) deadlinePassed(session *models.ClassSession) bool {
	deadline, ok := s.Deadline(session)
	return ok && !s.cfg.Clock.Now().Before(deadline)
}

func (s *SessionService) transition(ctx context.Context, session *models.ClassSession, to models.SessionStatus, from ...models.SessionStatus) (*models.ClassSession, error) {
	updated, err := s.repo.Transition(ctx, session.ID, models.SessionTransition{
		From: from,
		To:   to,
		At:   s.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, invalidTransition(session.Status, to)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session")
	}
	s.metrics.RecordTransition(to)
	return updated, nil
}

func (s *SessionService) load(ctx context.Context, id string) (*models.ClassSession, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

func (s *SessionService) announce(ctx context.Context, session *models.ClassSession) {
	if s.publisher == nil {
		return
	}
	event := models.Event{
		Kind:      models.EventSessionStatus,
		SessionID: session.ID,
		At:        s.cfg.Clock.Now().UTC(),
		Data:      models.SessionStatusData{Status: session.Status, ActivatedAt: session.ActivatedAt},
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish realtime event", zap.String("kind", string(event.Kind)), zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *SessionService) reportTasks() {
	s.metrics.SetScheduledTasks(s.scheduler.Len())
}

func invalidTransition(from, to models.SessionStatus) error {
	return appErrors.Clone(appErrors.ErrInvalidTransition, "cannot move session from "+string(from)+" to "+string(to))
}

// keyedMutex serialises work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
