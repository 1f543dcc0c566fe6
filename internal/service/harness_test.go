package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/repository"
	"github.com/noah-isme/qr-presence-api/pkg/config"
	"github.com/noah-isme/qr-presence-api/pkg/jobs"
	"github.com/noah-isme/qr-presence-api/pkg/scheduler"
	"github.com/noah-isme/qr-presence-api/pkg/signature"
)

// 09:00:00 on a Monday morning.
var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

const (
	testTTL         = 30 * time.Second
	testGrace       = 15 * time.Minute
	testMaxDuration = 60 * time.Minute
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (q *recordingQueue) Enqueue(job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Jobs() []jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]jobs.Job(nil), q.jobs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Kinds(kind models.EventKind) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harnessConfig struct {
	rotation   time.Duration
	latePolicy string
}

type harness struct {
	t           *testing.T
	clock       fakeClock
	store       *repository.MemoryStore
	sched       *scheduler.Scheduler
	publisher   *recordingPublisher
	queue       *recordingQueue
	metrics     *MetricsService
	signer      *signature.Signer
	credentials *CredentialService
	sessions    *SessionService
	scans       *ScanService
	absences    *AbsenceService
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{rotation: time.Hour * 2, latePolicy: config.LatePolicyActivation}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := clockwork.NewFakeClockAt(base)
	signer, err := signature.NewSigner("unit-test-credential-secret-0123456789")
	require.NoError(t, err)

	h := &harness{
		t:         t,
		clock:     clock,
		store:     repository.NewMemoryStore(),
		sched:     scheduler.New(clock, nil),
		publisher: &recordingPublisher{},
		queue:     &recordingQueue{},
		metrics:   NewMetricsService(),
		signer:    signer,
	}
	t.Cleanup(h.sched.Stop)

	h.credentials = NewCredentialService(h.store.Credentials(), h.store.Sessions(), signer, nil, h.publisher, h.metrics, nil, CredentialConfig{
		TTL:                testTTL,
		ExpiringSoonWindow: 5 * time.Second,
		ClockSkew:          2 * time.Second,
		Clock:              clock,
	})
	h.sessions = NewSessionService(h.store.Sessions(), h.credentials, h.store.Attendance(), h.sched, h.publisher, h.queue, h.metrics, nil, SessionConfig{
		RotationInterval: cfg.rotation,
		MaxDuration:      testMaxDuration,
		Clock:            clock,
	})
	h.scans = NewScanService(h.store.Sessions(), h.sessions, h.credentials, h.store.Attendance(), h.store.Devices(), h.publisher, nil, h.metrics, nil, ScanConfig{
		GraceWindow:               testGrace,
		LatePolicy:                cfg.latePolicy,
		DeviceSimilarityThreshold: 0.5,
		Clock:                     clock,
	})
	h.absences = NewAbsenceService(h.store.Sessions(), h.store.Enrollments(), h.store.Attendance(), h.metrics, nil)
	return h
}

// seed registers a scheduled session starting at base with the given roster.
func (h *harness) seed(id string, roster ...string) {
	h.store.PutSession(models.ClassSession{
		ID:        id,
		CourseID:  "course-" + id,
		Date:      base.Truncate(24 * time.Hour),
		StartTime: base,
		EndTime:   base.Add(100 * time.Minute),
	}, roster)
}

func (h *harness) start(id string) *models.ClassSession {
	h.t.Helper()
	session, err := h.sessions.Start(context.Background(), id)
	require.NoError(h.t, err)
	return session
}

func (h *harness) current(id string) *models.IssuedCredential {
	h.t.Helper()
	cred, err := h.credentials.Current(context.Background(), id)
	require.NoError(h.t, err)
	return cred
}

func (h *harness) issue(id string) *models.IssuedCredential {
	h.t.Helper()
	cred, err := h.credentials.Issue(context.Background(), id)
	require.NoError(h.t, err)
	return cred
}

func (h *harness) scan(sessionID, studentID, payload string) *models.ScanResult {
	h.t.Helper()
	result, err := h.scans.Submit(context.Background(), models.ScanInput{
		SessionID:  sessionID,
		StudentID:  studentID,
		Credential: []byte(payload),
		IPAddress:  "10.0.0.7",
	})
	require.NoError(h.t, err)
	require.NotNil(h.t, result)
	return result
}

func (h *harness) status(id string) models.SessionStatus {
	h.t.Helper()
	session, err := h.store.Sessions().FindByID(context.Background(), id)
	require.NoError(h.t, err)
	return session.Status
}
