package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	return appErrors.FromError(err).Code
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "A")
	ctx := context.Background()

	started := h.start("S1")
	assert.Equal(t, models.SessionStatusActive, started.Status)
	require.NotNil(t, started.ActivatedAt)
	assert.True(t, started.ActivatedAt.Equal(base))
	assert.True(t, h.sched.Has(rotationKey("S1")))
	assert.True(t, h.sched.Has(deadlineKey("S1")))

	h.clock.Advance(5 * time.Minute)
	paused, err := h.sessions.Pause(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, paused.Status)
	assert.False(t, h.sched.Has(rotationKey("S1")))
	assert.True(t, h.sched.Has(deadlineKey("S1")), "pause keeps the deadline")

	h.clock.Advance(5 * time.Minute)
	resumed, err := h.sessions.Resume(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, resumed.Status)
	assert.True(t, resumed.ActivatedAt.Equal(base), "resume keeps activatedAt")
	assert.True(t, h.sched.Has(rotationKey("S1")))

	completed, err := h.sessions.Complete(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, completed.Status)
	assert.Zero(t, h.sched.Len())
	require.Len(t, h.queue.Jobs(), 1)
	assert.Equal(t, JobTypeSynthesizeAbsent, h.queue.Jobs()[0].Type)

	_, err = h.credentials.Current(ctx, "S1")
	assert.Equal(t, appErrors.ErrSessionNotActive.Code, errorCode(err))

	statuses := h.publisher.Kinds(models.EventSessionStatus)
	require.Len(t, statuses, 4)
	assert.Equal(t, models.SessionStatusCompleted, statuses[3].Data.(models.SessionStatusData).Status)
}

func TestStartFromPausedResumes(t *testing.T) {
	h := newHarness(t)
	h.seed("S1")
	h.start("S1")
	_, err := h.sessions.Pause(context.Background(), "S1")
	require.NoError(t, err)

	session := h.start("S1")
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.True(t, session.ActivatedAt.Equal(base))
}

func TestInvalidTransitionsHaveNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed("scheduled")
	h.seed("active")
	h.seed("done")
	h.start("active")
	h.start("done")
	_, err := h.sessions.Complete(ctx, "done")
	require.NoError(t, err)

	before := len(h.publisher.events)
	jobsBefore := len(h.queue.Jobs())

	cases := []struct {
		name string
		call func() error
		id   string
		want models.SessionStatus
	}{
		{"pause scheduled", func() error { _, err := h.sessions.Pause(ctx, "scheduled"); return err }, "scheduled", models.SessionStatusScheduled},
		{"resume scheduled", func() error { _, err := h.sessions.Resume(ctx, "scheduled"); return err }, "scheduled", models.SessionStatusScheduled},
		{"complete scheduled", func() error { _, err := h.sessions.Complete(ctx, "scheduled"); return err }, "scheduled", models.SessionStatusScheduled},
		{"start active", func() error { _, err := h.sessions.Start(ctx, "active"); return err }, "active", models.SessionStatusActive},
		{"resume active", func() error { _, err := h.sessions.Resume(ctx, "active"); return err }, "active", models.SessionStatusActive},
		{"start completed", func() error { _, err := h.sessions.Start(ctx, "done"); return err }, "done", models.SessionStatusCompleted},
		{"cancel completed", func() error { _, err := h.sessions.Cancel(ctx, "done"); return err }, "done", models.SessionStatusCompleted},
		{"complete completed", func() error { _, err := h.sessions.Complete(ctx, "done"); return err }, "done", models.SessionStatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			assert.Equal(t, appErrors.ErrInvalidTransition.Code, errorCode(err))
			assert.Equal(t, tc.want, h.status(tc.id))
		})
	}

	assert.Len(t, h.publisher.events, before)
	assert.Len(t, h.queue.Jobs(), jobsBefore)
	assert.True(t, h.sched.Has(rotationKey("active")))
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.sessions.Start(context.Background(), "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, errorCode(err))
	_, err = h.sessions.Get(context.Background(), "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, errorCode(err))
}

func TestCancelSkipsAbsences(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "A", "B")
	h.seed("S2", "A")
	h.start("S1")

	for _, id := range []string{"S1", "S2"} {
		session, err := h.sessions.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusCancelled, session.Status)
	}
	assert.Empty(t, h.queue.Jobs())
	assert.Zero(t, h.sched.Len())
}

func TestConcurrentStartActivatesOnce(t *testing.T) {
	h := newHarness(t)
	h.seed("S1")

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sessions.Start(context.Background(), "S1"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.Len(t, h.publisher.Kinds(models.EventCredentialRotated), 1)
}

func TestRotationTicksOnInterval(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.rotation = 10 * time.Second })
	h.seed("S1")
	first := h.start("S1")
	require.NotNil(t, first)

	h.clock.BlockUntil(2)
	h.clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		return len(h.publisher.Kinds(models.EventCredentialRotated)) == 2
	}, time.Second, 5*time.Millisecond)

	cred := h.current("S1")
	assert.Equal(t, base.Add(10*time.Second).UnixMilli(), cred.Credential.IssuedAt)
}

func TestAutoExpiryCompletesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "A")
	h.start("S1")

	h.clock.BlockUntil(2)
	h.clock.Advance(testMaxDuration)

	require.Eventually(t, func() bool {
		return h.status("S1") == models.SessionStatusCompleted
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.sched.Len() == 0 }, time.Second, 5*time.Millisecond)

	expired, err := h.sessions.Expire(context.Background(), "S1")
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Len(t, h.queue.Jobs(), 1)
}

func TestAutoExpiryWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.seed("S1")
	h.start("S1")
	h.clock.BlockUntil(2)
	_, err := h.sessions.Pause(context.Background(), "S1")
	require.NoError(t, err)

	h.clock.Advance(testMaxDuration)

	require.Eventually(t, func() bool {
		return h.status("S1") == models.SessionStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestExpireBeforeDeadlineIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seed("S1")
	h.start("S1")

	expired, err := h.sessions.Expire(context.Background(), "S1")
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, models.SessionStatusActive, h.status("S1"))
}

func TestResumePastDeadlineCompletes(t *testing.T) {
	h := newHarness(t)
	activated := base.Add(-2 * testMaxDuration)
	h.store.PutSession(models.ClassSession{ID: "S1", Status: models.SessionStatusPaused, ActivatedAt: &activated}, []string{"A"})

	_, err := h.sessions.Resume(context.Background(), "S1")
	assert.Equal(t, appErrors.ErrSessionNotActive.Code, errorCode(err))
	assert.Equal(t, models.SessionStatusCompleted, h.status("S1"))
	assert.Len(t, h.queue.Jobs(), 1)
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	recent := base.Add(-10 * time.Minute)
	stale := base.Add(-3 * time.Hour)
	h.store.PutSession(models.ClassSession{ID: "live", Status: models.SessionStatusActive, ActivatedAt: &recent}, nil)
	h.store.PutSession(models.ClassSession{ID: "held", Status: models.SessionStatusPaused, ActivatedAt: &recent}, nil)
	h.store.PutSession(models.ClassSession{ID: "overdue", Status: models.SessionStatusActive, ActivatedAt: &stale}, nil)
	h.seed("later")

	require.NoError(t, h.sessions.Recover(context.Background()))

	assert.True(t, h.sched.Has(rotationKey("live")))
	assert.True(t, h.sched.Has(deadlineKey("live")))
	assert.False(t, h.sched.Has(rotationKey("held")))
	assert.True(t, h.sched.Has(deadlineKey("held")))
	assert.Equal(t, models.SessionStatusCompleted, h.status("overdue"))
	assert.False(t, h.sched.Has(rotationKey("later")))
	assert.NotNil(t, h.current("live"))
	require.Len(t, h.queue.Jobs(), 1)
	assert.Equal(t, "overdue", h.queue.Jobs()[0].Payload.(AbsenceJob).SessionID)
}

func TestGetSnapshot(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "A", "B")
	h.start("S1")
	require.True(t, h.scan("S1", "A", h.current("S1").Payload).Accepted)

	snapshot, err := h.sessions.Get(context.Background(), "S1")
	require.NoError(t, err)
	require.NotNil(t, snapshot.Deadline)
	assert.True(t, snapshot.Deadline.Equal(base.Add(testMaxDuration)))
	assert.Equal(t, 1, snapshot.Attendance.Present)
	assert.Equal(t, 1, snapshot.Attendance.Total)
}

func TestRecordsListsScans(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "A", "B")
	h.start("S1")
	require.True(t, h.scan("S1", "B", h.current("S1").Payload).Accepted)

	records, err := h.sessions.Records(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "B", records[0].StudentID)
	assert.Equal(t, models.AttendanceStatusPresent, records[0].Status)

	_, err = h.sessions.Records(context.Background(), "missing")
	assert.Equal(t, appErrors.ErrNotFound.Code, errorCode(err))
}

func TestRotationTickWaitingOnCompleteIssuesNothing(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.rotation = 10 * time.Second })
	h.seed("S1")
	h.start("S1")
	h.clock.BlockUntil(2)

	unlock := h.sessions.locks.Lock("S1")
	h.clock.Advance(10 * time.Second)
	assert.Never(t, func() bool {
		return len(h.publisher.Kinds(models.EventCredentialRotated)) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	session, err := h.store.Sessions().FindByID(context.Background(), "S1")
	require.NoError(t, err)
	_, err = h.sessions.finishLocked(context.Background(), session, models.SessionStatusCompleted)
	require.NoError(t, err)
	unlock()

	assert.Never(t, func() bool {
		return len(h.publisher.Kinds(models.EventCredentialRotated)) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
	_, err = h.store.Credentials().Get(context.Background(), "S1")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}
