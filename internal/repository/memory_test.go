package repository

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

func TestMemorySessionTransition(t *testing.T) {
	store := NewMemoryStore()
	store.PutSession(models.ClassSession{ID: "s1"}, []string{"a", "b"})
	repo := store.Sessions()
	ctx := context.Background()

	first := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	session, err := repo.Transition(ctx, "s1", models.SessionTransition{
		From: []models.SessionStatus{models.SessionStatusScheduled}, To: models.SessionStatusActive, At: first,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, session.TotalEnrolled)
	require.NotNil(t, session.ActivatedAt)

	_, err = repo.Transition(ctx, "s1", models.SessionTransition{
		From: []models.SessionStatus{models.SessionStatusActive}, To: models.SessionStatusPaused, At: first.Add(time.Minute),
	})
	require.NoError(t, err)
	session, err = repo.Transition(ctx, "s1", models.SessionTransition{
		From: []models.SessionStatus{models.SessionStatusPaused}, To: models.SessionStatusActive, At: first.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, first.Equal(*session.ActivatedAt))

	_, err = repo.Transition(ctx, "s1", models.SessionTransition{
		From: []models.SessionStatus{models.SessionStatusScheduled}, To: models.SessionStatusActive, At: first,
	})
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemorySessionReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	store.PutSession(models.ClassSession{ID: "s1", Geofence: &models.GeofenceConfig{RadiusMeters: 10}}, nil)

	session, err := store.Sessions().FindByID(context.Background(), "s1")
	require.NoError(t, err)
	session.Geofence.RadiusMeters = 999
	session.Status = models.SessionStatusCancelled

	again, err := store.Sessions().FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, again.Geofence.RadiusMeters)
	assert.Equal(t, models.SessionStatusScheduled, again.Status)
}

func TestMemoryAttendanceInsertIfAbsentIsAtomic(t *testing.T) {
	repo := NewMemoryStore().Attendance()
	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.InsertIfAbsent(context.Background(), &models.AttendanceRecord{
				SessionID: "s1", StudentID: "stu-1", Status: models.AttendanceStatusPresent, ScannedAt: time.Now(),
			})
			if err == nil && ok {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted)
}

func TestMemoryAttendanceAbsentAndSummary(t *testing.T) {
	repo := NewMemoryStore().Attendance()
	ctx := context.Background()
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	_, err := repo.InsertIfAbsent(ctx, &models.AttendanceRecord{SessionID: "s1", StudentID: "a", Status: models.AttendanceStatusPresent, ScannedAt: at})
	require.NoError(t, err)
	_, err = repo.InsertIfAbsent(ctx, &models.AttendanceRecord{SessionID: "s1", StudentID: "b", Status: models.AttendanceStatusLate, ScannedAt: at})
	require.NoError(t, err)

	inserted, err := repo.InsertAbsent(ctx, "s1", []string{"a", "b", "c", "d"}, at)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = repo.InsertAbsent(ctx, "s1", []string{"a", "b", "c", "d"}, at)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	summary, err := repo.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.AttendanceSummary{Present: 1, Late: 1, Absent: 2, Total: 4}, summary)

	records, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "a", records[0].StudentID)
}

func TestMemoryAttendanceCountByFingerprint(t *testing.T) {
	repo := NewMemoryStore().Attendance()
	ctx := context.Background()
	hash := "h1"
	for _, student := range []string{"a", "b"} {
		_, err := repo.InsertIfAbsent(ctx, &models.AttendanceRecord{SessionID: "s1", StudentID: student, DeviceFingerprintHash: &hash})
		require.NoError(t, err)
	}

	count, err := repo.CountByFingerprint(ctx, "s1", "h1", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryCredentialKeepsNewest(t *testing.T) {
	repo := NewMemoryStore().Credentials()
	ctx := context.Background()

	_, err := repo.Get(ctx, "s1")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)

	stored, err := repo.Put(ctx, models.Credential{SessionID: "s1", IssuedAt: 200, Nonce: "n2"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = repo.Put(ctx, models.Credential{SessionID: "s1", IssuedAt: 100, Nonce: "n1"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	cred, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "n2", cred.Nonce)

	require.NoError(t, repo.Delete(ctx, "s1"))
	_, err = repo.Get(ctx, "s1")
	assert.ErrorIs(t, err, appErrors.ErrCacheMiss)
}

func TestMemoryDevices(t *testing.T) {
	repo := NewMemoryStore().Devices()
	ctx := context.Background()

	fp, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, fp)

	tz := "UTC"
	require.NoError(t, repo.Save(ctx, "a", models.DeviceFingerprint{Timezone: &tz}))
	fp, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "UTC", *fp.Timezone)
}

func TestMemoryLoadSeed(t *testing.T) {
	store := NewMemoryStore()
	n, err := store.LoadSeed(strings.NewReader(`[
		{"session": {"id": "S1", "course_id": "CS101", "start_time": "2024-03-04T09:00:00Z"}, "roster": ["A", "B"]},
		{"session": {"id": "S2", "status": "active", "activated_at": "2024-03-04T09:00:00Z"}}
	]`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ctx := context.Background()
	s1, err := store.Sessions().FindByID(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusScheduled, s1.Status)
	assert.Equal(t, 2, s1.TotalEnrolled)

	roster, err := store.Enrollments().ListStudentIDs(ctx, "S1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, roster)

	_, err = NewMemoryStore().LoadSeed(strings.NewReader(`[{"session": {"id": "S3", "status": "sleeping"}}]`))
	assert.Error(t, err)
	_, err = NewMemoryStore().LoadSeed(strings.NewReader(`{}`))
	assert.Error(t, err)
}
