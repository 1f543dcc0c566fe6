package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

// MemoryStore is a process-local backend holding sessions, rosters, attendance
// records, device bindings and current credentials. Every method is safe for
// concurrent use and mirrors the semantics of the SQL repositories.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]models.ClassSession
	rosters     map[string][]string
	records     map[string]map[string]models.AttendanceRecord
	devices     map[string]models.DeviceFingerprint
	credentials map[string]models.Credential
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]models.ClassSession),
		rosters:     make(map[string][]string),
		records:     make(map[string]map[string]models.AttendanceRecord),
		devices:     make(map[string]models.DeviceFingerprint),
		credentials: make(map[string]models.Credential),
	}
}

// PutSession seeds or replaces a session together with its roster.
func (m *MemoryStore) PutSession(session models.ClassSession, roster []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.Status == "" {
		session.Status = models.SessionStatusScheduled
	}
	if session.TotalEnrolled == 0 {
		session.TotalEnrolled = len(roster)
	}
	m.sessions[session.ID] = session
	m.rosters[session.ID] = append([]string(nil), roster...)
}

// SeedSession is one entry of a memory seed document.
type SeedSession struct {
	Session models.ClassSession `json:"session"`
	Roster  []string            `json:"roster"`
}

// LoadSeed reads a JSON array of SeedSession and stores each entry. It returns the
// number of sessions loaded.
func (m *MemoryStore) LoadSeed(r io.Reader) (int, error) {
	var seed []SeedSession
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	for i, entry := range seed {
		if entry.Session.ID == "" {
			return i, fmt.Errorf("seed entry %d has no session id", i)
		}
		if entry.Session.Status != "" && !entry.Session.Status.Valid() {
			return i, fmt.Errorf("seed entry %d has invalid status %q", i, entry.Session.Status)
		}
		m.PutSession(entry.Session, entry.Roster)
	}
	return len(seed), nil
}

// MemorySessionRepository adapts the store to the session repository contract.
type MemorySessionRepository struct{ store *MemoryStore }

// MemoryAttendanceRepository adapts the store to the attendance repository contract.
type MemoryAttendanceRepository struct{ store *MemoryStore }

// MemoryEnrollmentRepository adapts the store to the roster contract.
type MemoryEnrollmentRepository struct{ store *MemoryStore }

// MemoryDeviceRepository adapts the store to the device binding contract.
type MemoryDeviceRepository struct{ store *MemoryStore }

// MemoryCredentialRepository adapts the store to the current-credential contract.
type MemoryCredentialRepository struct{ store *MemoryStore }

func (m *MemoryStore) Sessions() *MemorySessionRepository { return &MemorySessionRepository{m} }
func (m *MemoryStore) Attendance() *MemoryAttendanceRepository { return &MemoryAttendanceRepository{m} }
func (m *MemoryStore) Enrollments() *MemoryEnrollmentRepository { return &MemoryEnrollmentRepository{m} }
func (m *MemoryStore) Devices() *MemoryDeviceRepository { return &MemoryDeviceRepository{m} }
func (m *MemoryStore) Credentials() *MemoryCredentialRepository { return &MemoryCredentialRepository{m} }

func copySession(s models.ClassSession) *models.ClassSession {
	out := s
	if s.ActivatedAt != nil {
		at := *s.ActivatedAt
		out.ActivatedAt = &at
	}
	if s.Geofence != nil {
		fence := *s.Geofence
		out.Geofence = &fence
	}
	return &out
}

func (r *MemorySessionRepository) FindByID(_ context.Context, id string) (*models.ClassSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	session, ok := r.store.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return copySession(session), nil
}

func (r *MemorySessionRepository) Transition(_ context.Context, id string, t models.SessionTransition) (*models.ClassSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	session, ok := r.store.sessions[id]
	if !ok {
		return nil, ErrStateConflict
	}
	allowed := false
	for _, from := range t.From {
		if session.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrStateConflict
	}
	session.Status = t.To
	if t.To == models.SessionStatusActive && session.ActivatedAt == nil {
		at := t.At
		session.ActivatedAt = &at
	}
	session.UpdatedAt = t.At
	r.store.sessions[id] = session
	return copySession(session), nil
}

func (r *MemorySessionRepository) ListByStatus(_ context.Context, statuses ...models.SessionStatus) ([]models.ClassSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []models.ClassSession
	for _, session := range r.store.sessions {
		for _, status := range statuses {
			if session.Status == status {
				out = append(out, *copySession(session))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *MemoryAttendanceRepository) InsertIfAbsent(_ context.Context, record *models.AttendanceRecord) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	bySession := r.store.records[record.SessionID]
	if bySession == nil {
		bySession = make(map[string]models.AttendanceRecord)
		r.store.records[record.SessionID] = bySession
	}
	if _, exists := bySession[record.StudentID]; exists {
		return false, nil
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.ScannedAt
	}
	bySession[record.StudentID] = *record
	return true, nil
}

func (r *MemoryAttendanceRepository) Exists(_ context.Context, sessionID, studentID string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, exists := r.store.records[sessionID][studentID]
	return exists, nil
}

func (r *MemoryAttendanceRepository) ListBySession(_ context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make([]models.AttendanceRecord, 0, len(r.store.records[sessionID]))
	for _, record := range r.store.records[sessionID] {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScannedAt.Equal(out[j].ScannedAt) {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].ScannedAt.Before(out[j].ScannedAt)
	})
	return out, nil
}

func (r *MemoryAttendanceRepository) CountByFingerprint(_ context.Context, sessionID, fingerprintHash, excludeStudentID string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for studentID, record := range r.store.records[sessionID] {
		if studentID == excludeStudentID || record.DeviceFingerprintHash == nil {
			continue
		}
		if *record.DeviceFingerprintHash == fingerprintHash {
			count++
		}
	}
	return count, nil
}

func (r *MemoryAttendanceRepository) InsertAbsent(_ context.Context, sessionID string, studentIDs []string, at time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	bySession := r.store.records[sessionID]
	if bySession == nil {
		bySession = make(map[string]models.AttendanceRecord)
		r.store.records[sessionID] = bySession
	}
	inserted := 0
	for _, studentID := range studentIDs {
		if _, exists := bySession[studentID]; exists {
			continue
		}
		bySession[studentID] = models.AttendanceRecord{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			StudentID: studentID,
			ScannedAt: at,
			Status:    models.AttendanceStatusAbsent,
			CreatedAt: at,
		}
		inserted++
	}
	return inserted, nil
}

func (r *MemoryAttendanceRepository) Summary(_ context.Context, sessionID string) (models.AttendanceSummary, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var summary models.AttendanceSummary
	for _, record := range r.store.records[sessionID] {
		summary.Add(record.Status, 1)
	}
	return summary, nil
}

func (r *MemoryEnrollmentRepository) ListStudentIDs(_ context.Context, sessionID string) ([]string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	ids := append([]string(nil), r.store.rosters[sessionID]...)
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryDeviceRepository) Get(_ context.Context, studentID string) (*models.DeviceFingerprint, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	fp, ok := r.store.devices[studentID]
	if !ok {
		return nil, nil
	}
	return &fp, nil
}

func (r *MemoryDeviceRepository) Save(_ context.Context, studentID string, fp models.DeviceFingerprint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.devices[studentID] = fp
	return nil
}

// Get returns the current credential or ErrCacheMiss. Expiry is judged by the
// caller against its own clock.
func (r *MemoryCredentialRepository) Get(_ context.Context, sessionID string) (*models.Credential, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cred, ok := r.store.credentials[sessionID]
	if !ok {
		return nil, appErrors.ErrCacheMiss
	}
	return &cred, nil
}

func (r *MemoryCredentialRepository) Put(_ context.Context, cred models.Credential, _ time.Duration) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if current, ok := r.store.credentials[cred.SessionID]; ok && current.IssuedAt >= cred.IssuedAt {
		return false, nil
	}
	r.store.credentials[cred.SessionID] = cred
	return true, nil
}

func (r *MemoryCredentialRepository) Delete(_ context.Context, sessionID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.credentials, sessionID)
	return nil
}
