package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/realtime"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
	"github.com/noah-isme/qr-presence-api/pkg/qrcode"
	"github.com/noah-isme/qr-presence-api/pkg/signature"
)

const nonceBytes = 16

// ErrMalformedCredential is returned by ParseCredential for payloads that are not a
// well-formed credential.
var ErrMalformedCredential = errors.New("malformed credential")

type credentialStore interface {
	Get(ctx context.Context, sessionID string) (*models.Credential, error)
	Put(ctx context.Context, cred models.Credential, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, sessionID string) error
}

type sessionReader interface {
	FindByID(ctx context.Context, id string) (*models.ClassSession, error)
}

// CredentialConfig tunes credential lifetime.
type CredentialConfig struct {
	TTL                time.Duration
	ExpiringSoonWindow time.Duration
	ClockSkew          time.Duration
	Clock              clockwork.Clock
}

// CredentialService issues, serves and verifies the rotating QR credentials.
type CredentialService struct {
	store     credentialStore
	sessions  sessionReader
	signer    *signature.Signer
	renderer  *qrcode.Renderer
	publisher realtime.Publisher
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       CredentialConfig
}

// NewCredentialService constructs the issuer. renderer and publisher may be nil.
func NewCredentialService(store credentialStore, sessions sessionReader, signer *signature.Signer, renderer *qrcode.Renderer, publisher realtime.Publisher, metrics *MetricsService, logger *zap.Logger, cfg CredentialConfig) *CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.ExpiringSoonWindow <= 0 {
		cfg.ExpiringSoonWindow = 5 * time.Second
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	return &CredentialService{
		store:     store,
		sessions:  sessions,
		signer:    signer,
		renderer:  renderer,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// TTL is the freshness window of every credential.
func (s *CredentialService) TTL() time.Duration { return s.cfg.TTL }

// ClockSkew is how far into the future a credential timestamp may be.
func (s *CredentialService) ClockSkew() time.Duration { return s.cfg.ClockSkew }

// Issue mints a new credential for an active session and makes it current.
func (s *CredentialService) Issue(ctx context.Context, sessionID string) (*models.IssuedCredential, error) {
	if err := s.requireActive(ctx, sessionID); err != nil {
		return nil, err
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate nonce")
	}
	cred := models.Credential{
		SessionID: sessionID,
		IssuedAt:  s.cfg.Clock.Now().UnixMilli(),
		Nonce:     nonce,
	}
	cred.Signature, err = s.signer.Sign(cred.SessionID, cred.IssuedAt, cred.Nonce)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign credential")
	}

	stored, err := s.store.Put(ctx, cred, s.cfg.TTL+s.cfg.ClockSkew)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store credential")
	}
	if !stored {
		// a newer credential won the race; serve that one instead
		current, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load credential")
		}
		cred = *current
	}

	issued, err := s.present(cred)
	if err != nil {
		return nil, err
	}
	if !stored {
		return issued, nil
	}

	s.metrics.RecordRotation()
	s.logger.Debug("credential issued", zap.String("session_id", sessionID), zap.Int64("issued_at", cred.IssuedAt))
	s.publish(ctx, models.Event{
		Kind:      models.EventCredentialRotated,
		SessionID: sessionID,
		At:        issued.IssuedAt,
		Data: models.CredentialRotatedData{
			Payload:      issued.Payload,
			QRImage:      issued.QRImage,
			IssuedAt:     cred.IssuedAt,
			ExpiresAt:    issued.ExpiresAt,
			ExpiringSoon: issued.ExpiringSoonAt,
		},
	})
	return issued, nil
}

// Current returns the session's fresh credential. It fails with SESSION_NOT_ACTIVE
// when the session is not active or no fresh credential exists.
func (s *CredentialService) Current(ctx context.Context, sessionID string) (*models.IssuedCredential, error) {
	if err := s.requireActive(ctx, sessionID); err != nil {
		return nil, err
	}
	cred, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, appErrors.Clone(appErrors.ErrSessionNotActive, "no credential issued yet")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load credential")
	}
	if !s.IsFresh(*cred) {
		return nil, appErrors.Clone(appErrors.ErrSessionNotActive, "no fresh credential")
	}
	return s.present(*cred)
}

// Revoke forgets the current credential of a session.
func (s *CredentialService) Revoke(ctx context.Context, sessionID string) error {
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke credential")
	}
	return nil
}

// IsExpiringSoon reports whether the remaining lifetime is within the lookahead.
func (s *CredentialService) IsExpiringSoon(cred models.Credential) bool {
	remaining := cred.ExpiresAt(s.cfg.TTL).Sub(s.cfg.Clock.Now())
	return remaining <= s.cfg.ExpiringSoonWindow
}

// IsFresh reports whether now - issuedAt is within the TTL and the timestamp is
// not further in the future than the allowed skew.
func (s *CredentialService) IsFresh(cred models.Credential) bool {
	return s.freshAt(cred, s.cfg.Clock.Now())
}

func (s *CredentialService) freshAt(cred models.Credential, now time.Time) bool {
	age := now.Sub(cred.IssuedTime())
	return age <= s.cfg.TTL && age >= -s.cfg.ClockSkew
}

// Verify recomputes the MAC over the canonical tuple in constant time.
func (s *CredentialService) Verify(cred models.Credential) bool {
	return s.signer.Verify(cred.SessionID, cred.IssuedAt, cred.Nonce, cred.Signature)
}

func (s *CredentialService) present(cred models.Credential) (*models.IssuedCredential, error) {
	payload, err := json.Marshal(cred)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode credential")
	}
	issued := &models.IssuedCredential{
		Credential:   cred,
		Payload:      string(payload),
		IssuedAt:     cred.IssuedTime().UTC(),
		ExpiresAt:    cred.ExpiresAt(s.cfg.TTL).UTC(),
		ExpiringSoon: s.IsExpiringSoon(cred),
	}
	issued.ExpiringSoonAt = issued.ExpiresAt.Add(-s.cfg.ExpiringSoonWindow)
	if s.renderer != nil {
		image, err := s.renderer.DataURL(issued.Payload)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render qr code")
		}
		issued.QRImage = image
	}
	return issued, nil
}

func (s *CredentialService) requireActive(ctx context.Context, sessionID string) error {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if session.Status != models.SessionStatusActive {
		return appErrors.ErrSessionNotActive
	}
	return nil
}

func (s *CredentialService) publish(ctx context.Context, event models.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish realtime event", zap.String("kind", string(event.Kind)), zap.String("session_id", event.SessionID), zap.Error(err))
	}
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ParseCredential decodes a scanned QR payload. It accepts the credential object
// itself or a JSON string holding it, and requires exactly the four credential
// fields with their wire types.
func ParseCredential(raw []byte) (models.Credential, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return models.Credential{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
		}
		raw = bytes.TrimSpace([]byte(inner))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Credential{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if len(fields) != 4 {
		return models.Credential{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedCredential, len(fields))
	}

	var cred models.Credential
	if err := decodeString(fields, "sessionId", &cred.SessionID); err != nil {
		return models.Credential{}, err
	}
	if err := decodeString(fields, "nonce", &cred.Nonce); err != nil {
		return models.Credential{}, err
	}
	if err := decodeString(fields, "signature", &cred.Signature); err != nil {
		return models.Credential{}, err
	}

	ts, ok := fields["timestamp"]
	if !ok {
		return models.Credential{}, fmt.Errorf("%w: missing timestamp", ErrMalformedCredential)
	}
	if len(ts) == 0 || ts[0] == '"' {
		return models.Credential{}, fmt.Errorf("%w: timestamp is not a number", ErrMalformedCredential)
	}
	dec := json.NewDecoder(bytes.NewReader(ts))
	dec.UseNumber()
	var number json.Number
	if err := dec.Decode(&number); err != nil {
		return models.Credential{}, fmt.Errorf("%w: timestamp is not a number", ErrMalformedCredential)
	}
	issuedAt, err := number.Int64()
	if err != nil || issuedAt <= 0 {
		return models.Credential{}, fmt.Errorf("%w: timestamp is not a positive integer", ErrMalformedCredential)
	}
	cred.IssuedAt = issuedAt
	return cred, nil
}

func decodeString(fields map[string]json.RawMessage, key string, dest *string) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrMalformedCredential, key)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %s is not a string", ErrMalformedCredential, key)
	}
	if *dest == "" {
		return fmt.Errorf("%w: %s is empty", ErrMalformedCredential, key)
	}
	return nil
}
