package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
)

const credentialKeyPrefix = "presence:credential:"

// storeIfNewer keeps issuedAt strictly increasing per session across instances.
var storeIfNewer = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
  local decoded = cjson.decode(current)
  if tonumber(decoded["timestamp"]) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// CredentialCacheRepository keeps the current credential of every active session in
// Redis so all API instances serve and validate against the same rotation.
type CredentialCacheRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCredentialCacheRepository constructs a cache repository.
func NewCredentialCacheRepository(client *redis.Client, logger *zap.Logger) *CredentialCacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialCacheRepository{client: client, logger: logger}
}

func credentialKey(sessionID string) string {
	return credentialKeyPrefix + sessionID
}

// Get returns the current credential or ErrCacheMiss.
func (r *CredentialCacheRepository) Get(ctx context.Context, sessionID string) (*models.Credential, error) {
	if r.client == nil {
		return nil, appErrors.ErrCacheMiss
	}
	key := credentialKey(sessionID)
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErrors.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var cred models.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential for %s: %w", key, err)
	}
	return &cred, nil
}

// Put stores cred as current unless a newer one is already there. It reports
// whether the value was written.
func (r *CredentialCacheRepository) Put(ctx context.Context, cred models.Credential, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, nil
	}
	key := credentialKey(cred.SessionID)
	payload, err := json.Marshal(cred)
	if err != nil {
		return false, fmt.Errorf("marshal credential for %s: %w", key, err)
	}
	stored, err := storeIfNewer.Run(ctx, r.client, []string{key}, payload, cred.IssuedAt, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis store %s: %w", key, err)
	}
	if stored == 0 {
		r.logger.Debug("stale credential not stored", zap.String("session_id", cred.SessionID), zap.Int64("issued_at", cred.IssuedAt))
	}
	return stored == 1, nil
}

// Delete drops the session's current credential.
func (r *CredentialCacheRepository) Delete(ctx context.Context, sessionID string) error {
	if r.client == nil {
		return nil
	}
	key := credentialKey(sessionID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}
