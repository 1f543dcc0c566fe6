package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "qr-credential/v1"

// Signer computes and checks credential MACs with a key fixed at construction.
type Signer struct {
	key []byte
}

// canonicalPayload fixes the field order of the signed tuple. The presented
// signature is never part of it.
type canonicalPayload struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// NewSigner derives the MAC key from the process secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret missing")
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Canonical returns the byte encoding that is signed for a credential.
func Canonical(sessionID string, issuedAt int64, nonce string) ([]byte, error) {
	return json.Marshal(canonicalPayload{SessionID: sessionID, Timestamp: issuedAt, Nonce: nonce})
}

// Sign returns the hex HMAC-SHA256 of the canonical tuple.
func (s *Signer) Sign(sessionID string, issuedAt int64, nonce string) (string, error) {
	sum, err := s.sum(sessionID, issuedAt, nonce)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Verify recomputes the MAC and compares it in constant time.
func (s *Signer) Verify(sessionID string, issuedAt int64, nonce, signature string) bool {
	presented, err := hex.DecodeString(signature)
	if err != nil || len(presented) != sha256.Size {
		return false
	}
	expected, err := s.sum(sessionID, issuedAt, nonce)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, presented)
}

func (s *Signer) sum(sessionID string, issuedAt int64, nonce string) ([]byte, error) {
	payload, err := Canonical(sessionID, issuedAt, nonce)
	if err != nil {
		return nil, fmt.Errorf("encode credential payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write(payload)
	return mac.Sum(nil), nil
}
