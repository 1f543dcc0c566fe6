package models

import "time"

// Credential is the rotating signed tuple embedded in the QR code.
type Credential struct {
	SessionID string `json:"sessionId"`
	IssuedAt  int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// IssuedTime converts the millisecond timestamp to a time.Time.
func (c Credential) IssuedTime() time.Time {
	return time.UnixMilli(c.IssuedAt)
}

// ExpiresAt is the last instant the credential is fresh.
func (c Credential) ExpiresAt(ttl time.Duration) time.Time {
	return c.IssuedTime().Add(ttl)
}

// IssuedCredential is the current credential of a session together with its
// rendered QR image.
type IssuedCredential struct {
	Credential Credential `json:"-"`
	Payload    string     `json:"payload"`
	QRImage    string     `json:"qr_image,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	// ExpiringSoonAt is when displays should start preparing the next code.
	ExpiringSoonAt time.Time `json:"expiring_soon_at"`
	ExpiringSoon   bool      `json:"expiring_soon"`
}
