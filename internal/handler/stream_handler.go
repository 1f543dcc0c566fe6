package handler

import (
	"context"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/qr-presence-api/internal/middleware"
	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/realtime"
	"github.com/noah-isme/qr-presence-api/pkg/response"
)

const defaultKeepAlive = 15 * time.Second

// projectorView is the query value that requests the anonymized feed.
const projectorView = "projector"

type eventSource interface {
	Subscribe(sessionID string, full bool) *realtime.Subscription
	Unsubscribe(sub *realtime.Subscription)
}

// StreamHandler pushes session events to dashboards and projector screens over
// server-sent events.
type StreamHandler struct {
	sessions    sessionService
	credentials credentialService
	events      eventSource
	keepAlive   time.Duration
	logger      *zap.Logger
}

// NewStreamHandler constructs the handler. keepAlive defaults to 15s.
func NewStreamHandler(sessions sessionService, credentials credentialService, events eventSource, keepAlive time.Duration, logger *zap.Logger) *StreamHandler {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{sessions: sessions, credentials: credentials, events: events, keepAlive: keepAlive, logger: logger}
}

// Stream godoc
// @Summary Realtime session events (SSE)
// @Description Emits session.status, credential.rotated and attendance.accepted events. view=projector hides student identities.
// @Tags Sessions
// @Produce text/event-stream
// @Param id path string true "Session ID"
// @Param view query string false "full (default) or projector"
// @Router /sessions/{id}/stream [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	ctx := c.Request.Context()
	snapshot, err := h.sessions.Get(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	full := c.Query("view") != projectorView
	if claims := claimsFromContext(c); claims == nil || !middleware.IsStaff(claims.Role) {
		full = false
	}

	sub := h.events.Subscribe(id, full)
	defer h.events.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	now := time.Now().UTC()
	initial := []models.Event{{
		Kind:      models.EventSessionStatus,
		SessionID: id,
		At:        now,
		Data:      models.SessionStatusData{Status: snapshot.Session.Status, ActivatedAt: snapshot.Session.ActivatedAt},
	}}
	if snapshot.Session.Status == models.SessionStatusActive {
		if cred := h.currentCredential(ctx, id); cred != nil {
			initial = append(initial, models.Event{
				Kind:      models.EventCredentialRotated,
				SessionID: id,
				At:        cred.IssuedAt,
				Data: models.CredentialRotatedData{
					Payload:      cred.Payload,
					QRImage:      cred.QRImage,
					IssuedAt:     cred.Credential.IssuedAt,
					ExpiresAt:    cred.ExpiresAt,
					ExpiringSoon: cred.ExpiringSoonAt,
				},
			})
		}
	}
	for _, ev := range initial {
		c.SSEvent(string(ev.Kind), ev)
	}
	c.Writer.Flush()
	if snapshot.Session.Status.Terminal() {
		return
	}

	h.logger.Debug("stream opened", zap.String("session_id", id), zap.String("subscription_id", sub.ID), zap.Bool("full", full))
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return !isTerminalStatus(ev)
		}
	})
	h.logger.Debug("stream closed", zap.String("session_id", id), zap.String("subscription_id", sub.ID))
}

func (h *StreamHandler) currentCredential(ctx context.Context, id string) *models.IssuedCredential {
	if h.credentials == nil {
		return nil
	}
	cred, err := h.credentials.Current(ctx, id)
	if err != nil {
		return nil
	}
	return cred
}

func isTerminalStatus(ev models.Event) bool {
	if ev.Kind != models.EventSessionStatus {
		return false
	}
	switch data := ev.Data.(type) {
	case models.SessionStatusData:
		return data.Status.Terminal()
	case *models.SessionStatusData:
		return data != nil && data.Status.Terminal()
	}
	return false
}
