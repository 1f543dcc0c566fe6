package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/qr-presence-api/internal/dto"
	"github.com/noah-isme/qr-presence-api/internal/models"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
	"github.com/noah-isme/qr-presence-api/pkg/response"
)

type sessionService interface {
	Start(ctx context.Context, id string) (*models.ClassSession, error)
	Pause(ctx context.Context, id string) (*models.ClassSession, error)
	Resume(ctx context.Context, id string) (*models.ClassSession, error)
	Complete(ctx context.Context, id string) (*models.ClassSession, error)
	Cancel(ctx context.Context, id string) (*models.ClassSession, error)
	Get(ctx context.Context, id string) (*models.SessionSnapshot, error)
	Records(ctx context.Context, id string) ([]models.AttendanceRecord, error)
}

type credentialService interface {
	Current(ctx context.Context, sessionID string) (*models.IssuedCredential, error)
}

// SessionHandler exposes the session lifecycle to professors and admins.
type SessionHandler struct {
	sessions    sessionService
	credentials credentialService
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(sessions sessionService, credentials credentialService) *SessionHandler {
	return &SessionHandler{sessions: sessions, credentials: credentials}
}

// Start godoc
// @Summary Start or resume a session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/start [post]
func (h *SessionHandler) Start(c *gin.Context) {
	h.transition(c, h.sessions.Start)
}

// Pause godoc
// @Summary Pause an active session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/pause [post]
func (h *SessionHandler) Pause(c *gin.Context) {
	h.transition(c, h.sessions.Pause)
}

// Resume godoc
// @Summary Resume a paused session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/resume [post]
func (h *SessionHandler) Resume(c *gin.Context) {
	h.transition(c, h.sessions.Resume)
}

// Complete godoc
// @Summary Complete a session and record absences
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/complete [post]
func (h *SessionHandler) Complete(c *gin.Context) {
	h.transition(c, h.sessions.Complete)
}

// Cancel godoc
// @Summary Cancel a session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/cancel [post]
func (h *SessionHandler) Cancel(c *gin.Context) {
	h.transition(c, h.sessions.Cancel)
}

func (h *SessionHandler) transition(c *gin.Context, op func(context.Context, string) (*models.ClassSession, error)) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	session, err := op(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewSessionResponse(session, nil, nil))
}

// Get godoc
// @Summary Session detail with attendance tally
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	snapshot, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	summary := snapshot.Attendance
	response.JSON(c, http.StatusOK, dto.NewSessionResponse(snapshot.Session, snapshot.Deadline, &summary))
}

// Credential godoc
// @Summary Current QR credential of an active session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions/{id}/credential [get]
func (h *SessionHandler) Credential(c *gin.Context) {
	if h.credentials == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	id, err := sessionIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	cred, err := h.credentials.Current(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cred)
}

// Attendance godoc
// @Summary Attendance records of a session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id}/attendance [get]
func (h *SessionHandler) Attendance(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	records, err := h.sessions.Records(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	rows := dto.NewAttendanceRows(records)
	response.JSON(c, http.StatusOK, rows, map[string]interface{}{"total": len(rows)})
}
