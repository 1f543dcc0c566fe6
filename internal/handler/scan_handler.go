package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/qr-presence-api/internal/dto"
	"github.com/noah-isme/qr-presence-api/internal/models"
	"github.com/noah-isme/qr-presence-api/internal/signals"
	appErrors "github.com/noah-isme/qr-presence-api/pkg/errors"
	"github.com/noah-isme/qr-presence-api/pkg/response"
)

type scanService interface {
	Submit(ctx context.Context, in models.ScanInput) (*models.ScanResult, error)
}

var rejectStatus = map[models.RejectReason]int{
	models.RejectMalformedCredential: http.StatusBadRequest,
	models.RejectExpired:             http.StatusUnprocessableEntity,
	models.RejectInvalidSignature:    http.StatusUnprocessableEntity,
	models.RejectSessionMismatch:     http.StatusUnprocessableEntity,
	models.RejectSessionNotActive:    http.StatusConflict,
	models.RejectAlreadyRecorded:     http.StatusConflict,
	models.RejectOutsideGeofence:     http.StatusForbidden,
	models.RejectLocationUnavailable: http.StatusUnprocessableEntity,
}

var rejectMessage = map[models.RejectReason]string{
	models.RejectMalformedCredential: "credential could not be read",
	models.RejectExpired:             "credential has expired, scan the current code",
	models.RejectInvalidSignature:    "credential is not authentic",
	models.RejectSessionMismatch:     "credential belongs to another session",
	models.RejectSessionNotActive:    "session is not accepting scans",
	models.RejectAlreadyRecorded:     "attendance already recorded",
	models.RejectOutsideGeofence:     "scan location is outside the classroom",
	models.RejectLocationUnavailable: "location is required for this session",
}

// ScanHandler accepts student scans.
type ScanHandler struct {
	scans scanService
}

// NewScanHandler constructs the handler.
func NewScanHandler(scans scanService) *ScanHandler {
	return &ScanHandler{scans: scans}
}

// Submit godoc
// @Summary Submit a scanned credential
// @Description Records the caller's attendance when the credential is fresh, authentic and the session is active.
// @Tags Attendance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.ScanRequest true "Scan payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Router /sessions/{id}/scans [post]
func (h *ScanHandler) Submit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	id, err := sessionIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	var req dto.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid scan payload"))
		return
	}

	result, err := h.scans.Submit(c.Request.Context(), models.ScanInput{
		SessionID:   id,
		StudentID:   claims.UserID,
		Credential:  req.Credential,
		Fingerprint: signals.Collect(c.Request, req.Fingerprint),
		Location:    req.Location,
		IPAddress:   c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	body := dto.NewScanResponse(result)
	if result.Accepted {
		response.Created(c, body)
		return
	}
	response.ErrorWithData(c, rejection(result.Reason), body)
}

func rejection(reason models.RejectReason) *appErrors.Error {
	status, ok := rejectStatus[reason]
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	message, ok := rejectMessage[reason]
	if !ok {
		message = "scan rejected"
	}
	return appErrors.New(string(reason), status, message)
}
