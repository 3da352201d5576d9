package admission

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fleetops/ride-dispatch/internal/dispatch"
	"github.com/fleetops/ride-dispatch/pkg/apperr"
	"github.com/fleetops/ride-dispatch/pkg/common"
	"github.com/fleetops/ride-dispatch/pkg/middleware"
)

// Handler exposes the six AdmissionAPI endpoints of spec §6's Callable
// surface over HTTP.
type Handler struct {
	service *Service
}

// NewHandler constructs a Handler over the given Service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the AdmissionAPI routes on the given router group.
func (h *Handler) Register(router gin.IRouter) {
	router.POST("/ride-requests", h.CreateRequest)
	router.POST("/ride-requests/:id/accept", h.AcceptRequest)
	router.POST("/ride-requests/:id/decline", h.DeclineRequest)
	router.GET("/ride-requests/:id", h.GetRequestStatus)
	router.POST("/drivers/location", h.DriverLocation)
	router.PUT("/drivers/online-status", h.DriverOnlineStatus)
	router.POST("/ride-requests/:id/cancel", h.CancelRequest)
}

// CreateRequest handles POST create-request.
func (h *Handler) CreateRequest(c *gin.Context) {
	var input CreateRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ride, err := h.service.CreateAndDispatch(c.Request.Context(), input)
	if err != nil {
		respondAppError(c, err)
		return
	}

	common.CreatedResponse(c, ride)
}

// acceptRequestBody is the accept-request payload; driver id comes from
// caller identity, not the body, per spec §6.
type acceptRequestBody struct {
	ETAMinutes int `json:"eta_minutes" binding:"required"`
}

// AcceptRequest handles POST accept-request.
func (h *Handler) AcceptRequest(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID := c.Param("id")
	if _, err := uuid.Parse(requestID); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid request id")
		return
	}

	var body acceptRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := h.service.Respond(c.Request.Context(), requestID, driverID, dispatch.VerdictAccept, body.ETAMinutes)
	if err != nil {
		respondAppError(c, err)
		return
	}
	if !applied {
		common.AppErrorResponse(c, apperr.NewNotCurrentOffereeError("not the current offeree for this request"))
		return
	}

	status, err := h.service.GetStatus(c.Request.Context(), requestID)
	if err != nil {
		respondAppError(c, err)
		return
	}
	common.SuccessResponse(c, status)
}

// declineRequestBody is the decline-request payload, which carries
// driverId explicitly per spec §6 rather than deriving it from auth.
type declineRequestBody struct {
	DriverID uuid.UUID `json:"driverId"`
	Reason   string    `json:"reason"`
}

// DeclineRequest handles POST decline-request.
func (h *Handler) DeclineRequest(c *gin.Context) {
	requestID := c.Param("id")
	if _, err := uuid.Parse(requestID); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid request id")
		return
	}

	var body declineRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if body.DriverID == uuid.Nil {
		common.ErrorResponse(c, http.StatusBadRequest, "driverId is required")
		return
	}

	applied, err := h.service.Respond(c.Request.Context(), requestID, body.DriverID, dispatch.VerdictDecline, 0)
	if err != nil {
		respondAppError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"applied": applied, "reason": body.Reason})
}

// GetRequestStatus handles GET request-status.
func (h *Handler) GetRequestStatus(c *gin.Context) {
	requestID := c.Param("id")
	if _, err := uuid.Parse(requestID); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid request id")
		return
	}

	status, err := h.service.GetStatus(c.Request.Context(), requestID)
	if err != nil {
		respondAppError(c, err)
		return
	}
	common.SuccessResponse(c, status)
}

type driverLocationBody struct {
	Latitude  float64   `json:"latitude" binding:"required"`
	Longitude float64   `json:"longitude" binding:"required"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverLocation handles POST driver-location.
func (h *Handler) DriverLocation(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body driverLocationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	at := body.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	if err := h.service.Heartbeat(c.Request.Context(), driverID, body.Latitude, body.Longitude, at); err != nil {
		respondAppError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"acknowledged": true})
}

type driverOnlineStatusBody struct {
	IsOnline bool `json:"isOnline"`
}

// DriverOnlineStatus handles PUT driver-online-status.
func (h *Handler) DriverOnlineStatus(c *gin.Context) {
	driverID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body driverOnlineStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.SetOnlineStatus(c.Request.Context(), driverID, body.IsOnline); err != nil {
		respondAppError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"isOnline": body.IsOnline})
}

// CancelRequest handles passenger-initiated cancellation. Not part of
// spec §6's enumerated Callable surface, but C8's cancel operation needs a
// caller; grounded on the same pattern as the other state-transition
// endpoints.
func (h *Handler) CancelRequest(c *gin.Context) {
	requestID := c.Param("id")
	if _, err := uuid.Parse(requestID); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid request id")
		return
	}

	if err := h.service.Cancel(c.Request.Context(), requestID); err != nil {
		respondAppError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"cancelled": true})
}

func respondAppError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperr.AppError); ok {
		common.AppErrorResponse(c, appErr)
		return
	}
	common.ErrorResponse(c, http.StatusInternalServerError, err.Error())
}
