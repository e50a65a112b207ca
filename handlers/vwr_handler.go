package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"vwr-system/config"
	"vwr-system/services"
	"vwr-system/utils"
)

// EntryTokenCookie is the cookie the admission token travels in.
const EntryTokenCookie = "entry-token"

type VWRHandler struct {
	admission *services.AdmissionService
	cfg       *config.Config
}

func NewVWRHandler(admission *services.AdmissionService, cfg *config.Config) *VWRHandler {
	return &VWRHandler{
		admission: admission,
		cfg:       cfg,
	}
}

// Assign hands out the next queue position for an event.
// POST /vwr/assign/:eventId
func (h *VWRHandler) Assign(c echo.Context) error {
	eventID := c.Param("eventId")

	var req struct {
		UserID string `json:"user_id"`
	}
	// Body is optional; anonymous assignment is allowed.
	_ = c.Bind(&req)

	resp, err := h.admission.Assign(c.Request().Context(), eventID, req.UserID)
	if err != nil {
		if errors.Is(err, services.ErrNotActive) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "waiting room not active"})
		}
		slog.Error("assign failed", "event_id", eventID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "assignment failed"})
	}

	return c.JSON(http.StatusOK, resp)
}

// Check evaluates admission for an assigned position and mints the entry
// token once the position is being served.
// GET /vwr/check/:eventId/:requestId?user_id=
func (h *VWRHandler) Check(c echo.Context) error {
	eventID := c.Param("eventId")
	requestID := c.Param("requestId")
	userID := c.QueryParam("user_id")

	resp, err := h.admission.Check(c.Request().Context(), eventID, requestID, userID)
	if err != nil {
		if errors.Is(err, services.ErrPositionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "position not found, re-assign"})
		}
		slog.Error("check failed", "event_id", eventID, "request_id", requestID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "check failed"})
	}

	if resp.Admitted && resp.Token != "" {
		c.SetCookie(&http.Cookie{
			Name:     EntryTokenCookie,
			Value:    resp.Token,
			Path:     "/",
			MaxAge:   int(h.cfg.TokenTTL.Seconds()),
			SameSite: http.SameSiteStrictMode,
			Secure:   h.cfg.SecureCookies,
		})
	}

	return c.JSON(http.StatusOK, resp)
}

// Status reports aggregate queue state for an event.
// GET /vwr/status/:eventId
func (h *VWRHandler) Status(c echo.Context) error {
	eventID := c.Param("eventId")

	resp, err := h.admission.Status(c.Request().Context(), eventID)
	if err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
		}
		slog.Error("status failed", "event_id", eventID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "status failed"})
	}

	return c.JSON(http.StatusOK, resp)
}

// ActivateEvent turns the waiting room on for an event. Operator endpoint,
// guarded by the internal auth secret.
// POST /vwr/admin/events/:eventId/activate
func (h *VWRHandler) ActivateEvent(c echo.Context) error {
	if !h.authorizeOperator(c) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
	}

	eventID := c.Param("eventId")
	if err := h.admission.Ledger.ActivateEvent(c.Request().Context(), eventID); err != nil {
		slog.Error("activate event failed", "event_id", eventID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "activation failed"})
	}

	slog.Info("event activated", "event_id", eventID)
	return c.JSON(http.StatusOK, map[string]string{"event_id": eventID, "status": "active"})
}

// DeactivateEvent turns the waiting room off; assign starts rejecting and
// check admits unconditionally.
// POST /vwr/admin/events/:eventId/deactivate
func (h *VWRHandler) DeactivateEvent(c echo.Context) error {
	if !h.authorizeOperator(c) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
	}

	eventID := c.Param("eventId")
	if err := h.admission.Ledger.DeactivateEvent(c.Request().Context(), eventID); err != nil {
		slog.Error("deactivate event failed", "event_id", eventID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "deactivation failed"})
	}

	slog.Info("event deactivated", "event_id", eventID)
	return c.JSON(http.StatusOK, map[string]string{"event_id": eventID, "status": "inactive"})
}

// Health checks ledger reachability.
// GET /health
func (h *VWRHandler) Health(c echo.Context) error {
	if err := utils.RedisHealthCheck(h.admission.Ledger.Redis); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *VWRHandler) authorizeOperator(c echo.Context) bool {
	return c.Request().Header.Get("x-internal-auth") == h.cfg.InternalAuthSecret
}
