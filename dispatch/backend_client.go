package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vwr-system/models"
	"vwr-system/utils"
)

const (
	headerInternalAuth = "x-internal-auth"
	headerEntryToken   = "x-queue-entry-token"
)

// BackendClient calls the ticketing backend on behalf of admitted clients.
// Every call carries the shared internal-auth secret and forwards the
// admission token so the backend can re-verify it without trusting us.
type BackendClient struct {
	baseURL        string
	internalSecret string
	hc             *http.Client
	breaker        *utils.CircuitBreaker
}

func NewBackendClient(baseURL, internalSecret string, timeout time.Duration) *BackendClient {
	return &BackendClient{
		baseURL:        baseURL,
		internalSecret: internalSecret,
		hc:             &http.Client{Timeout: timeout},
		breaker:        utils.NewCircuitBreaker("ticketing-backend"),
	}
}

// ReserveSeats executes a seat_reserve action.
func (c *BackendClient) ReserveSeats(ctx context.Context, msg *models.DispatchMessage) error {
	return c.post(ctx, "/internal/seats/reserve", msg, map[string]any{
		"event_id": msg.EventID,
		"user_id":  msg.UserID,
		"seat_ids": msg.SeatIDs,
	})
}

// CreateReservation executes a reservation_create action.
func (c *BackendClient) CreateReservation(ctx context.Context, msg *models.DispatchMessage) error {
	return c.post(ctx, "/internal/reservations", msg, map[string]any{
		"event_id": msg.EventID,
		"user_id":  msg.UserID,
		"items":    msg.Items,
	})
}

// NotifyAdmitted tells the backend a client cleared the waiting room.
func (c *BackendClient) NotifyAdmitted(ctx context.Context, msg *models.DispatchMessage) error {
	return c.post(ctx, "/internal/notifications/admitted", msg, map[string]any{
		"event_id": msg.EventID,
		"user_id":  msg.UserID,
	})
}

func (c *BackendClient) post(ctx context.Context, path string, msg *models.DispatchMessage, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal backend request %s: %w", path, err)
	}

	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build backend request %s: %w", path, err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerInternalAuth, c.internalSecret)
		if msg.EntryToken != "" {
			req.Header.Set(headerEntryToken, msg.EntryToken)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("backend call %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			// Bounded read to surface the backend's error without trusting
			// its response size.
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("backend call %s: status %d: %s", path, resp.StatusCode, detail)
		}

		return nil
	})
}
