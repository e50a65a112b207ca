package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"vwr-system/config"
	"vwr-system/models"
	"vwr-system/monitoring"
)

// Adaptive poll tiers: the closer a client is to the front, the more often
// it is told to poll.
var pollTiers = []struct {
	ahead    int64
	interval int64
}{
	{500, 2},
	{2000, 5},
	{10000, 10},
}

const maxPollInterval = 15

const anonymousUser = "anonymous"

// AdmissionService implements the admission gate: position assignment,
// admission checks and aggregate status. Handlers are stateless; all safety
// comes from the ledger's conditional updates.
type AdmissionService struct {
	Ledger  *Ledger
	Tokens  *TokenService
	Config  *config.Config
	monitor *monitoring.Monitor

	// newRequestID and now are swappable in tests.
	newRequestID func() string
	now          func() time.Time
}

func NewAdmissionService(ledger *Ledger, tokens *TokenService, cfg *config.Config, monitor *monitoring.Monitor) *AdmissionService {
	return &AdmissionService{
		Ledger:       ledger,
		Tokens:       tokens,
		Config:       cfg,
		monitor:      monitor,
		newRequestID: uuid.NewString,
		now:          time.Now,
	}
}

// Assign claims the next position for the event and stores the position
// record. Fails with ErrNotActive when the waiting room is off; the caller
// falls back to no-waiting-room behavior.
func (s *AdmissionService) Assign(ctx context.Context, eventID, userID string) (*models.AssignResponse, error) {
	if userID == "" {
		userID = anonymousUser
	}

	position, serving, err := s.Ledger.AssignPosition(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			s.monitor.TrackAssign(eventID, "not_active")
			return nil, err
		}
		s.monitor.TrackAssign(eventID, "error")
		return nil, err
	}

	requestID := s.newRequestID()
	rec := &models.PositionRecord{
		EventID:   eventID,
		RequestID: requestID,
		Position:  position,
		UserID:    userID,
		CreatedAt: s.now(),
	}

	if err := s.Ledger.WritePosition(ctx, rec); err != nil {
		// The position is already claimed; without a record the client will
		// get PositionNotFound on its first poll and re-assign.
		s.monitor.TrackAssign(eventID, "error")
		return nil, fmt.Errorf("persist position %d for event %s: %w", position, eventID, err)
	}

	s.monitor.TrackAssign(eventID, "success")
	slog.Info("position assigned", "event_id", eventID, "request_id", requestID, "position", position)

	return &models.AssignResponse{
		RequestID:      requestID,
		Position:       position,
		ServingCounter: serving,
		EstimatedWait:  s.estimateWait(position - serving),
	}, nil
}

// Check evaluates admission for a previously assigned position. A
// deactivated (or vanished) waiting room admits unconditionally; otherwise
// admission holds iff position <= servingCounter. Both reads happen in one
// pipelined round trip.
func (s *AdmissionService) Check(ctx context.Context, eventID, requestID, userID string) (*models.CheckResponse, error) {
	rec, counter, err := s.Ledger.GetPositionAndCounter(ctx, eventID, requestID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = rec.UserID
	}

	// Counter gone or deactivated: the waiting room is treated as already
	// drained and everyone left inside is admitted immediately.
	if counter == nil || !counter.IsActive {
		return s.admit(eventID, userID, rec, counter)
	}

	if rec.Position <= counter.ServingCounter {
		return s.admit(eventID, userID, rec, counter)
	}

	ahead := rec.Position - counter.ServingCounter
	return &models.CheckResponse{
		Admitted:       false,
		Position:       rec.Position,
		ServingCounter: counter.ServingCounter,
		TotalInQueue:   counter.NextPosition,
		Ahead:          ahead,
		EstimatedWait:  s.estimateWait(ahead),
		NextPoll:       nextPollInterval(ahead),
	}, nil
}

// Status is a pure read of the event counter. A missing counter is
// ErrEventNotFound, which is not the same thing as a deactivated event.
func (s *AdmissionService) Status(ctx context.Context, eventID string) (*models.StatusResponse, error) {
	counter, err := s.Ledger.GetCounter(ctx, eventID)
	if err != nil {
		return nil, err
	}

	waiting := counter.NextPosition - counter.ServingCounter
	if waiting < 0 {
		waiting = 0
	}

	return &models.StatusResponse{
		EventID:      eventID,
		IsActive:     counter.IsActive,
		TotalInQueue: counter.NextPosition,
		Serving:      counter.ServingCounter,
		WaitingCount: waiting,
	}, nil
}

func (s *AdmissionService) admit(eventID, userID string, rec *models.PositionRecord, counter *models.EventCounter) (*models.CheckResponse, error) {
	token, err := s.Tokens.Mint(eventID, userID)
	if err != nil {
		return nil, err
	}

	resp := &models.CheckResponse{
		Admitted: true,
		Position: rec.Position,
		Token:    token,
	}
	if counter != nil {
		resp.ServingCounter = counter.ServingCounter
		resp.TotalInQueue = counter.NextPosition
	}

	s.monitor.TrackAdmission(eventID)
	slog.Info("client admitted", "event_id", eventID, "request_id", rec.RequestID, "position", rec.Position)

	return resp, nil
}

// estimateWait converts a queue distance into seconds using the configured
// release rate. A pacing estimate, not an SLA.
func (s *AdmissionService) estimateWait(ahead int64) int64 {
	if ahead <= 0 {
		return 0
	}
	rate := s.Config.ReleaseRatePerSecond()
	if rate <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(ahead) / rate))
}

func nextPollInterval(ahead int64) int64 {
	for _, tier := range pollTiers {
		if ahead <= tier.ahead {
			return tier.interval
		}
	}
	return maxPollInterval
}
