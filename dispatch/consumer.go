package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"vwr-system/config"
	"vwr-system/models"
	"vwr-system/monitoring"
)

// Backend is the subset of ticketing-backend calls the consumer dispatches.
type Backend interface {
	ReserveSeats(ctx context.Context, msg *models.DispatchMessage) error
	CreateReservation(ctx context.Context, msg *models.DispatchMessage) error
	NotifyAdmitted(ctx context.Context, msg *models.DispatchMessage) error
}

// Consumer pulls admitted-action batches off the dispatch stream and
// executes them against the ticketing backend. Delivery is at-least-once:
// a message is acknowledged only after its backend call succeeded, and
// failed messages stay pending for redelivery. One failing message never
// aborts its batch siblings.
type Consumer struct {
	Redis   *redis.Client
	backend Backend
	cfg     *config.Config
	monitor *monitoring.Monitor
}

func NewConsumer(redisClient *redis.Client, backend Backend, cfg *config.Config, monitor *monitoring.Monitor) *Consumer {
	return &Consumer{
		Redis:   redisClient,
		backend: backend,
		cfg:     cfg,
		monitor: monitor,
	}
}

// EnsureGroup creates the consumer group (and the stream) if needed.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.Redis.XGroupCreateMkStream(ctx, c.cfg.DispatchStream, c.cfg.DispatchGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create dispatch group %s: %w", c.cfg.DispatchGroup, err)
	}
	return nil
}

// Start runs the consume loop until the context is cancelled. Each
// iteration reclaims abandoned pending messages, reads a fresh batch,
// processes it and acknowledges only the successes.
func (c *Consumer) Start(ctx context.Context) {
	slog.Info("work dispatch consumer started",
		"stream", c.cfg.DispatchStream, "group", c.cfg.DispatchGroup, "consumer", c.cfg.DispatchConsumer)

	for {
		if ctx.Err() != nil {
			slog.Info("work dispatch consumer stopping")
			return
		}

		if msgs := c.reclaim(ctx); len(msgs) > 0 {
			c.handleBatch(ctx, msgs)
		}

		msgs, err := c.readBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("read dispatch batch", "error", err)
			continue
		}

		if len(msgs) > 0 {
			c.handleBatch(ctx, msgs)
		}
	}
}

func (c *Consumer) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.DispatchGroup,
		Consumer: c.cfg.DispatchConsumer,
		Streams:  []string{c.cfg.DispatchStream, ">"},
		Count:    int64(c.cfg.DispatchBatchSize),
		Block:    c.cfg.DispatchBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	for _, stream := range streams {
		msgs = append(msgs, stream.Messages...)
	}
	return msgs, nil
}

// reclaim re-enters messages another consumer claimed but never
// acknowledged, so a crashed worker cannot lose work.
func (c *Consumer) reclaim(ctx context.Context) []redis.XMessage {
	msgs, _, err := c.Redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.DispatchStream,
		Group:    c.cfg.DispatchGroup,
		Consumer: c.cfg.DispatchConsumer,
		MinIdle:  c.cfg.DispatchReclaimIdle,
		Start:    "0-0",
		Count:    int64(c.cfg.DispatchBatchSize),
	}).Result()
	if err != nil && err != redis.Nil {
		slog.Error("reclaim pending dispatch messages", "error", err)
		return nil
	}
	return msgs
}

func (c *Consumer) handleBatch(ctx context.Context, msgs []redis.XMessage) {
	result := c.ProcessBatch(ctx, msgs)

	failed := make(map[string]bool, len(result.BatchItemFailures))
	for _, f := range result.BatchItemFailures {
		failed[f.ItemIdentifier] = true
	}

	for _, msg := range msgs {
		if failed[msg.ID] {
			continue
		}
		if err := c.Redis.XAck(ctx, c.cfg.DispatchStream, c.cfg.DispatchGroup, msg.ID).Err(); err != nil {
			// The message stays pending; redelivery means a duplicate
			// backend call, which the backend must treat idempotently.
			slog.Error("ack dispatch message", "id", msg.ID, "error", err)
		}
	}

	if len(result.BatchItemFailures) > 0 {
		slog.Warn("dispatch batch had failures",
			"batch_size", len(msgs), "failed", len(result.BatchItemFailures))
	}
}

// ProcessBatch dispatches each message individually and reports only the
// failed item identifiers. Unknown actions are skipped as successes so a
// newer producer cannot poison the stream.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []redis.XMessage) models.BatchResult {
	result := models.BatchResult{BatchItemFailures: []models.BatchItemFailure{}}

	for _, msg := range msgs {
		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("dispatch message failed", "id", msg.ID, "error", err)
			result.BatchItemFailures = append(result.BatchItemFailures, models.BatchItemFailure{
				ItemIdentifier: msg.ID,
			})
		}
	}

	return result
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		c.monitor.TrackDispatch("malformed", "failure")
		return fmt.Errorf("message %s has no payload field", msg.ID)
	}

	var action models.DispatchMessage
	if err := json.Unmarshal([]byte(payload), &action); err != nil {
		c.monitor.TrackDispatch("malformed", "failure")
		return fmt.Errorf("unmarshal message %s: %w", msg.ID, err)
	}

	if err := validateMessage(&action); err != nil {
		c.monitor.TrackDispatch(action.Action, "failure")
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}

	var err error
	switch action.Action {
	case models.ActionSeatReserve:
		err = c.backend.ReserveSeats(ctx, &action)
	case models.ActionReservationCreate:
		err = c.backend.CreateReservation(ctx, &action)
	case models.ActionAdmitted:
		err = c.backend.NotifyAdmitted(ctx, &action)
	default:
		// Forward-compatible no-op, not a poison message.
		c.monitor.TrackDispatch(action.Action, "skipped")
		slog.Info("skipping unknown dispatch action", "id", msg.ID, "action", action.Action)
		return nil
	}

	if err != nil {
		c.monitor.TrackDispatch(action.Action, "failure")
		return err
	}

	c.monitor.TrackDispatch(action.Action, "success")
	return nil
}

func validateMessage(msg *models.DispatchMessage) error {
	if msg.EventID == "" {
		return errors.New("missing event_id")
	}
	if msg.UserID == "" {
		return errors.New("missing user_id")
	}
	switch msg.Action {
	case models.ActionSeatReserve:
		if len(msg.SeatIDs) == 0 {
			return errors.New("seat_reserve without seat_ids")
		}
	case models.ActionReservationCreate:
		if len(msg.Items) == 0 {
			return errors.New("reservation_create without items")
		}
	}
	return nil
}

// Enqueuer is the producing side of the dispatch stream, used by the
// backend facade and by tests.
type Enqueuer struct {
	Redis  *redis.Client
	Stream string
}

func (e *Enqueuer) Enqueue(ctx context.Context, msg *models.DispatchMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch message: %w", err)
	}

	id, err := e.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: e.Stream,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue dispatch message: %w", err)
	}

	return id, nil
}
