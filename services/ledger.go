package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vwr-system/models"
)

// Keyspace layout. One counter hash per event, one position hash per
// (event, request), plus a set enumerating active events for the advancer.
const activeEventsKey = "vwr:active_events"

func counterKey(eventID string) string {
	return fmt.Sprintf("vwr:counter:%s", eventID)
}

func positionKey(eventID, requestID string) string {
	return fmt.Sprintf("vwr:position:%s:%s", eventID, requestID)
}

// assignPositionScript hands out the next position. The increment is
// conditioned on the event being active, so every mutation stays behind the
// same atomic guard; the application never read-modify-writes the counter.
// Returns {new next_position, serving_counter} or {-1, 0} when inactive.
const assignPositionScript = `
local counter = KEYS[1]
if redis.call("HGET", counter, "is_active") ~= "1" then
  return {-1, 0}
end
local nextPos = redis.call("HINCRBY", counter, "next_position", 1)
local serving = tonumber(redis.call("HGET", counter, "serving_counter")) or 0
redis.call("HSET", counter, "updated_at", ARGV[1])
return {nextPos, serving}
`

// advanceServingScript adds a batch to the serving counter, conditioned on
// the event still being active and the counter not having caught up with
// next_position. The result is clamped so the serving counter never races
// past the number of positions actually handed out.
// Returns the new serving counter, -1 when inactive, -2 when drained.
const advanceServingScript = `
local counter = KEYS[1]
if redis.call("HGET", counter, "is_active") ~= "1" then
  return -1
end
local nextPos = tonumber(redis.call("HGET", counter, "next_position")) or 0
local serving = tonumber(redis.call("HGET", counter, "serving_counter")) or 0
if serving >= nextPos then
  return -2
end
local target = serving + tonumber(ARGV[1])
if target > nextPos then
  target = nextPos
end
redis.call("HSET", counter, "serving_counter", target, "updated_at", ARGV[2])
return target
`

// Ledger is the position ledger: all per-event counters and position
// records live in Redis, and every mutation goes through a conditional
// atomic script.
type Ledger struct {
	Redis       *redis.Client
	PositionTTL time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewLedger(redisClient *redis.Client, positionTTL time.Duration) *Ledger {
	return &Ledger{
		Redis:       redisClient,
		PositionTTL: positionTTL,
		now:         time.Now,
	}
}

// AssignPosition atomically claims the next position for the event. Returns
// ErrNotActive when the conditional increment is rejected.
func (l *Ledger) AssignPosition(ctx context.Context, eventID string) (position, serving int64, err error) {
	res, err := l.Redis.Eval(ctx, assignPositionScript,
		[]string{counterKey(eventID)},
		l.now().Unix(),
	).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("assign position for event %s: %w", eventID, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("assign position for event %s: unexpected script reply %v", eventID, res)
	}

	nextPos, _ := vals[0].(int64)
	servingCounter, _ := vals[1].(int64)
	if nextPos < 0 {
		return 0, 0, ErrNotActive
	}

	// HINCRBY returned the new count; the rank handed out is zero-based.
	return nextPos - 1, servingCounter, nil
}

// Advance adds batch to the event's serving counter, clamped at
// next_position. Conditional-update rejections come back as ErrNotActive or
// ErrQueueDrained; both are expected outcomes, not failures.
func (l *Ledger) Advance(ctx context.Context, eventID string, batch int64) (int64, error) {
	res, err := l.Redis.Eval(ctx, advanceServingScript,
		[]string{counterKey(eventID)},
		batch, l.now().Unix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("advance serving counter for event %s: %w", eventID, err)
	}

	switch res {
	case -1:
		return 0, ErrNotActive
	case -2:
		return 0, ErrQueueDrained
	default:
		return res, nil
	}
}

// WritePosition stores the position record with the retention TTL.
func (l *Ledger) WritePosition(ctx context.Context, rec *models.PositionRecord) error {
	key := positionKey(rec.EventID, rec.RequestID)

	if err := l.Redis.HSet(ctx, key, map[string]any{
		"position":   rec.Position,
		"user_id":    rec.UserID,
		"created_at": rec.CreatedAt.Unix(),
	}).Err(); err != nil {
		return fmt.Errorf("write position record %s: %w", key, err)
	}

	if err := l.Redis.Expire(ctx, key, l.PositionTTL).Err(); err != nil {
		return fmt.Errorf("expire position record %s: %w", key, err)
	}

	return nil
}

// GetPosition reads one position record. Missing or expired records map to
// ErrPositionNotFound so the client knows to re-assign.
func (l *Ledger) GetPosition(ctx context.Context, eventID, requestID string) (*models.PositionRecord, error) {
	fields, err := l.Redis.HGetAll(ctx, positionKey(eventID, requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read position record for event %s: %w", eventID, err)
	}
	if len(fields) == 0 {
		return nil, ErrPositionNotFound
	}
	return parsePosition(eventID, requestID, fields), nil
}

// GetCounter reads the event counter. A missing record means the event was
// never initialized, which is distinct from a deactivated one.
func (l *Ledger) GetCounter(ctx context.Context, eventID string) (*models.EventCounter, error) {
	fields, err := l.Redis.HGetAll(ctx, counterKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read counter for event %s: %w", eventID, err)
	}
	if len(fields) == 0 {
		return nil, ErrEventNotFound
	}
	return parseCounter(eventID, fields), nil
}

// GetPositionAndCounter fetches both records in one pipelined round trip,
// which is what the check path needs on every poll.
func (l *Ledger) GetPositionAndCounter(ctx context.Context, eventID, requestID string) (*models.PositionRecord, *models.EventCounter, error) {
	pipe := l.Redis.Pipeline()
	posCmd := pipe.HGetAll(ctx, positionKey(eventID, requestID))
	counterCmd := pipe.HGetAll(ctx, counterKey(eventID))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("read position and counter for event %s: %w", eventID, err)
	}

	posFields := posCmd.Val()
	if len(posFields) == 0 {
		return nil, nil, ErrPositionNotFound
	}

	var counter *models.EventCounter
	if counterFields := counterCmd.Val(); len(counterFields) > 0 {
		counter = parseCounter(eventID, counterFields)
	}

	return parsePosition(eventID, requestID, posFields), counter, nil
}

// ActivateEvent initializes the counter (idempotently) and marks the event
// active. Operator entry point; clients never call this.
func (l *Ledger) ActivateEvent(ctx context.Context, eventID string) error {
	key := counterKey(eventID)

	if err := l.Redis.HSetNX(ctx, key, "next_position", 0).Err(); err != nil {
		return fmt.Errorf("init next_position for event %s: %w", eventID, err)
	}
	if err := l.Redis.HSetNX(ctx, key, "serving_counter", 0).Err(); err != nil {
		return fmt.Errorf("init serving_counter for event %s: %w", eventID, err)
	}
	if err := l.Redis.HSet(ctx, key, "is_active", 1, "updated_at", l.now().Unix()).Err(); err != nil {
		return fmt.Errorf("activate event %s: %w", eventID, err)
	}
	if err := l.Redis.SAdd(ctx, activeEventsKey, eventID).Err(); err != nil {
		return fmt.Errorf("register active event %s: %w", eventID, err)
	}

	return nil
}

// DeactivateEvent flips the active flag off. Existing counters stay behind
// so status reads keep working; assignment and advancement stop at the
// conditional guard.
func (l *Ledger) DeactivateEvent(ctx context.Context, eventID string) error {
	key := counterKey(eventID)

	if err := l.Redis.HSet(ctx, key, "is_active", 0, "updated_at", l.now().Unix()).Err(); err != nil {
		return fmt.Errorf("deactivate event %s: %w", eventID, err)
	}
	if err := l.Redis.SRem(ctx, activeEventsKey, eventID).Err(); err != nil {
		return fmt.Errorf("unregister active event %s: %w", eventID, err)
	}

	return nil
}

// ActiveEvents lists events the advancer should visit.
func (l *Ledger) ActiveEvents(ctx context.Context) ([]string, error) {
	events, err := l.Redis.SMembers(ctx, activeEventsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active events: %w", err)
	}
	return events, nil
}

func parseCounter(eventID string, fields map[string]string) *models.EventCounter {
	nextPos, _ := strconv.ParseInt(fields["next_position"], 10, 64)
	serving, _ := strconv.ParseInt(fields["serving_counter"], 10, 64)
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	return &models.EventCounter{
		EventID:        eventID,
		NextPosition:   nextPos,
		ServingCounter: serving,
		IsActive:       fields["is_active"] == "1",
		UpdatedAt:      time.Unix(updatedAt, 0),
	}
}

func parsePosition(eventID, requestID string, fields map[string]string) *models.PositionRecord {
	position, _ := strconv.ParseInt(fields["position"], 10, 64)
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	return &models.PositionRecord{
		EventID:   eventID,
		RequestID: requestID,
		Position:  position,
		UserID:    fields["user_id"],
		CreatedAt: time.Unix(createdAt, 0),
	}
}
