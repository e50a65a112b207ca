package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vwr-system/config"
	"vwr-system/models"
)

// fakeBackend records dispatched actions and fails on demand per user.
type fakeBackend struct {
	calls    []string
	failUser string
}

func (f *fakeBackend) call(name string, msg *models.DispatchMessage) error {
	f.calls = append(f.calls, name+":"+msg.UserID)
	if msg.UserID == f.failUser {
		return errors.New("backend rejected " + msg.UserID)
	}
	return nil
}

func (f *fakeBackend) ReserveSeats(_ context.Context, msg *models.DispatchMessage) error {
	return f.call("reserve", msg)
}

func (f *fakeBackend) CreateReservation(_ context.Context, msg *models.DispatchMessage) error {
	return f.call("create", msg)
}

func (f *fakeBackend) NotifyAdmitted(_ context.Context, msg *models.DispatchMessage) error {
	return f.call("notify", msg)
}

func testDispatchConfig() *config.Config {
	return &config.Config{
		DispatchStream:      "vwr:dispatch",
		DispatchGroup:       "vwr-workers",
		DispatchConsumer:    "worker-test",
		DispatchBatchSize:   10,
		DispatchBlock:       time.Second,
		DispatchReclaimIdle: time.Minute,
	}
}

func streamMessage(t *testing.T, id string, msg models.DispatchMessage) redis.XMessage {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]interface{}{"payload": string(payload)}}
}

func TestProcessBatch_IsolatesSingleFailure(t *testing.T) {
	db, _ := redismock.NewClientMock()
	backend := &fakeBackend{failUser: "user-2"}
	consumer := NewConsumer(db, backend, testDispatchConfig(), nil)

	msgs := []redis.XMessage{
		streamMessage(t, "1-0", models.DispatchMessage{
			Action: models.ActionSeatReserve, EventID: "ev-1", UserID: "user-1", SeatIDs: []string{"A1"},
		}),
		streamMessage(t, "2-0", models.DispatchMessage{
			Action: models.ActionSeatReserve, EventID: "ev-1", UserID: "user-2", SeatIDs: []string{"A2"},
		}),
		streamMessage(t, "3-0", models.DispatchMessage{
			Action: models.ActionSeatReserve, EventID: "ev-1", UserID: "user-3", SeatIDs: []string{"A3"},
		}),
	}

	result := consumer.ProcessBatch(context.Background(), msgs)

	require.Len(t, result.BatchItemFailures, 1)
	assert.Equal(t, "2-0", result.BatchItemFailures[0].ItemIdentifier)
	// All three were attempted; the failure did not abort the batch.
	assert.Equal(t, []string{"reserve:user-1", "reserve:user-2", "reserve:user-3"}, backend.calls)
}

func TestProcessBatch_EmptyFailureListSerializesAsArray(t *testing.T) {
	db, _ := redismock.NewClientMock()
	consumer := NewConsumer(db, &fakeBackend{}, testDispatchConfig(), nil)

	result := consumer.ProcessBatch(context.Background(), []redis.XMessage{
		streamMessage(t, "1-0", models.DispatchMessage{
			Action: models.ActionAdmitted, EventID: "ev-1", UserID: "user-1",
		}),
	})

	out, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"batchItemFailures":[]}`, string(out))
}

func TestProcessBatch_UnknownActionIsSkipped(t *testing.T) {
	db, _ := redismock.NewClientMock()
	backend := &fakeBackend{}
	consumer := NewConsumer(db, backend, testDispatchConfig(), nil)

	result := consumer.ProcessBatch(context.Background(), []redis.XMessage{
		streamMessage(t, "1-0", models.DispatchMessage{
			Action: "loyalty_points_grant", EventID: "ev-1", UserID: "user-1",
		}),
	})

	assert.Empty(t, result.BatchItemFailures)
	assert.Empty(t, backend.calls, "unknown actions never reach the backend")
}

func TestProcessBatch_MalformedPayloadFails(t *testing.T) {
	db, _ := redismock.NewClientMock()
	consumer := NewConsumer(db, &fakeBackend{}, testDispatchConfig(), nil)

	msgs := []redis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{"payload": "{not json"}},
		{ID: "2-0", Values: map[string]interface{}{"other": "field"}},
	}

	result := consumer.ProcessBatch(context.Background(), msgs)

	require.Len(t, result.BatchItemFailures, 2)
	assert.Equal(t, "1-0", result.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, "2-0", result.BatchItemFailures[1].ItemIdentifier)
}

func TestHandleBatch_AcksOnlySuccesses(t *testing.T) {
	db, mock := redismock.NewClientMock()
	backend := &fakeBackend{failUser: "user-2"}
	cfg := testDispatchConfig()
	consumer := NewConsumer(db, backend, cfg, nil)

	mock.ExpectXAck(cfg.DispatchStream, cfg.DispatchGroup, "1-0").SetVal(1)
	mock.ExpectXAck(cfg.DispatchStream, cfg.DispatchGroup, "3-0").SetVal(1)

	consumer.handleBatch(context.Background(), []redis.XMessage{
		streamMessage(t, "1-0", models.DispatchMessage{
			Action: models.ActionAdmitted, EventID: "ev-1", UserID: "user-1",
		}),
		streamMessage(t, "2-0", models.DispatchMessage{
			Action: models.ActionAdmitted, EventID: "ev-1", UserID: "user-2",
		}),
		streamMessage(t, "3-0", models.DispatchMessage{
			Action: models.ActionAdmitted, EventID: "ev-1", UserID: "user-3",
		}),
	})

	assert.NoError(t, mock.ExpectationsWereMet(), "the failed message must stay pending")
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     models.DispatchMessage
		wantErr string
	}{
		{
			name:    "missing event",
			msg:     models.DispatchMessage{Action: models.ActionAdmitted, UserID: "u"},
			wantErr: "missing event_id",
		},
		{
			name:    "missing user",
			msg:     models.DispatchMessage{Action: models.ActionAdmitted, EventID: "ev"},
			wantErr: "missing user_id",
		},
		{
			name:    "seat reserve without seats",
			msg:     models.DispatchMessage{Action: models.ActionSeatReserve, EventID: "ev", UserID: "u"},
			wantErr: "seat_ids",
		},
		{
			name:    "reservation without items",
			msg:     models.DispatchMessage{Action: models.ActionReservationCreate, EventID: "ev", UserID: "u"},
			wantErr: "items",
		},
		{
			name: "valid",
			msg: models.DispatchMessage{
				Action: models.ActionSeatReserve, EventID: "ev", UserID: "u", SeatIDs: []string{"A1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMessage(&tt.msg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnqueuer_Enqueue(t *testing.T) {
	db, mock := redismock.NewClientMock()
	enq := &Enqueuer{Redis: db, Stream: "vwr:dispatch"}

	msg := &models.DispatchMessage{
		Action: models.ActionAdmitted, EventID: "ev-1", UserID: "user-1",
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "vwr:dispatch",
		Values: map[string]any{"payload": string(payload)},
	}).SetVal("5-0")

	id, err := enq.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "5-0", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
