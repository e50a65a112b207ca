package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vwr-system/config"
)

func setupTestAdmission() (*AdmissionService, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()

	cfg := &config.Config{
		ReleaseBatchSize: 100,
		AdvanceSubCycles: 6,
		SubCycleInterval: 10 * time.Second,
		TokenTTL:         10 * time.Minute,
		PositionTTL:      24 * time.Hour,
	}

	ledger := &Ledger{
		Redis:       db,
		PositionTTL: cfg.PositionTTL,
		now:         func() time.Time { return testClock },
	}

	svc := &AdmissionService{
		Ledger:       ledger,
		Tokens:       NewTokenService("test-secret-key", cfg.TokenTTL),
		Config:       cfg,
		newRequestID: func() string { return "req-fixed" },
		now:          func() time.Time { return testClock },
	}

	return svc, mock
}

func TestAdmission_Assign_Success(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectEval(assignPositionScript, []string{"vwr:counter:ev-1"}, testClock.Unix()).
		SetVal([]interface{}{int64(251), int64(50)})
	mock.ExpectHSet("vwr:position:ev-1:req-fixed", map[string]any{
		"position":   int64(250),
		"user_id":    "user-1",
		"created_at": testClock.Unix(),
	}).SetVal(3)
	mock.ExpectExpire("vwr:position:ev-1:req-fixed", 24*time.Hour).SetVal(true)

	resp, err := svc.Assign(context.Background(), "ev-1", "user-1")

	require.NoError(t, err)
	assert.Equal(t, "req-fixed", resp.RequestID)
	assert.Equal(t, int64(250), resp.Position)
	assert.Equal(t, int64(50), resp.ServingCounter)
	// 200 ahead at 10/s configured release rate
	assert.Equal(t, int64(20), resp.EstimatedWait)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Assign_AnonymousDefault(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectEval(assignPositionScript, []string{"vwr:counter:ev-1"}, testClock.Unix()).
		SetVal([]interface{}{int64(1), int64(0)})
	mock.ExpectHSet("vwr:position:ev-1:req-fixed", map[string]any{
		"position":   int64(0),
		"user_id":    "anonymous",
		"created_at": testClock.Unix(),
	}).SetVal(3)
	mock.ExpectExpire("vwr:position:ev-1:req-fixed", 24*time.Hour).SetVal(true)

	resp, err := svc.Assign(context.Background(), "ev-1", "")

	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Position)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Assign_NotActive(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectEval(assignPositionScript, []string{"vwr:counter:ev-1"}, testClock.Unix()).
		SetVal([]interface{}{int64(-1), int64(0)})

	_, err := svc.Assign(context.Background(), "ev-1", "user-1")

	assert.ErrorIs(t, err, ErrNotActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Check_Waiting(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectHGetAll("vwr:position:ev-1:req-1").SetVal(map[string]string{
		"position":   "900",
		"user_id":    "user-1",
		"created_at": "1700000000",
	})
	mock.ExpectHGetAll("vwr:counter:ev-1").SetVal(map[string]string{
		"next_position":   "5000",
		"serving_counter": "100",
		"is_active":       "1",
	})

	resp, err := svc.Check(context.Background(), "ev-1", "req-1", "")

	require.NoError(t, err)
	assert.False(t, resp.Admitted)
	assert.Empty(t, resp.Token)
	assert.Equal(t, int64(900), resp.Position)
	assert.Equal(t, int64(800), resp.Ahead)
	assert.Equal(t, int64(5000), resp.TotalInQueue)
	// 800 ahead falls into the <=2000 tier
	assert.Equal(t, int64(5), resp.NextPoll)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Check_Admitted(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectHGetAll("vwr:position:ev-1:req-1").SetVal(map[string]string{
		"position":   "90",
		"user_id":    "user-1",
		"created_at": "1700000000",
	})
	mock.ExpectHGetAll("vwr:counter:ev-1").SetVal(map[string]string{
		"next_position":   "5000",
		"serving_counter": "100",
		"is_active":       "1",
	})

	resp, err := svc.Check(context.Background(), "ev-1", "req-1", "")

	require.NoError(t, err)
	assert.True(t, resp.Admitted)
	require.NotEmpty(t, resp.Token)

	claims, err := svc.Tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", claims.Subject)
	assert.Equal(t, "user-1", claims.Identity, "identity falls back to the stored record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Check_BoundaryPositionEqualsServing(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectHGetAll("vwr:position:ev-1:req-1").SetVal(map[string]string{
		"position": "100",
		"user_id":  "user-1",
	})
	mock.ExpectHGetAll("vwr:counter:ev-1").SetVal(map[string]string{
		"next_position":   "5000",
		"serving_counter": "100",
		"is_active":       "1",
	})

	resp, err := svc.Check(context.Background(), "ev-1", "req-1", "")

	require.NoError(t, err)
	assert.True(t, resp.Admitted, "position <= servingCounter admits")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Check_DeactivatedBypass(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectHGetAll("vwr:position:ev-1:req-1").SetVal(map[string]string{
		"position": "99999",
		"user_id":  "user-1",
	})
	mock.ExpectHGetAll("vwr:counter:ev-1").SetVal(map[string]string{
		"next_position":   "100000",
		"serving_counter": "5",
		"is_active":       "0",
	})

	resp, err := svc.Check(context.Background(), "ev-1", "req-1", "")

	require.NoError(t, err)
	assert.True(t, resp.Admitted, "deactivated waiting room admits unconditionally")
	assert.NotEmpty(t, resp.Token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Check_PositionNotFound(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectHGetAll("vwr:position:ev-1:req-gone").SetVal(map[string]string{})
	mock.ExpectHGetAll("vwr:counter:ev-1").SetVal(map[string]string{
		"next_position": "10", "serving_counter": "5", "is_active": "1",
	})

	_, err := svc.Check(context.Background(), "ev-1", "req-gone", "")

	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestAdmission_Status(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectHGetAll("vwr:counter:ev-1").SetVal(map[string]string{
		"next_position":   "1500",
		"serving_counter": "600",
		"is_active":       "1",
	})

	resp, err := svc.Status(context.Background(), "ev-1")

	require.NoError(t, err)
	assert.True(t, resp.IsActive)
	assert.Equal(t, int64(1500), resp.TotalInQueue)
	assert.Equal(t, int64(600), resp.Serving)
	assert.Equal(t, int64(900), resp.WaitingCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmission_Status_EventNotFound(t *testing.T) {
	svc, mock := setupTestAdmission()

	mock.ExpectHGetAll("vwr:counter:missing").SetVal(map[string]string{})

	_, err := svc.Status(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestNextPollInterval_Tiers(t *testing.T) {
	cases := []struct {
		ahead    int64
		expected int64
	}{
		{1, 2},
		{500, 2},
		{501, 5},
		{2000, 5},
		{2001, 10},
		{10000, 10},
		{10001, 15},
		{500000, 15},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, nextPollInterval(tc.ahead), "ahead=%d", tc.ahead)
	}
}
