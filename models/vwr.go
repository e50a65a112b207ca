package models

import (
	"time"
)

// EventCounter is the per-event ledger record: how many positions have been
// handed out, how many are currently admitted, and whether the waiting room
// is active at all.
type EventCounter struct {
	EventID        string    `json:"event_id"`
	NextPosition   int64     `json:"next_position"`
	ServingCounter int64     `json:"serving_counter"`
	IsActive       bool      `json:"is_active"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PositionRecord is one client's rank in an event's waiting room. Records
// expire after a bounded retention window and are never updated in place.
type PositionRecord struct {
	EventID   string    `json:"event_id"`
	RequestID string    `json:"request_id"`
	Position  int64     `json:"position"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type AssignResponse struct {
	RequestID      string `json:"request_id"`
	Position       int64  `json:"position"`
	ServingCounter int64  `json:"serving_counter"`
	EstimatedWait  int64  `json:"estimated_wait"`
}

type CheckResponse struct {
	Admitted       bool   `json:"admitted"`
	Position       int64  `json:"position"`
	ServingCounter int64  `json:"serving_counter"`
	TotalInQueue   int64  `json:"total_in_queue"`
	Ahead          int64  `json:"ahead"`
	EstimatedWait  int64  `json:"estimated_wait,omitempty"`
	NextPoll       int64  `json:"next_poll,omitempty"`
	Token          string `json:"token,omitempty"`
}

type StatusResponse struct {
	EventID      string `json:"event_id"`
	IsActive     bool   `json:"is_active"`
	TotalInQueue int64  `json:"total_in_queue"`
	Serving      int64  `json:"serving"`
	WaitingCount int64  `json:"waiting_count"`
}
