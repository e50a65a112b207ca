package models

const (
	ActionSeatReserve       = "seat_reserve"
	ActionReservationCreate = "reservation_create"
	ActionAdmitted          = "admitted"
)

// ReservationItem is a single line of a reservation_create action.
type ReservationItem struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

// DispatchMessage is the payload carried on the work dispatch stream. The
// entry token is forwarded so the backend can independently re-verify that
// the user passed the waiting room.
type DispatchMessage struct {
	Action     string            `json:"action"`
	EventID    string            `json:"event_id"`
	UserID     string            `json:"user_id"`
	SeatIDs    []string          `json:"seat_ids,omitempty"`
	Items      []ReservationItem `json:"items,omitempty"`
	EntryToken string            `json:"entry_token,omitempty"`
}

type BatchItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// BatchResult reports only the failed message identifiers back to the queue
// runtime; successfully processed identifiers are omitted entirely so the
// queue redelivers nothing but the failures.
type BatchResult struct {
	BatchItemFailures []BatchItemFailure `json:"batchItemFailures"`
}
