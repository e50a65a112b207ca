package services

import "errors"

var (
	// ErrNotActive is returned when the waiting room is not active for the
	// event; callers fall back to no-waiting-room behavior.
	ErrNotActive = errors.New("vwr: waiting room not active")

	// ErrEventNotFound is returned when the event has no counter record at
	// all, distinct from an initialized-but-deactivated event.
	ErrEventNotFound = errors.New("vwr: event not found")

	// ErrPositionNotFound is returned when the position record is missing or
	// expired; the client must re-assign.
	ErrPositionNotFound = errors.New("vwr: position not found")

	// ErrQueueDrained means the serving counter already caught up with the
	// number of assigned positions. Expected during advancement, never
	// surfaced to clients.
	ErrQueueDrained = errors.New("vwr: queue drained")

	// ErrInvalidToken covers malformed structure, bad signature, wrong tier
	// and expiry. The edge filter treats it identically to a missing token.
	ErrInvalidToken = errors.New("vwr: invalid admission token")
)
