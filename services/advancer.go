package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"vwr-system/config"
	"vwr-system/monitoring"
)

// TypeAdvanceServing is the asynq task type that triggers one advancement
// run. The scheduler fires it once per minute; the run subdivides the
// minute into sub-cycles for finer release granularity.
const TypeAdvanceServing = "vwr:advance"

// Advancer paces admission by periodically adding a fixed batch to every
// active event's serving counter. It must run as a single instance per
// deployment; overlap is safe behind the conditional guard but wasteful.
type Advancer struct {
	Ledger  *Ledger
	Config  *config.Config
	monitor *monitoring.Monitor
}

func NewAdvancer(ledger *Ledger, cfg *config.Config, monitor *monitoring.Monitor) *Advancer {
	return &Advancer{
		Ledger:  ledger,
		Config:  cfg,
		monitor: monitor,
	}
}

// HandleAdvanceTask is the asynq handler bound to TypeAdvanceServing.
func (a *Advancer) HandleAdvanceTask(ctx context.Context, _ *asynq.Task) error {
	return a.Run(ctx)
}

// Run executes the configured number of sub-cycles, sleeping between them
// so wall-clock cadence stays constant regardless of per-cycle work
// duration.
func (a *Advancer) Run(ctx context.Context) error {
	for i := 0; i < a.Config.AdvanceSubCycles; i++ {
		start := time.Now()
		a.runSubCycle(ctx)
		elapsed := time.Since(start)
		a.monitor.TrackAdvanceCycle(elapsed)

		if i == a.Config.AdvanceSubCycles-1 {
			break
		}

		if err := sleepRemainder(ctx, a.Config.SubCycleInterval-elapsed); err != nil {
			return err
		}
	}
	return nil
}

func (a *Advancer) runSubCycle(ctx context.Context) {
	events, err := a.Ledger.ActiveEvents(ctx)
	if err != nil {
		slog.Error("enumerate active events", "error", err)
		return
	}

	batch := int64(a.Config.ReleaseBatchSize)
	for _, eventID := range events {
		serving, err := a.Ledger.Advance(ctx, eventID, batch)
		switch {
		case err == nil:
			a.monitor.TrackAdvance(eventID, "advanced")
			slog.Info("serving counter advanced", "event_id", eventID, "serving", serving)
		case errors.Is(err, ErrQueueDrained):
			// Nobody left to release; the next sub-cycle will look again.
			a.monitor.TrackAdvance(eventID, "drained")
			slog.Debug("queue drained", "event_id", eventID)
		case errors.Is(err, ErrNotActive):
			a.monitor.TrackAdvance(eventID, "deactivated")
			slog.Debug("event deactivated mid-cycle", "event_id", eventID)
		default:
			a.monitor.TrackAdvance(eventID, "error")
			slog.Error("advance serving counter", "event_id", eventID, "error", err)
		}
	}
}

// sleepRemainder keeps cadence: sleep interval minus the work already done,
// clamped at zero, abandoning the wait on context cancellation.
func sleepRemainder(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
