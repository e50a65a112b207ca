package monitoring

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	assignOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vwr_assign_operations_total",
			Help: "Total position assignment attempts",
		},
		[]string{"event_id", "status"},
	)

	admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vwr_admissions_total",
			Help: "Total admissions granted per event",
		},
		[]string{"event_id"},
	)

	waitingCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vwr_waiting_total",
			Help: "Current number of waiting positions per event",
		},
		[]string{"event_id"},
	)

	servingCounter = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vwr_serving_counter",
			Help: "Current serving counter per event",
		},
		[]string{"event_id"},
	)

	advancerReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vwr_advancer_releases_total",
			Help: "Serving counter advancement outcomes",
		},
		[]string{"event_id", "outcome"},
	)

	advancerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vwr_advancer_cycle_seconds",
			Help:    "Duration of advancer sub-cycles",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	dispatchOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vwr_dispatch_operations_total",
			Help: "Work dispatch outcomes per action",
		},
		[]string{"action", "status"},
	)

	tokenVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vwr_token_verifications_total",
			Help: "Edge token verification outcomes",
		},
		[]string{"result"},
	)
)

type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.collectQueueMetrics(context.Background())
	}
}

func (m *Monitor) collectQueueMetrics(ctx context.Context) {
	events, err := m.redis.SMembers(ctx, "vwr:active_events").Result()
	if err != nil {
		return
	}

	for _, eventID := range events {
		fields, err := m.redis.HGetAll(ctx, "vwr:counter:"+eventID).Result()
		if err != nil || len(fields) == 0 {
			continue
		}

		nextPos, _ := strconv.ParseInt(fields["next_position"], 10, 64)
		serving, _ := strconv.ParseInt(fields["serving_counter"], 10, 64)

		servingCounter.WithLabelValues(eventID).Set(float64(serving))

		waiting := nextPos - serving
		if waiting < 0 {
			waiting = 0
		}
		waitingCount.WithLabelValues(eventID).Set(float64(waiting))
	}
}

// Track assignment attempts
func (m *Monitor) TrackAssign(eventID, status string) {
	assignOperations.WithLabelValues(eventID, status).Inc()
}

// Track granted admissions
func (m *Monitor) TrackAdmission(eventID string) {
	admissions.WithLabelValues(eventID).Inc()
}

// Track advancer outcomes (advanced, drained, deactivated, error)
func (m *Monitor) TrackAdvance(eventID, outcome string) {
	advancerReleases.WithLabelValues(eventID, outcome).Inc()
}

// Track sub-cycle duration
func (m *Monitor) TrackAdvanceCycle(duration time.Duration) {
	advancerCycleDuration.Observe(duration.Seconds())
}

// Track dispatch outcomes per action
func (m *Monitor) TrackDispatch(action, status string) {
	dispatchOperations.WithLabelValues(action, status).Inc()
}

// Track edge verification results
func (m *Monitor) TrackTokenVerification(result string) {
	tokenVerifications.WithLabelValues(result).Inc()
}
