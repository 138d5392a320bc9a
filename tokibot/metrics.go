package tokibot

import (
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store metrics
var (
	metricStoreSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokibot_store_saves_total",
		Help: "Total number of JSON document saves",
	}, []string{"document", "result"})

	metricStoreCorruptLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokibot_store_corrupt_loads_total",
		Help: "Total number of loads that fell back to the default document",
	}, []string{"document"})
)

// Sanction metrics
var (
	metricSanctions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokibot_sanctions_total",
		Help: "Total number of sanction ledger changes",
	}, []string{"action"})

	metricSweepReversalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokibot_sweep_reversal_failures_total",
		Help: "Total number of per-guild unbans that failed during a sweep",
	})

	metricSweepsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokibot_sweeps_skipped_total",
		Help: "Total number of sweep ticks skipped because a sweep was already running",
	})

	metricSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokibot_sweep_duration_seconds",
		Help:    "Sanction sweep duration in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// Confession metrics
var (
	metricConfessionActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokibot_confession_actions_total",
		Help: "Total number of confession board actions",
	}, []string{"action"})

	metricConfessionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokibot_confession_rejections_total",
		Help: "Total number of rejected confession board requests",
	}, []string{"reason"})
)

// Discord metrics
var (
	metricInteractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokibot_discord_interactions_total",
		Help: "Total number of Discord interactions handled",
	}, []string{"type", "name"})

	metricDiscordConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokibot_discord_connected",
		Help: "Discord gateway connection state (1=connected, 0=disconnected)",
	})

	metricGuilds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokibot_discord_guilds",
		Help: "Number of guilds the bot is currently in",
	})

	metricWelcomes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokibot_discord_welcomes_total",
		Help: "Total number of welcome messages sent to new members",
	})
)

// rejectionReason returns a short metric label for an expected error.
func rejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBanned):
		return "banned"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// API metrics
var (
	metricAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokibot_api_requests_total",
		Help: "Total number of API requests",
	}, []string{"method", "path", "status"})
)
