package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTableEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "natsim",
		Subsystem: "table",
		Name:      "entries",
		Help:      "Current number of entries in the translation table",
	})
	metricTranslations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natsim",
		Subsystem: "table",
		Name:      "translations_total",
		Help:      "Total number of translations, per origin (simulator/user) and outcome (created/refreshed)",
	}, []string{"origin", "outcome"})
	metricExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "natsim",
		Subsystem: "table",
		Name:      "expired_total",
		Help:      "Total number of entries removed after their TTL ran out",
	})

	metricSimSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natsim",
		Subsystem: "simulator",
		Name:      "steps_total",
		Help:      "Total number of simulator steps, per path (new/reuse)",
	}, []string{"path"})
	metricSimSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "natsim",
		Subsystem: "simulator",
		Name:      "active_sessions",
		Help:      "Current number of sessions eligible for reuse",
	})

	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natsim",
		Subsystem: "engine",
		Name:      "rejected_translations_total",
		Help:      "Total number of rejected user translations, per reason",
	}, []string{"reason"})
	metricTickFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natsim",
		Subsystem: "engine",
		Name:      "tick_failures_total",
		Help:      "Total number of failed ticks, per stage (maintenance/traffic)",
	}, []string{"stage"})
)

const (
	metricOriginSimulator = "simulator"
	metricOriginUser      = "user"

	metricOutcomeCreated   = "created"
	metricOutcomeRefreshed = "refreshed"

	metricStageMaintenance = "maintenance"
	metricStageTraffic     = "traffic"

	metricReasonAddressFormat = "invalid_address"
	metricReasonPortRange     = "port_out_of_range"
	metricReasonExhausted     = "allocation_exhausted"
	metricReasonInvalidTTL    = "invalid_ttl"
	metricReasonStorage       = "storage"
)

func outcome(created bool) string {
	if created {
		return metricOutcomeCreated
	}
	return metricOutcomeRefreshed
}
