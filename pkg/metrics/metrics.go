package metrics

import (
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type SaMetrics struct {
	Runs             metric.Int64Counter
	StateTransitions metric.Int64Counter
	PublishRetries   metric.Int64Counter
	PublishFailovers metric.Int64Counter
	BrokerRestarts   metric.Int64Counter
	Rollbacks        metric.Int64Counter
	StageDuration    metric.Float64Histogram
}

var (
	saMetrics     *SaMetrics
	saMetricsLock sync.Mutex
)

func GetSaMetrics() *SaMetrics {
	saMetricsLock.Lock()

	if saMetrics != nil {
		saMetricsLock.Unlock()
		return saMetrics
	}

	saMetrics = newSaMetrics()

	saMetricsLock.Unlock()
	return saMetrics
}

// GetBuildVersion is the module version the binary was built from.
func GetBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

var buildVersion string = GetBuildVersion()

func newSaMetrics() *SaMetrics {
	meter := otel.Meter(
		"io.ryedb.shardadmin",
		metric.WithInstrumentationVersion(buildVersion))

	runs, _ := meter.Int64Counter("shardadmin_runs_total")
	stateTransitions, _ := meter.Int64Counter("shardadmin_state_transitions_total")
	publishRetries, _ := meter.Int64Counter("shardadmin_publish_retries_total")
	publishFailovers, _ := meter.Int64Counter("shardadmin_publish_failovers_total")
	brokerRestarts, _ := meter.Int64Counter("shardadmin_broker_restarts_total")
	rollbacks, _ := meter.Int64Counter("shardadmin_rollbacks_total")
	stageDuration, _ := meter.Float64Histogram("shardadmin_stage_duration_seconds",
		metric.WithUnit("s"))

	return &SaMetrics{
		Runs:             runs,
		StateTransitions: stateTransitions,
		PublishRetries:   publishRetries,
		PublishFailovers: publishFailovers,
		BrokerRestarts:   brokerRestarts,
		Rollbacks:        rollbacks,
		StageDuration:    stageDuration,
	}
}
