package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnha_operations_total",
			Help: "Total number of failover operations by mode and result",
		},
		[]string{"mode", "result"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnha_operation_duration_seconds",
			Help:    "Failover operation duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"mode"},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnha_rollbacks_total",
			Help: "Total number of rollbacks triggered by stage failures",
		},
	)

	// RoleActive is 1 when the last operation left this node holding the role
	RoleActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mnha_role_active",
			Help: "Whether this node holds the controller role (1 = active, 0 = standby)",
		},
	)

	// Stage metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnha_stage_duration_seconds",
			Help:    "Failover stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	StageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnha_stage_failures_total",
			Help: "Total number of failed stages",
		},
		[]string{"stage"},
	)

	// Executor metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnha_command_attempts_total",
			Help: "Total number of external command attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(RoleActive)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageFailuresTotal)
	prometheus.MustRegister(CommandsTotal)
}

// WriteTextfile writes the default registry in the node_exporter textfile
// format. The write is atomic.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
