// Package metrics records gateway activity.
//
// Counters are kept twice: as lock-free atomics for in-process queries (the
// CLI summary, tests) and as Prometheus collectors for the /metrics endpoint.
// All methods are nil-safe and safe for concurrent use.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gofhir/gateway/pkg/issue"
)

const namespace = "fhir_gateway"

// Validation outcomes used as the "outcome" label.
const (
	OutcomeValid   = "valid"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// Metrics tracks validations, issues and artifact loads.
type Metrics struct {
	validationsTotal    atomic.Uint64
	validationsValid    atomic.Uint64
	validationsFailed   atomic.Uint64
	validationTimeTotal atomic.Uint64
	validationTimeMax   atomic.Uint64

	errorsTotal   atomic.Uint64
	warningsTotal atomic.Uint64
	infosTotal    atomic.Uint64

	profileLoads        atomic.Uint64
	profileLoadFailures atomic.Uint64

	validations     *prometheus.CounterVec
	validationTime  prometheus.Histogram
	issues          *prometheus.CounterVec
	profileLoadsVec *prometheus.CounterVec
	structures      prometheus.Gauge
	resourceTypes   prometheus.Gauge
}

// New creates Metrics whose collectors are registered with reg. A nil reg
// keeps the collectors unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Validations by outcome",
		}, []string{"outcome"}),

		validationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Duration of resource validations",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		issues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_total",
			Help:      "Reported issues by severity",
		}, []string{"severity"}),

		profileLoadsVec: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_loads_total",
			Help:      "Runtime profile loads by result",
		}, []string{"result"}),

		structures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "structure_definitions",
			Help:      "StructureDefinitions in the current artifact snapshot",
		}),

		resourceTypes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_types",
			Help:      "Concrete resource types in the current artifact snapshot",
		}),
	}
}

// RecordValidation records a completed validation. A nil result counts as a
// failure.
func (m *Metrics) RecordValidation(result *issue.Result, duration time.Duration) {
	if m == nil {
		return
	}
	m.validationsTotal.Add(1)
	ns := uint64(duration.Nanoseconds()) //nolint:gosec // durations are positive
	m.validationTimeTotal.Add(ns)
	for {
		old := m.validationTimeMax.Load()
		if ns <= old || m.validationTimeMax.CompareAndSwap(old, ns) {
			break
		}
	}
	m.validationTime.Observe(duration.Seconds())

	if result == nil {
		m.validationsFailed.Add(1)
		m.validations.WithLabelValues(OutcomeFailed).Inc()
		return
	}

	if !result.HasErrors() {
		m.validationsValid.Add(1)
		m.validations.WithLabelValues(OutcomeValid).Inc()
	} else {
		m.validations.WithLabelValues(OutcomeInvalid).Inc()
	}
	for _, iss := range result.Issues {
		m.RecordIssue(iss.Severity)
	}
}

// RecordIssue records an issue based on severity.
func (m *Metrics) RecordIssue(severity issue.Severity) {
	if m == nil {
		return
	}
	switch severity {
	case issue.SeverityError, issue.SeverityFatal:
		m.errorsTotal.Add(1)
	case issue.SeverityWarning:
		m.warningsTotal.Add(1)
	case issue.SeverityInformation:
		m.infosTotal.Add(1)
	default:
		return
	}
	m.issues.WithLabelValues(string(severity)).Inc()
}

// RecordProfileLoad records the result of a runtime profile load.
func (m *Metrics) RecordProfileLoad(err error) {
	if m == nil {
		return
	}
	m.profileLoads.Add(1)
	if err != nil {
		m.profileLoadFailures.Add(1)
		m.profileLoadsVec.WithLabelValues("error").Inc()
		return
	}
	m.profileLoadsVec.WithLabelValues("ok").Inc()
}

// SetArtifactCounts publishes the size of the current artifact snapshot.
func (m *Metrics) SetArtifactCounts(structures, resourceTypes int) {
	if m == nil {
		return
	}
	m.structures.Set(float64(structures))
	m.resourceTypes.Set(float64(resourceTypes))
}

// ValidationsTotal returns the total number of validations performed.
func (m *Metrics) ValidationsTotal() uint64 {
	if m == nil {
		return 0
	}
	return m.validationsTotal.Load()
}

// ValidationsValid returns the number of validations without errors.
func (m *Metrics) ValidationsValid() uint64 {
	if m == nil {
		return 0
	}
	return m.validationsValid.Load()
}

// ValidationsFailed returns the number of validations that could not run.
func (m *Metrics) ValidationsFailed() uint64 {
	if m == nil {
		return 0
	}
	return m.validationsFailed.Load()
}

// ValidationRate returns the share of valid validations (0.0 to 1.0).
func (m *Metrics) ValidationRate() float64 {
	total := m.ValidationsTotal()
	if total == 0 {
		return 0
	}
	return float64(m.ValidationsValid()) / float64(total)
}

// AverageValidationTime returns the average validation duration.
func (m *Metrics) AverageValidationTime() time.Duration {
	total := m.ValidationsTotal()
	if total == 0 {
		return 0
	}
	return time.Duration(m.validationTimeTotal.Load() / total) //nolint:gosec // nanoseconds within int64
}

// MaxValidationTime returns the maximum validation duration.
func (m *Metrics) MaxValidationTime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Duration(m.validationTimeMax.Load()) //nolint:gosec // nanoseconds within int64
}

// ErrorsTotal returns the total error and fatal issues.
func (m *Metrics) ErrorsTotal() uint64 {
	if m == nil {
		return 0
	}
	return m.errorsTotal.Load()
}

// WarningsTotal returns the total warning issues.
func (m *Metrics) WarningsTotal() uint64 {
	if m == nil {
		return 0
	}
	return m.warningsTotal.Load()
}

// InfosTotal returns the total informational issues.
func (m *Metrics) InfosTotal() uint64 {
	if m == nil {
		return 0
	}
	return m.infosTotal.Load()
}

// ProfileLoads returns the number of profile loads and how many failed.
func (m *Metrics) ProfileLoads() (total, failed uint64) {
	if m == nil {
		return 0, 0
	}
	return m.profileLoads.Load(), m.profileLoadFailures.Load()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ValidationsTotal  uint64
	ValidationsValid  uint64
	ValidationsFailed uint64
	ValidationRate    float64
	AvgValidationTime time.Duration
	MaxValidationTime time.Duration
	ErrorsTotal       uint64
	WarningsTotal     uint64
	InfosTotal        uint64
	ProfileLoads      uint64
	ProfileLoadErrors uint64
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	loads, failed := m.ProfileLoads()
	return Snapshot{
		ValidationsTotal:  m.ValidationsTotal(),
		ValidationsValid:  m.ValidationsValid(),
		ValidationsFailed: m.ValidationsFailed(),
		ValidationRate:    m.ValidationRate(),
		AvgValidationTime: m.AverageValidationTime(),
		MaxValidationTime: m.MaxValidationTime(),
		ErrorsTotal:       m.ErrorsTotal(),
		WarningsTotal:     m.WarningsTotal(),
		InfosTotal:        m.InfosTotal(),
		ProfileLoads:      loads,
		ProfileLoadErrors: failed,
	}
}
