// Package metrics records rotation progress as Prometheus metrics, served by the
// status API and optionally pushed to a Pushgateway when the run ends.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"node-rotator/internal/rotation"
)

// Namespace prefixes every metric
const Namespace = "node_rotator"

const jobName = "node_rotator"

// Recorder is a rotation observer backed by its own registry
type Recorder struct {
	registry *prometheus.Registry

	phaseStarted     *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	nodesRotated     *prometheus.CounterVec
	rotations        *prometheus.CounterVec
	rotationDuration *prometheus.GaugeVec
	inProgress       *prometheus.GaugeVec

	mu         sync.Mutex
	phaseStart map[string]phaseTiming
	now        func() time.Time
}

type phaseTiming struct {
	phase rotation.Phase
	start time.Time
}

var _ rotation.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder with all metrics registered
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		phaseStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "phase_started_total",
			Help:      "Number of rotation phases started.",
		}, []string{"role", "phase"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each rotation phase.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"role", "phase"}),
		nodesRotated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "nodes_rotated_total",
			Help:      "Number of nodes terminated, by drain outcome.",
		}, []string{"role", "drain"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rotations_total",
			Help:      "Number of finished rotations, by result.",
		}, []string{"role", "result"}),
		rotationDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_rotation_duration_seconds",
			Help:      "Duration of the last completed rotation.",
		}, []string{"role"}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rotation_in_progress",
			Help:      "1 while a rotation of the role is running, 0 otherwise.",
		}, []string{"role"}),
		phaseStart: map[string]phaseTiming{},
		now:        time.Now,
	}
	r.registry.MustRegister(
		r.phaseStarted,
		r.phaseDuration,
		r.nodesRotated,
		r.rotations,
		r.rotationDuration,
		r.inProgress,
	)
	return r
}

// Registry exposes the recorder's registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) PhaseStarted(ctx context.Context, plan rotation.Plan, phase rotation.Phase) {
	r.closePhase(plan.Role)
	r.mu.Lock()
	r.phaseStart[plan.Role] = phaseTiming{phase: phase, start: r.now()}
	r.mu.Unlock()

	r.phaseStarted.WithLabelValues(plan.Role, string(phase)).Inc()
	r.inProgress.WithLabelValues(plan.Role).Set(1)
}

func (r *Recorder) NodeRotated(ctx context.Context, plan rotation.Plan, node rotation.NodeReport) {
	r.nodesRotated.WithLabelValues(plan.Role, node.Drain.String()).Inc()
}

func (r *Recorder) RotationCompleted(ctx context.Context, report rotation.Report) {
	role := report.Plan.Role
	r.closePhase(role)
	r.rotations.WithLabelValues(role, "completed").Inc()
	r.rotationDuration.WithLabelValues(role).Set(report.Duration().Seconds())
	r.inProgress.WithLabelValues(role).Set(0)
}

func (r *Recorder) RotationAborted(ctx context.Context, plan rotation.Plan, err *rotation.PhaseError) {
	r.closePhase(plan.Role)
	r.rotations.WithLabelValues(plan.Role, "aborted").Inc()
	r.inProgress.WithLabelValues(plan.Role).Set(0)
}

func (r *Recorder) closePhase(role string) {
	r.mu.Lock()
	timing, ok := r.phaseStart[role]
	delete(r.phaseStart, role)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.phaseDuration.WithLabelValues(role, string(timing.phase)).Observe(r.now().Sub(timing.start).Seconds())
}

// Push sends the registry to a Pushgateway, grouped by marker
func (r *Recorder) Push(ctx context.Context, url, marker string) error {
	pusher := push.New(url, jobName).Gatherer(r.registry)
	if marker != "" {
		pusher = pusher.Grouping("marker", marker)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
