package state

import (
	"context"
	"sync"
	"time"

	"node-rotator/internal/rotation"
)

// Status values reported in a snapshot
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// NodeSnapshot is one retired node as shown in a snapshot
type NodeSnapshot struct {
	Node       string `json:"node"`
	InstanceID string `json:"instance_id"`
	Drain      string `json:"drain"`
	DrainError string `json:"drain_error,omitempty"`
}

// Snapshot is a point-in-time copy of the tracker
type Snapshot struct {
	Status           string         `json:"status"`
	Role             string         `json:"role,omitempty"`
	Marker           string         `json:"marker,omitempty"`
	Group            string         `json:"group,omitempty"`
	OriginalCapacity int32          `json:"original_capacity,omitempty"`
	CohortSize       int            `json:"cohort_size"`
	Resumed          bool           `json:"resumed"`
	Phase            string         `json:"phase,omitempty"`
	Nodes            []NodeSnapshot `json:"nodes"`
	Completed        []string       `json:"completed_roles"`
	StartedAt        time.Time      `json:"started_at,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Tracker follows rotation progress. It is safe for concurrent readers.
type Tracker struct {
	mu        sync.RWMutex
	status    string
	plan      rotation.Plan
	phase     rotation.Phase
	nodes     []NodeSnapshot
	completed []string
	startedAt time.Time
	lastError string
	now       func() time.Time
}

var _ rotation.Observer = (*Tracker)(nil)

// NewTracker creates an idle tracker
func NewTracker() *Tracker {
	return &Tracker{
		status: StatusIdle,
		now:    time.Now,
	}
}

func (t *Tracker) PhaseStarted(ctx context.Context, plan rotation.Plan, phase rotation.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning || t.plan.Role != plan.Role || t.plan.Marker != plan.Marker {
		t.status = StatusRunning
		t.nodes = nil
		t.startedAt = t.now()
		t.lastError = ""
	}
	t.plan = plan
	t.phase = phase
}

func (t *Tracker) NodeRotated(ctx context.Context, plan rotation.Plan, node rotation.NodeReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plan = plan
	t.nodes = append(t.nodes, NodeSnapshot{
		Node:       node.Node,
		InstanceID: node.InstanceID,
		Drain:      node.Drain.String(),
		DrainError: node.DrainError,
	})
}

func (t *Tracker) RotationCompleted(ctx context.Context, report rotation.Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusCompleted
	t.plan = report.Plan
	t.phase = ""
	t.completed = append(t.completed, report.Plan.Role)
}

func (t *Tracker) RotationAborted(ctx context.Context, plan rotation.Plan, err *rotation.PhaseError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusFailed
	t.plan = plan
	t.phase = err.Phase
	t.lastError = err.Error()
}

// Status returns the current status
func (t *Tracker) Status() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// GetSnapshot returns a copy of the current state
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]NodeSnapshot, len(t.nodes))
	copy(nodes, t.nodes)
	completed := make([]string, len(t.completed))
	copy(completed, t.completed)

	return Snapshot{
		Status:           t.status,
		Role:             t.plan.Role,
		Marker:           t.plan.Marker,
		Group:            t.plan.Group,
		OriginalCapacity: t.plan.OriginalCapacity,
		CohortSize:       t.plan.CohortSize,
		Resumed:          t.plan.Resumed,
		Phase:            string(t.phase),
		Nodes:            nodes,
		Completed:        completed,
		StartedAt:        t.startedAt,
		LastError:        t.lastError,
		Timestamp:        t.now(),
	}
}
