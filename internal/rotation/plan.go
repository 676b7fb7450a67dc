package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"node-rotator/internal/kubernetes/nodes"
)

// Phase names a step of the rotation state machine
type Phase string

const (
	PhaseSelectAndLabel           Phase = "select-and-label"
	PhaseResolveGroup             Phase = "resolve-group"
	PhaseExpand                   Phase = "expand"
	PhaseAwaitReplacementCapacity Phase = "await-replacement-capacity"
	PhaseSuspendProcesses         Phase = "suspend-processes"
	PhaseDrainAndTerminate        Phase = "drain-and-terminate"
	PhaseRestoreCapacity          Phase = "restore-capacity"
	PhaseAwaitConvergence         Phase = "await-convergence"
	PhaseResumeProcesses          Phase = "resume-processes"
)

// Phases lists every phase in execution order
var Phases = []Phase{
	PhaseSelectAndLabel,
	PhaseResolveGroup,
	PhaseExpand,
	PhaseAwaitReplacementCapacity,
	PhaseSuspendProcesses,
	PhaseDrainAndTerminate,
	PhaseRestoreCapacity,
	PhaseAwaitConvergence,
	PhaseResumeProcesses,
}

// Tags written on the group while a rotation is in flight. They let a resume
// find the group and its original size after the whole cohort is gone.
const (
	TagMarker           = "node-rotator/marker"
	TagRole             = "node-rotator/role"
	TagOriginalCapacity = "node-rotator/original-capacity"
)

var (
	// ErrEmptyCohort is returned when a role has no nodes to rotate
	ErrEmptyCohort = errors.New("no nodes to rotate")
	// ErrInvalidResume is returned when a resume lacks a single role or a marker
	ErrInvalidResume = errors.New("resume requires a single role and a marker")
	// ErrPlanNotFound is returned when a resume cannot locate the group of a marker
	ErrPlanNotFound = errors.New("rotation plan not found")
)

// PhaseError is returned when a rotation stops. Side effects of earlier
// phases stay in place.
type PhaseError struct {
	Phase   Phase
	Role    string
	Marker  string
	Resumed bool
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("rotation of %s nodes (marker %s) failed in phase %s: %v", e.Role, e.Marker, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Resumable reports whether the replacement capacity was confirmed before the
// failure, which is what makes a resume from the drain phase safe. Earlier
// failures are retried with a fresh rotation.
func (e *PhaseError) Resumable() bool {
	return e.Resumed || phaseIndex(e.Phase) >= phaseIndex(PhaseSuspendProcesses)
}

func phaseIndex(p Phase) int {
	for i, phase := range Phases {
		if phase == p {
			return i
		}
	}
	return -1
}

// Plan identifies one rotation. It can be rebuilt from Role and Marker.
type Plan struct {
	Role             string
	Marker           string
	Group            string
	OriginalCapacity int32
	CohortSize       int
	Resumed          bool
}

// NodeReport records what happened to one retired node
type NodeReport struct {
	Node       string
	InstanceID string
	Drain      nodes.DrainOutcome
	DrainError string
	// AlreadyTerminated is set when a resumed rotation found the node's
	// instance terminated by an earlier attempt
	AlreadyTerminated bool
}

// Report summarises a finished rotation
type Report struct {
	Plan     Plan
	Nodes    []NodeReport
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the rotation took
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Observer is notified of rotation progress. Implementations must not block
// for long; their failures never affect the rotation.
type Observer interface {
	PhaseStarted(ctx context.Context, plan Plan, phase Phase)
	NodeRotated(ctx context.Context, plan Plan, node NodeReport)
	RotationCompleted(ctx context.Context, report Report)
	RotationAborted(ctx context.Context, plan Plan, err *PhaseError)
}

// Observers fans notifications out to several observers in order
type Observers []Observer

func (o Observers) PhaseStarted(ctx context.Context, plan Plan, phase Phase) {
	for _, obs := range o {
		obs.PhaseStarted(ctx, plan, phase)
	}
}

func (o Observers) NodeRotated(ctx context.Context, plan Plan, node NodeReport) {
	for _, obs := range o {
		obs.NodeRotated(ctx, plan, node)
	}
}

func (o Observers) RotationCompleted(ctx context.Context, report Report) {
	for _, obs := range o {
		obs.RotationCompleted(ctx, report)
	}
}

func (o Observers) RotationAborted(ctx context.Context, plan Plan, err *PhaseError) {
	for _, obs := range o {
		obs.RotationAborted(ctx, plan, err)
	}
}
