// Package rotation replaces the instances behind a node role. It over
// provisions the auto scaling group, waits for replacements to join the
// cluster, drains and terminates the retiring cohort one node at a time and
// shrinks the group back, so capacity never drops below its original size.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"node-rotator/internal/cloud/asg"
	"node-rotator/internal/config"
	"node-rotator/internal/kubernetes/nodes"
	"node-rotator/internal/logger"
	"node-rotator/internal/poll"
	"node-rotator/internal/resolver"
)

// NodeClient is the cluster side of a rotation
type NodeClient interface {
	ListByRole(ctx context.Context, role string) ([]nodes.Node, error)
	ListCohort(ctx context.Context, role, marker string) ([]nodes.Node, error)
	LabelNode(ctx context.Context, name, marker string) error
	Cordon(ctx context.Context, name string) error
	Drain(ctx context.Context, name string, timeout time.Duration) nodes.DrainResult
	CountReady(ctx context.Context, role, marker string) (int, error)
}

// GroupClient is the auto scaling side of a rotation
type GroupClient interface {
	DescribeGroup(ctx context.Context, name string) (*asg.Group, error)
	FindGroupsByTag(ctx context.Context, key, value string) ([]*asg.Group, error)
	SetCapacity(ctx context.Context, name string, desired, max int32) error
	SuspendProcesses(ctx context.Context, name string, processes []string) error
	ResumeProcesses(ctx context.Context, name string, processes []string) error
	InstanceCount(ctx context.Context, name string) (int, error)
	TagGroup(ctx context.Context, name string, tags map[string]string) error
	UntagGroup(ctx context.Context, name string, keys ...string) error
}

// InstanceResolver maps nodes to instances and instances to groups
type InstanceResolver interface {
	ResolveInstance(ctx context.Context, node nodes.Node) (string, error)
	ResolveRetiredInstance(ctx context.Context, node nodes.Node) (string, error)
	ResolveGroup(ctx context.Context, instanceID string) (*asg.Group, error)
	ResolveNodeGroup(ctx context.Context, node nodes.Node) (*asg.Group, error)
}

// Terminator terminates instances
type Terminator interface {
	Terminate(ctx context.Context, instanceID string) error
}

// Deps are the clients a Rotator drives
type Deps struct {
	Nodes      NodeClient
	Groups     GroupClient
	Resolver   InstanceResolver
	Terminator Terminator
}

// Settings tune the waits of a rotation
type Settings struct {
	DrainTimeout time.Duration
	PollInterval time.Duration
	SettleDelay  time.Duration
	// Now is the clock used to mint markers; time.Now when nil
	Now func() time.Time
}

// DefaultSettings match the defaults of the configuration file
var DefaultSettings = Settings{
	DrainTimeout: 300 * time.Second,
	PollInterval: 32 * time.Second,
	SettleDelay:  60 * time.Second,
}

// Rotator runs rotations. It is not safe for concurrent rotations.
type Rotator struct {
	deps      Deps
	settings  Settings
	observers Observers
	logger    *logger.Logger
}

// New creates a Rotator
func New(deps Deps, settings Settings, log *logger.Logger, observers ...Observer) *Rotator {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if log == nil {
		log = logger.NewDefault("rotation")
	}
	return &Rotator{deps: deps, settings: settings, observers: observers, logger: log}
}

// NewMarker mints a retirement marker from t: decimal Unix seconds, which is
// a valid label value.
func NewMarker(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

type rotationRun struct {
	plan   Plan
	cohort []nodes.Node
	report Report
	log    *logger.Logger
}

// Rotate replaces every node of role
func (r *Rotator) Rotate(ctx context.Context, role string) (*Report, error) {
	now := r.settings.Now()
	run := &rotationRun{
		plan:   Plan{Role: role, Marker: NewMarker(now)},
		report: Report{Started: now},
	}
	run.log = r.logger.WithFields("role", role, "marker", run.plan.Marker)
	run.log.Info("Starting rotation")

	steps := []struct {
		phase Phase
		fn    func(context.Context, *rotationRun) error
	}{
		{PhaseSelectAndLabel, r.selectAndLabel},
		{PhaseResolveGroup, r.resolveGroup},
		{PhaseExpand, r.expand},
		{PhaseAwaitReplacementCapacity, r.awaitReplacementCapacity},
		{PhaseSuspendProcesses, r.suspendProcesses},
	}
	for _, s := range steps {
		if err := r.runPhase(ctx, run, s.phase, s.fn); err != nil {
			return nil, err
		}
	}
	return r.finish(ctx, run)
}

// Resume continues an interrupted rotation from the drain phase. The plan is
// rebuilt from role and marker; no node outside the marked cohort is touched.
func (r *Rotator) Resume(ctx context.Context, role, marker string) (*Report, error) {
	if role == "" || role == config.RoleBoth || marker == "" {
		return nil, ErrInvalidResume
	}

	run := &rotationRun{
		plan:   Plan{Role: role, Marker: marker, Resumed: true},
		report: Report{Started: r.settings.Now()},
	}
	run.log = r.logger.WithFields("role", role, "marker", marker)
	run.log.Info("Resuming rotation")

	if err := r.runPhase(ctx, run, PhaseResolveGroup, r.reconstruct); err != nil {
		return nil, err
	}
	return r.finish(ctx, run)
}

// RotateRoles rotates each role in order and stops at the first failure
func (r *Rotator) RotateRoles(ctx context.Context, roles []string) ([]*Report, error) {
	reports := make([]*Report, 0, len(roles))
	for _, role := range roles {
		report, err := r.Rotate(ctx, role)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *Rotator) finish(ctx context.Context, run *rotationRun) (*Report, error) {
	steps := []struct {
		phase Phase
		fn    func(context.Context, *rotationRun) error
	}{
		{PhaseDrainAndTerminate, r.drainAndTerminate},
		{PhaseRestoreCapacity, r.restoreCapacity},
		{PhaseAwaitConvergence, r.awaitConvergence},
		{PhaseResumeProcesses, r.resumeProcesses},
	}
	for _, s := range steps {
		if err := r.runPhase(ctx, run, s.phase, s.fn); err != nil {
			return nil, err
		}
	}

	run.report.Plan = run.plan
	run.report.Finished = r.settings.Now()
	run.log.LogRotationComplete(run.plan.Role, run.plan.Marker, len(run.report.Nodes), run.report.Duration())
	r.observers.RotationCompleted(ctx, run.report)
	return &run.report, nil
}

func (r *Rotator) runPhase(ctx context.Context, run *rotationRun, phase Phase, fn func(context.Context, *rotationRun) error) error {
	run.log.LogPhaseStart(run.plan.Role, string(phase), run.plan.Marker)
	r.observers.PhaseStarted(ctx, run.plan, phase)

	err := fn(ctx, run)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		return nil
	}

	perr := &PhaseError{Phase: phase, Role: run.plan.Role, Marker: run.plan.Marker, Resumed: run.plan.Resumed, Err: err}
	run.log.LogError("rotation", err,
		"phase", string(phase),
		"group", run.plan.Group,
	)
	r.observers.RotationAborted(ctx, run.plan, perr)
	return perr
}

// Phase 1: mark and cordon every node of the role.
func (r *Rotator) selectAndLabel(ctx context.Context, run *rotationRun) error {
	if run.plan.Role == "" {
		return errors.New("role must not be empty")
	}

	cohort, err := r.deps.Nodes.ListByRole(ctx, run.plan.Role)
	if err != nil {
		return err
	}
	if len(cohort) == 0 {
		return ErrEmptyCohort
	}

	for _, n := range cohort {
		if err := r.deps.Nodes.LabelNode(ctx, n.Name, run.plan.Marker); err != nil {
			return err
		}
		if err := r.deps.Nodes.Cordon(ctx, n.Name); err != nil {
			return err
		}
		n.Marker = run.plan.Marker
		n.Schedulable = false
		run.cohort = append(run.cohort, n)
	}

	run.plan.CohortSize = len(run.cohort)
	run.log.Info("Labelled and cordoned cohort", "cohort_size", len(run.cohort))
	return nil
}

// Phase 2: find the group through the first node of the cohort.
func (r *Rotator) resolveGroup(ctx context.Context, run *rotationRun) error {
	group, err := r.deps.Resolver.ResolveNodeGroup(ctx, run.cohort[0])
	if err != nil {
		return err
	}
	if group.DesiredCapacity < 1 {
		return fmt.Errorf("group %s has desired capacity %d", group.Name, group.DesiredCapacity)
	}

	run.plan.Group = group.Name
	run.plan.OriginalCapacity = group.DesiredCapacity
	run.log = run.log.WithFields("group", group.Name)
	run.log.Info("Resolved node group",
		"original_capacity", group.DesiredCapacity,
		"max_size", group.MaxSize,
	)
	return nil
}

// Phase 3: record the plan on the group and double it.
func (r *Rotator) expand(ctx context.Context, run *rotationRun) error {
	tags := map[string]string{
		TagMarker:           run.plan.Marker,
		TagRole:             run.plan.Role,
		TagOriginalCapacity: strconv.Itoa(int(run.plan.OriginalCapacity)),
	}
	if err := r.deps.Groups.TagGroup(ctx, run.plan.Group, tags); err != nil {
		return err
	}

	expanded := 2 * run.plan.OriginalCapacity
	return r.deps.Groups.SetCapacity(ctx, run.plan.Group, expanded, expanded)
}

// Phase 4: wait until enough unmarked nodes are Ready. There is no timeout;
// the operator interrupts a rotation that never converges.
func (r *Rotator) awaitReplacementCapacity(ctx context.Context, run *rotationRun) error {
	want := int(run.plan.OriginalCapacity)
	return poll.Until(ctx, r.settings.PollInterval, 0, func(ctx context.Context) (bool, error) {
		ready, err := r.deps.Nodes.CountReady(ctx, run.plan.Role, run.plan.Marker)
		if err != nil {
			return false, err
		}
		run.log.Info("Waiting for replacement nodes", "ready", ready, "required", want)
		return ready >= want, nil
	})
}

// Phase 5
func (r *Rotator) suspendProcesses(ctx context.Context, run *rotationRun) error {
	return r.deps.Groups.SuspendProcesses(ctx, run.plan.Group, asg.RotationProcesses)
}

// Phase 6: drain and terminate the cohort strictly one node at a time. A
// drain that times out or fails does not stop the node from being
// terminated; an instance that cannot be resolved stops the rotation.
func (r *Rotator) drainAndTerminate(ctx context.Context, run *rotationRun) error {
	cohort, err := r.deps.Nodes.ListCohort(ctx, run.plan.Role, run.plan.Marker)
	if err != nil {
		return err
	}
	if run.plan.Resumed {
		run.plan.CohortSize = len(cohort)
	}
	run.log.Info("Retiring cohort", "cohort_size", len(cohort))

	for i, n := range cohort {
		nodeLog := run.log.WithFields("node", n.Name, "position", i+1, "of", len(cohort))

		// A resumed rotation can meet nodes whose instance an earlier attempt
		// already terminated; their node objects linger until deleted.
		var instanceID string
		if run.plan.Resumed {
			id, retired, err := r.resolveForResume(ctx, n)
			if err != nil {
				return err
			}
			if retired {
				report := NodeReport{Node: n.Name, InstanceID: id, Drain: nodes.DrainSkipped, AlreadyTerminated: true}
				nodeLog.Info("Instance already terminated, skipping node", "instance_id", id)
				run.report.Nodes = append(run.report.Nodes, report)
				r.observers.NodeRotated(ctx, run.plan, report)
				continue
			}
			instanceID = id
		}

		result := r.deps.Nodes.Drain(ctx, n.Name, r.settings.DrainTimeout)
		if err := ctx.Err(); err != nil {
			return err
		}
		report := NodeReport{Node: n.Name, Drain: result.Outcome}
		switch result.Outcome {
		case nodes.DrainTimedOut:
			report.DrainError = errString(result.Err)
			nodeLog.Warn("Drain timed out, terminating anyway", "timeout", r.settings.DrainTimeout, "error", result.Err)
		case nodes.DrainFailed:
			report.DrainError = errString(result.Err)
			nodeLog.Error("Drain failed, terminating anyway", "error", result.Err)
		}

		if instanceID == "" {
			if instanceID, err = r.deps.Resolver.ResolveInstance(ctx, n); err != nil {
				return err
			}
		}
		if err := r.deps.Terminator.Terminate(ctx, instanceID); err != nil {
			return err
		}
		report.InstanceID = instanceID
		nodeLog.Info("Node retired", "instance_id", instanceID, "drain", result.Outcome.String())

		run.report.Nodes = append(run.report.Nodes, report)
		r.observers.NodeRotated(ctx, run.plan, report)
	}
	return nil
}

// resolveForResume resolves the live instance of a cohort node and, when
// there is none, the instance an earlier attempt terminated. retired is true
// in the second case. No match or an ambiguous match in both lookups is an
// error.
func (r *Rotator) resolveForResume(ctx context.Context, n nodes.Node) (id string, retired bool, err error) {
	id, err = r.deps.Resolver.ResolveInstance(ctx, n)
	if !errors.Is(err, resolver.ErrNotFound) {
		return id, false, err
	}
	id, err = r.deps.Resolver.ResolveRetiredInstance(ctx, n)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Phase 7
func (r *Rotator) restoreCapacity(ctx context.Context, run *rotationRun) error {
	original := run.plan.OriginalCapacity
	return r.deps.Groups.SetCapacity(ctx, run.plan.Group, original, original)
}

// Phase 8: give the group time to register terminations, then wait until it
// holds exactly the original number of live instances.
func (r *Rotator) awaitConvergence(ctx context.Context, run *rotationRun) error {
	if err := poll.Sleep(ctx, r.settings.SettleDelay); err != nil {
		return err
	}
	want := int(run.plan.OriginalCapacity)
	return poll.Until(ctx, r.settings.PollInterval, 0, func(ctx context.Context) (bool, error) {
		count, err := r.deps.Groups.InstanceCount(ctx, run.plan.Group)
		if err != nil {
			return false, err
		}
		run.log.Info("Waiting for group to converge", "instances", count, "target", want)
		return count == want, nil
	})
}

// Phase 9: resume what phase 5 suspended, then drop the plan tags.
func (r *Rotator) resumeProcesses(ctx context.Context, run *rotationRun) error {
	if err := r.deps.Groups.ResumeProcesses(ctx, run.plan.Group, asg.RotationProcesses); err != nil {
		return err
	}
	if err := r.deps.Groups.UntagGroup(ctx, run.plan.Group, TagMarker, TagRole, TagOriginalCapacity); err != nil {
		run.log.Warn("Failed to remove rotation tags from group", "error", err)
	}
	return nil
}

// reconstruct rebuilds the plan of an interrupted rotation. The group comes
// from the first remaining cohort node still in a group, or from the marker
// tag once no such node is left. The original capacity comes from the tag,
// or is half the current desired capacity of the expanded group.
func (r *Rotator) reconstruct(ctx context.Context, run *rotationRun) error {
	cohort, err := r.deps.Nodes.ListCohort(ctx, run.plan.Role, run.plan.Marker)
	if err != nil {
		return err
	}

	group, err := r.groupFromCohort(ctx, run, cohort)
	if err != nil {
		return err
	}
	if group == nil {
		groups, err := r.deps.Groups.FindGroupsByTag(ctx, TagMarker, run.plan.Marker)
		if err != nil {
			return err
		}
		if len(groups) != 1 {
			return fmt.Errorf("%w: %d groups tagged %s=%s and no cohort node is still in a group", ErrPlanNotFound, len(groups), TagMarker, run.plan.Marker)
		}
		group = groups[0]
	}

	original, err := originalCapacity(group, run.plan.Marker)
	if err != nil {
		return err
	}

	run.plan.Group = group.Name
	run.plan.OriginalCapacity = original
	run.plan.CohortSize = len(cohort)
	run.log = run.log.WithFields("group", group.Name)
	run.log.Info("Reconstructed rotation plan",
		"original_capacity", original,
		"remaining_cohort", len(cohort),
	)
	return nil
}

// groupFromCohort returns the group of the first cohort node whose instance
// is still live. When every remaining node was already terminated it tries
// the group of the first terminated instance, and returns nil if that has
// left its group too.
func (r *Rotator) groupFromCohort(ctx context.Context, run *rotationRun, cohort []nodes.Node) (*asg.Group, error) {
	var retiredID string
	for _, n := range cohort {
		id, retired, err := r.resolveForResume(ctx, n)
		if err != nil {
			return nil, err
		}
		if !retired {
			return r.deps.Resolver.ResolveGroup(ctx, id)
		}
		run.log.Debug("Cohort node already terminated", "node", n.Name, "instance_id", id)
		if retiredID == "" {
			retiredID = id
		}
	}
	if retiredID == "" {
		return nil, nil
	}
	group, err := r.deps.Resolver.ResolveGroup(ctx, retiredID)
	if errors.Is(err, resolver.ErrNotFound) {
		return nil, nil
	}
	return group, err
}

func originalCapacity(group *asg.Group, marker string) (int32, error) {
	if value, ok := group.Tags[TagOriginalCapacity]; ok && group.Tags[TagMarker] == marker {
		n, err := strconv.ParseInt(value, 10, 32)
		if err == nil && n > 0 {
			return int32(n), nil
		}
	}
	original := group.DesiredCapacity / 2
	if original < 1 {
		return 0, fmt.Errorf("cannot derive original capacity of %s from desired capacity %d", group.Name, group.DesiredCapacity)
	}
	return original, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
