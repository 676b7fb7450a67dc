package rotation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"node-rotator/internal/cloud/asg"
	"node-rotator/internal/kubernetes/nodes"
	"node-rotator/internal/logger"
	"node-rotator/internal/resolver"
	"node-rotator/internal/retrier"
)

const testMarker = "1700000000"

func testSettings() Settings {
	return Settings{
		DrainTimeout: time.Second,
		PollInterval: time.Millisecond,
		SettleDelay:  0,
		Now:          func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func newTestRotator(c *fakeCluster, observers ...Observer) *Rotator {
	return New(c.deps(), testSettings(), logger.Nop(), observers...)
}

func TestNewMarker(t *testing.T) {
	assert.Equal(t, NewMarker(time.Unix(1700000000, 0)), "1700000000")
}

func TestRotate_ThreeNodeGroup(t *testing.T) {
	c := newFakeCluster("worker", 3)
	obs := &recordingObserver{}
	r := newTestRotator(c, obs)

	report, err := r.Rotate(context.Background(), "worker")
	assert.NilError(t, err)

	assert.DeepEqual(t, c.calls, []string{
		"list-role worker",
		"label worker-1 " + testMarker,
		"cordon worker-1",
		"label worker-2 " + testMarker,
		"cordon worker-2",
		"label worker-3 " + testMarker,
		"cordon worker-3",
		"resolve worker-1",
		"resolve-group i-1",
		"tag worker-asg",
		"set-capacity worker-asg 6/6",
		"count-ready worker " + testMarker,
		"suspend worker-asg",
		"list-cohort worker " + testMarker,
		"drain worker-1",
		"resolve worker-1",
		"terminate i-1",
		"drain worker-2",
		"resolve worker-2",
		"terminate i-2",
		"drain worker-3",
		"resolve worker-3",
		"terminate i-3",
		"set-capacity worker-asg 3/3",
		"instance-count worker-asg",
		"resume worker-asg",
		"untag worker-asg",
	})

	assert.DeepEqual(t, c.terminated, []string{"i-1", "i-2", "i-3"})
	assert.Equal(t, c.group.DesiredCapacity, int32(3))
	assert.Equal(t, c.group.MaxSize, int32(3))
	assert.Equal(t, len(c.group.Tags), 0)

	assert.Equal(t, report.Plan.Group, "worker-asg")
	assert.Equal(t, report.Plan.OriginalCapacity, int32(3))
	assert.Equal(t, report.Plan.Marker, testMarker)
	assert.Equal(t, report.Plan.CohortSize, 3)
	assert.Equal(t, len(report.Nodes), 3)

	assert.DeepEqual(t, obs.phases, Phases)
	assert.Equal(t, len(obs.rotated), 3)
	assert.Equal(t, len(obs.completed), 1)
	assert.Equal(t, len(obs.aborted), 0)
}

func TestRotate_CapacityNeverBelowOriginalAndMaxCoversDesired(t *testing.T) {
	c := newFakeCluster("control-plane", 3)
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "control-plane")
	assert.NilError(t, err)

	assert.Equal(t, len(c.capacity), 2)
	for _, u := range c.capacity {
		assert.Check(t, u.Max >= u.Desired, "max %d below desired %d", u.Max, u.Desired)
		assert.Check(t, u.Desired >= 3, "desired %d below original", u.Desired)
	}
	assert.DeepEqual(t, c.capacity, []capacityUpdate{{6, 6}, {3, 3}})
}

func TestRotate_SuspendAndResumeSameProcessSet(t *testing.T) {
	c := newFakeCluster("worker", 2)
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "worker")
	assert.NilError(t, err)

	assert.Equal(t, len(c.suspended), 1)
	assert.Equal(t, len(c.resumed), 1)
	assert.DeepEqual(t, c.suspended[0], c.resumed[0])
	assert.DeepEqual(t, c.suspended[0], asg.RotationProcesses)
}

func TestRotate_TerminateBeforeNextDrain(t *testing.T) {
	c := newFakeCluster("worker", 4)
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "worker")
	assert.NilError(t, err)

	drains := c.callsWithPrefix("drain ")
	assert.Equal(t, len(drains), 4)
	for i := 1; i < len(drains); i++ {
		prevTerminate := c.callIndex(fmt.Sprintf("terminate i-%d", i))
		nextDrain := c.callIndex(drains[i])
		assert.Check(t, prevTerminate >= 0 && prevTerminate < nextDrain,
			"terminate of node %d must precede drain %q", i, drains[i])
	}
}

func TestRotate_DrainTimeoutStillTerminates(t *testing.T) {
	c := newFakeCluster("worker", 3)
	c.drainOutcomes["worker-2"] = nodes.DrainTimedOut
	c.drainOutcomes["worker-3"] = nodes.DrainFailed
	r := newTestRotator(c)

	report, err := r.Rotate(context.Background(), "worker")
	assert.NilError(t, err)

	assert.DeepEqual(t, c.terminated, []string{"i-1", "i-2", "i-3"})
	assert.Equal(t, report.Nodes[0].Drain, nodes.DrainSucceeded)
	assert.Equal(t, report.Nodes[1].Drain, nodes.DrainTimedOut)
	assert.Check(t, is.Contains(report.Nodes[1].DrainError, "did not complete"))
	assert.Equal(t, report.Nodes[2].Drain, nodes.DrainFailed)
	assert.Equal(t, report.Nodes[2].InstanceID, "i-3")
}

func TestRotate_AmbiguousResolutionAbortsBeforeCapacityChange(t *testing.T) {
	c := newFakeCluster("worker", 3)
	c.ambiguous["worker-1"] = true
	obs := &recordingObserver{}
	r := newTestRotator(c, obs)

	_, err := r.Rotate(context.Background(), "worker")

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseResolveGroup)
	assert.Equal(t, perr.Marker, testMarker)
	assert.Assert(t, errors.Is(err, resolver.ErrAmbiguous))
	assert.Equal(t, len(c.capacity), 0)
	assert.Equal(t, len(c.callsWithPrefix("set-capacity")), 0)
	assert.Equal(t, len(c.callsWithPrefix("tag ")), 0)
	assert.Equal(t, len(obs.aborted), 1)
}

func TestRotate_AmbiguousDuringDrainStopsWithoutRestore(t *testing.T) {
	c := newFakeCluster("worker", 3)
	r := newTestRotator(c)
	// resolvable for group lookup, ambiguous when retiring the second node
	c.ambiguous["worker-2"] = true

	_, err := r.Rotate(context.Background(), "worker")

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseDrainAndTerminate)
	assert.DeepEqual(t, c.terminated, []string{"i-1"})
	assert.Equal(t, c.callIndex("drain worker-3"), -1)
	assert.Equal(t, c.callIndex("set-capacity worker-asg 3/3"), -1)
	assert.Equal(t, len(c.resumed), 0)
	// side effects are left in place for a resume
	assert.Equal(t, c.group.DesiredCapacity, int32(6))
}

func TestRotate_WaitsForUnmarkedReadyNodes(t *testing.T) {
	c := newFakeCluster("worker", 3)
	c.replacementsPerPoll = 1
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "worker")
	assert.NilError(t, err)

	// the marked cohort is Ready the whole time but never counts
	assert.Equal(t, c.countReady, 3)
	assert.Assert(t, c.callIndex("suspend worker-asg") > c.callIndex("set-capacity worker-asg 6/6"))
}

func TestRotate_EmptyCohort(t *testing.T) {
	c := newFakeCluster("worker", 0)
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "worker")

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseSelectAndLabel)
	assert.Assert(t, errors.Is(err, ErrEmptyCohort))
	assert.DeepEqual(t, c.calls, []string{"list-role worker"})
}

func TestRotate_EmptyRole(t *testing.T) {
	c := newFakeCluster("worker", 1)
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "")
	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseSelectAndLabel)
	assert.Equal(t, len(c.calls), 0)
}

func TestRotate_RetryExhaustionIsFatal(t *testing.T) {
	c := newFakeCluster("worker", 2)
	c.failSetCapacity = &retrier.Error{Operation: "update auto scaling group", Attempts: 12, MaxAttempts: 12, Err: errors.New("throttled")}
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "worker")

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseExpand)
	var retryErr *retrier.Error
	assert.Assert(t, errors.As(err, &retryErr))
	assert.Check(t, is.Contains(err.Error(), "expand"))
}

func TestRotate_CountReadyFailureAbortsWait(t *testing.T) {
	c := newFakeCluster("worker", 2)
	c.failCountReady = errors.New("apiserver unavailable")
	r := newTestRotator(c)

	_, err := r.Rotate(context.Background(), "worker")

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseAwaitReplacementCapacity)
	assert.Equal(t, len(c.suspended), 0)
}

func TestRotate_CancelledWhileWaiting(t *testing.T) {
	c := newFakeCluster("worker", 2)
	c.noReplacements = true
	r := newTestRotator(c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Rotate(ctx, "worker")

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseAwaitReplacementCapacity)
	assert.Equal(t, len(c.terminated), 0)
}

func TestRotateRoles_ControlPlaneFirstAndStopsOnFailure(t *testing.T) {
	c := newFakeCluster("control-plane", 0)
	r := newTestRotator(c)

	reports, err := r.RotateRoles(context.Background(), []string{"control-plane", "worker"})
	assert.Assert(t, errors.Is(err, ErrEmptyCohort))
	assert.Equal(t, len(reports), 0)
	assert.DeepEqual(t, c.calls, []string{"list-role control-plane"})
}

func TestResume_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		role   string
		marker string
	}{
		{"missing role", "", testMarker},
		{"both roles", "both", testMarker},
		{"missing marker", "worker", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeCluster("worker", 2)
			r := newTestRotator(c)

			_, err := r.Resume(context.Background(), tt.role, tt.marker)
			assert.Assert(t, errors.Is(err, ErrInvalidResume))
			assert.Equal(t, len(c.calls), 0, "no remote call expected before validation")
		})
	}
}

// interrupted builds the state a rotation leaves behind when it stops after
// retiring the first node of a three node group.
func interrupted(withTags bool) *fakeCluster {
	c := newFakeCluster("worker", 3)
	for _, n := range c.nodes {
		n.marker = testMarker
		n.cordoned = true
	}
	for i := 0; i < 3; i++ {
		c.addNode("worker", true)
	}
	c.group.DesiredCapacity = 6
	c.group.MaxSize = 6
	if withTags {
		c.group.Tags[TagMarker] = testMarker
		c.group.Tags[TagRole] = "worker"
		c.group.Tags[TagOriginalCapacity] = "3"
	}
	// first node already gone
	c.instances["i-1"] = false
	c.nodes = c.nodes[1:]
	return c
}

func TestResume_DrainsExactlyTheRemainingCohort(t *testing.T) {
	c := interrupted(true)
	obs := &recordingObserver{}
	r := newTestRotator(c, obs)

	report, err := r.Resume(context.Background(), "worker", testMarker)
	assert.NilError(t, err)

	assert.DeepEqual(t, c.callsWithPrefix("drain "), []string{"drain worker-2", "drain worker-3"})
	assert.DeepEqual(t, c.terminated, []string{"i-2", "i-3"})
	assert.DeepEqual(t, c.capacity, []capacityUpdate{{3, 3}})
	assert.Equal(t, len(c.callsWithPrefix("list-role")), 0)
	assert.Equal(t, len(c.callsWithPrefix("label ")), 0)
	assert.Equal(t, len(c.callsWithPrefix("count-ready")), 0)
	assert.Equal(t, len(c.suspended), 0)
	assert.Equal(t, len(c.resumed), 1)

	assert.Assert(t, report.Plan.Resumed)
	assert.Equal(t, report.Plan.Marker, testMarker)
	assert.Equal(t, report.Plan.OriginalCapacity, int32(3))
	assert.DeepEqual(t, obs.phases, []Phase{
		PhaseResolveGroup,
		PhaseDrainAndTerminate,
		PhaseRestoreCapacity,
		PhaseAwaitConvergence,
		PhaseResumeProcesses,
	})
}

func TestResume_OriginalCapacityFromExpandedGroup(t *testing.T) {
	c := interrupted(false)
	r := newTestRotator(c)

	report, err := r.Resume(context.Background(), "worker", testMarker)
	assert.NilError(t, err)
	assert.Equal(t, report.Plan.OriginalCapacity, int32(3))
	assert.DeepEqual(t, c.capacity, []capacityUpdate{{3, 3}})
}

func TestResume_CohortAlreadyGone(t *testing.T) {
	c := interrupted(true)
	for _, id := range []string{"i-2", "i-3"} {
		c.instances[id] = false
	}
	c.nodes = c.nodes[2:]
	r := newTestRotator(c)

	report, err := r.Resume(context.Background(), "worker", testMarker)
	assert.NilError(t, err)

	assert.Equal(t, c.callIndex("find-group "+TagMarker+"="+testMarker) >= 0, true)
	assert.Equal(t, len(c.terminated), 0)
	assert.Equal(t, report.Plan.Group, "worker-asg")
	assert.DeepEqual(t, c.capacity, []capacityUpdate{{3, 3}})
}

// lingering puts back the node object of the first cohort node, whose
// instance was terminated but which nothing deleted from the cluster.
func lingering(c *fakeCluster) {
	gone := &fakeNode{name: "worker-1", role: "worker", marker: testMarker, cordoned: true, instance: "i-1"}
	c.nodes = append([]*fakeNode{gone}, c.nodes...)
}

func TestResume_FirstCohortNodeAlreadyTerminated(t *testing.T) {
	c := interrupted(true)
	lingering(c)
	obs := &recordingObserver{}
	r := newTestRotator(c, obs)

	report, err := r.Resume(context.Background(), "worker", testMarker)
	assert.NilError(t, err)

	assert.DeepEqual(t, c.callsWithPrefix("drain "), []string{"drain worker-2", "drain worker-3"})
	assert.DeepEqual(t, c.terminated, []string{"i-2", "i-3"})
	assert.DeepEqual(t, c.capacity, []capacityUpdate{{3, 3}})
	assert.Equal(t, report.Plan.Group, "worker-asg")
	assert.Equal(t, report.Plan.CohortSize, 3)

	assert.Equal(t, len(report.Nodes), 3)
	first := report.Nodes[0]
	assert.Equal(t, first.Node, "worker-1")
	assert.Equal(t, first.InstanceID, "i-1")
	assert.Assert(t, first.AlreadyTerminated)
	assert.Equal(t, first.Drain, nodes.DrainSkipped)
	assert.Assert(t, !report.Nodes[1].AlreadyTerminated)
	assert.Equal(t, len(obs.rotated), 3)
}

func TestResume_OnlyTerminatedNodesLinger(t *testing.T) {
	c := interrupted(true)
	for _, id := range []string{"i-2", "i-3"} {
		c.instances[id] = false
	}
	lingering(c)
	r := newTestRotator(c)

	report, err := r.Resume(context.Background(), "worker", testMarker)
	assert.NilError(t, err)

	assert.Assert(t, c.callIndex("find-group "+TagMarker+"="+testMarker) >= 0)
	assert.Equal(t, len(c.callsWithPrefix("drain ")), 0)
	assert.Equal(t, len(c.terminated), 0)
	assert.Equal(t, len(report.Nodes), 3)
	for _, n := range report.Nodes {
		assert.Assert(t, n.AlreadyTerminated, n.Node)
	}
	assert.DeepEqual(t, c.capacity, []capacityUpdate{{3, 3}})
}

func TestResume_UnknownInstanceStaysFatal(t *testing.T) {
	c := interrupted(true)
	lingering(c)
	delete(c.instances, "i-1")
	r := newTestRotator(c)

	_, err := r.Resume(context.Background(), "worker", testMarker)

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseResolveGroup)
	assert.Assert(t, errors.Is(err, resolver.ErrNotFound))
	assert.Equal(t, len(c.capacity), 0)
	assert.Equal(t, len(c.terminated), 0)
}

func TestResume_UnknownMarker(t *testing.T) {
	c := newFakeCluster("worker", 3)
	r := newTestRotator(c)

	_, err := r.Resume(context.Background(), "worker", "1234")

	var perr *PhaseError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Phase, PhaseResolveGroup)
	assert.Assert(t, errors.Is(err, ErrPlanNotFound))
	assert.Equal(t, len(c.capacity), 0)
}

func TestPhaseError_Message(t *testing.T) {
	err := &PhaseError{Phase: PhaseExpand, Role: "worker", Marker: testMarker, Err: errors.New("boom")}
	assert.Equal(t, err.Error(), "rotation of worker nodes (marker 1700000000) failed in phase expand: boom")
}

func TestOriginalCapacity(t *testing.T) {
	tests := []struct {
		name    string
		group   asg.Group
		want    int32
		wantErr bool
	}{
		{"from tag", asg.Group{DesiredCapacity: 6, Tags: map[string]string{TagMarker: testMarker, TagOriginalCapacity: "2"}}, 2, false},
		{"tag of another run ignored", asg.Group{DesiredCapacity: 6, Tags: map[string]string{TagMarker: "1", TagOriginalCapacity: "2"}}, 3, false},
		{"half of desired", asg.Group{DesiredCapacity: 8}, 4, false},
		{"too small", asg.Group{DesiredCapacity: 1}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := originalCapacity(&tt.group, testMarker)
			if tt.wantErr {
				assert.Assert(t, err != nil)
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, got, tt.want)
		})
	}
}

func TestPhaseError_Resumable(t *testing.T) {
	tests := []struct {
		phase   Phase
		resumed bool
		want    bool
	}{
		{PhaseSelectAndLabel, false, false},
		{PhaseExpand, false, false},
		{PhaseAwaitReplacementCapacity, false, false},
		{PhaseSuspendProcesses, false, true},
		{PhaseDrainAndTerminate, false, true},
		{PhaseResumeProcesses, false, true},
		{PhaseResolveGroup, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			err := &PhaseError{Phase: tt.phase, Resumed: tt.resumed}
			assert.Equal(t, err.Resumable(), tt.want)
		})
	}
}
