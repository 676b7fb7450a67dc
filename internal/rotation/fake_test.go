package rotation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"node-rotator/internal/cloud/asg"
	"node-rotator/internal/kubernetes/nodes"
	"node-rotator/internal/resolver"
)

type fakeNode struct {
	name     string
	role     string
	marker   string
	ready    bool
	cordoned bool
	instance string
}

type capacityUpdate struct {
	Desired, Max int32
}

// fakeCluster simulates one role's nodes and the group behind them.
type fakeCluster struct {
	mu sync.Mutex

	nodes     []*fakeNode
	group     asg.Group
	instances map[string]bool // instance id -> live

	// replacements to bring up per CountReady call after expansion; 0 means all at once
	replacementsPerPoll int
	pendingReplacements int
	noReplacements      bool
	nextID              int

	drainOutcomes   map[string]nodes.DrainOutcome
	ambiguous       map[string]bool
	failSetCapacity error
	failCountReady  error

	calls      []string
	capacity   []capacityUpdate
	terminated []string
	suspended  [][]string
	resumed    [][]string
	countReady int
}

func newFakeCluster(role string, size int) *fakeCluster {
	c := &fakeCluster{
		group: asg.Group{
			Name:            role + "-asg",
			DesiredCapacity: int32(size),
			MaxSize:         int32(size),
			MinSize:         1,
			Tags:            map[string]string{},
		},
		instances:     map[string]bool{},
		drainOutcomes: map[string]nodes.DrainOutcome{},
		ambiguous:     map[string]bool{},
	}
	for i := 0; i < size; i++ {
		c.addNode(role, true)
	}
	return c
}

func (c *fakeCluster) addNode(role string, ready bool) *fakeNode {
	c.nextID++
	n := &fakeNode{
		name:     fmt.Sprintf("%s-%d", role, c.nextID),
		role:     role,
		ready:    ready,
		instance: fmt.Sprintf("i-%d", c.nextID),
	}
	c.nodes = append(c.nodes, n)
	c.instances[n.instance] = true
	return n
}

func (c *fakeCluster) record(format string, args ...interface{}) {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *fakeCluster) callIndex(call string) int {
	for i, got := range c.calls {
		if got == call {
			return i
		}
	}
	return -1
}

func (c *fakeCluster) callsWithPrefix(prefix string) []string {
	var out []string
	for _, got := range c.calls {
		if strings.HasPrefix(got, prefix) {
			out = append(out, got)
		}
	}
	return out
}

func (c *fakeCluster) toNode(n *fakeNode) nodes.Node {
	return nodes.Node{
		Name:        n.name,
		Role:        n.role,
		Marker:      n.marker,
		Ready:       n.ready,
		Schedulable: !n.cordoned,
	}
}

func (c *fakeCluster) find(name string) *fakeNode {
	for _, n := range c.nodes {
		if n.name == name {
			return n
		}
	}
	return nil
}

// NodeClient

func (c *fakeCluster) ListByRole(ctx context.Context, role string) ([]nodes.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("list-role %s", role)
	var out []nodes.Node
	for _, n := range c.nodes {
		if n.role == role {
			out = append(out, c.toNode(n))
		}
	}
	return out, nil
}

func (c *fakeCluster) ListCohort(ctx context.Context, role, marker string) ([]nodes.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("list-cohort %s %s", role, marker)
	var out []nodes.Node
	for _, n := range c.nodes {
		if n.role == role && n.marker == marker {
			out = append(out, c.toNode(n))
		}
	}
	return out, nil
}

func (c *fakeCluster) LabelNode(ctx context.Context, name, marker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("label %s %s", name, marker)
	if n := c.find(name); n != nil {
		n.marker = marker
		return nil
	}
	return fmt.Errorf("node %s not found", name)
}

func (c *fakeCluster) Cordon(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("cordon %s", name)
	if n := c.find(name); n != nil {
		n.cordoned = true
		return nil
	}
	return fmt.Errorf("node %s not found", name)
}

func (c *fakeCluster) Drain(ctx context.Context, name string, timeout time.Duration) nodes.DrainResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("drain %s", name)
	switch c.drainOutcomes[name] {
	case nodes.DrainTimedOut:
		return nodes.DrainResult{Outcome: nodes.DrainTimedOut, Err: fmt.Errorf("drain did not complete within %v", timeout)}
	case nodes.DrainFailed:
		return nodes.DrainResult{Outcome: nodes.DrainFailed, Err: fmt.Errorf("cannot evict pod")}
	}
	return nodes.DrainResult{Outcome: nodes.DrainSucceeded}
}

func (c *fakeCluster) CountReady(ctx context.Context, role, marker string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("count-ready %s %s", role, marker)
	c.countReady++
	if c.failCountReady != nil {
		return 0, c.failCountReady
	}

	if c.pendingReplacements > 0 {
		n := c.pendingReplacements
		if c.replacementsPerPoll > 0 && c.replacementsPerPoll < n {
			n = c.replacementsPerPoll
		}
		for i := 0; i < n; i++ {
			c.addNode(role, true)
		}
		c.pendingReplacements -= n
	}

	ready := 0
	for _, n := range c.nodes {
		if n.role == role && n.marker != marker && n.ready {
			ready++
		}
	}
	return ready, nil
}

// GroupClient

func (c *fakeCluster) DescribeGroup(ctx context.Context, name string) (*asg.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.group
	return &g, nil
}

func (c *fakeCluster) FindGroupsByTag(ctx context.Context, key, value string) ([]*asg.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("find-group %s=%s", key, value)
	if c.group.Tags[key] == value {
		g := c.group
		return []*asg.Group{&g}, nil
	}
	return nil, nil
}

func (c *fakeCluster) SetCapacity(ctx context.Context, name string, desired, max int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("set-capacity %s %d/%d", name, desired, max)
	if c.failSetCapacity != nil {
		return c.failSetCapacity
	}
	c.capacity = append(c.capacity, capacityUpdate{desired, max})
	if desired > c.group.DesiredCapacity && !c.noReplacements {
		c.pendingReplacements += int(desired - c.group.DesiredCapacity)
	}
	c.group.DesiredCapacity = desired
	c.group.MaxSize = max
	return nil
}

func (c *fakeCluster) SuspendProcesses(ctx context.Context, name string, processes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("suspend %s", name)
	c.suspended = append(c.suspended, processes)
	return nil
}

func (c *fakeCluster) ResumeProcesses(ctx context.Context, name string, processes []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("resume %s", name)
	c.resumed = append(c.resumed, processes)
	return nil
}

func (c *fakeCluster) InstanceCount(ctx context.Context, name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("instance-count %s", name)
	live := 0
	for _, ok := range c.instances {
		if ok {
			live++
		}
	}
	return live, nil
}

func (c *fakeCluster) TagGroup(ctx context.Context, name string, tags map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("tag %s", name)
	for k, v := range tags {
		c.group.Tags[k] = v
	}
	return nil
}

func (c *fakeCluster) UntagGroup(ctx context.Context, name string, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("untag %s", name)
	for _, k := range keys {
		delete(c.group.Tags, k)
	}
	return nil
}

// InstanceResolver

func (c *fakeCluster) ResolveInstance(ctx context.Context, node nodes.Node) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("resolve %s", node.Name)
	if c.ambiguous[node.Name] {
		return "", fmt.Errorf("%w: node %s", resolver.ErrAmbiguous, node.Name)
	}
	n := c.find(node.Name)
	if n == nil || !c.instances[n.instance] {
		return "", fmt.Errorf("%w: node %s", resolver.ErrNotFound, node.Name)
	}
	return n.instance, nil
}

// ResolveRetiredInstance finds instances the fake has terminated. An
// instance missing from the map entirely is unknown to the cloud.
func (c *fakeCluster) ResolveRetiredInstance(ctx context.Context, node nodes.Node) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("resolve-retired %s", node.Name)
	n := c.find(node.Name)
	if n == nil {
		return "", fmt.Errorf("%w: node %s", resolver.ErrNotFound, node.Name)
	}
	if live, known := c.instances[n.instance]; !known || live {
		return "", fmt.Errorf("%w: node %s", resolver.ErrNotFound, node.Name)
	}
	return n.instance, nil
}

// ResolveGroup only knows live instances; terminated ones have left the group.
func (c *fakeCluster) ResolveGroup(ctx context.Context, instanceID string) (*asg.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("resolve-group %s", instanceID)
	if !c.instances[instanceID] {
		return nil, fmt.Errorf("%w: instance %s is not in an auto scaling group", resolver.ErrNotFound, instanceID)
	}
	g := c.group
	return &g, nil
}

func (c *fakeCluster) ResolveNodeGroup(ctx context.Context, node nodes.Node) (*asg.Group, error) {
	id, err := c.ResolveInstance(ctx, node)
	if err != nil {
		return nil, err
	}
	return c.ResolveGroup(ctx, id)
}

// Terminator

func (c *fakeCluster) Terminate(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("terminate %s", instanceID)
	c.terminated = append(c.terminated, instanceID)
	c.instances[instanceID] = false
	kept := c.nodes[:0]
	for _, n := range c.nodes {
		if n.instance != instanceID {
			kept = append(kept, n)
		}
	}
	c.nodes = kept
	return nil
}

func (c *fakeCluster) deps() Deps {
	return Deps{Nodes: c, Groups: c, Resolver: c, Terminator: c}
}

type recordingObserver struct {
	mu        sync.Mutex
	phases    []Phase
	rotated   []NodeReport
	completed []Report
	aborted   []*PhaseError
}

func (o *recordingObserver) PhaseStarted(ctx context.Context, plan Plan, phase Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, phase)
}

func (o *recordingObserver) NodeRotated(ctx context.Context, plan Plan, node NodeReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rotated = append(o.rotated, node)
}

func (o *recordingObserver) RotationCompleted(ctx context.Context, report Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, report)
}

func (o *recordingObserver) RotationAborted(ctx context.Context, plan Plan, err *PhaseError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborted = append(o.aborted, err)
}
