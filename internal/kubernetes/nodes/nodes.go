// Package nodes is the cluster side of a rotation: selecting nodes by role and
// retirement marker, labelling, cordoning, draining and counting ready
// replacements.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/kubectl/pkg/drain"

	"node-rotator/internal/logger"
	"node-rotator/internal/retrier"
)

// Node is the subset of a cluster node a rotation works with
type Node struct {
	Name        string
	Role        string
	Marker      string
	Schedulable bool
	Ready       bool
	InternalIP  string
}

// DrainOutcome classifies how a drain attempt ended
type DrainOutcome int

const (
	DrainSucceeded DrainOutcome = iota
	DrainTimedOut
	DrainFailed
	// DrainSkipped is recorded for a node whose instance was already gone
	DrainSkipped
)

func (o DrainOutcome) String() string {
	switch o {
	case DrainSucceeded:
		return "succeeded"
	case DrainTimedOut:
		return "timed-out"
	case DrainFailed:
		return "failed"
	case DrainSkipped:
		return "skipped"
	}
	return "unknown"
}

// DrainResult is the outcome of a drain, with the underlying error for
// anything but success
type DrainResult struct {
	Outcome DrainOutcome
	Err     error
}

// Options configures how roles and markers map onto node labels
type Options struct {
	RoleLabelKey   string
	MarkerLabelKey string
	// RoleValues maps a role name (control-plane, worker) to its label value
	RoleValues map[string]string
}

type drainFunc func(helper *drain.Helper, nodeName string) error

// Client performs node operations against the Kubernetes API. Every call
// except Drain is retried by the executor.
type Client struct {
	clientset kubernetes.Interface
	opts      Options
	retrier   *retrier.Executor
	logger    *logger.Logger

	drainNode drainFunc
}

// NewClient creates a node client
func NewClient(clientset kubernetes.Interface, opts Options, exec *retrier.Executor, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("nodes")
	}
	return &Client{
		clientset: clientset,
		opts:      opts,
		retrier:   exec,
		logger:    log,
		drainNode: drain.RunNodeDrain,
	}
}

func (c *Client) roleValue(role string) (string, error) {
	value, ok := c.opts.RoleValues[role]
	if !ok || value == "" {
		return "", fmt.Errorf("unknown node role %q", role)
	}
	return value, nil
}

func (c *Client) roleName(labels map[string]string) string {
	value := labels[c.opts.RoleLabelKey]
	for role, v := range c.opts.RoleValues {
		if v == value {
			return role
		}
	}
	return value
}

// RoleSelector returns the label selector matching every node of role
func (c *Client) RoleSelector(role string) (string, error) {
	value, err := c.roleValue(role)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s=%s", c.opts.RoleLabelKey, value), nil
}

// ListByRole returns every node carrying the role label, in API order
func (c *Client) ListByRole(ctx context.Context, role string) ([]Node, error) {
	selector, err := c.RoleSelector(role)
	if err != nil {
		return nil, err
	}
	return c.list(ctx, "list nodes by role", selector)
}

// ListCohort returns the nodes of role labelled with marker, in API order
func (c *Client) ListCohort(ctx context.Context, role, marker string) ([]Node, error) {
	selector, err := c.RoleSelector(role)
	if err != nil {
		return nil, err
	}
	selector = fmt.Sprintf("%s,%s=%s", selector, c.opts.MarkerLabelKey, marker)
	return c.list(ctx, "list cohort", selector)
}

// CountReady counts nodes of role that are Ready and not labelled with
// marker. Nodes with no marker at all are counted.
func (c *Client) CountReady(ctx context.Context, role, marker string) (int, error) {
	selector, err := c.RoleSelector(role)
	if err != nil {
		return 0, err
	}
	selector = fmt.Sprintf("%s,%s!=%s", selector, c.opts.MarkerLabelKey, marker)

	nodes, err := c.list(ctx, "count ready nodes", selector)
	if err != nil {
		return 0, err
	}
	ready := 0
	for _, n := range nodes {
		if n.Ready && n.Marker != marker {
			ready++
		}
	}
	c.logger.Debug("Counted ready replacement nodes",
		"role", role,
		"marker", marker,
		"ready", ready,
		"matched", len(nodes),
	)
	return ready, nil
}

func (c *Client) list(ctx context.Context, operation, selector string) ([]Node, error) {
	list, err := retrier.Value(ctx, c.retrier, operation, func(ctx context.Context) (*corev1.NodeList, error) {
		nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to list nodes matching %q", selector)
		}
		return nodes, nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]Node, 0, len(list.Items))
	for i := range list.Items {
		result = append(result, c.fromAPI(&list.Items[i]))
	}
	return result, nil
}

func (c *Client) fromAPI(n *corev1.Node) Node {
	node := Node{
		Name:        n.Name,
		Role:        c.roleName(n.Labels),
		Marker:      n.Labels[c.opts.MarkerLabelKey],
		Schedulable: !n.Spec.Unschedulable,
		Ready:       isReady(n),
	}
	for _, addr := range n.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP {
			node.InternalIP = addr.Address
			break
		}
	}
	return node
}

func isReady(n *corev1.Node) bool {
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// LabelNode sets the retirement marker on a node, replacing any previous one
func (c *Client) LabelNode(ctx context.Context, name, marker string) error {
	patch, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			"labels": map[string]string{c.opts.MarkerLabelKey: marker},
		},
	})
	if err != nil {
		return err
	}

	return c.retrier.Do(ctx, "label node", func(ctx context.Context) error {
		_, err := c.clientset.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
		if err != nil {
			return errors.WithMessagef(err, "unable to label node %s", name)
		}
		c.logger.Debug("Labelled node", "node", name, "marker", marker)
		return nil
	})
}

// Cordon marks a node unschedulable. Already cordoned nodes are left alone.
func (c *Client) Cordon(ctx context.Context, name string) error {
	return c.retrier.Do(ctx, "cordon node", func(ctx context.Context) error {
		node, err := c.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return errors.WithMessage(err, "unable to retrieve node from api")
		}
		if node.Spec.Unschedulable {
			c.logger.Debug("Node is already cordoned", "node", name)
			return nil
		}
		helper := c.helper(ctx, 0)
		if err := drain.RunCordonOrUncordon(helper, node, true); err != nil {
			return errors.WithMessagef(err, "unable to cordon node %s", name)
		}
		c.logger.Debug("Cordoned node", "node", name)
		return nil
	})
}

// Drain evicts the workload of a node, giving up after timeout. Daemon set
// pods are ignored and emptyDir data is discarded. Drain never retries and
// never returns an error; the outcome says what happened.
func (c *Client) Drain(ctx context.Context, name string, timeout time.Duration) DrainResult {
	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.logger.WithFields("node", name)
	log.Info("Draining node", "timeout", timeout)

	start := time.Now()
	err := c.drainNode(c.helper(drainCtx, timeout), name)
	switch {
	case err == nil:
		log.Info("Node drained", "duration", time.Since(start))
		return DrainResult{Outcome: DrainSucceeded}
	case ctx.Err() == nil && isDrainTimeout(drainCtx, err):
		return DrainResult{Outcome: DrainTimedOut, Err: err}
	default:
		return DrainResult{Outcome: DrainFailed, Err: err}
	}
}

func (c *Client) helper(ctx context.Context, timeout time.Duration) *drain.Helper {
	return &drain.Helper{
		Ctx:                 ctx,
		Client:              c.clientset,
		Force:               true,
		GracePeriodSeconds:  -1,
		IgnoreAllDaemonSets: true,
		DeleteEmptyDirData:  true,
		Timeout:             timeout,
		Out:                 c.logger.Writer(logger.LevelInfo),
		ErrOut:              c.logger.Writer(logger.LevelWarn),
	}
}

func isDrainTimeout(drainCtx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || wait.Interrupted(err) {
		return true
	}
	if drainCtx.Err() == context.DeadlineExceeded {
		return true
	}
	return strings.Contains(err.Error(), "drain did not complete within")
}
