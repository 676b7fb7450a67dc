// Package resolver maps cluster nodes onto the cloud instances and auto
// scaling groups backing them. Every lookup queries the cloud afresh.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"node-rotator/internal/cloud/asg"
	"node-rotator/internal/cloud/instances"
	"node-rotator/internal/kubernetes/nodes"
	"node-rotator/internal/logger"
)

var (
	// ErrNotFound means no live instance or group matched
	ErrNotFound = errors.New("no matching instance")
	// ErrAmbiguous means more than one instance matched a node
	ErrAmbiguous = errors.New("ambiguous instance match")
)

// MatchKind classifies the result of an instance lookup
type MatchKind int

const (
	MatchNotFound MatchKind = iota
	MatchFound
	MatchAmbiguous
)

func (k MatchKind) String() string {
	switch k {
	case MatchFound:
		return "found"
	case MatchAmbiguous:
		return "ambiguous"
	}
	return "not-found"
}

// Match is the classified result of looking up a node's instance
type Match struct {
	Kind       MatchKind
	ID         string
	Candidates []string
}

// Classify turns a list of candidate instance IDs into a Match
func Classify(ids []string) Match {
	switch len(ids) {
	case 0:
		return Match{Kind: MatchNotFound}
	case 1:
		return Match{Kind: MatchFound, ID: ids[0], Candidates: ids}
	default:
		return Match{Kind: MatchAmbiguous, Candidates: ids}
	}
}

// InstanceFinder finds live or retired instances by a network identity filter
type InstanceFinder interface {
	FindByNetworkIdentity(ctx context.Context, filter, value string) ([]string, error)
	FindRetiredByNetworkIdentity(ctx context.Context, filter, value string) ([]string, error)
}

// GroupFinder finds the group of an instance and describes groups
type GroupFinder interface {
	GroupForInstance(ctx context.Context, instanceID string) (string, error)
	DescribeGroup(ctx context.Context, name string) (*asg.Group, error)
}

// Resolver correlates nodes with instances and groups
type Resolver struct {
	instances InstanceFinder
	groups    GroupFinder
	filter    string
	logger    *logger.Logger
}

// New creates a Resolver. filter selects the instance attribute matched
// against the node: private-dns-name (node name) or private-ip-address
// (node internal IP).
func New(finder InstanceFinder, groups GroupFinder, filter string, log *logger.Logger) *Resolver {
	if filter == "" {
		filter = instances.FilterPrivateDNSName
	}
	if log == nil {
		log = logger.NewDefault("resolver")
	}
	return &Resolver{instances: finder, groups: groups, filter: filter, logger: log}
}

func (r *Resolver) identity(node nodes.Node) (string, error) {
	if r.filter == instances.FilterPrivateIP {
		if node.InternalIP == "" {
			return "", fmt.Errorf("%w: node %s has no internal IP", ErrNotFound, node.Name)
		}
		return node.InternalIP, nil
	}
	return node.Name, nil
}

// Lookup returns the classified live instance match for a node
func (r *Resolver) Lookup(ctx context.Context, node nodes.Node) (Match, error) {
	return r.lookup(ctx, node, r.instances.FindByNetworkIdentity)
}

func (r *Resolver) lookup(ctx context.Context, node nodes.Node, find func(context.Context, string, string) ([]string, error)) (Match, error) {
	value, err := r.identity(node)
	if err != nil {
		return Match{Kind: MatchNotFound}, nil
	}
	ids, err := find(ctx, r.filter, value)
	if err != nil {
		return Match{}, err
	}
	return Classify(ids), nil
}

// ResolveInstance returns the single live instance backing node. No match
// and multiple matches are both errors.
func (r *Resolver) ResolveInstance(ctx context.Context, node nodes.Node) (string, error) {
	return r.resolve(ctx, node, "instance", r.instances.FindByNetworkIdentity)
}

// ResolveRetiredInstance returns the single shutting-down or terminated
// instance that backed node, with the same error rules as ResolveInstance.
func (r *Resolver) ResolveRetiredInstance(ctx context.Context, node nodes.Node) (string, error) {
	return r.resolve(ctx, node, "retired instance", r.instances.FindRetiredByNetworkIdentity)
}

func (r *Resolver) resolve(ctx context.Context, node nodes.Node, kind string, find func(context.Context, string, string) ([]string, error)) (string, error) {
	if _, err := r.identity(node); err != nil {
		return "", err
	}
	match, err := r.lookup(ctx, node, find)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s for node %s: %w", kind, node.Name, err)
	}

	switch match.Kind {
	case MatchFound:
		r.logger.Debug("Resolved node to "+kind, "node", node.Name, "instance_id", match.ID)
		return match.ID, nil
	case MatchAmbiguous:
		return "", fmt.Errorf("%w: node %s matches instances %s", ErrAmbiguous, node.Name, strings.Join(match.Candidates, ", "))
	default:
		return "", fmt.Errorf("%w: node %s (%s)", ErrNotFound, node.Name, r.filter)
	}
}

// ResolveGroup returns the group owning an instance
func (r *Resolver) ResolveGroup(ctx context.Context, instanceID string) (*asg.Group, error) {
	name, err := r.groups.GroupForInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group for instance %s: %w", instanceID, err)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: instance %s is not in an auto scaling group", ErrNotFound, instanceID)
	}
	group, err := r.groups.DescribeGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Resolved instance to group",
		"instance_id", instanceID,
		"group", group.Name,
		"desired_capacity", group.DesiredCapacity,
	)
	return group, nil
}

// ResolveNodeGroup resolves node -> instance -> group
func (r *Resolver) ResolveNodeGroup(ctx context.Context, node nodes.Node) (*asg.Group, error) {
	id, err := r.ResolveInstance(ctx, node)
	if err != nil {
		return nil, err
	}
	return r.ResolveGroup(ctx, id)
}
