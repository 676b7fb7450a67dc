package pagerduty

import (
	"context"
	"fmt"
	"time"

	"github.com/PagerDuty/go-pagerduty"

	"node-rotator/internal/logger"
)

const source = "node-rotator"

// Client sends Events API v2 triggers and resolves for rotation failures
type Client struct {
	client     *pagerduty.Client
	routingKey string
	logger     *logger.Logger
}

// NewClient creates a PagerDuty client. An empty endpoint uses the public Events API.
func NewClient(routingKey, endpoint string) *Client {
	var opts []pagerduty.ClientOptions
	if endpoint != "" {
		opts = append(opts, pagerduty.WithV2EventsAPIEndpoint(endpoint))
	}
	return &Client{
		// the events API authenticates with the routing key, not an API token
		client:     pagerduty.NewClient("", opts...),
		routingKey: routingKey,
		logger:     logger.NewDefault("pagerduty-client"),
	}
}

// DedupKey identifies the incident of one rotation
func DedupKey(role, marker string) string {
	return fmt.Sprintf("%s/%s/%s", source, role, marker)
}

// Trigger opens (or updates) the incident for a failed rotation
func (c *Client) Trigger(ctx context.Context, dedupKey, summary string, details map[string]string) error {
	event := &pagerduty.V2Event{
		RoutingKey: c.routingKey,
		Action:     "trigger",
		DedupKey:   dedupKey,
		Client:     source,
		Payload: &pagerduty.V2Payload{
			Summary:   summary,
			Source:    source,
			Severity:  "critical",
			Component: "auto-scaling-group",
			Class:     "node-rotation",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Details:   details,
		},
	}
	return c.send(ctx, event)
}

// Resolve closes the incident for a rotation that finished after a resume
func (c *Client) Resolve(ctx context.Context, dedupKey string) error {
	return c.send(ctx, &pagerduty.V2Event{
		RoutingKey: c.routingKey,
		Action:     "resolve",
		DedupKey:   dedupKey,
	})
}

func (c *Client) send(ctx context.Context, event *pagerduty.V2Event) error {
	resp, err := c.client.ManageEventWithContext(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to send PagerDuty %s event: %w", event.Action, err)
	}
	c.logger.Debug("PagerDuty event accepted",
		"action", event.Action,
		"dedup_key", resp.DedupKey,
		"status", resp.Status)
	return nil
}
