package alerts

import (
	"context"
	"fmt"
	"time"

	"node-rotator/internal/alerts/pagerduty"
	"node-rotator/internal/alerts/slack"
	"node-rotator/internal/kubernetes/nodes"
	"node-rotator/internal/logger"
	"node-rotator/internal/rotation"
)

// Manager turns rotation progress into Slack messages and PagerDuty incidents
type Manager struct {
	slackClient     *slack.SlackClient
	pagerdutyClient *pagerduty.Client
	logger          *logger.Logger
	enabled         bool
}

// Config holds alerting configuration
type Config struct {
	Enabled             bool
	SlackWebhookURL     string
	PagerDutyRoutingKey string
	// PagerDutyEndpoint overrides the Events API base URL
	PagerDutyEndpoint string
}

var _ rotation.Observer = (*Manager)(nil)

// finalAlertTimeout bounds the outcome alerts, which are sent even when the
// rotation was interrupted
const finalAlertTimeout = 15 * time.Second

// NewManager creates a new alert manager
func NewManager(config Config) *Manager {
	m := &Manager{
		logger:  logger.NewDefault("alert-manager"),
		enabled: config.Enabled,
	}
	if config.SlackWebhookURL != "" {
		m.slackClient = slack.NewSlackClient(config.SlackWebhookURL)
	}
	if config.PagerDutyRoutingKey != "" {
		m.pagerdutyClient = pagerduty.NewClient(config.PagerDutyRoutingKey, config.PagerDutyEndpoint)
	}
	return m
}

// IsEnabled returns whether any alert channel is configured
func (m *Manager) IsEnabled() bool {
	return m.enabled && (m.slackClient != nil || m.pagerdutyClient != nil)
}

// PhaseStarted announces the start of a fresh or resumed rotation
func (m *Manager) PhaseStarted(ctx context.Context, plan rotation.Plan, phase rotation.Phase) {
	if !m.IsEnabled() || m.slackClient == nil {
		return
	}
	first := rotation.PhaseExpand
	if plan.Resumed {
		first = rotation.PhaseDrainAndTerminate
	}
	if phase != first {
		return
	}

	m.logger.Info("Sending rotation start alert", "role", plan.Role, "marker", plan.Marker)
	if err := m.slackClient.SendRotationStartAlert(ctx, plan.Role, plan.Marker, plan.Group, plan.CohortSize, plan.Resumed); err != nil {
		m.logger.Error("Failed to send rotation start alert", "error", err)
	}
}

// NodeRotated warns about nodes that were terminated after a failed drain
func (m *Manager) NodeRotated(ctx context.Context, plan rotation.Plan, node rotation.NodeReport) {
	if !m.IsEnabled() || m.slackClient == nil || node.Drain == nodes.DrainSucceeded || node.Drain == nodes.DrainSkipped {
		return
	}

	m.logger.Warn("Sending drain warning alert",
		"node", node.Node,
		"instance_id", node.InstanceID,
		"drain", node.Drain.String())
	if err := m.slackClient.SendDrainWarningAlert(ctx, plan.Role, plan.Marker, node.Node, node.InstanceID, node.Drain.String(), node.DrainError); err != nil {
		m.logger.Error("Failed to send drain warning alert", "error", err)
	}
}

// RotationCompleted reports success and resolves any incident left by an earlier attempt
func (m *Manager) RotationCompleted(ctx context.Context, report rotation.Report) {
	if !m.IsEnabled() {
		return
	}
	plan := report.Plan
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalAlertTimeout)
	defer cancel()

	if m.slackClient != nil {
		m.logger.Info("Sending rotation success alert", "role", plan.Role, "marker", plan.Marker)
		if err := m.slackClient.SendRotationSuccessAlert(ctx, plan.Role, plan.Marker, plan.Group, len(report.Nodes), report.Duration()); err != nil {
			m.logger.Error("Failed to send rotation success alert", "error", err)
		}
	}

	if m.pagerdutyClient != nil && plan.Resumed {
		if err := m.pagerdutyClient.Resolve(ctx, pagerduty.DedupKey(plan.Role, plan.Marker)); err != nil {
			m.logger.Error("Failed to resolve PagerDuty incident", "error", err)
		}
	}
}

// RotationAborted reports the failing phase on every channel
func (m *Manager) RotationAborted(ctx context.Context, plan rotation.Plan, err *rotation.PhaseError) {
	if !m.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalAlertTimeout)
	defer cancel()

	m.logger.Error("Sending rotation failure alert",
		"role", plan.Role,
		"marker", plan.Marker,
		"phase", string(err.Phase),
		"error", err.Err)

	if m.slackClient != nil {
		if alertErr := m.slackClient.SendRotationFailureAlert(ctx, plan.Role, plan.Marker, string(err.Phase), err.Err, err.Resumable()); alertErr != nil {
			m.logger.Error("Failed to send rotation failure alert", "alert_error", alertErr)
		}
	}

	if m.pagerdutyClient != nil {
		details := map[string]string{
			"role":   plan.Role,
			"marker": plan.Marker,
			"phase":  string(err.Phase),
			"group":  plan.Group,
			"error":  err.Err.Error(),
		}
		if err.Resumable() {
			details["resume"] = fmt.Sprintf("node-rotator --role %s --resume %s", plan.Role, plan.Marker)
		}
		summary := fmt.Sprintf("node rotation of %s nodes failed in phase %s", plan.Role, err.Phase)
		if alertErr := m.pagerdutyClient.Trigger(ctx, pagerduty.DedupKey(plan.Role, plan.Marker), summary, details); alertErr != nil {
			m.logger.Error("Failed to trigger PagerDuty incident", "alert_error", alertErr)
		}
	}
}
