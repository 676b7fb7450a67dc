package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"node-rotator/internal/logger"
)

// SlackClient handles Slack webhook notifications
type SlackClient struct {
	webhookURL string
	httpClient *http.Client
	logger     *logger.Logger
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Channel     string       `json:"channel,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack message attachment
type Attachment struct {
	Color      string   `json:"color,omitempty"`
	Title      string   `json:"title,omitempty"`
	Text       string   `json:"text,omitempty"`
	Timestamp  int64    `json:"ts,omitempty"`
	Footer     string   `json:"footer,omitempty"`
	Fields     []Field  `json:"fields,omitempty"`
	MarkdownIn []string `json:"mrkdwn_in,omitempty"`
}

// Field represents a field in a Slack attachment
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelSuccess  AlertLevel = "success"
)

const footer = "node-rotator"

// NewSlackClient creates a new Slack client
func NewSlackClient(webhookURL string) *SlackClient {
	return &SlackClient{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.NewDefault("slack-client"),
	}
}

// SendAlert sends an alert to Slack
func (s *SlackClient) SendAlert(ctx context.Context, level AlertLevel, title, message string, fields map[string]string) error {
	if s.webhookURL == "" {
		s.logger.Debug("Slack webhook URL not configured, skipping alert")
		return nil
	}

	slackMsg := SlackMessage{
		Username:    "node-rotator",
		IconEmoji:   ":arrows_counterclockwise:",
		Attachments: []Attachment{s.createAttachment(level, title, message, fields)},
	}

	return s.sendMessage(ctx, slackMsg)
}

// SendRotationStartAlert announces that a role's nodes are about to be replaced
func (s *SlackClient) SendRotationStartAlert(ctx context.Context, role, marker, group string, nodes int, resumed bool) error {
	fields := map[string]string{
		"Role":   role,
		"Marker": marker,
		"Nodes":  fmt.Sprintf("%d", nodes),
	}
	if group != "" {
		fields["Auto Scaling Group"] = group
	}

	title := "Node Rotation Started"
	message := fmt.Sprintf("Rotating %d %s nodes (marker `%s`)", nodes, role, marker)
	if resumed {
		title = "Node Rotation Resumed"
		message = fmt.Sprintf("Resuming rotation of %s nodes (marker `%s`)", role, marker)
	}

	return s.SendAlert(ctx, AlertLevelInfo, title, message, fields)
}

// SendDrainWarningAlert reports a node that was terminated without a clean drain
func (s *SlackClient) SendDrainWarningAlert(ctx context.Context, role, marker, node, instanceID, outcome, drainErr string) error {
	fields := map[string]string{
		"Role":        role,
		"Marker":      marker,
		"Node":        node,
		"Instance ID": instanceID,
		"Drain":       outcome,
	}
	if drainErr != "" {
		fields["Error"] = drainErr
	}

	title := "Node Terminated Without Clean Drain"
	message := fmt.Sprintf("Drain of node `%s` %s; instance `%s` was terminated anyway", node, outcome, instanceID)

	return s.SendAlert(ctx, AlertLevelWarning, title, message, fields)
}

// SendRotationSuccessAlert reports a completed rotation
func (s *SlackClient) SendRotationSuccessAlert(ctx context.Context, role, marker, group string, nodes int, duration time.Duration) error {
	fields := map[string]string{
		"Role":               role,
		"Marker":             marker,
		"Auto Scaling Group": group,
		"Replaced Nodes":     fmt.Sprintf("%d", nodes),
		"Duration":           duration.Round(time.Second).String(),
	}

	title := "Node Rotation Completed"
	message := fmt.Sprintf("Replaced %d %s nodes in %s", nodes, role, duration.Round(time.Second))

	return s.SendAlert(ctx, AlertLevelSuccess, title, message, fields)
}

// SendRotationFailureAlert reports an aborted rotation and how to continue it
func (s *SlackClient) SendRotationFailureAlert(ctx context.Context, role, marker, phase string, err error, resumable bool) error {
	fields := map[string]string{
		"Role":   role,
		"Marker": marker,
		"Phase":  phase,
		"Error":  err.Error(),
		"Action": fmt.Sprintf("node-rotator --role %s", role),
	}
	if resumable {
		fields["Action"] = fmt.Sprintf("node-rotator --role %s --resume %s", role, marker)
	}

	title := "Node Rotation Failed"
	message := fmt.Sprintf("Rotation of %s nodes stopped in phase `%s`. Manual intervention required.", role, phase)

	return s.SendAlert(ctx, AlertLevelCritical, title, message, fields)
}

// createAttachment creates a Slack attachment based on alert level
func (s *SlackClient) createAttachment(level AlertLevel, title, message string, fields map[string]string) Attachment {
	var color string
	var emoji string

	switch level {
	case AlertLevelWarning:
		color = "#ff9500"
		emoji = ":warning:"
	case AlertLevelCritical:
		color = "#ff0000"
		emoji = ":rotating_light:"
	case AlertLevelSuccess:
		color = "#36a64f"
		emoji = ":white_check_mark:"
	default:
		color = "#36a64f"
		emoji = ":information_source:"
	}

	attachment := Attachment{
		Color:      color,
		Title:      fmt.Sprintf("%s %s", emoji, title),
		Text:       message,
		Timestamp:  time.Now().Unix(),
		Footer:     footer,
		MarkdownIn: []string{"text", "fields"},
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attachment.Fields = append(attachment.Fields, Field{
			Title: key,
			Value: fields[key],
			Short: len(fields[key]) < 40,
		})
	}

	return attachment
}

// sendMessage sends a message to Slack
func (s *SlackClient) sendMessage(ctx context.Context, message SlackMessage) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	s.logger.Debug("Sending Slack alert",
		"webhook_url", maskWebhookURL(s.webhookURL),
		"message_size", len(jsonData))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack API returned status %d", resp.StatusCode)
	}

	s.logger.Debug("Slack alert sent successfully", "status_code", resp.StatusCode)
	return nil
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) > 50 {
		return url[:30] + "..." + url[len(url)-10:]
	}
	return "***masked***"
}
