package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"node-rotator/internal/logger"
	"node-rotator/internal/rotation"
)

// Event types
const (
	TypePhaseStarted       = "phase-started"
	TypeNodeRotated        = "node-rotated"
	TypeRotationCompleted  = "rotation-completed"
	TypeRotationAborted    = "rotation-aborted"
	publishTimeout         = 10 * time.Second
	eventTypeAttributeName = "event_type"
)

// RotationEvent is the message body published for every progress notification
type RotationEvent struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	Role       string    `json:"role"`
	Marker     string    `json:"marker"`
	Group      string    `json:"group,omitempty"`
	Resumed    bool      `json:"resumed"`
	Phase      string    `json:"phase,omitempty"`
	Node       string    `json:"node,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Drain      string    `json:"drain,omitempty"`
	Nodes      int       `json:"nodes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SQSAPI is the subset of the SQS client the publisher uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends rotation events to an SQS queue. Failures are logged and
// never reach the rotation.
type Publisher struct {
	sqsClient SQSAPI
	queueURL  string
	runID     string
	fifo      bool
	now       func() time.Time
	logger    *logger.Logger
}

var _ rotation.Observer = (*Publisher)(nil)

// NewPublisher creates a publisher for queueURL using the shared AWS config
func NewPublisher(cfg aws.Config, queueURL string) *Publisher {
	return NewPublisherWithClient(sqs.NewFromConfig(cfg), queueURL)
}

// NewPublisherWithClient creates a publisher around an existing SQS client
func NewPublisherWithClient(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		sqsClient: client,
		queueURL:  queueURL,
		runID:     uuid.NewString(),
		fifo:      strings.HasSuffix(queueURL, ".fifo"),
		now:       time.Now,
		logger:    logger.NewDefault("event-publisher"),
	}
}

// RunID identifies this process invocation in every event it publishes
func (p *Publisher) RunID() string {
	return p.runID
}

func (p *Publisher) PhaseStarted(ctx context.Context, plan rotation.Plan, phase rotation.Phase) {
	ev := p.newEvent(TypePhaseStarted, plan)
	ev.Phase = string(phase)
	p.publish(ctx, ev)
}

func (p *Publisher) NodeRotated(ctx context.Context, plan rotation.Plan, node rotation.NodeReport) {
	ev := p.newEvent(TypeNodeRotated, plan)
	ev.Phase = string(rotation.PhaseDrainAndTerminate)
	ev.Node = node.Node
	ev.InstanceID = node.InstanceID
	ev.Drain = node.Drain.String()
	ev.Error = node.DrainError
	p.publish(ctx, ev)
}

func (p *Publisher) RotationCompleted(ctx context.Context, report rotation.Report) {
	ev := p.newEvent(TypeRotationCompleted, report.Plan)
	ev.Nodes = len(report.Nodes)
	ev.DurationMS = report.Duration().Milliseconds()
	p.publish(ctx, ev)
}

func (p *Publisher) RotationAborted(ctx context.Context, plan rotation.Plan, err *rotation.PhaseError) {
	ev := p.newEvent(TypeRotationAborted, plan)
	ev.Phase = string(err.Phase)
	ev.Error = err.Err.Error()
	p.publish(ctx, ev)
}

func (p *Publisher) newEvent(eventType string, plan rotation.Plan) RotationEvent {
	return RotationEvent{
		ID:      uuid.NewString(),
		RunID:   p.runID,
		Type:    eventType,
		Time:    p.now().UTC(),
		Role:    plan.Role,
		Marker:  plan.Marker,
		Group:   plan.Group,
		Resumed: plan.Resumed,
	}
}

func (p *Publisher) publish(ctx context.Context, ev RotationEvent) {
	if err := p.Publish(ctx, ev); err != nil {
		p.logger.Warn("Failed to publish rotation event", "type", ev.Type, "error", err)
	}
}

// Publish sends one event. It still goes out when ctx is already cancelled,
// so an interrupted run reports its abort.
func (p *Publisher) Publish(ctx context.Context, ev RotationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal rotation event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			eventTypeAttributeName: {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Type),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(ev.Role + "-" + ev.Marker)
		input.MessageDeduplicationId = aws.String(ev.ID)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	out, err := p.sqsClient.SendMessage(sendCtx, input)
	if err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}

	p.logger.Debug("Published rotation event",
		"type", ev.Type,
		"message_id", aws.ToString(out.MessageId))
	return nil
}
