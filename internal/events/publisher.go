// Package events publishes campaign lifecycle events to an SNS topic so other
// systems (reporting, the admin UI) can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types
const (
	CampaignFinished = "campaign.finished"
)

// Event is the JSON payload published for a campaign that reached a
// terminal status.
type Event struct {
	Type       string    `json:"type"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	OccurredAt time.Time `json:"occurred_at"`
}

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends events to one topic.
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates a publisher for topicARN. A non-empty endpoint
// overrides the SNS endpoint, which is how LocalStack is reached.
func NewPublisher(ctx context.Context, region, topicARN, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Publisher{client: client, topicARN: topicARN, logger: logger}, nil
}

// Publish sends ev with its type and status as message attributes, so
// subscriptions can filter on them.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Type),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Status),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("event published",
		zap.String("type", ev.Type),
		zap.String("campaign_id", ev.CampaignID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
