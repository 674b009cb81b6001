package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxBatch is the SQS limit on entries per SendMessageBatch call.
const maxBatch = 10

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Job is one queued campaign delivery: a single recipient of a campaign.
type Job struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Address    string    `json:"address"`
	Name       string    `json:"name"`
	EnqueuedAt int64     `json:"enqueued_at"`
}

// Received is a job read from the queue together with its receipt.
type Received struct {
	Job           Job
	ReceiptHandle string
	ReceiveCount  int
}

type api interface {
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue produces and consumes campaign jobs on one SQS queue.
type Queue struct {
	client   api
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a queue client for cfg.QueueURL.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Queue{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// EnqueueJobs sends jobs in batches of ten. It returns the jobs that could not
// be enqueued, so the caller can account for them; err is set when any
// batch call failed outright.
func (q *Queue) EnqueueJobs(ctx context.Context, jobs []Job) ([]Job, error) {
	var failed []Job
	var lastErr error

	for start := 0; start < len(jobs); start += maxBatch {
		end := min(start+maxBatch, len(jobs))
		batch := jobs[start:end]

		entries := make([]types.SendMessageBatchRequestEntry, 0, len(batch))
		for i := range batch {
			batch[i].EnqueuedAt = q.now().UnixNano()
			body, err := json.Marshal(batch[i])
			if err != nil {
				return nil, fmt.Errorf("failed to marshal job: %w", err)
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(i)),
				MessageBody: aws.String(string(body)),
			})
		}

		out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(q.queueURL),
			Entries:  entries,
		})
		if err != nil {
			q.logger.Error("failed to send job batch to sqs",
				zap.Error(err),
				zap.Int("batch_size", len(batch)),
			)
			failed = append(failed, batch...)
			lastErr = fmt.Errorf("sqs send batch failed: %w", err)
			continue
		}

		for _, f := range out.Failed {
			i, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || i < 0 || i >= len(batch) {
				continue
			}
			q.logger.Warn("sqs rejected job",
				zap.String("code", aws.ToString(f.Code)),
				zap.String("message", aws.ToString(f.Message)),
				zap.String("campaign_id", batch[i].CampaignID.String()),
			)
			failed = append(failed, batch[i])
		}
	}

	return failed, lastErr
}

// Receive long-polls for up to max jobs. Malformed messages are deleted and skipped.
func (q *Queue) Receive(ctx context.Context, max int32) ([]Received, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	received := make([]Received, 0, len(out.Messages))
	for _, m := range out.Messages {
		var job Job
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
			q.logger.Error("dropping malformed job", zap.Error(err))
			_ = q.Delete(ctx, aws.ToString(m.ReceiptHandle))
			continue
		}
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		received = append(received, Received{
			Job:           job,
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  count,
		})
	}

	return received, nil
}

// Delete removes a message after it was processed.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Delay makes a message visible again after the given number of seconds.
func (q *Queue) Delay(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
