package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/flock/internal/db"
	"github.com/lalithlochan/flock/internal/dispatch"
	"github.com/lalithlochan/flock/internal/events"
	"github.com/lalithlochan/flock/internal/metrics"
	"github.com/lalithlochan/flock/internal/sqs"
)

var (
	// ErrInvalidState is returned when a campaign is not in a status that
	// allows the operation.
	ErrInvalidState = dispatch.ErrInvalidState

	// ErrEmptyRecipientSet is returned when a member rule matches nobody.
	// The campaign stays in Draft.
	ErrEmptyRecipientSet = errors.New("empty recipient set")

	ErrInvalidCampaign = errors.New("invalid campaign")
)

// Store is the campaign persistence the engine needs. *db.Repository implements it.
type Store interface {
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	BeginSending(ctx context.Context, id uuid.UUID, total int) error
	CompleteCampaign(ctx context.Context, id uuid.UUID, succeeded, failed int, status string, sentAt time.Time) error
	IncrementCounters(ctx context.Context, id uuid.UUID, succeeded, failed int) (*db.Campaign, error)
	FailStalePending(ctx context.Context, cutoff time.Time, reason string, limit int) ([]*db.DeliveryRecord, error)
	ListStuckCampaigns(ctx context.Context, cutoff time.Time, limit int) ([]*db.Campaign, error)
	CountDeliveries(ctx context.Context, campaignID uuid.UUID) (map[string]int, error)
}

// Dispatcher delivers one message. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*db.DeliveryRecord, error)
}

// Queue accepts per-recipient jobs for workers. *sqs.Queue implements it.
type Queue interface {
	EnqueueJobs(ctx context.Context, jobs []sqs.Job) ([]sqs.Job, error)
}

// Locker guards a campaign against concurrent Execute calls across
// processes. *redis.SendLock implements it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Publisher announces finished campaigns. *events.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Config tunes the engine.
type Config struct {
	Concurrency int           // in-process dispatch workers
	LockTTL     time.Duration // how long a send lock is held at most
}

// Engine creates and executes campaigns.
type Engine struct {
	store      Store
	resolver   *Resolver
	dispatcher Dispatcher
	queue      Queue
	locker     Locker
	publisher  Publisher
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

func NewEngine(store Store, resolver *Resolver, d Dispatcher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Engine{
		store:      store,
		resolver:   resolver,
		dispatcher: d,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetQueue switches Execute to queued fan-out.
func (e *Engine) SetQueue(q Queue) { e.queue = q }

// SetLocker enables the cross-process send lock.
func (e *Engine) SetLocker(l Locker) { e.locker = l }

// SetPublisher enables campaign.finished events.
func (e *Engine) SetPublisher(p Publisher) { e.publisher = p }

// CreateInput is the content of a new campaign.
type CreateInput struct {
	Name        string          `json:"name"`
	Channel     string          `json:"channel"`
	Subject     string          `json:"subject"`
	Body        string          `json:"body"`
	Rule        json.RawMessage `json:"rule"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// Result summarizes one Execute call.
type Result struct {
	CampaignID uuid.UUID            `json:"campaign_id"`
	Status     string               `json:"status"`
	Total      int                  `json:"total"`
	Succeeded  int                  `json:"succeeded"`
	Failed     int                  `json:"failed"`
	Queued     bool                 `json:"queued"`
	Deliveries []*db.DeliveryRecord `json:"deliveries,omitempty"`
}

// Create stores a new Draft campaign.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*db.Campaign, error) {
	in.Name = strings.TrimSpace(in.Name)
	switch {
	case in.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	case in.Channel != db.ChannelEmail && in.Channel != db.ChannelSMS:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidCampaign, in.Channel)
	case in.Channel == db.ChannelEmail && strings.TrimSpace(in.Subject) == "":
		return nil, fmt.Errorf("%w: email campaigns need a subject", ErrInvalidCampaign)
	case strings.TrimSpace(in.Body) == "":
		return nil, fmt.Errorf("%w: body is required", ErrInvalidCampaign)
	}
	if _, err := ParseRule(in.Rule); err != nil {
		return nil, err
	}

	c := &db.Campaign{
		ID:          uuid.New(),
		Name:        in.Name,
		Channel:     in.Channel,
		Subject:     in.Subject,
		Body:        in.Body,
		Rule:        in.Rule,
		Status:      db.CampaignDraft,
		ScheduledAt: in.ScheduledAt,
	}
	if err := e.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Preview resolves rule without touching any campaign.
func (e *Engine) Preview(ctx context.Context, raw json.RawMessage, channel string) ([]Recipient, error) {
	rule, err := ParseRule(raw)
	if err != nil {
		return nil, err
	}
	return e.resolver.Resolve(ctx, rule, channel)
}

// Execute sends a Draft campaign to its resolved recipients.
//
// In-process mode dispatches through a bounded pool and returns once every
// recipient has a terminal delivery record; counters are a reduction over
// those outcomes. Queued mode moves the campaign to Sending, enqueues one
// job per recipient and returns; workers finish it through ProcessJob.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID) (*Result, error) {
	if e.locker != nil {
		key := "campaign:send:" + id.String()
		token, ok, err := e.locker.Acquire(ctx, key, e.config.LockTTL)
		switch {
		case err != nil:
			// the Draft guard in BeginSending still holds without the lock
			e.logger.Warn("send lock unavailable", zap.Error(err), zap.String("campaign_id", id.String()))
		case !ok:
			metrics.RecordSendLockContended()
			return nil, fmt.Errorf("%w: campaign %s is already being sent", ErrInvalidState, id)
		default:
			defer func() {
				if err := e.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					e.logger.Warn("failed to release send lock", zap.Error(err), zap.String("campaign_id", id.String()))
				}
			}()
		}
	}

	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != db.CampaignDraft {
		return nil, fmt.Errorf("%w: campaign %s is %s", ErrInvalidState, id, c.Status)
	}

	rule, err := ParseRule(c.Rule)
	if err != nil {
		return nil, err
	}
	recipients, err := e.resolver.Resolve(ctx, rule, c.Channel)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrEmptyRecipientSet)
	}

	if err := e.store.BeginSending(ctx, id, len(recipients)); err != nil {
		if errors.Is(err, db.ErrStateConflict) {
			return nil, fmt.Errorf("%w: campaign %s left draft", ErrInvalidState, id)
		}
		return nil, err
	}
	metrics.RecordCampaignRecipients(len(recipients))

	e.logger.Info("campaign sending",
		zap.String("campaign_id", id.String()),
		zap.String("channel", c.Channel),
		zap.Int("total", len(recipients)),
		zap.Bool("queued", e.queue != nil),
	)

	// From here the campaign must reach a terminal status even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if e.queue != nil {
		return e.enqueue(ctx, c, recipients)
	}
	return e.fanOut(ctx, c, recipients)
}

func (e *Engine) fanOut(ctx context.Context, c *db.Campaign, recipients []Recipient) (*Result, error) {
	records := make([]*db.DeliveryRecord, len(recipients))

	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)
	for i, r := range recipients {
		g.Go(func() error {
			records[i] = e.deliver(ctx, c, r.Name, r.Address)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, rec := range records {
		if rec != nil && rec.Status == db.DeliverySent {
			succeeded++
		}
	}
	failed := len(recipients) - succeeded

	status := db.CampaignSent
	if failed > 0 {
		status = db.CampaignFailed
	}

	if err := e.store.CompleteCampaign(ctx, c.ID, succeeded, failed, status, e.now()); err != nil {
		return nil, fmt.Errorf("complete campaign: %w", err)
	}
	e.finished(ctx, c.ID, status, len(recipients), succeeded, failed)

	return &Result{
		CampaignID: c.ID,
		Status:     status,
		Total:      len(recipients),
		Succeeded:  succeeded,
		Failed:     failed,
		Deliveries: records,
	}, nil
}

// deliver dispatches one personalized message. Storage failures are logged
// and the recipient counts as failed.
func (e *Engine) deliver(ctx context.Context, c *db.Campaign, name, address string) *db.DeliveryRecord {
	id := c.ID
	rec, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Address:    address,
		Name:       name,
		Subject:    dispatch.Personalize(c.Subject, name),
		Body:       dispatch.Personalize(c.Body, name),
		Channel:    c.Channel,
		CampaignID: &id,
	})
	if err != nil {
		e.logger.Error("campaign delivery not recorded",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
			zap.String("address", address),
		)
	}
	return rec
}

func (e *Engine) enqueue(ctx context.Context, c *db.Campaign, recipients []Recipient) (*Result, error) {
	jobs := make([]sqs.Job, len(recipients))
	for i, r := range recipients {
		jobs[i] = sqs.Job{CampaignID: c.ID, Address: r.Address, Name: r.Name}
	}

	failed, err := e.queue.EnqueueJobs(ctx, jobs)
	if err != nil {
		e.logger.Warn("some campaign jobs were not enqueued, sending them inline",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
			zap.Int("count", len(failed)),
		)
	}
	for _, job := range failed {
		if err := e.ProcessJob(ctx, job); err != nil {
			e.logger.Error("inline campaign job failed",
				zap.Error(err),
				zap.String("campaign_id", c.ID.String()),
			)
		}
	}

	return &Result{
		CampaignID: c.ID,
		Status:     db.CampaignSending,
		Total:      len(recipients),
		Queued:     true,
	}, nil
}

// ProcessJob delivers one queued recipient and counts its outcome on the
// campaign. Redelivered jobs and jobs for campaigns that are no longer
// Sending are acknowledged without sending. A returned error means the job
// should be retried.
func (e *Engine) ProcessJob(ctx context.Context, job sqs.Job) error {
	metrics.IncCampaignJobsInFlight()
	defer metrics.DecCampaignJobsInFlight()

	c, err := e.store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			e.logger.Warn("job for unknown campaign", zap.String("campaign_id", job.CampaignID.String()))
			return nil
		}
		return err
	}
	if c.Status != db.CampaignSending {
		e.logger.Info("skipping job for finished campaign",
			zap.String("campaign_id", c.ID.String()),
			zap.String("status", c.Status),
		)
		return nil
	}

	id := c.ID
	rec, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Address:    job.Address,
		Name:       job.Name,
		Subject:    dispatch.Personalize(c.Subject, job.Name),
		Body:       dispatch.Personalize(c.Body, job.Name),
		Channel:    c.Channel,
		CampaignID: &id,
	})
	if errors.Is(err, db.ErrDuplicateDelivery) {
		e.logger.Debug("duplicate campaign job", zap.String("campaign_id", c.ID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch campaign job: %w", err)
	}

	succeeded, failed := 0, 1
	if rec.Status == db.DeliverySent {
		succeeded, failed = 1, 0
	}

	updated, err := e.store.IncrementCounters(ctx, c.ID, succeeded, failed)
	if errors.Is(err, db.ErrStateConflict) {
		e.logger.Warn("campaign counters not updated, campaign already finalized",
			zap.String("campaign_id", c.ID.String()),
			zap.String("delivery_id", rec.ID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}

	if updated.Status != db.CampaignSending {
		e.finished(ctx, c.ID, updated.Status, updated.TotalRecipients, updated.SucceededCount, updated.FailedCount)
	}
	return nil
}

// finished records a campaign reaching its terminal status.
func (e *Engine) finished(ctx context.Context, id uuid.UUID, status string, total, succeeded, failed int) {
	metrics.RecordCampaignFinished(status)
	e.logger.Info("campaign finished",
		zap.String("campaign_id", id.String()),
		zap.String("status", status),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)

	if e.publisher == nil {
		return
	}
	err := e.publisher.Publish(ctx, events.Event{
		Type:       events.CampaignFinished,
		CampaignID: id,
		Status:     status,
		Total:      total,
		Succeeded:  succeeded,
		Failed:     failed,
		OccurredAt: e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("failed to publish campaign event", zap.Error(err), zap.String("campaign_id", id.String()))
	}
}
