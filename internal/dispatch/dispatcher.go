package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
	"github.com/lalithlochan/flock/internal/metrics"
	"github.com/lalithlochan/flock/internal/transport"
)

// ErrInvalidState is returned when an operation is not allowed from the
// current status of a delivery or campaign.
var ErrInvalidState = errors.New("invalid state")

// ErrNoAddress is the error text recorded for recipients without an address.
const ErrNoAddress = "no address"

// Store is the persistence the dispatcher needs. *db.Repository implements it.
type Store interface {
	CreateDelivery(ctx context.Context, d *db.DeliveryRecord) error
	FinishDelivery(ctx context.Context, id uuid.UUID, status, errMsg string, sentAt *time.Time) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	ClaimForResend(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	MarkBounced(ctx context.Context, id uuid.UUID, reason string) (*db.DeliveryRecord, error)
	ShiftFailedToSucceeded(ctx context.Context, campaignID uuid.UUID) (*db.Campaign, error)
	ShiftSucceededToFailed(ctx context.Context, campaignID uuid.UUID) (*db.Campaign, error)
}

// Request is one message for one recipient.
type Request struct {
	Address    string
	Name       string
	Subject    string
	Body       string
	Channel    string
	CampaignID *uuid.UUID
}

// Dispatcher sends single messages and records every attempt as a delivery record.
type Dispatcher struct {
	store     Store
	transport transport.Transport
	renderer  *Renderer
	logger    *zap.Logger
	now       func() time.Time
}

func New(store Store, t transport.Transport, renderer *Renderer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		transport: t,
		renderer:  renderer,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch attempts delivery of req and returns the resulting record.
//
// Transport failures never surface as errors: they are recorded on the
// returned record with status Failed. A non-nil error means the record
// itself could not be written; the returned record still carries the
// outcome of the attempt when one was made. A duplicate campaign delivery
// returns an error wrapping db.ErrDuplicateDelivery without sending.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*db.DeliveryRecord, error) {
	rec := &db.DeliveryRecord{
		ID:         uuid.New(),
		CampaignID: req.CampaignID,
		Channel:    req.Channel,
		Address:    strings.TrimSpace(req.Address),
		Name:       req.Name,
		Subject:    req.Subject,
		Body:       req.Body,
	}

	if err := d.store.CreateDelivery(ctx, rec); err != nil {
		if errors.Is(err, db.ErrDuplicateDelivery) {
			return rec, err
		}
		d.logger.Error("failed to create delivery record",
			zap.Error(err),
			zap.String("channel", rec.Channel),
		)
		if rec.Address == "" {
			rec.Status, rec.Error = db.DeliveryFailed, ErrNoAddress
		} else {
			rec.Status, rec.Error = db.DeliveryFailed, "delivery record not persisted"
		}
		return rec, fmt.Errorf("create delivery: %w", err)
	}

	if rec.Address == "" {
		d.logger.Warn("recipient has no address",
			zap.String("delivery_id", rec.ID.String()),
			zap.String("name", rec.Name),
			zap.String("channel", rec.Channel),
		)
		metrics.RecordDelivery(rec.Channel, db.DeliveryFailed, 0)
		return rec, d.finish(ctx, rec, db.DeliveryFailed, ErrNoAddress)
	}

	return rec, d.attempt(ctx, rec)
}

// Resend re-runs delivery for a Failed or Bounced record with its stored
// content. The same record is updated in place and its attempt count grows
// by one. When the retry succeeds, the parent campaign's counters move one
// unit from failed to succeeded.
func (d *Dispatcher) Resend(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	rec, err := d.store.ClaimForResend(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrStateConflict) {
			return nil, d.invalidState(ctx, id, "resend")
		}
		return nil, err
	}

	d.logger.Info("resending delivery",
		zap.String("delivery_id", rec.ID.String()),
		zap.Int("attempts", rec.Attempts),
	)

	if rec.Address == "" {
		return rec, d.finish(ctx, rec, db.DeliveryFailed, ErrNoAddress)
	}

	if err := d.attempt(ctx, rec); err != nil {
		return rec, err
	}

	if rec.Status == db.DeliverySent && rec.CampaignID != nil {
		c, err := d.store.ShiftFailedToSucceeded(ctx, *rec.CampaignID)
		switch {
		case errors.Is(err, db.ErrStateConflict):
			// counters already have no failures to move
		case err != nil:
			return rec, fmt.Errorf("update campaign counters: %w", err)
		default:
			d.logger.Info("campaign counters updated after resend",
				zap.String("campaign_id", c.ID.String()),
				zap.Int("succeeded", c.SucceededCount),
				zap.Int("failed", c.FailedCount),
				zap.String("status", c.Status),
			)
		}
	}

	return rec, nil
}

// MarkBounced records a provider bounce for a Sent record and moves one unit
// of the parent campaign from succeeded to failed.
func (d *Dispatcher) MarkBounced(ctx context.Context, id uuid.UUID, reason string) (*db.DeliveryRecord, error) {
	if reason == "" {
		reason = "bounced"
	}

	rec, err := d.store.MarkBounced(ctx, id, reason)
	if err != nil {
		if errors.Is(err, db.ErrStateConflict) {
			return nil, d.invalidState(ctx, id, "bounce")
		}
		return nil, err
	}

	metrics.RecordDelivery(rec.Channel, db.DeliveryBounced, 0)

	if rec.CampaignID != nil {
		if _, err := d.store.ShiftSucceededToFailed(ctx, *rec.CampaignID); err != nil && !errors.Is(err, db.ErrStateConflict) {
			return rec, fmt.Errorf("update campaign counters: %w", err)
		}
	}

	return rec, nil
}

// attempt renders and sends rec, then stores the outcome.
func (d *Dispatcher) attempt(ctx context.Context, rec *db.DeliveryRecord) error {
	text, htmlBody, err := d.renderer.Render(rec.Channel, rec.Subject, rec.Body)
	if err != nil {
		return d.finish(ctx, rec, db.DeliveryFailed, err.Error())
	}

	start := d.now()
	sendErr := d.send(ctx, transport.Message{
		Channel: rec.Channel,
		To:      rec.Address,
		Name:    rec.Name,
		Subject: rec.Subject,
		Text:    text,
		HTML:    htmlBody,
		Ref:     rec.ID.String(),
	})
	elapsed := d.now().Sub(start)

	if sendErr != nil {
		d.logger.Warn("delivery failed",
			zap.String("delivery_id", rec.ID.String()),
			zap.String("channel", rec.Channel),
			zap.Error(sendErr),
		)
		metrics.RecordDelivery(rec.Channel, db.DeliveryFailed, elapsed)
		return d.finish(ctx, rec, db.DeliveryFailed, sendErr.Error())
	}

	metrics.RecordDelivery(rec.Channel, db.DeliverySent, elapsed)
	return d.finish(ctx, rec, db.DeliverySent, "")
}

// send calls the transport and converts a panic into an error, so a
// misbehaving transport still yields a Failed record.
func (d *Dispatcher) send(ctx context.Context, msg transport.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return d.transport.Send(ctx, msg)
}

func (d *Dispatcher) finish(ctx context.Context, rec *db.DeliveryRecord, status, errMsg string) error {
	rec.Status = status
	rec.Error = errMsg
	if status == db.DeliverySent {
		t := d.now()
		rec.SentAt = &t
	}

	// The outcome must be stored even when the caller's context is already cancelled.
	if err := d.store.FinishDelivery(context.WithoutCancel(ctx), rec.ID, status, errMsg, rec.SentAt); err != nil {
		d.logger.Error("failed to store delivery outcome",
			zap.Error(err),
			zap.String("delivery_id", rec.ID.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("finish delivery: %w", err)
	}
	return nil
}

func (d *Dispatcher) invalidState(ctx context.Context, id uuid.UUID, op string) error {
	rec, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s delivery in status %s", ErrInvalidState, op, rec.Status)
}
