package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const campaignColumns = `
	id, name, channel, subject, body, rule, status, scheduled_at,
	total_recipients, succeeded_count, failed_count, sent_at, created_at, updated_at
`

// CreateCampaign inserts a new campaign.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (id, name, channel, subject, body, rule, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.ID,
		c.Name,
		c.Channel,
		c.Subject,
		c.Body,
		c.Rule,
		c.Status,
		c.ScheduledAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}

	r.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("channel", c.Channel),
	)

	return nil
}

// GetCampaign retrieves a campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := scanCampaign(r.db.Pool().QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// BeginSending moves a Draft campaign to Sending and fixes its recipient total.
// Counters are zeroed. Returns ErrStateConflict when the campaign is not a Draft,
// which makes the Draft exit happen exactly once.
func (r *Repository) BeginSending(ctx context.Context, id uuid.UUID, total int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaigns
		SET status = $2, total_recipients = $3, succeeded_count = 0, failed_count = 0, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, CampaignSending, total, CampaignDraft)
	if err != nil {
		return fmt.Errorf("begin sending: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s not in draft: %w", id, ErrStateConflict)
	}

	return nil
}

// CompleteCampaign stores the reduced counters of a Sending campaign and its
// final status.
func (r *Repository) CompleteCampaign(ctx context.Context, id uuid.UUID, succeeded, failed int, status string, sentAt time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaigns
		SET succeeded_count = $2, failed_count = $3, status = $4, sent_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6 AND $2 + $3 <= total_recipients
	`, id, succeeded, failed, status, sentAt, CampaignSending)
	if err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s not sending: %w", id, ErrStateConflict)
	}

	r.logger.Info("campaign completed",
		zap.String("campaign_id", id.String()),
		zap.String("status", status),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)

	return nil
}

// IncrementCounters atomically adds one outcome to a Sending campaign. The
// increment that brings succeeded+failed up to the total also finalizes the
// status and sent_at. Increments past the total match no row and return
// ErrStateConflict.
func (r *Repository) IncrementCounters(ctx context.Context, id uuid.UUID, succeeded, failed int) (*Campaign, error) {
	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, `
		UPDATE campaigns
		SET succeeded_count = succeeded_count + $2,
			failed_count = failed_count + $3,
			status = CASE
				WHEN succeeded_count + $2 + failed_count + $3 >= total_recipients
					THEN CASE WHEN failed_count + $3 = 0 THEN $5 ELSE $6 END
				ELSE status
			END,
			sent_at = CASE
				WHEN succeeded_count + $2 + failed_count + $3 >= total_recipients THEN NOW()
				ELSE sent_at
			END,
			updated_at = NOW()
		WHERE id = $1 AND status = $4
			AND succeeded_count + $2 + failed_count + $3 <= total_recipients
		RETURNING `+campaignColumns,
		id, succeeded, failed, CampaignSending, CampaignSent, CampaignFailed,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s counters: %w", id, ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("increment counters: %w", err)
	}
	return c, nil
}

// ShiftFailedToSucceeded moves one unit from failed_count to succeeded_count,
// bounded at zero and at the total. A campaign whose failures drop to zero
// becomes Sent. Campaigns with no failures are left untouched.
func (r *Repository) ShiftFailedToSucceeded(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, `
		UPDATE campaigns
		SET failed_count = GREATEST(failed_count - 1, 0),
			succeeded_count = LEAST(succeeded_count + 1, total_recipients),
			status = CASE WHEN status = $2 AND failed_count - 1 <= 0 THEN $3 ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND failed_count > 0
		RETURNING `+campaignColumns,
		id, CampaignFailed, CampaignSent,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s has no failures: %w", id, ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("shift failed to succeeded: %w", err)
	}
	return c, nil
}

// ShiftSucceededToFailed moves one unit from succeeded_count to failed_count
// after a bounce. A Sent campaign becomes Failed.
func (r *Repository) ShiftSucceededToFailed(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, `
		UPDATE campaigns
		SET succeeded_count = GREATEST(succeeded_count - 1, 0),
			failed_count = LEAST(failed_count + 1, total_recipients),
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND succeeded_count > 0
		RETURNING `+campaignColumns,
		id, CampaignSent, CampaignFailed,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s has no successes: %w", id, ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("shift succeeded to failed: %w", err)
	}
	return c, nil
}

// ListDueCampaigns returns Draft campaigns whose scheduled time has passed.
func (r *Repository) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	return r.listCampaigns(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`, CampaignDraft, now, limit)
}

// ListStuckCampaigns returns campaigns that have been Sending without progress
// since before the cutoff.
func (r *Repository) ListStuckCampaigns(ctx context.Context, cutoff time.Time, limit int) ([]*Campaign, error) {
	return r.listCampaigns(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, CampaignSending, cutoff, limit)
}

// ListCampaigns lists campaigns, newest first, optionally filtered by status.
func (r *Repository) ListCampaigns(ctx context.Context, status string, limit, offset int) ([]*Campaign, error) {
	if status == "" {
		return r.listCampaigns(ctx, `
			SELECT `+campaignColumns+` FROM campaigns
			ORDER BY created_at DESC LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	return r.listCampaigns(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE status = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, status, limit, offset)
}

func (r *Repository) listCampaigns(ctx context.Context, query string, args ...any) ([]*Campaign, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}

	return campaigns, nil
}

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Channel,
		&c.Subject,
		&c.Body,
		&c.Rule,
		&c.Status,
		&c.ScheduledAt,
		&c.TotalRecipients,
		&c.SucceededCount,
		&c.FailedCount,
		&c.SentAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	return &c, nil
}
