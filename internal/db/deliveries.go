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

const deliveryColumns = `
	id, campaign_id, channel, address, recipient_name, subject, body,
	status, error_message, attempts, created_at, sent_at
`

// CreateDelivery inserts a Pending delivery record. A second record for the same
// campaign and address returns ErrDuplicateDelivery.
func (r *Repository) CreateDelivery(ctx context.Context, d *DeliveryRecord) error {
	if d.Attempts == 0 {
		d.Attempts = 1
	}
	d.Status = DeliveryPending

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO delivery_records (id, campaign_id, channel, address, recipient_name, subject, body, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`,
		d.ID,
		d.CampaignID,
		d.Channel,
		d.Address,
		d.Name,
		d.Subject,
		d.Body,
		d.Status,
		d.Attempts,
	).Scan(&d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("delivery to %s: %w", d.Address, ErrDuplicateDelivery)
		}
		return fmt.Errorf("insert delivery: %w", err)
	}

	return nil
}

// FinishDelivery moves a Pending record to its terminal status. Records that
// already have an outcome are left alone and ErrStateConflict is returned.
func (r *Repository) FinishDelivery(ctx context.Context, id uuid.UUID, status, errMsg string, sentAt *time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_records
		SET status = $2, error_message = $3, sent_at = $4
		WHERE id = $1 AND status = $5
	`, id, status, errMsg, sentAt, DeliveryPending)
	if err != nil {
		return fmt.Errorf("finish delivery: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s not pending: %w", id, ErrStateConflict)
	}

	return nil
}

// GetDelivery retrieves a delivery record by ID
func (r *Repository) GetDelivery(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDeliveries lists the records of a campaign, oldest first, optionally
// filtered by status.
func (r *Repository) ListDeliveries(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE campaign_id = $1`
	args := []any{campaignID}

	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	return records, nil
}

// CountDeliveries returns the number of records per status for a campaign.
func (r *Repository) CountDeliveries(ctx context.Context, campaignID uuid.UUID) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT status, COUNT(*) FROM delivery_records
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery counts: %w", err)
	}

	return counts, nil
}

// ClaimForResend moves a Failed or Bounced record back to Pending and bumps
// its attempt count. Only one concurrent caller wins; the rest get
// ErrStateConflict.
func (r *Repository) ClaimForResend(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, `
		UPDATE delivery_records
		SET status = $2, error_message = '', attempts = attempts + 1
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING `+deliveryColumns,
		id, DeliveryPending, DeliveryFailed, DeliveryBounced,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s not resendable: %w", id, ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("claim for resend: %w", err)
	}
	return d, nil
}

// MarkBounced records a provider bounce for a Sent record.
func (r *Repository) MarkBounced(ctx context.Context, id uuid.UUID, reason string) (*DeliveryRecord, error) {
	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, `
		UPDATE delivery_records
		SET status = $2, error_message = $3
		WHERE id = $1 AND status = $4
		RETURNING `+deliveryColumns,
		id, DeliveryBounced, reason, DeliverySent,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s not sent: %w", id, ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("mark bounced: %w", err)
	}
	return d, nil
}

// FailStalePending marks records still Pending after the cutoff as Failed with
// the given reason and returns them.
func (r *Repository) FailStalePending(ctx context.Context, cutoff time.Time, reason string, limit int) ([]*DeliveryRecord, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE delivery_records
		SET status = $1, error_message = $2
		WHERE id IN (
			SELECT id FROM delivery_records
			WHERE status = $3 AND created_at < $4
			ORDER BY created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		DeliveryFailed, reason, DeliveryPending, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fail stale deliveries: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale deliveries: %w", err)
	}

	if len(records) > 0 {
		r.logger.Warn("stale pending deliveries failed",
			zap.Int("count", len(records)),
			zap.Time("cutoff", cutoff),
		)
	}

	return records, nil
}

func scanDelivery(row pgx.Row) (*DeliveryRecord, error) {
	var d DeliveryRecord
	err := row.Scan(
		&d.ID,
		&d.CampaignID,
		&d.Channel,
		&d.Address,
		&d.Name,
		&d.Subject,
		&d.Body,
		&d.Status,
		&d.Error,
		&d.Attempts,
		&d.CreatedAt,
		&d.SentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	return &d, nil
}
