package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
	"github.com/lalithlochan/flock/internal/metrics"
)

// OutcomeUnknown is recorded on deliveries that never reported an outcome.
const OutcomeUnknown = "delivery outcome unknown"

const reconcileBatch = 500

// ReconcileResult counts what one reconciliation pass repaired.
type ReconcileResult struct {
	StaleDeliveries    int
	FinalizedCampaigns int
}

// Reconcile repairs state left behind by interrupted sends. Deliveries still
// Pending after olderThan become Failed, so they can be resent. Campaigns
// stuck in Sending with no pending deliveries are finalized from their
// delivery records; recipients without a record count as failed.
func (e *Engine) Reconcile(ctx context.Context, olderThan time.Duration) (ReconcileResult, error) {
	var res ReconcileResult
	cutoff := e.now().Add(-olderThan)

	stale, err := e.store.FailStalePending(ctx, cutoff, OutcomeUnknown, reconcileBatch)
	if err != nil {
		return res, fmt.Errorf("fail stale deliveries: %w", err)
	}
	res.StaleDeliveries = len(stale)
	metrics.RecordReconciled("deliveries", len(stale))

	stuck, err := e.store.ListStuckCampaigns(ctx, cutoff, reconcileBatch)
	if err != nil {
		return res, fmt.Errorf("list stuck campaigns: %w", err)
	}

	for _, c := range stuck {
		counts, err := e.store.CountDeliveries(ctx, c.ID)
		if err != nil {
			return res, fmt.Errorf("count deliveries: %w", err)
		}
		if counts[db.DeliveryPending] > 0 {
			continue
		}

		succeeded := min(counts[db.DeliverySent], c.TotalRecipients)
		failed := c.TotalRecipients - succeeded
		status := db.CampaignSent
		if failed > 0 {
			status = db.CampaignFailed
		}

		err = e.store.CompleteCampaign(ctx, c.ID, succeeded, failed, status, e.now())
		if errors.Is(err, db.ErrStateConflict) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("finalize campaign: %w", err)
		}

		res.FinalizedCampaigns++
		e.logger.Warn("stuck campaign finalized", zap.String("campaign_id", c.ID.String()))
		e.finished(ctx, c.ID, status, c.TotalRecipients, succeeded, failed)
	}
	metrics.RecordReconciled("campaigns", res.FinalizedCampaigns)

	return res, nil
}
