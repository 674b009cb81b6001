package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/flock/internal/db"
)

func TestReconcile(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, &fakeDirectory{}, &fakeDispatcher{})
	ctx := context.Background()

	done := &db.Campaign{ID: uuid.New(), Status: db.CampaignSending, TotalRecipients: 5}
	busy := &db.Campaign{ID: uuid.New(), Status: db.CampaignSending, TotalRecipients: 3}
	_ = store.CreateCampaign(ctx, done)
	_ = store.CreateCampaign(ctx, busy)

	// one recipient of done never got a record
	store.counts[done.ID] = map[string]int{db.DeliverySent: 3, db.DeliveryFailed: 1}
	store.counts[busy.ID] = map[string]int{db.DeliverySent: 1, db.DeliveryPending: 2}
	store.stale = []*db.DeliveryRecord{{ID: uuid.New(), Status: db.DeliveryFailed, Error: OutcomeUnknown}}

	res, err := e.Reconcile(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.StaleDeliveries != 1 || res.FinalizedCampaigns != 1 {
		t.Errorf("result = %+v", res)
	}

	got, _ := store.GetCampaign(ctx, done.ID)
	if got.Status != db.CampaignFailed || got.SucceededCount != 3 || got.FailedCount != 2 {
		t.Errorf("done campaign = %s %d/%d", got.Status, got.SucceededCount, got.FailedCount)
	}
	if got, _ := store.GetCampaign(ctx, busy.ID); got.Status != db.CampaignSending {
		t.Errorf("busy campaign status = %s, want sending", got.Status)
	}
}
