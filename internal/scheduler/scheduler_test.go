package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/campaign"
	"github.com/lalithlochan/flock/internal/db"
)

type fakeDue struct {
	campaigns []*db.Campaign
	asOf      time.Time
}

func (f *fakeDue) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]*db.Campaign, error) {
	f.asOf = now
	return f.campaigns, nil
}

type fakeEngine struct {
	results    map[uuid.UUID]error
	executed   []uuid.UUID
	reconciled time.Duration
}

func (f *fakeEngine) Execute(ctx context.Context, id uuid.UUID) (*campaign.Result, error) {
	f.executed = append(f.executed, id)
	if err := f.results[id]; err != nil {
		return nil, err
	}
	return &campaign.Result{CampaignID: id, Status: db.CampaignSent, Total: 1}, nil
}

func (f *fakeEngine) Reconcile(ctx context.Context, olderThan time.Duration) (campaign.ReconcileResult, error) {
	f.reconciled = olderThan
	return campaign.ReconcileResult{StaleDeliveries: 2}, nil
}

func testConfig() Config {
	return Config{DueSpec: "@every 1m", ReconcileSpec: "@every 5m", ReconcileAfter: 30 * time.Minute}
}

func TestRunDue(t *testing.T) {
	ok, taken, broken := uuid.New(), uuid.New(), uuid.New()
	due := &fakeDue{campaigns: []*db.Campaign{{ID: ok}, {ID: taken}, {ID: broken}}}
	engine := &fakeEngine{results: map[uuid.UUID]error{
		taken:  fmt.Errorf("%w: already sending", campaign.ErrInvalidState),
		broken: errors.New("connection reset"),
	}}

	s, err := New(due, engine, testConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if got := s.RunDue(context.Background()); got != 1 {
		t.Errorf("RunDue() = %d, want 1", got)
	}
	if len(engine.executed) != 3 {
		t.Errorf("executed %d campaigns, want 3", len(engine.executed))
	}
	if !due.asOf.Equal(fixed) {
		t.Errorf("listed as of %v, want %v", due.asOf, fixed)
	}
}

func TestReconcileUsesWindow(t *testing.T) {
	engine := &fakeEngine{}
	s, err := New(&fakeDue{}, engine, testConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	s.Reconcile(context.Background())
	if engine.reconciled != 30*time.Minute {
		t.Errorf("reconcile window = %v", engine.reconciled)
	}
}

func TestNew_InvalidSpec(t *testing.T) {
	cfg := testConfig()
	cfg.DueSpec = "every minute please"
	if _, err := New(&fakeDue{}, &fakeEngine{}, cfg, zap.NewNop()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
