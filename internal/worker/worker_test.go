package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/sqs"
)

type fakeQueue struct {
	mu      sync.Mutex
	batches [][]sqs.Received
	deleted []string
	delayed map[string]int32
	drained chan struct{}
}

func (q *fakeQueue) Receive(ctx context.Context, max int32) ([]sqs.Received, error) {
	q.mu.Lock()
	if len(q.batches) > 0 {
		b := q.batches[0]
		q.batches = q.batches[1:]
		q.mu.Unlock()
		return b, nil
	}
	q.mu.Unlock()

	select {
	case q.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) Delay(ctx context.Context, receiptHandle string, seconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delayed == nil {
		q.delayed = make(map[string]int32)
	}
	q.delayed[receiptHandle] = seconds
	return nil
}

type fakeProcessor struct {
	mu   sync.Mutex
	fail map[string]bool
	jobs []sqs.Job
}

func (p *fakeProcessor) ProcessJob(ctx context.Context, job sqs.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	if p.fail[job.Address] {
		return errors.New("database unavailable")
	}
	return nil
}

func received(handle, address string, count int) sqs.Received {
	return sqs.Received{
		Job:           sqs.Job{CampaignID: uuid.New(), Address: address},
		ReceiptHandle: handle,
		ReceiveCount:  count,
	}
}

func TestWorker_ProcessesAndAcknowledges(t *testing.T) {
	q := &fakeQueue{
		batches: [][]sqs.Received{{
			received("r1", "a@example.com", 1),
			received("r2", "b@example.com", 1),
			received("r3", "c@example.com", 3),
		}},
		drained: make(chan struct{}, 1),
	}
	p := &fakeProcessor{fail: map[string]bool{"b@example.com": true, "c@example.com": true}}
	w := New(q, p, Config{Consumers: 1, MaxRetries: 3}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	select {
	case <-q.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
	cancel()
	<-done

	if len(p.jobs) != 3 {
		t.Fatalf("processed %d jobs, want 3", len(p.jobs))
	}
	// r1 succeeded, r3 exhausted its retries
	if len(q.deleted) != 2 || q.deleted[0] != "r1" || q.deleted[1] != "r3" {
		t.Errorf("deleted = %v", q.deleted)
	}
	if q.delayed["r2"] != 60 {
		t.Errorf("r2 delay = %d, want 60", q.delayed["r2"])
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    int32
	}{
		{0, 60},
		{1, 60},
		{2, 300},
		{3, 900},
		{9, 900},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}
