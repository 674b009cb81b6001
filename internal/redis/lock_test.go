package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSendLock_Exclusive(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := NewSendLock(client, zap.NewNop())
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "campaign:1", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("first Acquire() = %q, %v, %v", token, ok, err)
	}

	if _, ok, err := lock.Acquire(ctx, "campaign:1", time.Minute); err != nil || ok {
		t.Fatalf("second Acquire() ok = %v, err = %v, want held", ok, err)
	}

	if _, ok, _ := lock.Acquire(ctx, "campaign:2", time.Minute); !ok {
		t.Error("other key should be free")
	}

	if err := lock.Release(ctx, "campaign:1", token); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := lock.Acquire(ctx, "campaign:1", time.Minute); !ok {
		t.Error("lock should be free after release")
	}
}

func TestSendLock_ReleaseKeepsForeignLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := NewSendLock(client, zap.NewNop())
	ctx := context.Background()

	stale, _, _ := lock.Acquire(ctx, "campaign:1", time.Second)
	mr.FastForward(2 * time.Second)

	fresh, ok, err := lock.Acquire(ctx, "campaign:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() after expiry = %v, %v", ok, err)
	}

	if err := lock.Release(ctx, "campaign:1", stale); err != nil {
		t.Fatal(err)
	}
	if got, _ := mr.Get("flock:lock:campaign:1"); got != fresh {
		t.Errorf("lock value = %q, want the new holder's token", got)
	}
}
