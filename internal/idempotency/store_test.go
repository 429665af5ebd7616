package idempotency

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *repository.MockIdempotencyRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	repo := repository.NewMockIdempotencyRepository()
	return NewStore(c, repo, zap.NewNop()), mr, repo
}

func TestIntentKey(t *testing.T) {
	got := IntentKey("like.created", "u1", "u2", "post-9")
	want := "intent:like.created:u1:u2:post-9"
	if got != want {
		t.Fatalf("IntentKey = %q, want %q", got, want)
	}
	if k := IntentKey("user.followed", "u1", "u2", ""); k != "" {
		t.Fatalf("expected empty key without resource, got %q", k)
	}
	if k := EventKey("user.followed", "evt-1"); k != "event:user.followed:evt-1" {
		t.Fatalf("EventKey = %q", k)
	}
}

func TestMarkProcessedThenDuplicate(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	key := EventKey("comment.created", "evt-42")

	if store.IsDuplicate(ctx, key) {
		t.Fatal("fresh key reported as duplicate")
	}
	err := store.MarkProcessed(ctx, key, &domain.IdempotencyRecord{
		EventID:   "evt-42",
		EventType: "comment.created",
		UserID:    "u1",
	})
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !store.IsDuplicate(ctx, key) {
		t.Fatal("processed key not reported as duplicate")
	}
}

func TestDuplicateFallsThroughToDurable(t *testing.T) {
	store, mr, repo := newTestStore(t)
	ctx := context.Background()
	key := EventKey("user.followed", "evt-7")

	// Seed only the durable tier, as if another instance processed it
	// and redis was since flushed.
	now := time.Now().UTC()
	if err := repo.Upsert(ctx, &domain.IdempotencyRecord{
		Key: key, EventID: "evt-7", EventType: "user.followed",
		ProcessedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed durable tier: %v", err)
	}
	mr.FlushAll()

	if !store.IsDuplicate(ctx, key) {
		t.Fatal("durable-tier record not detected")
	}
}

func TestDurableOutageFailsOpen(t *testing.T) {
	store, mr, repo := newTestStore(t)
	ctx := context.Background()
	mr.Close()
	repo.Err = errors.New("connection refused")

	if store.IsDuplicate(ctx, EventKey("like.created", "evt-1")) {
		t.Fatal("expected fail-open on full outage")
	}
}

func TestTryAcquireLock(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()
	key := EventKey("mention.created", "evt-3")

	if !store.TryAcquireLock(ctx, key) {
		t.Fatal("first acquire should succeed")
	}
	if store.TryAcquireLock(ctx, key) {
		t.Fatal("second acquire should fail while held")
	}
	store.ReleaseLock(ctx, key)
	if !store.TryAcquireLock(ctx, key) {
		t.Fatal("acquire after release should succeed")
	}

	// Redis down: lock fails open.
	mr.Close()
	if !store.TryAcquireLock(ctx, key) {
		t.Fatal("lock should fail open on redis outage")
	}
}

func TestLocalSetEviction(t *testing.T) {
	store, _, _ := newTestStore(t)
	for i := 0; i < localCapacity+5; i++ {
		store.remember(EventKey("like.created", strconv.Itoa(i)))
	}
	store.mu.Lock()
	n := len(store.local)
	store.mu.Unlock()
	if n != localCapacity {
		t.Fatalf("local set size = %d, want %d", n, localCapacity)
	}
}
