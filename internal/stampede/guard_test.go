package stampede_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/stampede"
)

func newGuard(t *testing.T) (*stampede.Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	return stampede.New(c, zap.NewNop()), mr
}

func TestCoalesce_SingleFlight(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "value", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := g.Coalesce(ctx, "k", fn)
			if err != nil {
				t.Errorf("coalesce error: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one underlying call, got %d", got)
	}
	for _, v := range results {
		if v != "value" {
			t.Fatalf("expected all callers to get the coalesced value, got %q", v)
		}
	}
}

func TestGetOrSetWithSWR_FreshHitSkipsFetch(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	opts := stampede.Options{Fresh: time.Minute, Stale: time.Minute, UseDurableCache: true}

	var calls int32
	fn := func(ctx context.Context) (string, error) {
		return fmt.Sprintf("call-%d", atomic.AddInt32(&calls, 1)), nil
	}

	v1, err := g.GetOrSetWithSWR(ctx, "k", fn, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := g.GetOrSetWithSWR(ctx, "k", fn, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v1 != "call-1" || v2 != "call-1" {
		t.Fatalf("expected fresh hit to reuse first value, got %q then %q", v1, v2)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestGetOrSetWithSWR_MissAfterFullExpiry(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	opts := stampede.Options{Fresh: 10 * time.Millisecond, Stale: 10 * time.Millisecond}

	var calls int32
	fn := func(ctx context.Context) (string, error) {
		return fmt.Sprintf("call-%d", atomic.AddInt32(&calls, 1)), nil
	}

	if _, err := g.GetOrSetWithSWR(ctx, "k", fn, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // beyond fresh+stale

	v, err := g.GetOrSetWithSWR(ctx, "k", fn, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "call-2" {
		t.Fatalf("expected a fresh fetch after full expiry, got %q", v)
	}
}

func TestGetOrSetWithSWR_StaleServedWhileRefreshing(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	opts := stampede.Options{Fresh: 10 * time.Millisecond, Stale: time.Minute}

	var calls int32
	fn := func(ctx context.Context) (string, error) {
		return fmt.Sprintf("call-%d", atomic.AddInt32(&calls, 1)), nil
	}

	if _, err := g.GetOrSetWithSWR(ctx, "k", fn, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // stale but not expired

	v, err := g.GetOrSetWithSWR(ctx, "k", fn, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "call-1" {
		t.Fatalf("expected the stale value to be served, got %q", v)
	}

	// The background refresh eventually replaces the value.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		v, _ = g.GetOrSetWithSWR(ctx, "k", fn, opts)
		if v == "call-2" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("background refresh never landed, last value %q", v)
}

func TestGetOrSetWithSWR_StaleSurvivesRefreshFailure(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	opts := stampede.Options{Fresh: 10 * time.Millisecond, Stale: time.Minute}

	var calls int32
	fn := func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			return "", errors.New("upstream down")
		}
		return "good", nil
	}

	if _, err := g.GetOrSetWithSWR(ctx, "k", fn, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	v, err := g.GetOrSetWithSWR(ctx, "k", fn, opts)
	if err != nil {
		t.Fatalf("stale read must not surface refresh errors: %v", err)
	}
	if v != "good" {
		t.Fatalf("expected the stale value, got %q", v)
	}
}
