// Package stampede protects slow fetch functions from cache-miss storms.
// It combines request coalescing (singleflight) with a two-tier
// stale-while-revalidate cache.
package stampede

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/notifyhub/push-delivery/internal/cache"
)

// maxInFlight bounds how long late callers may attach to an in-flight
// fetch before a fresh call is started.
const maxInFlight = 30 * time.Second

// FetchFunc produces the value for a key. Values are serialized strings;
// callers own the encoding.
type FetchFunc func(ctx context.Context) (string, error)

// Options tune one GetOrSetWithSWR call.
type Options struct {
	Fresh           time.Duration // age below which the cached value is authoritative
	Stale           time.Duration // additional age during which it is served while refreshed
	UseDurableCache bool          // also read/write the redis tier
}

type memEntry struct {
	value    string
	storedAt time.Time
}

// envelope is the durable-cache representation, carrying age metadata.
type envelope struct {
	Value    string    `json:"v"`
	StoredAt time.Time `json:"at"`
}

// Guard is a per-process stampede guard. The in-memory tier smooths bursts;
// the redis tier and lock coordinate refreshes across processes.
type Guard struct {
	cache  *cache.Cache
	logger *zap.Logger
	now    func() time.Time

	sf       singleflight.Group
	started  sync.Map // key → time the in-flight call started
	mu       sync.Mutex
	mem      map[string]memEntry
	refresh  sync.Map // keys with a background refresh in progress
}

func New(c *cache.Cache, logger *zap.Logger) *Guard {
	return &Guard{
		cache:  c,
		logger: logger,
		now:    time.Now,
		mem:    make(map[string]memEntry),
	}
}

// Coalesce attaches concurrent callers for key to one in-flight fn call.
// A call older than maxInFlight is abandoned and a fresh one started.
func (g *Guard) Coalesce(ctx context.Context, key string, fn FetchFunc) (string, error) {
	if t, ok := g.started.Load(key); ok {
		if g.now().Sub(t.(time.Time)) > maxInFlight {
			g.sf.Forget(key)
			g.started.Delete(key)
		}
	}
	v, err, _ := g.sf.Do(key, func() (any, error) {
		g.started.Store(key, g.now())
		defer g.started.Delete(key)
		return fn(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetOrSetWithSWR returns the cached value for key, refreshing it in the
// background once it turns stale. A value older than Fresh+Stale is never
// returned.
func (g *Guard) GetOrSetWithSWR(ctx context.Context, key string, fn FetchFunc, opts Options) (string, error) {
	now := g.now()

	if v, age, ok := g.lookupMemory(key, now, opts.Fresh+opts.Stale); ok {
		return g.serve(ctx, key, v, age, fn, opts), nil
	}

	if opts.UseDurableCache {
		if v, age, ok := g.lookupDurable(ctx, key, now, opts); ok {
			g.storeMemory(key, v, now.Add(-age))
			return g.serve(ctx, key, v, age, fn, opts), nil
		}
	}

	// Full miss: fetch coalesced and populate both tiers.
	v, err := g.Coalesce(ctx, key, fn)
	if err != nil {
		return "", err
	}
	g.store(ctx, key, v, opts)
	return v, nil
}

// Invalidate drops key from both tiers.
func (g *Guard) Invalidate(ctx context.Context, key string) {
	g.mu.Lock()
	delete(g.mem, key)
	g.mu.Unlock()
	if g.cache != nil {
		if err := g.cache.Del(ctx, "swr:"+key); err != nil {
			g.logger.Debug("swr invalidate failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (g *Guard) serve(ctx context.Context, key, value string, age time.Duration, fn FetchFunc, opts Options) string {
	if age >= opts.Fresh {
		g.refreshInBackground(ctx, key, fn, opts)
	}
	return value
}

func (g *Guard) lookupMemory(key string, now time.Time, maxAge time.Duration) (string, time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.mem[key]
	if !ok {
		return "", 0, false
	}
	age := now.Sub(e.storedAt)
	if age >= maxAge {
		delete(g.mem, key)
		return "", 0, false
	}
	return e.value, age, true
}

func (g *Guard) lookupDurable(ctx context.Context, key string, now time.Time, opts Options) (string, time.Duration, bool) {
	if g.cache == nil {
		return "", 0, false
	}
	raw, err := g.cache.Get(ctx, "swr:"+key)
	if err != nil {
		return "", 0, false
	}
	var env envelope
	if json.Unmarshal([]byte(raw), &env) != nil {
		return "", 0, false
	}
	age := now.Sub(env.StoredAt)
	if age >= opts.Fresh+opts.Stale {
		return "", 0, false
	}
	return env.Value, age, true
}

func (g *Guard) refreshInBackground(ctx context.Context, key string, fn FetchFunc, opts Options) {
	if _, already := g.refresh.LoadOrStore(key, struct{}{}); already {
		return
	}

	// Across processes, the redis lock elects one refresher. Lock failure
	// (cache down) degrades to per-process refreshing.
	if opts.UseDurableCache && g.cache != nil {
		ok, err := g.cache.SetNX(ctx, "swr_refresh:"+key, "1", opts.Fresh)
		if err == nil && !ok {
			g.refresh.Delete(key)
			return
		}
	}

	go func() {
		defer g.refresh.Delete(key)
		refreshCtx, cancel := context.WithTimeout(context.Background(), maxInFlight)
		defer cancel()

		v, err := fn(refreshCtx)
		if err != nil {
			// Stale value remains served until it ages out entirely.
			g.logger.Warn("swr background refresh failed", zap.String("key", key), zap.Error(err))
			return
		}
		g.store(refreshCtx, key, v, opts)
	}()
}

func (g *Guard) store(ctx context.Context, key, value string, opts Options) {
	now := g.now()
	g.storeMemory(key, value, now)
	if !opts.UseDurableCache || g.cache == nil {
		return
	}
	raw, _ := json.Marshal(envelope{Value: value, StoredAt: now})
	if err := g.cache.Set(ctx, "swr:"+key, string(raw), opts.Fresh+opts.Stale); err != nil {
		g.logger.Debug("swr durable store failed", zap.String("key", key), zap.Error(err))
	}
}

func (g *Guard) storeMemory(key, value string, storedAt time.Time) {
	g.mu.Lock()
	g.mem[key] = memEntry{value: value, storedAt: storedAt}
	g.mu.Unlock()
}

// Expire drops aged-out memory entries. Called opportunistically by the
// resource monitor to bound the map.
func (g *Guard) Expire(maxAge time.Duration) {
	cutoff := g.now().Add(-maxAge)
	g.mu.Lock()
	for k, e := range g.mem {
		if e.storedAt.Before(cutoff) {
			delete(g.mem, k)
		}
	}
	g.mu.Unlock()
}
