package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/push-delivery/internal/breaker"
	"github.com/notifyhub/push-delivery/internal/broker"
	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/repository"
)

const probeTimeout = 2 * time.Second

// HealthHandler serves the liveness, readiness, and detailed health probes.
type HealthHandler struct {
	pool          *pgxpool.Pool
	cache         *cache.Cache
	broker        *broker.Broker
	notifications repository.NotificationRepository
	outbox        repository.OutboxRepository
	breakers      map[string]*breaker.Breaker
}

func NewHealthHandler(
	pool *pgxpool.Pool,
	c *cache.Cache,
	b *broker.Broker,
	notifications repository.NotificationRepository,
	outbox repository.OutboxRepository,
	breakers map[string]*breaker.Breaker,
) *HealthHandler {
	return &HealthHandler{
		pool:          pool,
		cache:         c,
		broker:        b,
		notifications: notifications,
		outbox:        outbox,
		breakers:      breakers,
	}
}

// Live handles GET /health/live. Process-is-up, nothing else.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. All hard dependencies reachable.
// Redis is deliberately absent: every cache tier fails open, so a redis
// outage degrades latency, not correctness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	deps := map[string]string{}
	healthy := true

	if err := h.pool.Ping(ctx); err != nil {
		deps["postgres"] = err.Error()
		healthy = false
	} else {
		deps["postgres"] = "ok"
	}
	if !h.broker.Ready() {
		deps["rabbitmq"] = "connection closed"
		healthy = false
	} else {
		deps["rabbitmq"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	respondJSON(w, status, map[string]any{"status": state, "dependencies": deps})
}

// Detailed handles GET /health/detailed, the operator view: dependency
// probes plus pipeline depth and breaker states.
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	body := map[string]any{"status": "ok"}

	deps := map[string]string{"postgres": "ok", "redis": "ok", "rabbitmq": "ok"}
	if err := h.pool.Ping(ctx); err != nil {
		deps["postgres"] = err.Error()
		body["status"] = "degraded"
	}
	if err := h.cache.Ping(ctx); err != nil {
		deps["redis"] = err.Error()
		body["status"] = "degraded"
	}
	if !h.broker.Ready() {
		deps["rabbitmq"] = "connection closed"
		body["status"] = "degraded"
	}
	body["dependencies"] = deps

	if counts, err := h.notifications.CountByStatus(ctx); err == nil {
		body["notifications"] = counts
	}
	if pending, dead, err := h.outbox.Stats(ctx); err == nil {
		body["outbox"] = map[string]int64{"pending": pending, "dead": dead}
	}

	circuits := map[string]any{}
	for name, br := range h.breakers {
		stats := br.GetStats()
		circuits[name] = map[string]any{
			"state":     string(stats.State),
			"requests":  stats.Requests,
			"failures":  stats.Failures,
			"errorRate": stats.ErrorRate,
		}
	}
	body["circuits"] = circuits

	respondJSON(w, http.StatusOK, body)
}
