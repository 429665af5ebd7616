package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/push-delivery/internal/api/middleware"
	"github.com/notifyhub/push-delivery/internal/auth"
	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/inbox"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/service"
	"github.com/notifyhub/push-delivery/internal/stampede"
)

type routerEnv struct {
	handler http.Handler
	devices *repository.MockDeviceRepository
	notifs  *repository.MockNotificationRepository
	limiter *apimw.UserRateLimiter
}

type followNobody struct{}

func (followNobody) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	return false, nil
}

func newRouterEnv(t *testing.T, rateLimit int) *routerEnv {
	t.Helper()
	logger := zap.NewNop()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)

	devices := repository.NewMockDeviceRepository()
	notifs := repository.NewMockNotificationRepository()
	groups := repository.NewMockGroupRepository()
	outboxRepo := repository.NewMockOutboxRepository(10)
	guard := stampede.New(c, logger)

	ib := inbox.NewService(notifs, groups, c, guard, followNobody{}, 30*time.Second, time.Hour, logger)
	verifier := auth.NewVerifier("test-key", "", "internal-secret", c, logger)
	limiter := apimw.NewUserRateLimiter(rateLimit)

	h := NewRouter(Deps{
		Devices:       service.NewDeviceService(devices, logger),
		Preferences:   service.NewPreferencesService(repository.NewMockPreferencesRepository(), logger),
		Notifications: service.NewNotificationService(notifs, devices, logger),
		Inbox:         ib,
		Verifier:      verifier,
		RateLimit:     limiter,
		Cache:         c,
		NotifRepo:     notifs,
		OutboxRepo:    outboxRepo,
		Registry:      prometheus.NewRegistry(),
		Logger:        logger,
	})
	return &routerEnv{handler: h, devices: devices, notifs: notifs, limiter: limiter}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-" + userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + tok
}

func (e *routerEnv) do(t *testing.T, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	e := newRouterEnv(t, 100)
	if rec := e.do(t, http.MethodGet, "/api/v1/notifications", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/v1/notifications", "Bearer garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	e := newRouterEnv(t, 100)
	rec := e.do(t, http.MethodPost, "/api/v1/devices/register", bearer(t, "u1"), map[string]string{
		"deviceId": "d1",
		"platform": "android",
		"fcmToken": "tok-1",
		"userId":   "someone-else", // must be overridden by the token
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		DeviceID    string `json:"deviceId"`
		UnreadCount int    `json:"unreadCount"`
		Success     bool   `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DeviceID != "d1" || !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}

	d, err := e.devices.GetByID(context.Background(), "d1")
	if err != nil {
		t.Fatalf("device not stored: %v", err)
	}
	if d.UserID != "u1" {
		t.Fatalf("owner = %q, token identity must win over the payload", d.UserID)
	}
}

func TestRegisterDeviceValidationStatus(t *testing.T) {
	e := newRouterEnv(t, 100)
	rec := e.do(t, http.MethodPost, "/api/v1/devices/register", bearer(t, "u1"), map[string]string{
		"deviceId": "d1", "platform": "blackberry", "fcmToken": "t",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestInboxListEndpoint(t *testing.T) {
	e := newRouterEnv(t, 100)
	now := time.Now().UTC()
	e.notifs.Put(&domain.Notification{
		ID: "n1", UserID: "u1", Title: "t", Body: "b",
		Category: domain.CategorySocial, Priority: domain.PriorityNormal,
		Status: domain.StatusSent, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})

	rec := e.do(t, http.MethodGet, "/api/v1/notifications?limit=10", bearer(t, "u1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Notifications []map[string]any `json:"notifications"`
		HasMore       bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Notifications) != 1 {
		t.Fatalf("items = %d, want 1", len(page.Notifications))
	}

	// Another user's inbox is empty, not shared.
	rec = e.do(t, http.MethodGet, "/api/v1/notifications", bearer(t, "u2"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(`"n1"`)) {
		t.Fatal("cross-user leak")
	}
}

func TestInboxBadCursorIs422(t *testing.T) {
	e := newRouterEnv(t, 100)
	rec := e.do(t, http.MethodGet, "/api/v1/notifications?cursor=%21%21", bearer(t, "u1"), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	e := newRouterEnv(t, 1) // 1 rps, burst 2
	authz := bearer(t, "u1")
	var last int
	for i := 0; i < 5; i++ {
		last = e.do(t, http.MethodGet, "/api/v1/notifications", authz, nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after burst", last)
	}
	// Other users are unaffected.
	if rec := e.do(t, http.MethodGet, "/api/v1/notifications", bearer(t, "u2"), nil); rec.Code != http.StatusOK {
		t.Fatalf("other user status = %d, want 200", rec.Code)
	}
}

func TestInternalSurfaceAuth(t *testing.T) {
	e := newRouterEnv(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/internal/outbox/stats", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no secret: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/internal/outbox/stats", nil)
	req.Header.Set("X-Internal-Token", "internal-secret")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with secret: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var stats map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := stats["dead"]; !ok {
		t.Fatal("stats body missing dead count")
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	e := newRouterEnv(t, 100)
	authz := bearer(t, "u1")

	rec := e.do(t, http.MethodGet, "/api/v1/preferences", authz, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/preferences/categories", authz, map[string]any{
		"categories": map[string]bool{"like": false},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status = %d body = %s", rec.Code, rec.Body.String())
	}
	var p domain.UserPreferences
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.NotificationTypes[domain.CategoryLike] {
		t.Fatal("like toggle not applied")
	}
}
