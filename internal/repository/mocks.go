package repository

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// In-memory mocks for the smaller repositories, used across unit tests.

type MockDeviceRepository struct {
	mu      sync.Mutex
	devices map[string]*domain.Device
}

func NewMockDeviceRepository() *MockDeviceRepository {
	return &MockDeviceRepository{devices: make(map[string]*domain.Device)}
}

var _ DeviceRepository = (*MockDeviceRepository)(nil)

func (m *MockDeviceRepository) Upsert(ctx context.Context, d *domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.IsActive = true
	cp.FailureCount = 0
	m.devices[d.ID] = &cp
	return nil
}

func (m *MockDeviceRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MockDeviceRepository) FindActiveByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Device
	for _, d := range m.devices {
		if d.UserID == userID && d.IsActive && d.PushSettings.Enabled {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockDeviceRepository) RefreshToken(ctx context.Context, id, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.DeviceToken = token
	d.LastSeen = at
	d.IsActive = true
	d.FailureCount = 0
	return nil
}

func (m *MockDeviceRepository) Deactivate(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.IsActive = false
	t := at
	d.DeactivatedAt = &t
	if d.Metadata == nil {
		d.Metadata = map[string]string{}
	}
	d.Metadata["deactivationReason"] = reason
	return nil
}

func (m *MockDeviceRepository) RecordFailure(ctx context.Context, id string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	d.FailureCount++
	t := at
	d.LastFailure = &t
	return d.FailureCount, nil
}

func (m *MockDeviceRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.FailureCount = 0
	d.LastSeen = at
	return nil
}

func (m *MockDeviceRepository) DeactivateStale(ctx context.Context, lastSeenBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, d := range m.devices {
		if d.IsActive && d.LastSeen.Before(lastSeenBefore) {
			d.IsActive = false
			t := now
			d.DeactivatedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *MockDeviceRepository) DeleteDeactivatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.devices {
		if !d.IsActive && d.DeactivatedAt != nil && d.DeactivatedAt.Before(cutoff) {
			delete(m.devices, id)
			n++
		}
	}
	return n, nil
}

type MockPreferencesRepository struct {
	mu    sync.Mutex
	prefs map[string]*domain.UserPreferences
}

func NewMockPreferencesRepository() *MockPreferencesRepository {
	return &MockPreferencesRepository{prefs: make(map[string]*domain.UserPreferences)}
}

var _ PreferencesRepository = (*MockPreferencesRepository)(nil)

func (m *MockPreferencesRepository) GetOrCreate(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[userID]; ok {
		cp := *p
		return &cp, nil
	}
	p := domain.DefaultPreferences(userID)
	m.prefs[userID] = p
	cp := *p
	return &cp, nil
}

func (m *MockPreferencesRepository) Save(ctx context.Context, p *domain.UserPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.prefs[p.UserID] = &cp
	return nil
}

type MockGroupRepository struct {
	mu     sync.Mutex
	groups map[string]*domain.GroupNotification
}

func NewMockGroupRepository() *MockGroupRepository {
	return &MockGroupRepository{groups: make(map[string]*domain.GroupNotification)}
}

var _ GroupRepository = (*MockGroupRepository)(nil)

func (m *MockGroupRepository) Create(ctx context.Context, g *domain.GroupNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *MockGroupRepository) GetByID(ctx context.Context, id string) (*domain.GroupNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MockGroupRepository) FindActive(ctx context.Context, since *time.Time, limit int) ([]*domain.GroupNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []*domain.GroupNotification
	for _, g := range m.groups {
		if !g.IsActive {
			continue
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			continue
		}
		if since != nil && g.CreatedAt.Before(*since) {
			continue
		}
		cp := *g
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockGroupRepository) IncrementViewCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return domain.ErrNotFound
	}
	g.ViewCount++
	return nil
}

func (m *MockGroupRepository) IncrementClickCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return domain.ErrNotFound
	}
	g.ClickCount++
	return nil
}

func (m *MockGroupRepository) ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, g := range m.groups {
		if n >= int64(batchSize) {
			break
		}
		if g.CreatedAt.Before(cutoff) {
			delete(m.groups, id)
			n++
		}
	}
	return n, nil
}

type MockOutboxRepository struct {
	mu         sync.Mutex
	events     map[string]*domain.OutboxEvent
	maxRetries int
}

func NewMockOutboxRepository(maxRetries int) *MockOutboxRepository {
	return &MockOutboxRepository{events: make(map[string]*domain.OutboxEvent), maxRetries: maxRetries}
}

var _ OutboxRepository = (*MockOutboxRepository)(nil)

func (m *MockOutboxRepository) Append(ctx context.Context, e *domain.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.EventID == e.EventID {
			return nil
		}
	}
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *MockOutboxRepository) AppendTx(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) error {
	return m.Append(ctx, e)
}

func (m *MockOutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.OutboxEvent
	for _, e := range m.events {
		if !e.Published && e.RetryCount < m.maxRetries {
			cp := *e
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Published = true
	t := at
	e.PublishedAt = &t
	return nil
}

func (m *MockOutboxRepository) IncrementRetry(ctx context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.RetryCount++
	e.LastError = &lastError
	return nil
}

func (m *MockOutboxRepository) Stats(ctx context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var unpublished, dead int64
	for _, e := range m.events {
		if e.Published {
			continue
		}
		if e.RetryCount >= m.maxRetries {
			dead++
		} else {
			unpublished++
		}
	}
	return unpublished, dead, nil
}

// Get returns the stored event by event ID. Test helper.
func (m *MockOutboxRepository) Get(eventID string) *domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.EventID == eventID {
			cp := *e
			return &cp
		}
	}
	return nil
}

type MockIdempotencyRepository struct {
	mu   sync.Mutex
	recs map[string]*domain.IdempotencyRecord
	Err  error // when set, all operations fail with it
}

func NewMockIdempotencyRepository() *MockIdempotencyRepository {
	return &MockIdempotencyRepository{recs: make(map[string]*domain.IdempotencyRecord)}
}

var _ IdempotencyRepository = (*MockIdempotencyRepository)(nil)

func (m *MockIdempotencyRepository) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	_, ok := m.recs[key]
	return ok, nil
}

func (m *MockIdempotencyRepository) Upsert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *rec
	m.recs[rec.Key] = &cp
	return nil
}

func (m *MockIdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.recs {
		if !rec.ExpiresAt.After(now) {
			delete(m.recs, k)
			n++
		}
	}
	return n, nil
}

type MockDeliveryLogRepository struct {
	mu      sync.Mutex
	entries map[string]*domain.DeliveryLogEntry
}

func NewMockDeliveryLogRepository() *MockDeliveryLogRepository {
	return &MockDeliveryLogRepository{entries: make(map[string]*domain.DeliveryLogEntry)}
}

var _ DeliveryLogRepository = (*MockDeliveryLogRepository)(nil)

func (m *MockDeliveryLogRepository) Record(ctx context.Context, e *domain.DeliveryLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.NotificationID + "/" + e.DeviceID
	if existing, ok := m.entries[key]; ok {
		existing.Status = e.Status
		existing.AttemptCount++
		existing.LastError = e.LastError
		existing.NextRetryAt = e.NextRetryAt
		if e.SentAt != nil {
			existing.SentAt = e.SentAt
		}
		return nil
	}
	cp := *e
	m.entries[key] = &cp
	return nil
}

func (m *MockDeliveryLogRepository) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DeliveryLogEntry
	for _, e := range m.entries {
		if e.Status == "failed" && e.NextRetryAt != nil && !e.NextRetryAt.After(now) {
			cp := *e
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockDeliveryLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
