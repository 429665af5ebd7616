package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// MockNotificationRepository is an in-memory NotificationRepository used by
// unit tests. It mirrors the lease and intent-uniqueness semantics of the
// pgx implementation closely enough for worker and inbox tests.
type MockNotificationRepository struct {
	mu    sync.Mutex
	rows  map[string]*domain.Notification
	Clock func() time.Time
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		rows:  make(map[string]*domain.Notification),
		Clock: func() time.Time { return time.Now().UTC() },
	}
}

var _ NotificationRepository = (*MockNotificationRepository)(nil)

func (m *MockNotificationRepository) CreateOrGet(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ResourceID != nil {
		for _, existing := range m.rows {
			if existing.UserID == n.UserID && existing.Category == n.Category &&
				existing.ResourceID != nil && *existing.ResourceID == *n.ResourceID {
				cp := *existing
				return &cp, false, nil
			}
		}
	}
	cp := *n
	m.rows[n.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MockNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MockNotificationRepository) LeaseBatch(ctx context.Context, workerID string, batchSize int, lockTTL time.Duration, maxAttempts int) ([]*domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock()

	var due []*domain.Notification
	for _, n := range m.rows {
		if n.Status != domain.StatusPending && n.Status != domain.StatusScheduled {
			continue
		}
		if n.LockedBy != nil && n.LockExpiry != nil && n.LockExpiry.After(now) {
			continue
		}
		if n.ScheduleAt != nil && n.ScheduleAt.After(now) {
			continue
		}
		if !n.ExpiresAt.After(now) || n.Attempts >= maxAttempts {
			continue
		}
		due = append(due, n)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Urgent != due[j].Urgent {
			return due[i].Urgent
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	expiry := now.Add(lockTTL)
	var leased []*domain.Notification
	for _, n := range due {
		w, at, exp := workerID, now, expiry
		n.LockedBy, n.LockedAt, n.LockExpiry = &w, &at, &exp
		cp := *n
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (m *MockNotificationRepository) CommitDelivery(ctx context.Context, workerID string, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[n.ID]
	if !ok || row.LockedBy == nil || *row.LockedBy != workerID {
		return domain.ErrLeaseLost
	}
	row.Status = n.Status
	row.Devices = append([]domain.DeviceDelivery(nil), n.Devices...)
	row.Attempts = n.Attempts
	row.LastAttempt = n.LastAttempt
	row.ScheduleAt = n.ScheduleAt
	row.LockedBy, row.LockedAt, row.LockExpiry = nil, nil, nil
	return nil
}

func (m *MockNotificationRepository) Reschedule(ctx context.Context, id string, status domain.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Status = status
	t := at
	n.ScheduleAt = &t
	n.LockedBy, n.LockedAt, n.LockExpiry = nil, nil, nil
	return nil
}

func (m *MockNotificationRepository) MarkFailed(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Status = domain.StatusFailed
	n.Attempts++
	now := m.Clock()
	n.LastAttempt = &now
	n.LockedBy, n.LockedAt, n.LockExpiry = nil, nil, nil
	return nil
}

func (m *MockNotificationRepository) ReleaseWorkerLeases(ctx context.Context, workerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released int64
	for _, n := range m.rows {
		if n.LockedBy != nil && *n.LockedBy == workerID {
			n.LockedBy, n.LockedAt, n.LockExpiry = nil, nil, nil
			released++
		}
	}
	return released, nil
}

func (m *MockNotificationRepository) ListInbox(ctx context.Context, q domain.InboxQuery) ([]*domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*domain.Notification
	for _, n := range m.rows {
		if n.UserID != q.UserID {
			continue
		}
		if !q.IncludeRead && n.IsRead {
			continue
		}
		if q.Since != nil && n.CreatedAt.Before(*q.Since) {
			continue
		}
		if q.BeforeCreatedAt != nil && q.BeforeID != nil {
			if !(n.CreatedAt.Before(*q.BeforeCreatedAt) ||
				(n.CreatedAt.Equal(*q.BeforeCreatedAt) && n.ID < *q.BeforeID)) {
				continue
			}
		}
		cp := *n
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *MockNotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.rows {
		if n.UserID == userID && !n.IsRead && n.Status != domain.StatusCancelled {
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationRepository) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.rows {
		if n.UserID == userID && !n.CreatedAt.Before(since) && n.Status != domain.StatusCancelled {
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationRepository) MarkRead(ctx context.Context, id, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok || n.UserID != userID {
		return domain.ErrNotFound
	}
	n.IsRead = true
	t := at
	n.ReadAt = &t
	return nil
}

func (m *MockNotificationRepository) MarkReadBatch(ctx context.Context, ids []string, userID string, at time.Time) (int64, error) {
	var marked int64
	for _, id := range ids {
		if err := m.MarkRead(ctx, id, userID, at); err == nil {
			marked++
		}
	}
	return marked, nil
}

func (m *MockNotificationRepository) RecordInteraction(ctx context.Context, id string, in domain.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Interactions = append(n.Interactions, in)
	return nil
}

func (m *MockNotificationRepository) CancelExpiredScheduled(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cancelled int64
	for _, n := range m.rows {
		if (n.Status == domain.StatusPending || n.Status == domain.StatusScheduled) &&
			!n.ExpiresAt.After(now) {
			n.Status = domain.StatusCancelled
			n.LockedBy, n.LockedAt, n.LockExpiry = nil, nil, nil
			cancelled++
		}
	}
	return cancelled, nil
}

func (m *MockNotificationRepository) SweepFailedForRetry(ctx context.Context, lastAttemptBefore time.Time, maxAttempts int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept int64
	now := m.Clock()
	for _, n := range m.rows {
		if n.Status != domain.StatusFailed || n.Attempts >= maxAttempts {
			continue
		}
		if n.LastAttempt == nil || !n.LastAttempt.Before(lastAttemptBefore) || !n.ExpiresAt.After(now) {
			continue
		}
		n.Status = domain.StatusPending
		n.ScheduleAt = nil
		for i := range n.Devices {
			if n.Devices[i].Status == domain.DeviceFailed {
				n.Devices[i].Status = domain.DevicePending
			}
		}
		swept++
	}
	return swept, nil
}

func (m *MockNotificationRepository) ArchiveOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var archived int64
	for id, n := range m.rows {
		if archived >= int64(batchSize) {
			break
		}
		if n.CreatedAt.Before(cutoff) {
			delete(m.rows, id)
			archived++
		}
	}
	return archived, nil
}

func (m *MockNotificationRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.Status]int64)
	for _, n := range m.rows {
		counts[n.Status]++
	}
	return counts, nil
}

func (m *MockNotificationRepository) OldestPendingCreatedAt(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *time.Time
	for _, n := range m.rows {
		if n.Status != domain.StatusPending {
			continue
		}
		if oldest == nil || n.CreatedAt.Before(*oldest) {
			t := n.CreatedAt
			oldest = &t
		}
	}
	return oldest, nil
}

// Put seeds a row directly, bypassing intent uniqueness. Test helper.
func (m *MockNotificationRepository) Put(n *domain.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.rows[n.ID] = &cp
}

// Len reports the number of stored rows. Test helper.
func (m *MockNotificationRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
