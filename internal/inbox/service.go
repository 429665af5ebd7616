package inbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/stampede"
)

const (
	maxPageSize     = 100
	defaultPageSize = 20
	groupScanLimit  = 100

	followFresh = 5 * time.Minute
	followStale = 10 * time.Minute
)

// FollowChecker reports follow relationships. Satisfied by
// followers.Client.
type FollowChecker interface {
	IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error)
}

// Item is one inbox entry, flattened across personal and group
// notifications.
type Item struct {
	Type      string         `json:"type"` // personal | group
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	ImageURL  *string        `json:"imageUrl,omitempty"`
	ActionURL *string        `json:"actionUrl,omitempty"`
	Category  string         `json:"category,omitempty"`
	Priority  string         `json:"priority"`
	IsRead    bool           `json:"isRead"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Page is one inbox read result.
type Page struct {
	Items      []Item  `json:"notifications"`
	NextCursor *string `json:"nextCursor,omitempty"`
	HasMore    bool    `json:"hasMore"`
	Total      int     `json:"total"`
}

// ListQuery selects an inbox page.
type ListQuery struct {
	UserID      string
	Limit       int
	Cursor      string
	IncludeRead bool
	Since       *time.Time
}

// Service merges the personal notification stream with active group
// notifications at read time: fanout-on-read.
type Service struct {
	notifications repository.NotificationRepository
	groups        repository.GroupRepository
	cache         *cache.Cache
	guard         *stampede.Guard
	follows       FollowChecker
	unreadTTL     time.Duration
	groupReadTTL  time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(
	notifications repository.NotificationRepository,
	groups repository.GroupRepository,
	c *cache.Cache,
	guard *stampede.Guard,
	follows FollowChecker,
	unreadTTL, groupReadTTL time.Duration,
	logger *zap.Logger,
) *Service {
	return &Service{
		notifications: notifications,
		groups:        groups,
		cache:         c,
		guard:         guard,
		follows:       follows,
		unreadTTL:     unreadTTL,
		groupReadTTL:  groupReadTTL,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// List returns one merged inbox page, newest first.
func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	cursor, err := DecodeCursor(q.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidContent, err)
	}

	repoQuery := domain.InboxQuery{
		UserID:      q.UserID,
		IncludeRead: q.IncludeRead,
		Since:       q.Since,
		Limit:       limit + 1,
	}
	if cursor != nil {
		repoQuery.BeforeCreatedAt = &cursor.CreatedAt
		repoQuery.BeforeID = &cursor.ID
	}
	personal, err := s.notifications.ListInbox(ctx, repoQuery)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	personalHasMore := len(personal) > limit
	if personalHasMore {
		personal = personal[:limit]
	}

	groupItems, err := s.relevantGroups(ctx, q, cursor)
	if err != nil {
		// Group expansion is additive; a failure degrades to the
		// personal stream instead of erroring the inbox.
		s.logger.Warn("group expansion failed", zap.Error(err))
		groupItems = nil
	}

	items := make([]Item, 0, len(personal)+len(groupItems))
	for _, n := range personal {
		items = append(items, personalItem(n))
	}
	items = append(items, groupItems...)
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})

	truncated := false
	if len(items) > limit {
		truncated = true
		items = items[:limit]
	}

	page := &Page{
		Items:   items,
		HasMore: personalHasMore || truncated,
		Total:   len(items),
	}
	// The cursor is the last item returned, whichever stream it came
	// from; both streams filter on the same (createdAt, id) tuple, so
	// items truncated off this page reappear on the next one exactly once.
	if len(items) > 0 {
		last := items[len(items)-1]
		c := Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
		page.NextCursor = &c
	} else if q.Cursor != "" {
		page.NextCursor = &q.Cursor
	}
	return page, nil
}

// beforeCursor is the keyset predicate shared with the repository query:
// strictly older, or same instant with a smaller id.
func beforeCursor(createdAt time.Time, id string, c *Cursor) bool {
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id < c.ID
}

func (s *Service) relevantGroups(ctx context.Context, q ListQuery, cursor *Cursor) ([]Item, error) {
	groups, err := s.groups.FindActive(ctx, q.Since, groupScanLimit)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, g := range groups {
		if g.ActorUserID == q.UserID || g.Excludes(q.UserID) {
			continue
		}
		if cursor != nil && !beforeCursor(g.CreatedAt, g.ID, cursor) {
			continue // already surfaced on an earlier page
		}
		relevant := g.Targets(q.UserID) || g.TargetAudience == domain.AudienceCustom
		if !relevant {
			following, err := s.cachedIsFollowing(ctx, q.UserID, g.ActorUserID)
			if err != nil {
				s.logger.Debug("follow check failed",
					zap.String("actorUserId", g.ActorUserID), zap.Error(err))
				continue
			}
			relevant = following
		}
		if !relevant {
			continue
		}
		read := s.groupRead(ctx, q.UserID, g.ID)
		if read && !q.IncludeRead {
			continue
		}
		items = append(items, groupItem(g, read))
	}
	return items, nil
}

func (s *Service) cachedIsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	v, err := s.guard.GetOrSetWithSWR(ctx,
		"is_following:"+followerID+":"+followeeID,
		func(ctx context.Context) (string, error) {
			ok, err := s.follows.IsFollowing(ctx, followerID, followeeID)
			if err != nil {
				return "", err
			}
			return strconv.FormatBool(ok), nil
		},
		stampede.Options{Fresh: followFresh, Stale: followStale, UseDurableCache: true})
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// UnreadCount returns the merged unread total, cached briefly to absorb
// badge-polling clients.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	key := unreadKey(userID)
	if v, err := s.cache.Get(ctx, key); err == nil {
		if count, err := strconv.Atoi(v); err == nil {
			return count, nil
		}
	}

	personal, err := s.notifications.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	groupUnread := 0
	groupItems, err := s.relevantGroups(ctx, ListQuery{UserID: userID}, nil)
	if err == nil {
		for _, it := range groupItems {
			if !it.IsRead {
				groupUnread++
			}
		}
	}
	total := personal + groupUnread

	if err := s.cache.Set(ctx, key, strconv.Itoa(total), s.unreadTTL); err != nil {
		s.logger.Debug("unread count cache write failed", zap.Error(err))
	}
	return total, nil
}

// MarkRead marks one personal or group notification read and invalidates
// the unread-count cache.
func (s *Service) MarkRead(ctx context.Context, userID, id, itemType string) error {
	switch itemType {
	case "group":
		if _, err := s.groups.GetByID(ctx, id); err != nil {
			return err
		}
		if err := s.cache.Set(ctx, groupReadKey(userID, id), "1", s.groupReadTTL); err != nil {
			return fmt.Errorf("mark group read: %w", err)
		}
		if err := s.groups.IncrementViewCount(ctx, id); err != nil {
			s.logger.Warn("view count increment failed",
				zap.String("groupId", id), zap.Error(err))
		}
	default:
		if err := s.notifications.MarkRead(ctx, id, userID, s.now()); err != nil {
			return err
		}
	}
	s.invalidateUnread(ctx, userID)
	return nil
}

// MarkReadBatch marks a set of personal notifications read, skipping ids
// that do not belong to the user.
func (s *Service) MarkReadBatch(ctx context.Context, userID string, ids []string) (int64, error) {
	marked, err := s.notifications.MarkReadBatch(ctx, ids, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark read batch: %w", err)
	}
	if marked > 0 {
		s.invalidateUnread(ctx, userID)
	}
	return marked, nil
}

// RecordClick tracks a click-through on a group notification.
func (s *Service) RecordClick(ctx context.Context, id string) error {
	return s.groups.IncrementClickCount(ctx, id)
}

func (s *Service) groupRead(ctx context.Context, userID, groupID string) bool {
	exists, err := s.cache.Exists(ctx, groupReadKey(userID, groupID))
	if err != nil {
		return false
	}
	return exists
}

func (s *Service) invalidateUnread(ctx context.Context, userID string) {
	if err := s.cache.Del(ctx, unreadKey(userID)); err != nil {
		s.logger.Debug("unread cache invalidation failed", zap.Error(err))
	}
}

func personalItem(n *domain.Notification) Item {
	item := Item{
		Type:      "personal",
		ID:        n.ID,
		Title:     n.Title,
		Body:      n.Body,
		Data:      n.Data,
		ImageURL:  n.ImageURL,
		Category:  string(n.Category),
		Priority:  string(n.Priority),
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	}
	return item
}

func groupItem(g *domain.GroupNotification, read bool) Item {
	return Item{
		Type:      "group",
		ID:        g.ID,
		Title:     g.Title,
		Body:      g.Body,
		Data:      g.Data,
		ImageURL:  g.ImageURL,
		ActionURL: g.ActionURL,
		Category:  g.EventType,
		Priority:  string(g.Priority),
		IsRead:    read,
		CreatedAt: g.CreatedAt,
	}
}

func unreadKey(userID string) string            { return "unread_count:" + userID }
func groupReadKey(userID, groupID string) string { return "group_read:" + userID + ":" + groupID }
