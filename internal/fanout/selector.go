package fanout

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/stampede"
)

// FollowerSource yields follower counts. Satisfied by followers.Client.
type FollowerSource interface {
	FollowerCount(ctx context.Context, userID string) (int64, error)
}

// Selector decides between fanout-on-write (personal rows) and
// fanout-on-read (one GroupNotification) based on the actor's reach.
type Selector struct {
	source    FollowerSource
	guard     *stampede.Guard
	threshold int64
	fresh     time.Duration
	stale     time.Duration
	logger    *zap.Logger
}

func NewSelector(source FollowerSource, guard *stampede.Guard, threshold int64, fresh, stale time.Duration, logger *zap.Logger) *Selector {
	return &Selector{
		source:    source,
		guard:     guard,
		threshold: threshold,
		fresh:     fresh,
		stale:     stale,
		logger:    logger,
	}
}

// ShouldUseFanoutOnRead reports whether the actor's reach crosses the
// group-notification threshold. A known count short-circuits the lookup.
// Lookup failure chooses fanout-on-write: better to write many small rows
// than to drop a large broadcast.
func (s *Selector) ShouldUseFanoutOnRead(ctx context.Context, actorUserID string, followerCount *int64) bool {
	if followerCount != nil {
		return *followerCount >= s.threshold
	}
	count, err := s.CachedFollowerCount(ctx, actorUserID)
	if err != nil {
		s.logger.Warn("follower count lookup failed, defaulting to fanout-on-write",
			zap.String("actorUserId", actorUserID), zap.Error(err))
		return false
	}
	return count >= s.threshold
}

// CachedFollowerCount reads the actor's follower count through the
// stampede guard so a burst of events for one celebrity produces a single
// follower-service call.
func (s *Selector) CachedFollowerCount(ctx context.Context, actorUserID string) (int64, error) {
	v, err := s.guard.GetOrSetWithSWR(ctx, "follower_count:"+actorUserID,
		func(ctx context.Context) (string, error) {
			count, err := s.source.FollowerCount(ctx, actorUserID)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(count, 10), nil
		},
		stampede.Options{Fresh: s.fresh, Stale: s.stale, UseDurableCache: true})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
