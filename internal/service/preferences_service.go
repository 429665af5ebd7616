package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/quiethours"
	"github.com/notifyhub/push-delivery/internal/repository"
)

// PreferencesService exposes preference reads and writes to the HTTP layer.
type PreferencesService struct {
	prefs  repository.PreferencesRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewPreferencesService(prefs repository.PreferencesRepository, logger *zap.Logger) *PreferencesService {
	return &PreferencesService{
		prefs:  prefs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the user's preferences, materializing defaults on first read.
func (s *PreferencesService) Get(ctx context.Context, userID string) (*domain.UserPreferences, error) {
	return s.prefs.GetOrCreate(ctx, userID)
}

// Update replaces the user's preferences wholesale.
func (s *PreferencesService) Update(ctx context.Context, userID string, p *domain.UserPreferences) (*domain.UserPreferences, error) {
	if err := validateQuietHours(p.QuietHours); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidContent, err)
	}
	if p.MaxDaily < 0 {
		return nil, fmt.Errorf("%w: maxDailyNotifications must not be negative", domain.ErrInvalidContent)
	}

	existing, err := s.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.UserID = userID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	if err := s.prefs.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetCategories flips individual category toggles without touching the
// rest of the document. Used by the bulk toggle endpoint.
func (s *PreferencesService) SetCategories(ctx context.Context, userID string, toggles map[domain.Category]bool) (*domain.UserPreferences, error) {
	for c := range toggles {
		if !c.IsValid() {
			return nil, fmt.Errorf("%w: unknown category %q", domain.ErrInvalidContent, c)
		}
	}

	p, err := s.prefs.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.NotificationTypes == nil {
		p.NotificationTypes = make(map[domain.Category]bool)
	}
	for c, enabled := range toggles {
		p.NotificationTypes[c] = enabled
	}
	p.UpdatedAt = s.now()
	if err := s.prefs.Save(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Debug("category toggles updated",
		zap.String("userId", userID), zap.Int("changed", len(toggles)))
	return p, nil
}

// validateQuietHours runs a dry evaluation so a bad timezone or HH:MM
// string is rejected at write time rather than at delivery time.
func validateQuietHours(qh domain.QuietHours) error {
	if !qh.Enabled {
		return nil
	}
	probe := &domain.UserPreferences{QuietHours: qh}
	_, err := quiethours.Check(probe, time.Now().UTC())
	return err
}
