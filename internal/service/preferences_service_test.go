package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

func TestPreferencesGetMaterializesDefaults(t *testing.T) {
	svc := NewPreferencesService(repository.NewMockPreferencesRepository(), zap.NewNop())
	p, err := svc.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.NotificationTypes[domain.CategorySocial] {
		t.Fatal("defaults must enable the social category")
	}
	if p.QuietHours.Enabled {
		t.Fatal("quiet hours must default to disabled")
	}
}

func TestPreferencesUpdateValidatesQuietHours(t *testing.T) {
	svc := NewPreferencesService(repository.NewMockPreferencesRepository(), zap.NewNop())
	ctx := context.Background()

	bad := []domain.QuietHours{
		{Enabled: true, Start: "25:00", End: "08:00", Timezone: "UTC"},
		{Enabled: true, Start: "22:00", End: "8am", Timezone: "UTC"},
		{Enabled: true, Start: "22:00", End: "08:00", Timezone: "Mars/Olympus"},
	}
	for _, qh := range bad {
		p := domain.DefaultPreferences("u1")
		p.QuietHours = qh
		if _, err := svc.Update(ctx, "u1", p); !errors.Is(err, domain.ErrInvalidContent) {
			t.Errorf("quiet hours %+v accepted, want ErrInvalidContent", qh)
		}
	}

	// A disabled window is stored without validation so clients can keep
	// a half-edited draft.
	p := domain.DefaultPreferences("u1")
	p.QuietHours = domain.QuietHours{Start: "25:00", End: "xx", Timezone: "nowhere"}
	if _, err := svc.Update(ctx, "u1", p); err != nil {
		t.Fatalf("disabled quiet hours rejected: %v", err)
	}
}

func TestPreferencesUpdatePreservesCreatedAt(t *testing.T) {
	repo := repository.NewMockPreferencesRepository()
	svc := NewPreferencesService(repo, zap.NewNop())
	ctx := context.Background()

	orig, _ := svc.Get(ctx, "u1")
	p := domain.DefaultPreferences("u1")
	p.MaxDaily = 50
	updated, err := svc.Update(ctx, "u1", p)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.CreatedAt.Equal(orig.CreatedAt) {
		t.Error("update must not rewrite createdAt")
	}
	if updated.MaxDaily != 50 {
		t.Errorf("maxDaily = %d", updated.MaxDaily)
	}
}

func TestSetCategories(t *testing.T) {
	repo := repository.NewMockPreferencesRepository()
	svc := NewPreferencesService(repo, zap.NewNop())
	ctx := context.Background()

	p, err := svc.SetCategories(ctx, "u1", map[domain.Category]bool{
		domain.CategoryLike:    false,
		domain.CategoryMention: true,
	})
	if err != nil {
		t.Fatalf("SetCategories: %v", err)
	}
	if p.NotificationTypes[domain.CategoryLike] {
		t.Error("like toggle not applied")
	}
	if !p.NotificationTypes[domain.CategoryComment] {
		t.Error("untouched categories must keep their defaults")
	}

	if _, err := svc.SetCategories(ctx, "u1", map[domain.Category]bool{"spam": true}); !errors.Is(err, domain.ErrInvalidContent) {
		t.Fatalf("unknown category err = %v, want ErrInvalidContent", err)
	}
}
