package quiethours_test

import (
	"testing"
	"time"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/quiethours"
)

func prefsWith(start, end, tz string) *domain.UserPreferences {
	p := domain.DefaultPreferences("u1")
	p.QuietHours = domain.QuietHours{Enabled: true, Start: start, End: end, Timezone: tz}
	return p
}

func TestCheck_Disabled(t *testing.T) {
	p := domain.DefaultPreferences("u1")
	res, err := quiethours.Check(p, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsQuiet {
		t.Fatal("disabled quiet hours must never be quiet")
	}
}

func TestCheck_WrappingWindow(t *testing.T) {
	p := prefsWith("22:00", "09:00", "America/New_York")
	ny, _ := time.LoadLocation("America/New_York")

	tests := []struct {
		name    string
		local   time.Time
		isQuiet bool
	}{
		{"23:30 is inside", time.Date(2026, 1, 15, 23, 30, 0, 0, ny), true},
		{"03:00 is inside", time.Date(2026, 1, 15, 3, 0, 0, 0, ny), true},
		{"08:59 is inside", time.Date(2026, 1, 15, 8, 59, 0, 0, ny), true},
		{"09:00 is outside", time.Date(2026, 1, 15, 9, 0, 0, 0, ny), false},
		{"12:00 is outside", time.Date(2026, 1, 15, 12, 0, 0, 0, ny), false},
		{"22:00 is inside", time.Date(2026, 1, 15, 22, 0, 0, 0, ny), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := quiethours.Check(p, tc.local.UTC())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.IsQuiet != tc.isQuiet {
				t.Fatalf("expected isQuiet=%v, got %v", tc.isQuiet, res.IsQuiet)
			}
		})
	}
}

func TestCheck_NextAvailableAt(t *testing.T) {
	ny, _ := time.LoadLocation("America/New_York")
	p := prefsWith("22:00", "09:00", "America/New_York")

	// 23:30 local: next availability is 09:00 tomorrow.
	now := time.Date(2026, 1, 15, 23, 30, 0, 0, ny)
	res, err := quiethours.Check(p, now.UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsQuiet {
		t.Fatal("expected quiet at 23:30")
	}
	want := time.Date(2026, 1, 16, 9, 0, 0, 0, ny).UTC()
	if !res.NextAvailableAt.Equal(want) {
		t.Fatalf("expected next available %v, got %v", want, res.NextAvailableAt)
	}

	// 03:00 local: next availability is 09:00 the same day.
	now = time.Date(2026, 1, 15, 3, 0, 0, 0, ny)
	res, _ = quiethours.Check(p, now.UTC())
	want = time.Date(2026, 1, 15, 9, 0, 0, 0, ny).UTC()
	if !res.NextAvailableAt.Equal(want) {
		t.Fatalf("expected next available %v, got %v", want, res.NextAvailableAt)
	}
}

func TestCheck_NonWrappingWindow(t *testing.T) {
	p := prefsWith("13:00", "15:00", "UTC")

	res, _ := quiethours.Check(p, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC))
	if !res.IsQuiet {
		t.Fatal("expected quiet inside a same-day window")
	}
	res, _ = quiethours.Check(p, time.Date(2026, 1, 15, 16, 0, 0, 0, time.UTC))
	if res.IsQuiet {
		t.Fatal("expected not quiet outside a same-day window")
	}
}

func TestCheck_BadTimezone(t *testing.T) {
	p := prefsWith("22:00", "09:00", "Not/AZone")
	if _, err := quiethours.Check(p, time.Now()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestIsUrgent(t *testing.T) {
	tests := []struct {
		name     string
		category domain.Category
		priority domain.Priority
		urgent   bool
		want     bool
	}{
		{"explicit urgent flag", domain.CategorySocial, domain.PriorityLow, true, true},
		{"critical priority", domain.CategorySocial, domain.PriorityCritical, false, true},
		{"high priority", domain.CategorySocial, domain.PriorityHigh, false, true},
		{"mention category", domain.CategoryMention, domain.PriorityNormal, false, true},
		{"message category", domain.CategoryMessage, domain.PriorityLow, false, true},
		{"security category", domain.CategorySecurity, domain.PriorityLow, false, true},
		{"plain social", domain.CategorySocial, domain.PriorityNormal, false, false},
		{"plain like", domain.CategoryLike, domain.PriorityLow, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := quiethours.IsUrgent(tc.category, tc.priority, tc.urgent); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
