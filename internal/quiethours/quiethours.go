// Package quiethours decides whether a notification may be delivered now
// or must wait for the end of the recipient's local quiet window.
package quiethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// Result of a quiet-hours check. NextAvailableAt is set only when IsQuiet.
type Result struct {
	IsQuiet         bool
	NextAvailableAt time.Time
	Config          *domain.QuietHours
}

// Check evaluates the user's quiet window at instant now.
// When start > end the window wraps midnight: inside means
// current >= start OR current < end.
func Check(prefs *domain.UserPreferences, now time.Time) (Result, error) {
	qh := prefs.QuietHours
	if !qh.Enabled {
		return Result{}, nil
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		return Result{}, fmt.Errorf("load timezone %q: %w", qh.Timezone, err)
	}
	local := now.In(loc)

	start, err := parseMinutes(qh.Start)
	if err != nil {
		return Result{}, err
	}
	end, err := parseMinutes(qh.End)
	if err != nil {
		return Result{}, err
	}

	current := local.Hour()*60 + local.Minute()

	var inside bool
	if start > end {
		inside = current >= start || current < end
	} else {
		inside = current >= start && current < end
	}
	if !inside {
		return Result{Config: &qh}, nil
	}

	// Next instant at which local time equals the window end.
	endToday := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, loc)
	next := endToday
	if !endToday.After(local) {
		next = endToday.AddDate(0, 0, 1)
	}

	return Result{IsQuiet: true, NextAvailableAt: next.UTC(), Config: &qh}, nil
}

// IsUrgent reports whether a notification bypasses quiet hours.
func IsUrgent(category domain.Category, priority domain.Priority, urgent bool) bool {
	if urgent {
		return true
	}
	if priority == domain.PriorityHigh || priority == domain.PriorityCritical {
		return true
	}
	switch category {
	case domain.CategoryMention, domain.CategoryMessage, domain.CategoryAlert, domain.CategorySecurity:
		return true
	}
	return false
}

func parseMinutes(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return h*60 + m, nil
}
