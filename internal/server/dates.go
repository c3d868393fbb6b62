package server

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	daysAgoPattern     = regexp.MustCompile(`^(\d+)\s+days?\s+ago$`)
	lastWeekdayPattern = regexp.MustCompile(`^last\s+([a-z]+)$`)
	thisWeekdayPattern = regexp.MustCompile(`^this\s+([a-z]+)$`)
)

var weekdayByName = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// resolveRelativeDate maps a free-text date phrase to a concrete time.
// It never fails: anything unrecognized resolves to now. First match wins,
// so "last week" is checked before the generic "last <weekday>" form.
func resolveRelativeDate(phrase string, now time.Time) time.Time {
	normalized := strings.ToLower(strings.TrimSpace(phrase))
	if normalized == "" {
		return now
	}

	switch normalized {
	case "today", "now":
		return now
	case "yesterday":
		return now.AddDate(0, 0, -1)
	case "last week":
		return now.AddDate(0, 0, -7)
	}

	if match := daysAgoPattern.FindStringSubmatch(normalized); len(match) == 2 {
		if days, err := strconv.Atoi(match[1]); err == nil && days >= 0 {
			return now.AddDate(0, 0, -days)
		}
	}

	if match := lastWeekdayPattern.FindStringSubmatch(normalized); len(match) == 2 {
		if weekday, ok := weekdayByName[match[1]]; ok {
			// Strictly before now: when today is the named weekday we go a
			// full week back rather than returning today.
			delta := (int(now.Weekday()) - int(weekday) + 7) % 7
			if delta == 0 {
				delta = 7
			}
			return now.AddDate(0, 0, -delta)
		}
	}

	if match := thisWeekdayPattern.FindStringSubmatch(normalized); len(match) == 2 {
		if weekday, ok := weekdayByName[match[1]]; ok {
			delta := (int(weekday) - int(now.Weekday()) + 7) % 7
			return now.AddDate(0, 0, delta)
		}
	}

	if absolute, ok := parseAbsoluteDate(normalized); ok {
		return absolute
	}
	return now
}

func parseAbsoluteDate(value string) (time.Time, bool) {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006/01/02",
		"Jan 2, 2006",
		"January 2, 2006",
	}
	candidate := strings.TrimSpace(value)
	for _, layout := range layouts {
		parsed, err := time.Parse(layout, candidate)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

var validPeriods = map[string]struct{}{
	"today":      {},
	"yesterday":  {},
	"week":       {},
	"month":      {},
	"year":       {},
	"last_month": {},
}

func normalizePeriod(input string) string {
	period := strings.ToLower(strings.TrimSpace(input))
	if period == "day" {
		period = "today"
	}
	if _, ok := validPeriods[period]; ok {
		return period
	}
	return "month"
}

// periodWindow maps a period label to a half-open [start, end) window.
// month/year/last_month anchor to calendar boundaries; the rest roll from now.
func periodWindow(period string, now time.Time) (time.Time, time.Time) {
	switch normalizePeriod(period) {
	case "today":
		start := startOfUTCDay(now)
		return start, start.Add(24 * time.Hour)
	case "yesterday":
		start := startOfUTCDay(now).Add(-24 * time.Hour)
		return start, start.Add(24 * time.Hour)
	case "week":
		return now.UTC().Add(-7 * 24 * time.Hour), now.UTC()
	case "year":
		utc := now.UTC()
		start := time.Date(utc.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	case "last_month":
		utc := now.UTC()
		end := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
		return end.AddDate(0, -1, 0), end
	default:
		utc := now.UTC()
		start := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

// elapsedDaysInWindow counts the days of the window that have passed as of
// now, clamped to a minimum of 1 so daily averages never divide by zero.
func elapsedDaysInWindow(start, end, now time.Time) int {
	effectiveEnd := now.UTC()
	if effectiveEnd.After(end) {
		effectiveEnd = end
	}
	if !effectiveEnd.After(start) {
		return 1
	}
	days := int(effectiveEnd.Sub(start).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}
