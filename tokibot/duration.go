package tokibot

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)([smhjd])$`)

var durationUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"j": 24 * time.Hour,
	"d": 24 * time.Hour,
}

// ParseDuration parses a moderation duration such as "10s", "5m", "2h"
// or "3j" (days, also accepted as "3d"). The amount must be a positive
// integer.
func ParseDuration(s string) (time.Duration, error) {
	match := durationPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if match == nil {
		return 0, validationError(
			"❌ Durée invalide `%s`. Exemple : 10s, 5m, 2h, 1j.",
			s,
		)
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, validationError("❌ Durée trop longue.")
	}
	if n <= 0 {
		return 0, validationError("❌ La durée doit être supérieure à zéro.")
	}
	unit := durationUnits[match[2]]
	if n > int64((1<<63-1)/unit) {
		return 0, validationError("❌ Durée trop longue.")
	}
	return time.Duration(n) * unit, nil
}

// clampDuration caps d at limit. A limit <= 0 leaves d unchanged.
func clampDuration(d time.Duration, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// expired reports whether a ban ending at until is over at now. A nil
// until never expires.
func expired(until *UnixTime, now time.Time) bool {
	if until == nil {
		return false
	}
	return int64(*until) <= now.Unix()
}

// formatDuration renders d the way moderators type it ("1j2h", "30m").
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	var b strings.Builder
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	if days > 0 {
		b.WriteString(strconv.FormatInt(int64(days), 10) + "j")
	}
	if hours > 0 {
		b.WriteString(strconv.FormatInt(int64(hours), 10) + "h")
	}
	if minutes > 0 {
		b.WriteString(strconv.FormatInt(int64(minutes), 10) + "m")
	}
	if seconds > 0 || b.Len() == 0 {
		b.WriteString(strconv.FormatInt(int64(seconds), 10) + "s")
	}
	return b.String()
}
