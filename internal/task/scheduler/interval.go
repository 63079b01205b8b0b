package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/storage"
)

const (
	maxEveryMinutes = 24 * 60
	maxEveryHours   = 24 * 7
)

// CronSpec maps an interval to a robfig/cron spec:
// minutes -> "@every Nm", hours -> "@every Nh", daily -> "0 H * * *".
func CronSpec(iv storage.Interval) (string, error) {
	if err := ValidateInterval(iv); err != nil {
		return "", err
	}
	switch iv.Unit {
	case storage.EveryMinutes:
		return fmt.Sprintf("@every %dm", iv.Every), nil
	case storage.EveryHours:
		return fmt.Sprintf("@every %dh", iv.Every), nil
	default:
		return fmt.Sprintf("0 %d * * *", iv.Hour), nil
	}
}

func ValidateInterval(iv storage.Interval) error {
	switch iv.Unit {
	case storage.EveryMinutes:
		if iv.Every < 1 || iv.Every > maxEveryMinutes {
			return fmt.Errorf("%w: every %d minutes (1..%d)", ErrInvalidInterval, iv.Every, maxEveryMinutes)
		}
	case storage.EveryHours:
		if iv.Every < 1 || iv.Every > maxEveryHours {
			return fmt.Errorf("%w: every %d hours (1..%d)", ErrInvalidInterval, iv.Every, maxEveryHours)
		}
	case storage.Daily:
		if iv.Hour < 0 || iv.Hour > 23 {
			return fmt.Errorf("%w: daily at hour %d (0..23)", ErrInvalidInterval, iv.Hour)
		}
	default:
		return fmt.Errorf("%w: unit %q", ErrInvalidInterval, iv.Unit)
	}
	return nil
}

var reEvery = regexp.MustCompile(`^(\d{1,4})\s*(m|min|h|hr)$`)

// ParseInterval parses operator input: "30m", "2h" or "daily 9".
func ParseInterval(raw string) (storage.Interval, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return storage.Interval{}, fmt.Errorf("%w: empty", ErrInvalidInterval)
	}

	var iv storage.Interval
	if rest, ok := strings.CutPrefix(s, "daily"); ok {
		h, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return storage.Interval{}, fmt.Errorf("%w: %q (use 'daily <hour>')", ErrInvalidInterval, raw)
		}
		iv = storage.Interval{Unit: storage.Daily, Hour: h}
	} else {
		m := reEvery.FindStringSubmatch(s)
		if len(m) != 3 {
			return storage.Interval{}, fmt.Errorf("%w: %q (use '30m', '2h' or 'daily 9')", ErrInvalidInterval, raw)
		}
		n, _ := strconv.Atoi(m[1])
		iv = storage.Interval{Unit: storage.EveryMinutes, Every: n}
		if strings.HasPrefix(m[2], "h") {
			iv.Unit = storage.EveryHours
		}
	}
	return iv, ValidateInterval(iv)
}

// DescribeInterval renders iv for operator messages.
func DescribeInterval(iv storage.Interval) string {
	switch iv.Unit {
	case storage.EveryMinutes:
		return fmt.Sprintf("every %d min", iv.Every)
	case storage.EveryHours:
		return fmt.Sprintf("every %d h", iv.Every)
	case storage.Daily:
		return fmt.Sprintf("daily at %02d:00", iv.Hour)
	default:
		return string(iv.Unit)
	}
}

// ParseFireAt parses a one-off fire time: RFC3339, or HH:MM meaning the next
// occurrence of that wall time in loc.
func ParseFireAt(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	h, m, err := parseHHMM(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339 or HH:MM)", raw)
	}
	n := now.In(loc)
	at := time.Date(n.Year(), n.Month(), n.Day(), h, m, 0, 0, loc)
	if !at.After(n) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

// Location returns the scheduler timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
