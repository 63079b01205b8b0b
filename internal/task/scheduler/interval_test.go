package scheduler

import (
	"errors"
	"testing"
	"time"

	"botfleet/internal/storage"
)

func TestCronSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		iv   storage.Interval
		want string
	}{
		{storage.Interval{Unit: storage.EveryMinutes, Every: 15}, "@every 15m"},
		{storage.Interval{Unit: storage.EveryHours, Every: 2}, "@every 2h"},
		{storage.Interval{Unit: storage.Daily, Hour: 9}, "0 9 * * *"},
		{storage.Interval{Unit: storage.Daily, Hour: 0}, "0 0 * * *"},
	}
	for _, tc := range cases {
		got, err := CronSpec(tc.iv)
		if err != nil || got != tc.want {
			t.Fatalf("CronSpec(%+v)=%q,%v want %q", tc.iv, got, err, tc.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want storage.Interval
		err  bool
	}{
		{in: "30m", want: storage.Interval{Unit: storage.EveryMinutes, Every: 30}},
		{in: " 2H ", want: storage.Interval{Unit: storage.EveryHours, Every: 2}},
		{in: "5 min", want: storage.Interval{Unit: storage.EveryMinutes, Every: 5}},
		{in: "daily 9", want: storage.Interval{Unit: storage.Daily, Hour: 9}},
		{in: "daily 24", err: true},
		{in: "0m", err: true},
		{in: "every day", err: true},
		{in: "", err: true},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if tc.err {
			if !errors.Is(err, ErrInvalidInterval) {
				t.Fatalf("ParseInterval(%q): err=%v, want ErrInvalidInterval", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseInterval(%q)=%+v,%v want %+v", tc.in, got, err, tc.want)
		}
	}
}

func TestParseFireAt(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("WIB", 7*3600)
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, loc)

	got, err := ParseFireAt("15:30", now, loc)
	if err != nil || !got.Equal(time.Date(2025, 3, 10, 15, 30, 0, 0, loc)) {
		t.Fatalf("later today: %v %v", got, err)
	}
	got, err = ParseFireAt("09:00", now, loc)
	if err != nil || !got.Equal(time.Date(2025, 3, 11, 9, 0, 0, 0, loc)) {
		t.Fatalf("tomorrow: %v %v", got, err)
	}
	got, err = ParseFireAt("2025-04-01T08:00:00Z", now, loc)
	if err != nil || !got.Equal(time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339: %v %v", got, err)
	}
	if _, err := ParseFireAt("tomorrow", now, loc); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSpreadScheduleDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now)
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter=%v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first=%v want %v", first, want)
	}
	// cron.Every truncates to whole seconds after the first run.
	if gap := sched.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("second run %v after first", gap)
	}
}
