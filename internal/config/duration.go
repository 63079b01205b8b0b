package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// durationField binds one duration string in the file to its resolved value.
// Blank or zero values take def.
type durationField struct {
	path string
	raw  string
	def  time.Duration
	dst  *time.Duration
}

// resolveDurations fills every dst and reports all bad fields at once.
func resolveDurations(fields ...durationField) error {
	var errs []error
	for _, f := range fields {
		d, err := parseDuration(f.path, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d == 0 {
			d = f.def
		}
		*f.dst = d
	}
	return errors.Join(errs...)
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}
