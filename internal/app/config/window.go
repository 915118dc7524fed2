package config

import (
	"fmt"
	"time"
)

const clockLayout = "15:04"

// TimeWindow restricts relay runs to a local wall-clock range.
// Both bounds are inclusive with minute precision. A window whose
// start is later than its end wraps past midnight.
type TimeWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

func (w TimeWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

// Contains reports whether wall-clock time of t falls within the window.
// Malformed windows contain nothing.
func (w TimeWindow) Contains(t time.Time) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}

	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return start <= now && now <= end
	}

	return now >= start || now <= end
}

func (w TimeWindow) String() string {
	return w.Start + "-" + w.End
}

// parseClock returns minutes since midnight for "HH:MM" value.
func parseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parse %q as HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
