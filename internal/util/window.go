package util

import (
	"fmt"
	"time"
)

// Window is a daily time-of-day range in which backups may start. The zero
// Window allows everything.
type Window struct {
	start, end string
	startMin   int
	endMin     int
	loc        *time.Location
}

// ParseWindow parses HH:MM bounds in tz. Empty bounds are open.
func ParseWindow(start, end, tz string) (Window, error) {
	w := Window{start: start, end: end}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("invalid timezone: %w", err)
		}
		w.loc = loc
	}
	parse := func(v string) (int, error) {
		if v == "" {
			return 0, nil
		}
		parsed, err := time.Parse("15:04", v)
		if err != nil {
			return 0, err
		}
		return parsed.Hour()*60 + parsed.Minute(), nil
	}
	var err error
	if w.startMin, err = parse(start); err != nil {
		return Window{}, fmt.Errorf("invalid window start: %w", err)
	}
	if w.endMin, err = parse(end); err != nil {
		return Window{}, fmt.Errorf("invalid window end: %w", err)
	}
	return w, nil
}

// Contains reports whether now falls within the window.
func (w Window) Contains(now time.Time) bool {
	if w.start == "" && w.end == "" {
		return true
	}
	if w.loc != nil {
		now = now.In(w.loc)
	}
	current := now.Hour()*60 + now.Minute()
	switch {
	case w.end == "":
		return current >= w.startMin
	case w.start == "":
		return current <= w.endMin
	case w.endMin > w.startMin:
		return current >= w.startMin && current <= w.endMin
	default:
		// Wraps past midnight.
		return current >= w.startMin || current <= w.endMin
	}
}

func (w Window) String() string {
	if w.start == "" && w.end == "" {
		return "always"
	}
	return w.start + "-" + w.end
}
