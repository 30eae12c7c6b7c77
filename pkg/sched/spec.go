package sched

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSchedule is returned for schedule specs that cannot be
// parsed, or reminder times that are not in the future.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule computes fire times for a recurring job. Next always returns
// a time strictly after the argument.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

// ParseSchedule parses one of the three accepted forms:
//
//	"every <duration>"   fixed interval, e.g. "every 90m"
//	"daily <HH:MM>"      fixed time of day, e.g. "daily 08:30"
//	"<5-field cron>"     e.g. "*/15 9-17 * * 1-5"
//
// All times are UTC.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "every ")))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if d < time.Minute {
			return nil, fmt.Errorf("%w: interval %s is under one minute", ErrInvalidSchedule, d)
		}
		return intervalSchedule{d}, nil

	case strings.HasPrefix(spec, "daily "):
		hhmm := strings.TrimSpace(strings.TrimPrefix(spec, "daily "))
		t, err := time.Parse("15:04", hhmm)
		if err != nil {
			return nil, fmt.Errorf("%w: want HH:MM, got %q", ErrInvalidSchedule, hhmm)
		}
		return dailySchedule{hour: t.Hour(), min: t.Minute()}, nil

	default:
		return parseCron(spec)
	}
}

type intervalSchedule struct {
	d time.Duration
}

func (s intervalSchedule) Next(after time.Time) time.Time { return after.Add(s.d) }
func (s intervalSchedule) String() string                 { return "every " + s.d.String() }

type dailySchedule struct {
	hour, min int
}

func (s dailySchedule) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), s.hour, s.min, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s dailySchedule) String() string {
	return fmt.Sprintf("daily %02d:%02d", s.hour, s.min)
}

// cronSchedule is a 5-field cron pattern (minute hour day-of-month
// month day-of-week), each field a bitmask of allowed values.
type cronSchedule struct {
	spec                     string
	min, hour, dom, mon, dow uint64
	domAll, dowAll           bool
}

func parseCron(spec string) (Schedule, error) {
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: want 5 cron fields, got %d in %q", ErrInvalidSchedule, len(fields), spec)
	}

	c := cronSchedule{spec: spec, domAll: fields[2] == "*", dowAll: fields[4] == "*"}
	var err error
	if c.min, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("%w: minute field: %v", ErrInvalidSchedule, err)
	}
	if c.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("%w: hour field: %v", ErrInvalidSchedule, err)
	}
	if c.dom, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("%w: day-of-month field: %v", ErrInvalidSchedule, err)
	}
	if c.mon, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("%w: month field: %v", ErrInvalidSchedule, err)
	}
	if c.dow, err = parseCronField(fields[4], 0, 7); err != nil {
		return nil, fmt.Errorf("%w: day-of-week field: %v", ErrInvalidSchedule, err)
	}
	// Cron allows 7 as an alias for Sunday.
	if c.dow&(1<<7) != 0 {
		c.dow |= 1
		c.dow &^= 1 << 7
	}

	// Specs like "0 0 30 2 *" can never fire.
	if c.Next(time.Now().UTC()).IsZero() {
		return nil, fmt.Errorf("%w: %q never matches a real date", ErrInvalidSchedule, spec)
	}
	return c, nil
}

// parseCronField parses a comma list of "*", "N", "A-B", optionally
// with a "/step" suffix, into a bitmask.
func parseCronField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := min, max, 1

		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step in %q", part)
			}
			step = n
			part = part[:idx]
		}

		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			a, b, ok := strings.Cut(part, "-")
			from, err1 := strconv.Atoi(a)
			to, err2 := strconv.Atoi(b)
			if !ok || err1 != nil || err2 != nil || from > to {
				return 0, fmt.Errorf("bad range %q", part)
			}
			lo, hi = from, to
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", part)
			}
			lo, hi = n, n
		}

		if lo < min || hi > max {
			return 0, fmt.Errorf("value out of range %d-%d in %q", min, max, part)
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return mask, nil
}

func (c cronSchedule) String() string { return c.spec }

// Next scans forward minute-aligned from after. Day matching follows
// cron convention: when both day fields are restricted, either matching
// is enough.
func (c cronSchedule) Next(after time.Time) time.Time {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if c.mon&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			continue
		}
		if c.hour&(1<<uint(t.Hour())) == 0 {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if c.min&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func (c cronSchedule) dayMatches(t time.Time) bool {
	domOK := c.dom&(1<<uint(t.Day())) != 0
	dowOK := c.dow&(1<<uint(t.Weekday())) != 0
	switch {
	case c.domAll && c.dowAll:
		return true
	case c.domAll:
		return dowOK
	case c.dowAll:
		return domOK
	default:
		return domOK || dowOK
	}
}
