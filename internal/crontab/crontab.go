// Package crontab parses cron expressions and computes fire times.
//
// Supported forms:
//   - five fields: "minute hour day-of-month month day-of-week" ("*/5 * * * *")
//   - six fields with a leading seconds field ("30 */5 * * * *")
//   - descriptors: "@hourly", "@daily", "@every 90s", ...
//
// Each field accepts "*", a single value, a comma-separated list, a range
// ("a-b") and a step ("*/n", "a-b/n", "a/n"). When both day-of-month and
// day-of-week are restricted, a match on either one counts.
package crontab

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// InvalidScheduleError reports malformed cron text.
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid schedule %q", e.Expr)
	}
	return fmt.Sprintf("invalid schedule %q: %v", e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

func (e *InvalidScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

// IsInvalid reports whether err is (or wraps) an *InvalidScheduleError.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidSchedule) }

// Schedule computes the next activation strictly after a given instant.
type Schedule = cron.Schedule

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates expr and returns its schedule.
func Parse(expr string) (Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("empty expression")}
	}
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("timezone prefix not allowed; use the job timezone")}
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	return sched, nil
}

// Validate returns an *InvalidScheduleError if expr cannot be parsed.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// NextIn returns the first activation of sched strictly after `after`,
// evaluated on the wall clock of loc. A nil loc means UTC.
// The zero time is returned when the schedule can never fire (e.g. "0 0 30 2 *").
func NextIn(sched Schedule, after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(after.In(loc))
}

// Next parses expr and returns its first activation strictly after `after` in loc.
func Next(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return NextIn(sched, after, loc), nil
}

// Preview returns up to n upcoming activations after `after`.
func Preview(expr string, after time.Time, loc *time.Location, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		t = NextIn(sched, t, loc)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadLocation resolves a job timezone. Empty means def.
func LoadLocation(name string, def *time.Location) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if def == nil {
			return time.UTC, nil
		}
		return def, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTimezone, name, err)
	}
	return loc, nil
}
