// Package recurrence computes next run times for repeating tasks.
package recurrence

import (
	"errors"
	"fmt"
	"math"
	"time"

	"remindbot/internal/task"
)

var ErrInvalidRule = errors.New("invalid recurrence rule")

// monthDays is the fixed length used for "month". Calendar months are not
// modelled: one month is always 30 days.
const monthDays = 30

// Validate checks a rule without computing anything.
func Validate(unit task.Unit, value int) error {
	if value <= 0 {
		return fmt.Errorf("%w: value must be positive, got %d", ErrInvalidRule, value)
	}
	step := unitDuration(unit)
	if step == 0 {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, string(unit))
	}
	if int64(value) > int64(math.MaxInt64/step) {
		return fmt.Errorf("%w: %d %ss is too long", ErrInvalidRule, value, unit)
	}
	return nil
}

// Next returns base advanced by value units. The result is always after base.
func Next(base time.Time, unit task.Unit, value int) (time.Time, error) {
	if err := Validate(unit, value); err != nil {
		return time.Time{}, err
	}
	next := base.Add(Interval(unit, value))
	if !next.After(base) {
		return time.Time{}, fmt.Errorf("%w: next run %s is not after %s", ErrInvalidRule, next, base)
	}
	return next, nil
}

// Interval is the exact duration of value units. It returns 0 for rules
// Validate rejects.
func Interval(unit task.Unit, value int) time.Duration {
	if Validate(unit, value) != nil {
		return 0
	}
	return time.Duration(value) * unitDuration(unit)
}

func unitDuration(unit task.Unit) time.Duration {
	switch unit {
	case task.UnitMinute:
		return time.Minute
	case task.UnitHour:
		return time.Hour
	case task.UnitDay:
		return 24 * time.Hour
	case task.UnitWeek:
		return 7 * 24 * time.Hour
	case task.UnitMonth:
		return monthDays * 24 * time.Hour
	default:
		return 0
	}
}

// Describe renders a rule for chat replies, e.g. "every 2 hours".
func Describe(unit task.Unit, value int) string {
	if value == 1 {
		return "every " + string(unit)
	}
	return fmt.Sprintf("every %d %ss", value, unit)
}
