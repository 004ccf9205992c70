// Package schedule computes recurrence for recurring jobs from five-field cron
// expressions (minute hour day-of-month month day-of-week).
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blipee/pulse/errors"
)

// parser accepts standard five-field expressions plus descriptors such as @weekly
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Engine evaluates cron expressions in a fixed location.
// The zero value is not usable; use NewEngine.
type Engine struct {
	loc *time.Location
}

// NewEngine returns an Engine evaluating expressions in loc (UTC when nil)
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{loc: loc}
}

// Location reports the zone cron fields are interpreted in
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Parse compiles expr. Unparsable expressions return a validation error.
func (e *Engine) Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.NewValidationError("cron expression is empty")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "invalid cron expression %q", expr),
			errors.ErrValidation,
		)
	}
	return sched, nil
}

// Validate reports whether expr parses
func (e *Engine) Validate(expr string) error {
	_, err := e.Parse(expr)
	return err
}

// Next returns the first occurrence of expr strictly after t, in UTC
func (e *Engine) Next(expr string, after time.Time) (time.Time, error) {
	sched, err := e.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(e.loc))
	if next.IsZero() {
		// robfig gives up after five years without a match (e.g. "0 0 30 2 *")
		return time.Time{}, errors.NewValidationError("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}

// Upcoming returns the next n occurrences of expr after t. n <= 0 returns none.
func (e *Engine) Upcoming(expr string, after time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	sched, err := e.Parse(expr)
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, n)
	cursor := after.In(e.loc)
	for i := 0; i < n; i++ {
		cursor = sched.Next(cursor)
		if cursor.IsZero() {
			break
		}
		out = append(out, cursor.UTC())
	}
	if len(out) == 0 {
		return nil, errors.NewValidationError("cron expression %q never fires", expr)
	}
	return out, nil
}
