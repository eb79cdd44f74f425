// Package frequency parses recurring-task frequency expressions such as
// "every 7 days" into durations.
package frequency

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidFrequency reports a malformed frequency expression. It surfaces
// synchronously to the caller and is never retried.
var ErrInvalidFrequency = errors.New("invalid frequency expression")

// Week and Month are fixed approximations; calendar-aware scheduling
// (month length, DST) is out of scope.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

var exprRegex = regexp.MustCompile(`(?i)^\s*(?:every\s+)?(\d+)\s*(second|minute|hour|day|week|month)s?\s*$`)

var unitDurations = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    Day,
	"week":   Week,
	"month":  Month,
}

// Parse converts a frequency expression into a duration. The grammar is an
// optional leading "every", an integer, and a unit, singular or plural, all
// case-insensitive with tolerant whitespace. The count must be strictly
// positive: a zero frequency would make a task permanently due.
func Parse(expr string) (time.Duration, error) {
	m := exprRegex.FindStringSubmatch(expr)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, expr)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidFrequency, expr, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q: count must be positive", ErrInvalidFrequency, expr)
	}

	return time.Duration(n) * unitDurations[strings.ToLower(m[2])], nil
}
