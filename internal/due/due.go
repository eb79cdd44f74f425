// Package due evaluates whether a recurring task is due and by how much.
// Every function takes the current time explicitly so the evaluation stays
// deterministic; nothing here reads the wall clock.
package due

import (
	"time"

	"github.com/msageha/chime/internal/model"
)

// IsDue reports whether the elapsed time since the task's reference point
// (last completion, else creation) has reached its frequency.
func IsDue(t model.Task, now time.Time) bool {
	return now.Sub(t.Reference()) >= t.Every
}

// OverdueBy returns how many whole days the task is past due, floored.
// The value is negative when the task is not yet due; callers treat negative
// values as "not overdue" for display, the function does not clamp.
func OverdueBy(t model.Task, now time.Time) int {
	overdue := now.Sub(t.Reference()) - t.Every
	days := overdue / (24 * time.Hour)
	if overdue < 0 && overdue%(24*time.Hour) != 0 {
		days--
	}
	return int(days)
}
