// Package model defines the data structures for chime's tasks, escalation
// runs, configuration, and state files.
package model

import "time"

// Task is a user-defined recurring obligation. The escalation engine treats
// tasks as read-only; creation, completion marking, and deletion happen
// through the CLI surface.
type Task struct {
	ID          string
	Name        string
	Frequency   string        // original expression, e.g. "every 7 days"
	Every       time.Duration // parsed from Frequency at the store boundary
	CreatedAt   time.Time
	CompletedAt *time.Time // last completion, nil if never completed
}

// Reference returns the timestamp due-ness is measured from: the last
// completion when one exists, otherwise the creation time.
func (t Task) Reference() time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.CreatedAt
}

// DueTask is a snapshot of a due task captured at scan time. It is owned by
// a single batch and is not consulted again once the escalation run has been
// launched; mid-sequence decisions re-query the task store.
type DueTask struct {
	TaskID      string
	Name        string
	Frequency   string
	OverdueDays int
}
