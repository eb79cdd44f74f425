package model

import "time"

// EscalationRun is the durable record of one task's progress through the
// reminder sequence. It is persisted to runs/<run_id>.yaml before and after
// every step so that multi-day waits survive daemon restarts.
type EscalationRun struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	RunID     string `yaml:"run_id"`
	BatchID   string `yaml:"batch_id"`
	TaskID    string `yaml:"task_id"`
	TaskName  string `yaml:"task_name"`
	Frequency string `yaml:"frequency"`

	Level  Level     `yaml:"level"`
	Status RunStatus `yaml:"status"`

	// OverdueDays is the overdue value at dispatch time. Later levels
	// display fixed offsets from it (+1, +3), not a recomputed value.
	OverdueDays int `yaml:"overdue_days"`

	ResumeAt  string       `yaml:"resume_at"`
	Attempts  int          `yaml:"attempts"`
	LastError *string      `yaml:"last_error"`
	Steps     []StepRecord `yaml:"steps"`

	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

// StepRecord logs one completed step of the sequence.
type StepRecord struct {
	Name        string `yaml:"name"`
	Attempts    int    `yaml:"attempts"`
	CompletedAt string `yaml:"completed_at"`
}

// ResumeTime parses the scheduled wake-up time of a waiting run.
func (r EscalationRun) ResumeTime() (time.Time, error) {
	return time.Parse(time.RFC3339, r.ResumeAt)
}

// BatchResult reports the outcome of one coordinator invocation.
// Skipped counts due tasks suppressed by the active-run guard; they are
// neither successes nor failures.
type BatchResult struct {
	BatchID   string `yaml:"batch_id"`
	Total     int    `yaml:"total"`
	Succeeded int    `yaml:"succeeded"`
	Failed    int    `yaml:"failed"`
	Skipped   int    `yaml:"skipped"`
	Retried   int    `yaml:"retried"`
}
