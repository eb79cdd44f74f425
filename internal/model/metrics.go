package model

type Metrics struct {
	SchemaVersion   int             `yaml:"schema_version"`
	FileType        string          `yaml:"file_type"`
	Counters        MetricsCounters `yaml:"counters"`
	LastScan        *ScanSummary    `yaml:"last_scan"`
	DaemonHeartbeat *string         `yaml:"daemon_heartbeat"`
	UpdatedAt       *string         `yaml:"updated_at"`
}

type MetricsCounters struct {
	Scans           int `yaml:"scans"`
	ScanFailures    int `yaml:"scan_failures"`
	TasksScanned    int `yaml:"tasks_scanned"`
	DueTasks        int `yaml:"due_tasks"`
	RunsStarted     int `yaml:"runs_started"`
	RunsSkipped     int `yaml:"runs_skipped"`
	RemindersSent   int `yaml:"reminders_sent"`
	FollowUpsSent   int `yaml:"follow_ups_sent"`
	EscalationsSent int `yaml:"escalations_sent"`
	RunsCompleted   int `yaml:"runs_completed"`
	RunsAborted     int `yaml:"runs_aborted"`
	RunsFailed      int `yaml:"runs_failed"`
	LaunchFailures  int `yaml:"launch_failures"`
	LaunchRetries   int `yaml:"launch_retries"`
}

type ScanSummary struct {
	StartedAt  string       `yaml:"started_at"`
	DurationMs int64        `yaml:"duration_ms"`
	Tasks      int          `yaml:"tasks"`
	Due        int          `yaml:"due"`
	Batch      *BatchResult `yaml:"batch,omitempty"`
}
