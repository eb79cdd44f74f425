package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Chime      ChimeConfig      `yaml:"chime"`
	Store      StoreConfig      `yaml:"store"`
	Scan       ScanConfig       `yaml:"scan"`
	Escalation EscalationConfig `yaml:"escalation"`
	Batch      BatchConfig      `yaml:"batch"`
	Notify     NotifyConfig     `yaml:"notify"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type ChimeConfig struct {
	Version string `yaml:"version"`
	Created string `yaml:"created"`
	Home    string `yaml:"home"`
}

type StoreConfig struct {
	Type     string         `yaml:"type"` // file | postgres
	Path     string         `yaml:"path"` // file store, relative to .chime/
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSNEnv string `yaml:"dsn_env"`
	Table  string `yaml:"table"`
}

type ScanConfig struct {
	Cron              string  `yaml:"cron"` // five-field cron, default */30 * * * *
	ResumeIntervalSec int     `yaml:"resume_interval_sec"`
	DebounceSec       float64 `yaml:"debounce_sec"`
}

type EscalationConfig struct {
	FollowUpWaitHours   int `yaml:"follow_up_wait_hours"`
	EscalationWaitHours int `yaml:"escalation_wait_hours"`
	MaxStepAttempts     int `yaml:"max_step_attempts"`
	StepBackoffSec      int `yaml:"step_backoff_sec"`
}

type BatchConfig struct {
	RetryDelaySec int `yaml:"retry_delay_sec"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

type NotifyConfig struct {
	Type       string `yaml:"type"` // webhook | desktop
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	TokenEnv   string `yaml:"token_env"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the /metrics endpoint
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// ApplyDefaults fills zero-valued fields so a partial config.yaml still
// yields a runnable configuration.
func (c *Config) ApplyDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "file"
	}
	if c.Store.Path == "" {
		c.Store.Path = "tasks.yaml"
	}
	if c.Store.Postgres.DSNEnv == "" {
		c.Store.Postgres.DSNEnv = "CHIME_PG_DSN"
	}
	if c.Store.Postgres.Table == "" {
		c.Store.Postgres.Table = "tasks"
	}
	if c.Scan.Cron == "" {
		c.Scan.Cron = "*/30 * * * *"
	}
	if c.Scan.ResumeIntervalSec <= 0 {
		c.Scan.ResumeIntervalSec = 60
	}
	if c.Scan.DebounceSec <= 0 {
		c.Scan.DebounceSec = 0.5
	}
	if c.Escalation.FollowUpWaitHours <= 0 {
		c.Escalation.FollowUpWaitHours = 24
	}
	if c.Escalation.EscalationWaitHours <= 0 {
		c.Escalation.EscalationWaitHours = 48
	}
	if c.Escalation.MaxStepAttempts <= 0 {
		c.Escalation.MaxStepAttempts = 5
	}
	if c.Escalation.StepBackoffSec <= 0 {
		c.Escalation.StepBackoffSec = 60
	}
	if c.Batch.RetryDelaySec <= 0 {
		c.Batch.RetryDelaySec = 300
	}
	if c.Batch.MaxConcurrent <= 0 {
		c.Batch.MaxConcurrent = 8
	}
	if c.Notify.Type == "" {
		c.Notify.Type = "desktop"
	}
	if c.Notify.TokenEnv == "" {
		c.Notify.TokenEnv = "CHIME_WEBHOOK_TOKEN"
	}
	if c.Notify.TimeoutSec <= 0 {
		c.Notify.TimeoutSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 20
	}
}
