// Package notify delivers reminder text to the user's conversation sink.
package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/msageha/chime/internal/model"
)

// Metadata travels with every message so the sink can associate it with the
// task and level that produced it.
type Metadata struct {
	MessageID     string `json:"message_id"`
	TaskID        string `json:"task_id"`
	ReminderLevel string `json:"reminder_level"`
}

// Notifier is the single sink reminders are delivered to.
type Notifier interface {
	SendMessage(ctx context.Context, text string, meta Metadata) error
}

// New returns the notifier implementation selected by config. With
// notify.enabled false every message is accepted and dropped; runs still
// walk their schedule.
func New(cfg model.NotifyConfig) (Notifier, error) {
	if !cfg.Enabled {
		return NewDisabled(), nil
	}
	switch cfg.Type {
	case "", "desktop":
		return NewDesktop(), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("notify.webhook_url is required for the webhook notifier")
		}
		timeout := time.Duration(cfg.TimeoutSec) * time.Second
		return NewWebhook(cfg.WebhookURL, os.Getenv(cfg.TokenEnv), timeout), nil
	default:
		return nil, fmt.Errorf("unknown notify type %q", cfg.Type)
	}
}

// Disabled drops every message.
type Disabled struct{}

func NewDisabled() *Disabled {
	return &Disabled{}
}

func (*Disabled) SendMessage(ctx context.Context, text string, meta Metadata) error {
	return nil
}
