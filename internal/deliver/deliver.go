// Package deliver renders reminder levels into message text and hands them
// to the notifier.
package deliver

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/chime/internal/model"
	"github.com/msageha/chime/internal/notify"
)

// ErrDeliveryFailed wraps any notifier failure so the engine can retry the
// step and, on exhaustion, record the failure.
var ErrDeliveryFailed = errors.New("reminder delivery failed")

// Message renders the text for one reminder level. overdueDays is the value
// to display, already offset by the caller for later levels.
func Message(level model.Level, name, frequency string, overdueDays int) (string, error) {
	switch level {
	case model.LevelInitial:
		return fmt.Sprintf("Reminder: %q is due. Frequency: %s.", name, frequency), nil
	case model.LevelFollowUp:
		return fmt.Sprintf("Follow-up: %q is still due (%d day(s) overdue). Don't forget!", name, overdueDays), nil
	case model.LevelEscalation:
		return fmt.Sprintf("URGENT: %q is %d day(s) overdue! Please complete this task soon.", name, overdueDays), nil
	default:
		return "", fmt.Errorf("no message template for level %q", level)
	}
}

// Bridge sends rendered reminders through a Notifier.
type Bridge struct {
	notifier notify.Notifier
}

func NewBridge(n notify.Notifier) *Bridge {
	return &Bridge{notifier: n}
}

// Deliver sends the reminder for one level of a run. The message id is
// derived from run id and level so the sink can deduplicate redeliveries.
func (b *Bridge) Deliver(ctx context.Context, run model.EscalationRun, level model.Level, overdueDays int) error {
	text, err := Message(level, run.TaskName, run.Frequency, overdueDays)
	if err != nil {
		return err
	}

	meta := notify.Metadata{
		MessageID:     run.RunID + ":" + string(level),
		TaskID:        run.TaskID,
		ReminderLevel: string(level),
	}
	if err := b.notifier.SendMessage(ctx, text, meta); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}
