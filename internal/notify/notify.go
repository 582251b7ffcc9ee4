// Package notify delivers fired reminders to the user.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	appLog "duecal/internal/log"
	"duecal/internal/reminder"
)

// Notifier delivers one reminder.
type Notifier interface {
	Notify(ctx context.Context, e reminder.Entry) error
}

// Actions is what a delivery channel calls back into when the user reacts
// to a notification.
type Actions interface {
	CompleteReminder(ctx context.Context, reminderID string) error
	SnoozeReminder(ctx context.Context, reminderID string, d time.Duration) error
}

// Text renders a reminder for chat-style channels.
func Text(e reminder.Entry) string {
	prefix := "⏰ "
	if e.Snoozed {
		prefix = "⏰ (snoozed) "
	}
	return prefix + e.Message
}

// Log writes reminders to the application log. It is always present so a
// deployment without chat tokens still has a delivery trail.
type Log struct{}

func (Log) Notify(_ context.Context, e reminder.Entry) error {
	appLog.Info("reminder", "id", e.ID, "record", e.RecordID, "lead_hours", e.LeadHours, "message", e.Message)
	return nil
}

// Multi fans a reminder out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e reminder.Entry) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Retry retries a notifier with exponential backoff. It gives up after
// Attempts retries or when ctx is done.
type Retry struct {
	Next            Notifier
	Attempts        uint64
	InitialInterval time.Duration
}

// NewRetry wraps n with three retries starting at 500ms.
func NewRetry(n Notifier) *Retry {
	return &Retry{Next: n, Attempts: 3, InitialInterval: 500 * time.Millisecond}
}

func (r *Retry) Notify(ctx context.Context, e reminder.Entry) error {
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.Attempts), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := r.Next.Notify(ctx, e)
		if err != nil {
			appLog.Debug("reminder delivery attempt failed", "id", e.ID, "attempt", attempt, "err", err.Error())
		}
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("deliver reminder %s after %d attempts: %w", e.ID, attempt, err)
	}
	return nil
}
