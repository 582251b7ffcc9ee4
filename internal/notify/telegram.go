package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appLog "duecal/internal/log"
	"duecal/internal/reminder"
)

const (
	callbackDone   = "done"
	callbackSnooze = "snooze"
)

// Telegram sends reminders to one chat with Done / Snooze buttons and routes
// button presses back to Actions.
type Telegram struct {
	API    *tgbotapi.BotAPI
	ChatID int64
	Snooze time.Duration

	mu      sync.RWMutex
	actions Actions
	stopCh  chan struct{}
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(token string, chatID int64, snooze time.Duration) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating Telegram bot: %w", err)
	}
	return &Telegram{
		API:    api,
		ChatID: chatID,
		Snooze: snooze,
		stopCh: make(chan struct{}),
	}, nil
}

// SetActions wires button presses to the scheduler.
func (t *Telegram) SetActions(a Actions) {
	t.mu.Lock()
	t.actions = a
	t.mu.Unlock()
}

func (t *Telegram) Notify(_ context.Context, e reminder.Entry) error {
	msg := tgbotapi.NewMessage(t.ChatID, Text(e))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Done", CallbackData(callbackDone, e.ID)),
			tgbotapi.NewInlineKeyboardButtonData("💤 Snooze", CallbackData(callbackSnooze, e.ID)),
		),
	)
	if _, err := t.API.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Start begins polling for button presses in a goroutine.
func (t *Telegram) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"callback_query"}

	updates := t.API.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-t.stopCh:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.CallbackQuery != nil {
					t.handleCallback(update.CallbackQuery)
				}
			}
		}
	}()

	return nil
}

// Stop stops polling for updates.
func (t *Telegram) Stop() {
	close(t.stopCh)
	t.API.StopReceivingUpdates()
}

func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message != nil && cq.Message.Chat != nil && cq.Message.Chat.ID != t.ChatID {
		return
	}

	t.mu.RLock()
	actions := t.actions
	t.mu.RUnlock()

	reply := "Unknown action"
	action, id, ok := ParseCallback(cq.Data)
	if ok && actions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		switch action {
		case callbackDone:
			err = actions.CompleteReminder(ctx, id)
			reply = "Marked as done"
		case callbackSnooze:
			err = actions.SnoozeReminder(ctx, id, t.Snooze)
			reply = "Snoozed for " + t.Snooze.String()
		}
		if err != nil {
			appLog.Error("telegram action failed", err, "action", action, "id", id)
			reply = "Could not update reminder"
		}
	}

	if _, err := t.API.Request(tgbotapi.NewCallback(cq.ID, reply)); err != nil {
		appLog.Error("telegram callback answer failed", err)
	}
}

// CallbackData encodes a button payload as "action:reminderID".
func CallbackData(action, reminderID string) string {
	return action + ":" + reminderID
}

// ParseCallback splits a button payload. Only done and snooze are accepted.
func ParseCallback(data string) (action, reminderID string, ok bool) {
	action, reminderID, found := strings.Cut(data, ":")
	if !found || reminderID == "" {
		return "", "", false
	}
	switch action {
	case callbackDone, callbackSnooze:
		return action, reminderID, true
	}
	return "", "", false
}
