package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"duecal/internal/reminder"
)

// Discord posts reminders to a channel. It is send-only; completion and
// snooze go through the HTTP API or Telegram.
type Discord struct {
	Session   *discordgo.Session
	ChannelID string
}

// NewDiscord creates a Discord notifier.
func NewDiscord(token, channelID string) (*Discord, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	return &Discord{Session: dg, ChannelID: channelID}, nil
}

// Start opens the websocket connection
func (d *Discord) Start() error {
	return d.Session.Open()
}

// Stop closes the websocket connection
func (d *Discord) Stop() error {
	return d.Session.Close()
}

func (d *Discord) Notify(_ context.Context, e reminder.Entry) error {
	if _, err := d.Session.ChannelMessageSend(d.ChannelID, Text(e)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
