package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// messageSender is the slice of tgbotapi.BotAPI the alerter uses.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter delivers alerts to one chat via a Telegram bot.
type TelegramAlerter struct {
	api    messageSender
	chatID int64
}

// NewTelegramAlerter connects the bot and returns the channel.
func NewTelegramAlerter(botToken string, chatID int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("alerts: telegram bot token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("alerts: telegram chat_id is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("alerts: create telegram bot: %w", err)
	}

	log.Info().
		Str("bot_username", api.Self.UserName).
		Int64("chat_id", chatID).
		Msg("Telegram alerter initialized")

	return &TelegramAlerter{api: api, chatID: chatID}, nil
}

// newTelegramAlerterWithSender is used by tests.
func newTelegramAlerterWithSender(api messageSender, chatID int64) *TelegramAlerter {
	return &TelegramAlerter{api: api, chatID: chatID}
}

// Send posts the formatted alert to the chat.
func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("alerts: telegram send: %w", err)
	}
	return nil
}

func formatAlert(alert Alert) string {
	icon := "ℹ️"
	switch alert.Severity {
	case SeverityWarning:
		icon = "⚠️"
	case SeverityCritical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *%s*", icon, alert.Title)
	if alert.TraderID != "" {
		text += fmt.Sprintf("\nTrader: `%s`", alert.TraderID)
	}
	if alert.Message != "" {
		text += "\n" + alert.Message
	}
	if !alert.Timestamp.IsZero() {
		text += "\n_" + alert.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC") + "_"
	}
	return text
}
