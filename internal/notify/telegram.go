// Package notify tells operators about checkout outcomes over Telegram.
package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"transferbook/internal/domain"
	"transferbook/internal/events"
	"transferbook/internal/models"
	"transferbook/internal/pricing"
)

// Telegram sends a Markdown message to every operator chat for selected
// checkout events.
type Telegram struct {
	bot     domain.TelegramSender
	chatIDs []int64
	logger  *zerolog.Logger
}

func NewTelegram(bot domain.TelegramSender, chatIDs []int64, logger *zerolog.Logger) *Telegram {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Telegram{bot: bot, chatIDs: chatIDs, logger: logger}
}

// NotifiedTypes are the events operators hear about.
var NotifiedTypes = []string{
	events.EventPaymentConfirmed,
	events.EventReconciliationPending,
	events.EventCheckoutFailed,
}

// Attach subscribes to the notified event types.
func (t *Telegram) Attach(bus *events.EventBus) {
	for _, typ := range NotifiedTypes {
		bus.Subscribe(typ, t.Handle)
	}
}

func (t *Telegram) Handle(ev *events.Event) error {
	var p events.CheckoutEventPayload
	if err := ev.Decode(&p); err != nil {
		return fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	text := formatMessage(ev.Type, &p)
	if text == "" {
		return nil
	}

	var firstErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = models.ParseModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error().Err(err).Int64("chat_id", chatID).Str("event", ev.Type).Msg("Failed to notify operator")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func formatMessage(eventType string, p *events.CheckoutEventPayload) string {
	var title string
	switch eventType {
	case events.EventPaymentConfirmed:
		title = "✅ *Оплата подтверждена*"
	case events.EventReconciliationPending:
		title = "⏳ *Требуется сверка*"
	case events.EventCheckoutFailed:
		title = "❌ *Ошибка оформления*"
	default:
		return ""
	}

	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n\n")
	line := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, escapeMarkdown(value))
	}
	line("Бронь", p.BookingRef)
	line("Тип", p.BookingType)
	line("Клиент", p.Customer)
	line("Шлюз", p.Gateway)
	line("Платёж", p.PaymentRef)
	if p.Amount > 0 {
		line("Сумма", pricing.FormatPrice(p.Amount, p.Currency, "before"))
	}
	line("Этап", p.Stage)
	if p.Message != "" {
		line("Причина", p.Message)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// legacy Markdown: только эти символы нужно экранировать
var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
