package hitl

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/model"
)

// TelegramSender is the subset of the Telegram bot used by TelegramNotifier.
type TelegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramNotifier sends approval prompts with an inline keyboard.
type TelegramNotifier struct {
	sender TelegramSender
	chatID int64
}

// NewTelegramNotifier creates a notifier posting to chatID.
func NewTelegramNotifier(sender TelegramSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID}
}

// Channel implements Notifier.
func (n *TelegramNotifier) Channel() string { return model.ChannelTelegram }

// Notify implements Notifier.
func (n *TelegramNotifier) Notify(ctx context.Context, req model.HITLRequest) error {
	row := make([]models.InlineKeyboardButton, 0, 2)
	for _, opt := range buttons(req) {
		row = append(row, models.InlineKeyboardButton{
			Text:         opt.Label,
			CallbackData: ActionID(req.ID, opt.Value),
		})
	}
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      n.chatID,
		Text:        "Approval Required\n\n" + req.Prompt,
		ReplyMarkup: &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{row}},
	})
	if err != nil {
		return fmt.Errorf("hitl: send telegram message: %w", err)
	}
	return nil
}

// TelegramCallbackHandler resolves requests from inline keyboard presses.
// Register it as the bot's default handler.
func TelegramCallbackHandler(gate *Gate, logger *zap.Logger) bot.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		cb := update.CallbackQuery
		if cb == nil {
			return
		}
		text := "Recorded"
		requestID, value, ok := ParseActionID(cb.Data)
		if !ok {
			return
		}
		responder := cb.From.Username
		if responder == "" {
			responder = fmt.Sprintf("telegram:%d", cb.From.ID)
		}
		if _, err := gate.Resolve(ctx, requestID, model.HITLDecision{Value: value, RespondedBy: responder}); err != nil {
			logger.Warn("telegram decision rejected",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			text = "This request is no longer pending"
		}
		_, _ = b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: cb.ID,
			Text:            text,
		})
	}
}
