// Package telegram connects the bridge to a Telegram bot through long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/chat"
)

// Source tags updates that arrive through this gateway.
const Source = "telegram"

const pollTimeout = 60

var ErrInvalidChatID = errors.New("invalid telegram chat id")

// BotAPI is the subset of *tgbotapi.BotAPI the gateway needs.
type BotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// SubmitFunc hands an inbound update to the dispatcher.
type SubmitFunc func(ctx context.Context, update chat.Update) error

// Gateway polls Telegram for updates and sends replies.
type Gateway struct {
	api    BotAPI
	logger *zap.Logger
}

// New authorizes the bot token against Telegram.
func New(token string, logger *zap.Logger) (*Gateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authorize telegram bot: %w", err)
	}
	g := NewWithAPI(bot, logger)
	g.logger.Info("authorized telegram bot", zap.String("username", bot.Self.UserName))
	return g, nil
}

// NewWithAPI wraps an existing bot client.
func NewWithAPI(api BotAPI, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{api: api, logger: logger.Named("telegram")}
}

// Run forwards text messages to submit until ctx is done or the update channel closes.
func (g *Gateway) Run(ctx context.Context, submit SubmitFunc) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := g.api.GetUpdatesChan(u)
	defer g.api.StopReceivingUpdates()

	g.logger.Info("polling for updates")
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-updates:
			if !ok {
				return nil
			}
			update, ok := toUpdate(raw)
			if !ok {
				continue
			}
			if err := submit(ctx, update); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				g.logger.Warn("could not submit update", zap.String("chat_id", update.ChatID), zap.Error(err))
			}
		}
	}
}

// SendMessage sends text to chatID. Empty texts are skipped.
func (g *Gateway) SendMessage(_ context.Context, chatID, text string) error {
	if text == "" {
		return nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidChatID, chatID)
	}
	if _, err := g.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func toUpdate(raw tgbotapi.Update) (chat.Update, bool) {
	msg := raw.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return chat.Update{}, false
	}

	received := time.Now().UTC()
	if msg.Date != 0 {
		received = msg.Time().UTC()
	}
	return chat.Update{
		ID:         strconv.Itoa(raw.UpdateID),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Text:       msg.Text,
		Source:     Source,
		ReceivedAt: received,
	}, true
}
