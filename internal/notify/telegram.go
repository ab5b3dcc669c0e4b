package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"igpilot/pkg/logx"
)

// Telegram posts alerts to one chat (optionally a forum topic).
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

// NewTelegram builds a send-only bot; it never polls for updates.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt:  &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, t.opt)
	return err
}

// LogSender writes alerts to the log; used when no chat is configured.
type LogSender struct{ Log logx.Logger }

func (l LogSender) Send(_ context.Context, text string) error {
	l.Log.Warn("alert", logx.String("text", text))
	return nil
}

// SenderFor picks Telegram when a token is configured and the log otherwise.
func SenderFor(cfg TelegramConfig, log logx.Logger) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return LogSender{Log: log}, nil
	}
	return NewTelegram(cfg)
}
