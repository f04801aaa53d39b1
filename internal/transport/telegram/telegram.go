// Package telegram adapts a Telegram bot to the notify.Transport interface.
// Only cmd wiring constructs it; the engine never imports telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "batchkit/pkg/logx"
)

// Telegram caps message text at 4096 characters; stay under it so the
// gateway's "..." suffix never pushes a payload over the limit.
const maxMessageLen = 4000

type Config struct {
	Token  string
	ChatID int64
}

type Adapter struct {
	log  logx.Logger
	bot  *tele.Bot
	chat *tele.Chat
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// No poller: the adapter only sends.
		Client: nil,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		log:  log,
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
	}, nil
}

func (a *Adapter) MaxMessageLen() int { return maxMessageLen }

func (a *Adapter) Send(ctx context.Context, text string) error {
	if a == nil || a.bot == nil {
		return errors.New("telegram adapter not initialized")
	}

	// telebot's Send has no context plumbing; run it in a goroutine so a
	// slow Telegram API call cannot outlive the caller's deadline.
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(a.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Debug("telegram send failed", logx.Err(err))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("telegram send timed out")
	}
}
