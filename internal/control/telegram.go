package control

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/tidwall/gjson"

	"perpagent/internal/logger"
)

// Bot 是 notifier.Telegram 的命令收发子集。
type Bot interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]byte, error)
	SendTextTo(ctx context.Context, chatID, text string) error
	SendPhoto(ctx context.Context, chatID, caption string, png []byte) error
}

// TelegramPoller 长轮询 getUpdates，只接受配置的 chat 发来的命令。
type TelegramPoller struct {
	bot     Bot
	router  *Router
	chatID  string
	timeout time.Duration
	offset  int64
	backoff *backoff.Backoff
}

func NewTelegramPoller(bot Bot, router *Router, chatID string) *TelegramPoller {
	return &TelegramPoller{
		bot:     bot,
		router:  router,
		chatID:  strings.TrimSpace(chatID),
		timeout: 30 * time.Second,
		backoff: &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true},
	}
}

func (p *TelegramPoller) Run(ctx context.Context) error {
	logger.Infof("telegram poller started chat=%s", p.chatID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := p.backoff.Duration()
			logger.Warnf("telegram getUpdates 失败，%s 后重试: %v", wait, err)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		p.backoff.Reset()
	}
}

// PollOnce 拉取一批更新并逐条处理，返回已处理的命令数。
func (p *TelegramPoller) PollOnce(ctx context.Context) (int, error) {
	body, err := p.bot.GetUpdates(ctx, p.offset, p.timeout)
	if err != nil {
		return 0, err
	}
	res := gjson.GetBytes(body, "result")
	if !res.IsArray() {
		return 0, errors.New("telegram getUpdates: missing result")
	}
	handled := 0
	for _, upd := range res.Array() {
		if id := upd.Get("update_id").Int(); id >= p.offset {
			p.offset = id + 1
		}
		chat := upd.Get("message.chat.id").String()
		text := strings.TrimSpace(upd.Get("message.text").String())
		if text == "" {
			continue
		}
		if p.chatID != "" && chat != p.chatID {
			logger.Warnf("telegram: ignore message from chat=%s", chat)
			continue
		}
		reply := p.router.HandleText(ctx, text)
		handled++
		if err := p.respond(ctx, chat, reply); err != nil {
			logger.Warnf("telegram reply failed: %v", err)
		}
	}
	return handled, nil
}

func (p *TelegramPoller) respond(ctx context.Context, chat string, reply Reply) error {
	if len(reply.Photo) > 0 {
		return p.bot.SendPhoto(ctx, chat, reply.Text, reply.Photo)
	}
	if reply.Text == "" {
		return nil
	}
	return p.bot.SendTextTo(ctx, chat, reply.Text)
}
