package notifier

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"perpagent/internal/config"
)

// 中文说明：
// Telegram 通知器：推送生命周期事件，同时为控制命令提供 getUpdates 长轮询。

const defaultTelegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	BotToken        string
	ChatID          string
	NotifyDecisions bool

	client *resty.Client
}

func NewTelegram(cfg config.TelegramConfig) *Telegram {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultTelegramBaseURL
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(40 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	return &Telegram{
		BotToken:        strings.TrimSpace(cfg.BotToken),
		ChatID:          strings.TrimSpace(cfg.ChatID),
		NotifyDecisions: cfg.NotifyDecisions,
		client:          client,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) path(method string) string {
	return "/bot" + t.BotToken + "/" + method
}

func (t *Telegram) ready() error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	return nil
}

// Handle 实现 Sink。决策事件默认不推送，避免刷屏。
func (t *Telegram) Handle(ctx context.Context, ev Event) error {
	if ev.Kind == KindDecision && !t.NotifyDecisions {
		return nil
	}
	if ev.Kind == KindTransition {
		return nil
	}
	return t.SendText(ctx, RenderMarkdown(ev))
}

// SendText 发送文本消息（带最多 3 次尝试）
func (t *Telegram) SendText(ctx context.Context, text string) error {
	return t.SendTextTo(ctx, t.ChatID, text)
}

func (t *Telegram) SendTextTo(ctx context.Context, chatID, text string) error {
	if err := t.ready(); err != nil {
		return err
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post(t.path("sendMessage"))
	return checkResponse("sendMessage", resp, err)
}

// SendPhoto 以 multipart 上传 PNG 图片。
func (t *Telegram) SendPhoto(ctx context.Context, chatID, caption string, png []byte) error {
	if err := t.ready(); err != nil {
		return err
	}
	if chatID == "" {
		chatID = t.ChatID
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"chat_id": chatID, "caption": caption}).
		SetFileReader("photo", "chart.png", bytes.NewReader(png)).
		Post(t.path("sendPhoto"))
	return checkResponse("sendPhoto", resp, err)
}

// GetUpdates 长轮询新消息，返回原始 JSON。
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]byte, error) {
	if t.BotToken == "" {
		return nil, fmt.Errorf("Telegram 配置不完整")
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":          strconv.FormatInt(offset, 10),
			"timeout":         strconv.Itoa(int(timeout.Seconds())),
			"allowed_updates": `["message"]`,
		}).
		Get(t.path("getUpdates"))
	if err := checkResponse("getUpdates", resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func checkResponse(method string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram %s status=%d: %s", method, resp.StatusCode(), gjson.GetBytes(resp.Body(), "description").String())
	}
	if res := gjson.GetBytes(resp.Body(), "ok"); res.Exists() && !res.Bool() {
		return fmt.Errorf("telegram %s: %s", method, gjson.GetBytes(resp.Body(), "description").String())
	}
	return nil
}
