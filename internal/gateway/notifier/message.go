package notifier

import (
	"fmt"
	"strings"
)

// Telegram 单条消息上限 4096，留出余量给截断标记。
const maxMessageLen = 3800

var kindIcons = map[Kind]string{
	KindDecision:   "🧭",
	KindTransition: "🔁",
	KindOpened:     "🟢",
	KindClosed:     "🏁",
	KindRejected:   "⛔",
	KindMismatch:   "⚖️",
	KindError:      "⚠️",
	KindHalted:     "🛑",
	KindControl:    "🎛",
}

// RenderMarkdown 把事件渲染为 Telegram Markdown：标题行、字段代码块、平仓盈亏与时间。
func RenderMarkdown(ev Event) string {
	var b strings.Builder
	header := strings.TrimSpace(ev.Title)
	if ev.Symbol != "" {
		header = ev.Symbol + " " + header
	}
	if icon := kindIcons[ev.Kind]; icon != "" {
		header = icon + " " + header
	}
	b.WriteString(header)
	b.WriteString("\n")

	if block := renderFields(ev.Fields); block != "" {
		b.WriteString("```\n")
		b.WriteString(block)
		b.WriteString("```\n")
	}
	if ev.Kind == KindClosed {
		fmt.Fprintf(&b, "realized pnl: %+.4f\n", ev.PnL)
	}
	if !ev.At.IsZero() {
		b.WriteString("时间：" + ev.At.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxMessageLen {
		body = body[:maxMessageLen] + "..."
	}
	return body
}

func renderFields(fields []Field) string {
	width := 0
	for _, f := range fields {
		if n := len(f.Key); n > width {
			width = n
		}
	}
	var b strings.Builder
	for _, f := range fields {
		v := strings.TrimSpace(f.Value)
		if v == "" {
			continue
		}
		// 代码块内不允许再出现围栏
		v = strings.ReplaceAll(v, "```", "'''")
		fmt.Fprintf(&b, "%-*s  %s\n", width, f.Key, v)
	}
	return b.String()
}
