package notifier

import (
	"context"
	"fmt"
	"time"
)

// TextNotifier defines a minimal text notification interface.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Kind 为生命周期事件类别。
type Kind string

const (
	KindDecision   Kind = "decision"
	KindTransition Kind = "transition"
	KindOpened     Kind = "opened"
	KindClosed     Kind = "closed"
	KindRejected   Kind = "rejected"
	KindMismatch   Kind = "mismatch"
	KindError      Kind = "error"
	KindHalted     Kind = "halted"
	KindControl    Kind = "control"
)

// Field 是事件中的一个键值对，保持插入顺序。
type Field struct {
	Key   string
	Value string
}

// Event 是发往各个 Sink 的生命周期事件。Payload 携带原始结构（例如已平仓记录），供账本持久化。
type Event struct {
	Kind    Kind
	Symbol  string
	Title   string
	Fields  []Field
	PnL     float64
	At      time.Time
	Payload any
}

func NewEvent(kind Kind, symbol, title string) Event {
	return Event{Kind: kind, Symbol: symbol, Title: title, At: time.Now().UTC()}
}

// With 追加字段，返回新事件。
func (e Event) With(key string, value any) Event {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case float64:
		s = fmt.Sprintf("%.6g", v)
	default:
		s = fmt.Sprint(v)
	}
	e.Fields = append(append([]Field(nil), e.Fields...), Field{Key: key, Value: s})
	return e
}

func (e Event) WithPayload(p any) Event {
	e.Payload = p
	return e
}

// Field 返回第一个同名字段的值。
func (e Event) Field(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Sink 消费事件。Handle 的错误只会被记录，不会阻塞其他 Sink。
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Publisher 是交易侧依赖的最小接口。
type Publisher interface {
	Publish(ev Event) bool
}
