package notifier

import (
	"context"
	"sync"
	"time"

	"perpagent/internal/logger"
	"perpagent/internal/metrics"
)

const drainTimeout = 10 * time.Second

// Hub 通过有界队列把事件异步分发给所有 Sink。队列满时丢弃并告警，从不阻塞交易路径。
type Hub struct {
	queue chan Event

	mu    sync.RWMutex
	sinks []Sink
}

func NewHub(size int, sinks ...Sink) *Hub {
	if size <= 0 {
		size = 256
	}
	return &Hub{queue: make(chan Event, size), sinks: sinks}
}

func (h *Hub) Add(s Sink) {
	if s == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Publish 非阻塞入队，队列满时返回 false。
func (h *Hub) Publish(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case h.queue <- ev:
		return true
	default:
		metrics.NotifyDropped.Inc()
		logger.Warnf("notifier: 队列已满，丢弃事件 kind=%s symbol=%s title=%s", ev.Kind, ev.Symbol, ev.Title)
		return false
	}
}

// Run 消费队列直到 ctx 取消，随后在限定时间内把剩余事件发完。
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-h.queue:
			h.dispatch(ctx, ev)
		case <-ctx.Done():
			h.drain(ctx)
			return nil
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-h.queue:
			h.dispatch(dctx, ev)
		default:
			return
		}
		if dctx.Err() != nil {
			logger.Warnf("notifier: drain 超时，剩余 %d 条事件未发送", len(h.queue))
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, ev Event) {
	h.mu.RLock()
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.RUnlock()
	for _, s := range sinks {
		if err := h.safeHandle(ctx, s, ev); err != nil {
			logger.Warnf("notifier: sink %s 处理 %s 失败: %v", s.Name(), ev.Kind, err)
		}
	}
}

func (h *Hub) safeHandle(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("notifier: sink %s panic: %v", s.Name(), r)
		}
	}()
	return s.Handle(ctx, ev)
}

// LogSink 把事件写入结构化日志。
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Handle(_ context.Context, ev Event) error {
	kv := make([]any, 0, 2*len(ev.Fields)+4)
	kv = append(kv, "kind", string(ev.Kind), "symbol", ev.Symbol)
	for _, f := range ev.Fields {
		kv = append(kv, f.Key, f.Value)
	}
	l := logger.With(kv...)
	switch ev.Kind {
	case KindError, KindHalted, KindRejected:
		l.Warnf("%s", ev.Title)
	case KindDecision, KindTransition:
		l.Debugf("%s", ev.Title)
	default:
		l.Infof("%s", ev.Title)
	}
	return nil
}
