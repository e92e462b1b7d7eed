package store

import (
	"context"
	"encoding/json"

	"perpagent/internal/gateway/notifier"
	"perpagent/internal/position"
)

// LedgerSink 把生命周期事件写入账本：平仓记录进入 closed_positions，其余事件进入 lifecycle_events。
// 决策事件不落库。
type LedgerSink struct {
	Ledger Ledger
}

func NewLedgerSink(l Ledger) *LedgerSink { return &LedgerSink{Ledger: l} }

func (s *LedgerSink) Name() string { return "ledger" }

func (s *LedgerSink) Handle(ctx context.Context, ev notifier.Event) error {
	if s == nil || s.Ledger == nil || ev.Kind == notifier.KindDecision {
		return nil
	}
	rec := EventRecord{
		Symbol:    ev.Symbol,
		Kind:      string(ev.Kind),
		Title:     ev.Title,
		CreatedAt: ev.At,
	}
	rec.Reason, _ = ev.Field("reason")
	switch p := ev.Payload.(type) {
	case position.ClosedPosition:
		if err := s.Ledger.RecordClosed(ctx, p); err != nil {
			return err
		}
	case position.Transition:
		rec.From, rec.To, rec.Reason = string(p.From), string(p.To), p.Reason
	}
	if ev.Payload != nil {
		if raw, err := json.Marshal(ev.Payload); err == nil {
			rec.Payload = raw
		}
	}
	return s.Ledger.RecordEvent(ctx, rec)
}
