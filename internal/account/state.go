package account

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Holding 为交易所侧的持仓摘要。
type Holding struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"` // 正数为多，负数为空
	EntryPrice float64 `json:"entry_price"`
	Leverage   int     `json:"leverage"`
	Margin     float64 `json:"margin"`
}

// State 是不可变的账户快照，发布后任何字段都不会再被修改。
type State struct {
	Balance    float64            `json:"balance"`
	Available  float64            `json:"available"`
	UsedMargin float64            `json:"used_margin"`
	Reserved   map[string]float64 `json:"reserved"`
	Positions  map[string]Holding `json:"positions"`
	Version    uint64             `json:"version"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// ReservedTotal 返回尚未被交易所确认的保证金预留总额。
func (s *State) ReservedTotal() float64 {
	total := 0.0
	for _, v := range s.Reserved {
		total += v
	}
	return total
}

// Committed 为已占用保证金与预留之和。
func (s *State) Committed() float64 {
	return s.UsedMargin + s.ReservedTotal()
}

func (s *State) clone() State {
	out := *s
	out.Reserved = make(map[string]float64, len(s.Reserved))
	for k, v := range s.Reserved {
		out.Reserved[k] = v
	}
	out.Positions = make(map[string]Holding, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	return out
}

// Reader 拉取交易所账户；实现需可安全重试。
type Reader interface {
	FetchAccount(ctx context.Context) (State, error)
}

// Store 持有账户快照：读者无锁读取，写者串行化并整体替换。
type Store struct {
	writeMu sync.Mutex
	current atomic.Pointer[State]
	nowFn   func() time.Time
}

func NewStore() *Store {
	s := &Store{nowFn: time.Now}
	s.current.Store(&State{
		Reserved:  map[string]float64{},
		Positions: map[string]Holding{},
	})
	return s
}

// Snapshot 返回当前快照，调用方不得修改。
func (s *Store) Snapshot() *State {
	return s.current.Load()
}

func (s *Store) publish(next State) *State {
	prev := s.current.Load()
	next.Version = prev.Version + 1
	next.UpdatedAt = s.nowFn().UTC()
	s.current.Store(&next)
	return &next
}

// Refresh 在成交确认后从交易所对账，保留尚未释放的预留。
func (s *Store) Refresh(ctx context.Context, r Reader) (*State, error) {
	if r == nil {
		return nil, fmt.Errorf("account reader is nil")
	}
	fetched, err := r.FetchAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := fetched.clone()
	prev := s.current.Load()
	for sym, v := range prev.Reserved {
		next.Reserved[sym] = v
	}
	return s.publish(next), nil
}

// Replace 直接发布一份新快照，用于启动与测试。
func (s *Store) Replace(st State) *State {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.publish(st.clone())
}

// TryReserve 原子地检查 committed+margin <= ceiling 并记录预留。
// ceilingFn 基于最新快照计算上限，保证并发开仓时不会突破保证金上限。
func (s *Store) TryReserve(symbol string, margin float64, ceilingFn func(*State) float64) (*State, bool) {
	if margin <= 0 {
		return s.Snapshot(), false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.current.Load()
	ceiling := ceilingFn(cur)
	if cur.Committed()+margin > ceiling+1e-9 {
		return cur, false
	}
	next := cur.clone()
	next.Reserved[symbol] += margin
	return s.publish(next), true
}

// Release 释放某个币种的预留，无预留时不发布新版本。
func (s *Store) Release(symbol string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.current.Load()
	if _, ok := cur.Reserved[symbol]; !ok {
		return
	}
	next := cur.clone()
	delete(next.Reserved, symbol)
	s.publish(next)
}
