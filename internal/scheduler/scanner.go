package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"perpagent/internal/config"
	"perpagent/internal/control"
	"perpagent/internal/executor"
	"perpagent/internal/gateway/notifier"
	"perpagent/internal/logger"
	"perpagent/internal/market"
	"perpagent/internal/metrics"
	"perpagent/internal/trader"
)

// Unit 是 Scanner 调度的单个交易单元，由 *trader.Trader 实现。
type Unit interface {
	Symbol() string
	Evaluate(ctx context.Context) error
	Pause()
	Resume()
	ForceClose(reason string) error
	Status() trader.Status
}

// HaltSource 报告共享执行连接的熔断状态，由 *executor.Executor 实现。
type HaltSource interface {
	OnHalt(fn executor.HaltListener)
	Resume()
}

type Config struct {
	AlignInterval  time.Duration
	Every          time.Duration
	Offset         time.Duration
	RunImmediately bool
	Workers        int
	QueueSize      int
	// EvalTimeout 限制单次评估时长；评估不随 Run 的 ctx 取消而中断。
	EvalTimeout time.Duration
}

func ConfigFrom(sc config.ScanConfig) (Config, error) {
	align, ok := market.ParseInterval(sc.Interval)
	if !ok {
		return Config{}, fmt.Errorf("invalid candle interval %q", sc.Interval)
	}
	every := sc.Every()
	if every == 0 {
		every = align
	}
	if every < align {
		return Config{}, fmt.Errorf("scan interval %s shorter than candle interval %s", every, align)
	}
	return Config{
		AlignInterval:  align,
		Every:          every,
		Offset:         time.Duration(sc.OffsetSeconds) * time.Second,
		RunImmediately: sc.RunImmediately,
		Workers:        sc.Workers,
		QueueSize:      sc.QueueSize,
	}, nil
}

// Scanner 按对齐节拍把 symbol 投递给固定数量的 worker。
// 同一 symbol 同时最多一个评估；忙碌的 symbol 在本轮跳过并计数。
type Scanner struct {
	cfg    Config
	units  map[string]Unit
	order  []string
	busy   map[string]*atomic.Bool
	jobs   chan string
	halt   HaltSource
	events notifier.Publisher

	halted     atomic.Bool
	haltMu     sync.Mutex
	haltReason string
}

func NewScanner(cfg Config, units []Unit, halt HaltSource, events notifier.Publisher) (*Scanner, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("scanner: no symbols")
	}
	if cfg.AlignInterval <= 0 {
		return nil, fmt.Errorf("scanner: invalid candle interval %s", cfg.AlignInterval)
	}
	if cfg.Every <= 0 {
		cfg.Every = cfg.AlignInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = min(len(units), 4)
	}
	if cfg.QueueSize < len(units) {
		cfg.QueueSize = len(units)
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = max(cfg.Every, time.Minute)
	}
	s := &Scanner{
		cfg:    cfg,
		units:  make(map[string]Unit, len(units)),
		busy:   make(map[string]*atomic.Bool, len(units)),
		jobs:   make(chan string, cfg.QueueSize),
		halt:   halt,
		events: events,
	}
	for _, u := range units {
		sym := u.Symbol()
		if _, dup := s.units[sym]; dup {
			return nil, fmt.Errorf("scanner: duplicate symbol %s", sym)
		}
		s.units[sym] = u
		s.busy[sym] = &atomic.Bool{}
		s.order = append(s.order, sym)
	}
	if halt != nil {
		halt.OnHalt(s.onHalt)
	}
	return s, nil
}

// Run 启动 worker 与节拍，阻塞到 ctx 结束且所有进行中的评估返回。
func (s *Scanner) Run(ctx context.Context) error {
	logger.Infof("Scanner: starting symbols=%v workers=%d every=%s offset=%s",
		s.order, s.cfg.Workers, s.cfg.Every, s.cfg.Offset)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		group.Go(func() error {
			s.work(gctx)
			return nil
		})
	}
	group.Go(func() error {
		sched := NewAlignedScheduler(s.cfg.AlignInterval, s.cfg.Every, s.cfg.Offset)
		sched.Name = "scan"
		sched.RunImmediately = s.cfg.RunImmediately
		sched.Start(gctx, func() { s.Tick() })
		return nil
	})
	err := group.Wait()
	logger.Infof("Scanner: stopped")
	return err
}

// Tick 投递所有空闲 symbol，返回本轮投递数。熔断期间不投递。
func (s *Scanner) Tick() int {
	if halted, reason := s.Halted(); halted {
		logger.Warnf("Scanner: halted (%s), skip tick", reason)
		for _, sym := range s.order {
			metrics.ScansTotal.WithLabelValues(sym, "halted").Inc()
		}
		return 0
	}
	n := 0
	for _, sym := range s.order {
		if s.dispatch(sym) {
			n++
		}
	}
	return n
}

// Kick 立即安排一次评估（例如强平），symbol 忙碌或熔断时返回 false。
func (s *Scanner) Kick(symbol string) bool {
	if _, ok := s.units[symbol]; !ok || s.halted.Load() {
		return false
	}
	return s.dispatch(symbol)
}

func (s *Scanner) dispatch(sym string) bool {
	busy := s.busy[sym]
	if !busy.CompareAndSwap(false, true) {
		logger.Debugf("Scanner: %s still busy, skip", sym)
		metrics.ScansTotal.WithLabelValues(sym, "busy").Inc()
		return false
	}
	select {
	case s.jobs <- sym:
		return true
	default:
		busy.Store(false)
		logger.Warnf("Scanner: queue full, drop %s", sym)
		metrics.ScansTotal.WithLabelValues(sym, "busy").Inc()
		return false
	}
}

func (s *Scanner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sym := <-s.jobs:
			s.evaluate(ctx, sym)
		}
	}
}

func (s *Scanner) evaluate(ctx context.Context, sym string) {
	defer s.busy[sym].Store(false)
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EvalTimeout)
	defer cancel()
	if err := s.units[sym].Evaluate(ectx); err != nil {
		logger.Warnf("Scanner: evaluate %s: %v", sym, err)
	}
}

func (s *Scanner) onHalt(halted bool, reason string) {
	s.haltMu.Lock()
	s.haltReason = reason
	s.halted.Store(halted)
	s.haltMu.Unlock()
	if s.events == nil {
		return
	}
	if halted {
		s.events.Publish(notifier.NewEvent(notifier.KindHalted, "", "trading halted").With("reason", reason))
		return
	}
	s.events.Publish(notifier.NewEvent(notifier.KindControl, "", "trading resumed"))
}

// Symbols 返回调度顺序下的 symbol 列表。
func (s *Scanner) Symbols() []string {
	return append([]string(nil), s.order...)
}

func (s *Scanner) unit(sym string) (Unit, error) {
	u, ok := s.units[sym]
	if !ok {
		return nil, fmt.Errorf("%w: %s", control.ErrUnknownSymbol, sym)
	}
	return u, nil
}

func (s *Scanner) Pause(sym string) error {
	u, err := s.unit(sym)
	if err != nil {
		return err
	}
	u.Pause()
	return nil
}

func (s *Scanner) Resume(sym string) error {
	u, err := s.unit(sym)
	if err != nil {
		return err
	}
	u.Resume()
	return nil
}

// ForceClose 锁存平仓请求并立即踢一次评估；symbol 忙碌时由进行中的评估之后的下一轮执行。
func (s *Scanner) ForceClose(sym, reason string) error {
	u, err := s.unit(sym)
	if err != nil {
		return err
	}
	if err := u.ForceClose(reason); err != nil {
		return err
	}
	s.Kick(sym)
	return nil
}

// ResumeHalt 重置执行器熔断并恢复投递。
func (s *Scanner) ResumeHalt() {
	if s.halt != nil {
		s.halt.Resume()
	}
	if s.halted.Load() {
		s.onHalt(false, "resumed")
	}
}

func (s *Scanner) Halted() (bool, string) {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	if !s.halted.Load() {
		return false, ""
	}
	return true, s.haltReason
}

func (s *Scanner) Statuses() []trader.Status {
	out := make([]trader.Status, 0, len(s.order))
	for _, sym := range s.order {
		out = append(out, s.units[sym].Status())
	}
	return out
}

var _ control.Target = (*Scanner)(nil)
