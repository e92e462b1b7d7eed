package scheduler

import (
	"context"
	"time"

	"perpagent/internal/logger"
)

// AlignedScheduler 首次在下一根 K 线收盘 + Offset 时触发，之后以收盘时刻为锚点每 Every 触发一次。
// Every 与 AlignInterval 相等时即每根 K 线收盘后扫描一次。
type AlignedScheduler struct {
	Name           string
	AlignInterval  time.Duration
	Every          time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewAlignedScheduler(alignInterval, every, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		AlignInterval: alignInterval,
		Every:         every,
		Offset:        offset,
		nowFn:         time.Now,
	}
}

// Start 阻塞直到 ctx 结束。task 在调度 goroutine 中同步执行，应尽快返回。
func (s *AlignedScheduler) Start(ctx context.Context, task func()) {
	if s == nil {
		return
	}
	prefix := "AlignedScheduler"
	if s.Name != "" {
		prefix = prefix + "[" + s.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.AlignInterval <= 0 {
		logger.Warnf("%s: invalid align_interval=%s, exit", prefix, s.AlignInterval)
		return
	}
	if s.Every <= 0 {
		s.Every = s.AlignInterval
	}
	if s.Offset < 0 {
		logger.Warnf("%s: negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: started align_interval=%s every=%s offset=%s run_immediately=%v at=%s",
		prefix, s.AlignInterval, s.Every, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		logger.Infof("%s: RunImmediately=true, execute once before first alignment", prefix)
		task()
	}

	anchor := s.FirstAt(s.nowFn())
	nextAt := anchor
	for {
		now := s.nowFn().UTC()
		nextClose := now.Truncate(s.AlignInterval).Add(s.AlignInterval)
		logger.Debugf("%s: 距离K线收盘=%s (收盘=%s) 下次执行=%s (in %s) | uptime=%s",
			prefix,
			nextClose.Sub(now).Truncate(time.Second),
			nextClose.Format(time.RFC3339),
			nextAt.Format(time.RFC3339),
			nextAt.Sub(now).Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second),
		)
		if !waitUntil(ctx, s.nowFn, nextAt) {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		task()
		nextAt = nextFixedTimeAfter(anchor, s.Every, s.nowFn().UTC())
	}
}

// FirstAt 返回 now 之后第一次触发的时刻：下一根 K 线收盘 + Offset。
func (s *AlignedScheduler) FirstAt(now time.Time) time.Time {
	return now.UTC().Truncate(s.AlignInterval).Add(s.AlignInterval).Add(s.Offset)
}

func waitUntil(ctx context.Context, nowFn func() time.Time, target time.Time) bool {
	wait := target.Sub(nowFn().UTC())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextFixedTimeAfter 返回 anchor + k*interval 中严格晚于 now 的最早时刻。
// 任务超时错过的触发点直接跳过，不补跑。
func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	anchor = anchor.UTC()
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}
