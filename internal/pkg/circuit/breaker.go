package circuit

import (
	"sync"
	"time"

	"perpagent/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker 统计共享连接上的连续失败。threshold 次后打开，timeout 后进入半开试探；
// timeout 为 0 时只能通过 Reset 手动恢复。
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	timeout       time.Duration
	lastFailure   time.Time
	name          string
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

// SetClock 替换时间源，测试用。
func (cb *CircuitBreaker) SetClock(fn func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if fn != nil {
		cb.nowFn = fn
	}
}

// SetStateChangeHandler 注册状态变化回调。回调在锁外同步执行。
func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var fire func()
	allowed := true
	switch cb.state {
	case StateOpen:
		if cb.timeout > 0 && cb.nowFn().Sub(cb.lastFailure) > cb.timeout {
			fire = cb.transition(StateHalfOpen)
		} else {
			allowed = false
		}
	}
	cb.mu.Unlock()
	if fire != nil {
		fire()
	}
	return allowed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var fire func()
	switch cb.state {
	case StateHalfOpen:
		fire = cb.transition(StateClosed)
		cb.failures = 0
	case StateClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var fire func()
	cb.failures++
	cb.lastFailure = cb.nowFn()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			fire = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		fire = cb.transition(StateOpen)
	}
	cb.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Trip 立即打开熔断（鉴权失败等不可恢复错误）。
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	var fire func()
	cb.lastFailure = cb.nowFn()
	if cb.state != StateOpen {
		cb.failures = cb.threshold
		fire = cb.transition(StateOpen)
	}
	cb.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Reset 人工恢复，清零失败计数。
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var fire func()
	cb.failures = 0
	if cb.state != StateClosed {
		fire = cb.transition(StateClosed)
	}
	cb.mu.Unlock()
	if fire != nil {
		fire()
	}
}

func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	logger.Warnf("CircuitBreaker %s state change: %s -> %s (failures=%d/%d, timeout=%s)",
		cb.name, from, to, cb.failures, cb.threshold, cb.timeout)
	handler := cb.onStateChange
	if handler == nil {
		return nil
	}
	name := cb.name
	return func() { handler(name, from, to) }
}
