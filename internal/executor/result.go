package executor

import (
	"errors"
	"fmt"

	"perpagent/internal/gateway/exchange"
)

var (
	// ErrOrderRejected 对当前意图是终态：交易所拒单，或瞬时失败重试耗尽。
	ErrOrderRejected = errors.New("order rejected")
	// ErrTransient 标记瞬时失败（网络、超时、限频）。
	ErrTransient = errors.New("transient execution failure")
	// ErrUnrecoverable 表示共享连接不可用或熔断已打开。
	ErrUnrecoverable = errors.New("unrecoverable executor failure")
)

// Status 为一次提交的结果类别。
type Status string

const (
	StatusFilled   Status = "filled"
	StatusRejected Status = "rejected"
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
)

// Result 是 Submit/Reconcile 的返回值。执行器从不 panic 或丢弃意图，所有结局都编码在这里。
type Result struct {
	Intent    exchange.OrderIntent
	Status    Status
	OrderID   string
	Requested float64
	Filled    float64
	AvgPrice  float64
	Attempts  int
	Err       error
}

func (r Result) String() string {
	s := fmt.Sprintf("%s %s %s filled=%.6f/%.6f avg=%.4f attempts=%d",
		r.Intent.Symbol, r.Intent.Purpose, r.Status, r.Filled, r.Requested, r.AvgPrice, r.Attempts)
	if r.Err != nil {
		s += " err=" + r.Err.Error()
	}
	return s
}

// OrderError 携带错误类别、币种、尝试次数与底层原因。
// errors.Is 对类别哨兵与底层原因均成立。
type OrderError struct {
	Kind     error
	Symbol   string
	Attempts int
	Cause    error
}

func (e *OrderError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %v (attempts=%d)", e.Symbol, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %v (attempts=%d): %v", e.Symbol, e.Kind, e.Attempts, e.Cause)
}

func (e *OrderError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}
