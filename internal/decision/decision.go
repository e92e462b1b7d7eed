package decision

import (
	"fmt"
	"strings"
	"time"
)

// Direction 为交易方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionNone  Direction = "none"
)

// Opposite 返回相反方向，none 的相反方向仍为 none。
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionNone
	}
}

// Sign 多头为 +1，空头为 -1，其余为 0。
func (d Direction) Sign() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// Bias 为慢速趋势指标给出的主趋势方向。
type Bias string

const (
	BiasUp   Bias = "up"
	BiasDown Bias = "down"
	BiasFlat Bias = "flat"
)

func (b Bias) Direction() Direction {
	switch b {
	case BiasUp:
		return DirectionLong
	case BiasDown:
		return DirectionShort
	default:
		return DirectionNone
	}
}

// Decision 是一次评估的结果。direction=none 是合法的"本轮不交易"输出。
type Decision struct {
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Strength      float64         `json:"strength"`
	Confidence    float64         `json:"confidence"`
	Confirmations int             `json:"confirmations"`
	TrendBias     Bias            `json:"trend_bias"`
	Families      map[string]bool `json:"families"`
	Reasons       []string        `json:"reasons"`
	Reversal      bool            `json:"reversal,omitempty"`
	Price         float64         `json:"price"`
	At            time.Time       `json:"at"`
}

// Actionable 仅当方向明确时为真，强度门槛已在评估阶段处理。
func (d Decision) Actionable() bool {
	return d.Direction == DirectionLong || d.Direction == DirectionShort
}

// Summary 返回单行描述，用于日志与通知。
func (d Decision) Summary() string {
	tag := ""
	if d.Reversal {
		tag = " reversal"
	}
	return fmt.Sprintf("%s %s%s strength=%.2f confirmations=%d bias=%s [%s]",
		d.Symbol, d.Direction, tag, d.Strength, d.Confirmations, d.TrendBias, strings.Join(d.Reasons, ", "))
}
