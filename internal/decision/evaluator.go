package decision

import (
	"fmt"
	"math"
	"sync/atomic"

	"perpagent/internal/analysis/indicator"
	"perpagent/internal/config"
)

// Policy 为混合规则的全部阈值与族权重，来自 [signal] 配置。
type Policy struct {
	ConfirmationThreshold int
	ActionableStrength    float64
	Weights               map[indicator.Family]float64
	TrendMin              float64
	ADXMin                float64
	MomentumMin           float64
	VolumeMin             float64
	VolatilityMin         float64
	VolatilityMax         float64
	ReversalEnabled       bool
}

func PolicyFromConfig(sc config.SignalConfig) Policy {
	weights := make(map[indicator.Family]float64, len(indicator.Families))
	for _, fam := range indicator.Families {
		weights[fam] = sc.Weights[string(fam)]
	}
	return Policy{
		ConfirmationThreshold: sc.ConfirmationThreshold,
		ActionableStrength:    sc.ActionableStrength,
		Weights:               weights,
		TrendMin:              sc.TrendMin,
		ADXMin:                sc.ADXMin,
		MomentumMin:           sc.MomentumMin,
		VolumeMin:             sc.VolumeMin,
		VolatilityMin:         sc.VolatilityMin,
		VolatilityMax:         sc.VolatilityMax,
		ReversalEnabled:       sc.ReversalEnabled,
	}
}

func (p Policy) totalWeight() float64 {
	total := 0.0
	for _, fam := range indicator.Families {
		total += p.Weights[fam]
	}
	return total
}

// Evaluator 把 SignalVector 归约为 Decision。策略可在运行期原子替换。
type Evaluator struct {
	policy atomic.Pointer[Policy]
}

func NewEvaluator(p Policy) *Evaluator {
	e := &Evaluator{}
	e.SetPolicy(p)
	return e
}

func (e *Evaluator) SetPolicy(p Policy) {
	cp := p
	cp.Weights = make(map[indicator.Family]float64, len(p.Weights))
	for k, v := range p.Weights {
		cp.Weights[k] = v
	}
	e.policy.Store(&cp)
}

func (e *Evaluator) Policy() Policy {
	return *e.policy.Load()
}

type familyCheck struct {
	trend      bool
	momentum   bool
	volatility bool
	volume     bool
}

func (f familyCheck) asMap() map[string]bool {
	return map[string]bool{
		string(indicator.FamilyTrend):      f.trend,
		string(indicator.FamilyMomentum):   f.momentum,
		string(indicator.FamilyVolatility): f.volatility,
		string(indicator.FamilyVolume):     f.volume,
	}
}

// Evaluate 应用混合规则：
//   - 趋势过滤决定方向，动量必须同向确认，且波动率或成交量至少一项确认；
//   - 确认族数量达到阈值，且加权强度达到可执行水平；
//   - 仅当动量与成交量同时逆趋势时允许反转。
func (e *Evaluator) Evaluate(vec indicator.SignalVector) Decision {
	p := e.Policy()
	d := Decision{
		Symbol:    vec.Symbol,
		Direction: DirectionNone,
		TrendBias: BiasFlat,
		Price:     vec.Price,
		At:        vec.At,
	}

	ma, _ := vec.Value(indicator.NameMACross)
	adx, _ := vec.Value(indicator.NameADX)
	dmi, _ := vec.Value(indicator.NameDMI)
	switch {
	case ma >= p.TrendMin && dmi >= 0 && adx >= p.ADXMin:
		d.TrendBias = BiasUp
	case ma <= -p.TrendMin && dmi <= 0 && adx >= p.ADXMin:
		d.TrendBias = BiasDown
	}

	momentum := familyMean(vec, indicator.FamilyMomentum)
	volume := familyMean(vec, indicator.FamilyVolume)
	volatilityOK := e.volatilityOK(vec, p)

	if d.TrendBias == BiasFlat {
		d.Families = familyCheck{volatility: volatilityOK}.asMap()
		d.Confirmations = countTrue(d.Families)
		d.Strength = weightedStrength(p, d.Families)
		d.Confidence = float64(d.Confirmations) / float64(len(indicator.Families))
		d.Reasons = []string{fmt.Sprintf("trend:flat ma_cross=%.2f adx=%.2f dmi=%.2f", ma, adx, dmi)}
		return d
	}

	sign := d.TrendBias.Direction().Sign()
	check := familyCheck{
		trend:      true,
		momentum:   momentum*sign >= p.MomentumMin,
		volatility: volatilityOK,
		volume:     volume*sign >= p.VolumeMin,
	}
	candidate := d.TrendBias.Direction()
	gate := check.momentum && (check.volatility || check.volume)

	// 反转：动量与成交量同时逆趋势，且波动率正常
	if !gate && p.ReversalEnabled &&
		momentum*sign <= -p.MomentumMin && volume*sign <= -p.VolumeMin && volatilityOK {
		check = familyCheck{momentum: true, volatility: true, volume: true}
		candidate = candidate.Opposite()
		gate = true
		d.Reversal = true
	}

	d.Families = check.asMap()
	d.Confirmations = countTrue(d.Families)
	d.Strength = weightedStrength(p, d.Families)
	d.Confidence = float64(d.Confirmations) / float64(len(indicator.Families))
	d.Reasons = reasons(vec, d.Families, d.Reversal)

	switch {
	case !gate:
		d.Reasons = append(d.Reasons, "gate:momentum or secondary confirmation missing")
	case d.Confirmations < p.ConfirmationThreshold:
		d.Reasons = append(d.Reasons, fmt.Sprintf("gate:confirmations %d < %d", d.Confirmations, p.ConfirmationThreshold))
	case d.Strength < p.ActionableStrength:
		d.Reasons = append(d.Reasons, fmt.Sprintf("gate:strength %.2f < %.2f", d.Strength, p.ActionableStrength))
	default:
		d.Direction = candidate
	}
	if d.Direction == DirectionNone {
		d.Reversal = false
	}
	return d
}

func (e *Evaluator) volatilityOK(vec indicator.SignalVector, p Policy) bool {
	readings := vec.Family(indicator.FamilyVolatility)
	if len(readings) == 0 {
		return false
	}
	for _, r := range readings {
		if r.Value < p.VolatilityMin || r.Value > p.VolatilityMax {
			return false
		}
	}
	return true
}

func familyMean(vec indicator.SignalVector, fam indicator.Family) float64 {
	readings := vec.Family(fam)
	if len(readings) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range readings {
		sum += r.Value
	}
	return sum / float64(len(readings))
}

func weightedStrength(p Policy, families map[string]bool) float64 {
	total := p.totalWeight()
	if total <= 0 {
		return 0
	}
	got := 0.0
	for _, fam := range indicator.Families {
		if families[string(fam)] {
			got += p.Weights[fam]
		}
	}
	return math.Round(got/total*10000) / 10000
}

func countTrue(m map[string]bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}

// reasons 按族的固定顺序列出参与确认的指标标签。
func reasons(vec indicator.SignalVector, families map[string]bool, reversal bool) []string {
	out := make([]string, 0, 10)
	if reversal {
		out = append(out, "reversal:momentum+volume against trend")
	}
	for _, fam := range indicator.Families {
		if !families[string(fam)] {
			continue
		}
		for _, r := range vec.Family(fam) {
			out = append(out, fmt.Sprintf("%s:%s=%.2f", fam, r.Name, r.Value))
		}
	}
	return out
}
