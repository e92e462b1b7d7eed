package app

import (
	"fmt"
	"sort"
	"strings"

	"perpagent/internal/config"
	"perpagent/internal/logger"
)

type StartupSummary struct {
	Mode     string
	Exchange string
	Scan     ScanSummary
	Risk     RiskSummary
	Store    string
	HTTPAddr string
	Telegram string
}

type ScanSummary struct {
	Symbols  []string
	Interval string
	Every    string
	Lookback int
	Workers  int
}

type RiskSummary struct {
	RiskFraction     float64
	StopDistancePct  float64
	TakeProfitPct    float64
	MaxLeverage      int
	MarginCeilingPct float64
	SymbolCaps       map[string]float64
}

func buildSummary(cfg *config.Config, httpEnabled, pollEnabled bool) *StartupSummary {
	mode := "live"
	if cfg.App.Paper() {
		mode = "paper"
	}
	ex := cfg.Exchange.Name
	if cfg.Exchange.Testnet {
		ex += " (testnet)"
	}
	every := cfg.Scan.Interval
	if d := cfg.Scan.Every(); d > 0 {
		every = d.String()
	}
	s := &StartupSummary{
		Mode:     mode,
		Exchange: ex,
		Scan: ScanSummary{
			Symbols:  cfg.Scan.Symbols,
			Interval: cfg.Scan.Interval,
			Every:    every,
			Lookback: cfg.Scan.Lookback,
			Workers:  cfg.Scan.Workers,
		},
		Risk: RiskSummary{
			RiskFraction:     cfg.Risk.RiskFraction,
			StopDistancePct:  cfg.Risk.StopDistancePct,
			TakeProfitPct:    cfg.Risk.TakeProfitPct,
			MaxLeverage:      cfg.Risk.MaxLeverage,
			MarginCeilingPct: cfg.Risk.MarginCeilingPct,
			SymbolCaps:       cfg.Risk.SymbolCaps,
		},
		Store:    cfg.Store.Path,
		HTTPAddr: "-",
		Telegram: "disabled",
	}
	if httpEnabled {
		s.HTTPAddr = cfg.App.HTTPAddr
	}
	if cfg.Notify.Telegram.Enabled {
		s.Telegram = "notify"
		if pollEnabled {
			s.Telegram = "notify + commands"
		}
	}
	return s
}

// Print 逐行写入日志，便于在日志文件中留存每次启动的配置。
func (s *StartupSummary) Print() {
	logger.InfoBlock(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	title := "启动配置摘要 (STARTUP SUMMARY)"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	b.WriteString("[运行模式 (MODE)]\n")
	fmt.Fprintf(&b, "  模式: %s\n", s.Mode)
	fmt.Fprintf(&b, "  交易所: %s\n", s.Exchange)
	b.WriteString("\n")

	b.WriteString("[扫描 (SCAN)]\n")
	fmt.Fprintf(&b, "  监控币种: %s\n", formatList(s.Scan.Symbols))
	fmt.Fprintf(&b, "  K线周期: %s  扫描间隔: %s  回看: %d  workers: %d\n",
		s.Scan.Interval, s.Scan.Every, s.Scan.Lookback, s.Scan.Workers)
	b.WriteString("\n")

	b.WriteString("[风控 (RISK)]\n")
	fmt.Fprintf(&b, "  单笔风险: %.2f%%  止损距离: %.2f%%  止盈: %.2f%%\n",
		s.Risk.RiskFraction*100, s.Risk.StopDistancePct*100, s.Risk.TakeProfitPct*100)
	fmt.Fprintf(&b, "  最大杠杆: %dx  保证金上限: %.0f%%\n", s.Risk.MaxLeverage, s.Risk.MarginCeilingPct*100)
	if len(s.Risk.SymbolCaps) > 0 {
		keys := make([]string, 0, len(s.Risk.SymbolCaps))
		for k := range s.Risk.SymbolCaps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    - %s cap=%.0f%%\n", k, s.Risk.SymbolCaps[k]*100)
		}
	}
	b.WriteString("\n")

	b.WriteString("[服务 (SERVICES)]\n")
	fmt.Fprintf(&b, "  账本: %s\n", s.Store)
	fmt.Fprintf(&b, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintf(&b, "  Telegram: %s\n", s.Telegram)
	b.WriteString(strings.Repeat("=", 80))
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "(无)"
	}
	return strings.Join(items, ", ")
}

// Summarize 在不构建依赖的情况下生成启动摘要，用于 check 命令。
func Summarize(cfg *config.Config) *StartupSummary {
	httpEnabled := strings.TrimSpace(cfg.App.HTTPAddr) != ""
	pollEnabled := cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.PollCommands
	return buildSummary(cfg, httpEnabled, pollEnabled)
}
