// Package control 解析运营命令（Telegram / HTTP 共用）并分发到交易调度器。
package control

import (
	"errors"
	"fmt"
	"strings"

	"perpagent/internal/pkg/symbol"
)

type Verb string

const (
	VerbPause  Verb = "pause"
	VerbResume Verb = "resume"
	VerbClose  Verb = "close"
	VerbStatus Verb = "status"
	VerbChart  Verb = "chart"
	VerbHelp   Verb = "help"
)

var (
	ErrEmpty          = errors.New("empty command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingSymbol  = errors.New("symbol required")
	ErrInvalidSymbol  = errors.New("invalid symbol")
)

var verbAliases = map[string]Verb{
	"pause":       VerbPause,
	"stop":        VerbPause,
	"resume":      VerbResume,
	"start":       VerbResume,
	"close":       VerbClose,
	"force-close": VerbClose,
	"forceclose":  VerbClose,
	"force_close": VerbClose,
	"status":      VerbStatus,
	"chart":       VerbChart,
	"pnl":         VerbChart,
	"help":        VerbHelp,
}

// Command 是一条已解析的运营命令。Symbol 为空表示作用于全部。
type Command struct {
	Verb   Verb
	Symbol string
	Reason string
}

func (c Command) String() string {
	if c.Symbol == "" {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + c.Symbol
}

// Parse 接受 "/pause BTCUSDT"、"pause btc/usdt"、"/close@my_bot ETHUSDT 止损太远" 等形式。
func Parse(text string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Command{}, ErrEmpty
	}
	head := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	verb, ok := verbAliases[head]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, head)
	}
	cmd := Command{Verb: verb}
	if len(fields) > 1 {
		sym := symbol.Normalize(fields[1])
		if !symbol.IsValid(sym) {
			return Command{}, fmt.Errorf("%w: %s", ErrInvalidSymbol, fields[1])
		}
		cmd.Symbol = sym
	}
	if len(fields) > 2 {
		cmd.Reason = strings.Join(fields[2:], " ")
	}
	switch verb {
	case VerbPause, VerbClose:
		if cmd.Symbol == "" {
			return Command{}, fmt.Errorf("%w: %s", ErrMissingSymbol, verb)
		}
	}
	if verb == VerbClose && cmd.Reason == "" {
		cmd.Reason = "manual"
	}
	return cmd, nil
}

const helpText = `commands:
/status [SYMBOL]  当前状态
/pause SYMBOL     暂停开仓（止损止盈仍生效）
/resume [SYMBOL]  恢复；不带参数时同时解除熔断
/close SYMBOL     强制平仓
/chart [SYMBOL]   累计盈亏曲线
/help`
