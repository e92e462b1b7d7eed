package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"perpagent/internal/logger"
	"perpagent/internal/trader"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// Target 是命令作用的对象，由 scheduler.Scanner 实现。
type Target interface {
	Symbols() []string
	Pause(symbol string) error
	Resume(symbol string) error
	ForceClose(symbol, reason string) error
	ResumeHalt()
	Halted() (bool, string)
	Statuses() []trader.Status
}

// ChartRenderer 渲染累计盈亏曲线 PNG。symbol 为空表示全部。
type ChartRenderer interface {
	RenderPNG(ctx context.Context, symbol string) ([]byte, error)
}

type Reply struct {
	Text  string
	Photo []byte
}

type Router struct {
	target Target
	charts ChartRenderer
}

type RouterOption func(*Router)

func WithCharts(c ChartRenderer) RouterOption {
	return func(r *Router) { r.charts = c }
}

func NewRouter(target Target, opts ...RouterOption) *Router {
	r := &Router{target: target}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleText 解析并执行，错误以文本形式回复。
func (r *Router) HandleText(ctx context.Context, text string) Reply {
	cmd, err := Parse(text)
	if err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			return Reply{Text: err.Error() + "\n" + helpText}
		}
		return Reply{Text: err.Error()}
	}
	reply, err := r.Handle(ctx, cmd)
	if err != nil {
		logger.Warnf("control: %s failed: %v", cmd, err)
		return Reply{Text: fmt.Sprintf("%s failed: %v", cmd, err)}
	}
	return reply
}

func (r *Router) Handle(ctx context.Context, cmd Command) (Reply, error) {
	if err := r.checkSymbol(cmd.Symbol); err != nil {
		return Reply{}, err
	}
	logger.Infof("control: %s", cmd)
	switch cmd.Verb {
	case VerbPause:
		if err := r.target.Pause(cmd.Symbol); err != nil {
			return Reply{}, err
		}
		return Reply{Text: cmd.Symbol + " paused"}, nil
	case VerbResume:
		if cmd.Symbol == "" {
			r.target.ResumeHalt()
			for _, sym := range r.target.Symbols() {
				if err := r.target.Resume(sym); err != nil {
					return Reply{}, err
				}
			}
			return Reply{Text: "all symbols resumed"}, nil
		}
		if err := r.target.Resume(cmd.Symbol); err != nil {
			return Reply{}, err
		}
		return Reply{Text: cmd.Symbol + " resumed"}, nil
	case VerbClose:
		if err := r.target.ForceClose(cmd.Symbol, cmd.Reason); err != nil {
			return Reply{}, err
		}
		return Reply{Text: fmt.Sprintf("%s close requested (%s)", cmd.Symbol, cmd.Reason)}, nil
	case VerbStatus:
		return Reply{Text: r.renderStatus(cmd.Symbol)}, nil
	case VerbChart:
		if r.charts == nil {
			return Reply{}, errors.New("chart rendering disabled")
		}
		png, err := r.charts.RenderPNG(ctx, cmd.Symbol)
		if err != nil {
			return Reply{}, err
		}
		caption := "cumulative pnl"
		if cmd.Symbol != "" {
			caption += " " + cmd.Symbol
		}
		return Reply{Text: caption, Photo: png}, nil
	case VerbHelp:
		return Reply{Text: helpText}, nil
	}
	return Reply{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Verb)
}

func (r *Router) checkSymbol(sym string) error {
	if sym == "" {
		return nil
	}
	for _, s := range r.target.Symbols() {
		if s == sym {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
}

func (r *Router) renderStatus(sym string) string {
	var b strings.Builder
	if halted, reason := r.target.Halted(); halted {
		fmt.Fprintf(&b, "HALTED: %s\n", reason)
	}
	for _, st := range r.target.Statuses() {
		if sym != "" && st.Symbol != sym {
			continue
		}
		b.WriteString(FormatStatus(st))
		b.WriteByte('\n')
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		return "no symbols"
	}
	return out
}

// FormatStatus 单行展示一个 trader 的快照。
func FormatStatus(st trader.Status) string {
	parts := []string{st.Symbol, string(st.State)}
	if st.Paused {
		parts = append(parts, "paused")
	}
	if p := st.Position; p != nil {
		parts = append(parts,
			fmt.Sprintf("%s %.6g @ %.6g", p.Side, p.Size, p.EntryPrice),
			fmt.Sprintf("sl=%.6g tp=%.6g", p.StopLoss, p.TakeProfit),
			fmt.Sprintf("upnl=%+.2f", st.Unrealized()),
		)
	}
	if st.InFlight != "" {
		parts = append(parts, "inflight="+st.InFlight)
	}
	if st.LastPrice > 0 {
		parts = append(parts, fmt.Sprintf("px=%.6g", st.LastPrice))
	}
	parts = append(parts, fmt.Sprintf("realized=%+.2f", st.RealizedPnL))
	if st.LastError != "" {
		parts = append(parts, "err="+st.LastError)
	}
	return strings.Join(parts, " | ")
}
