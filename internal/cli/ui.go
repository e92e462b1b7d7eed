package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"perpagent/internal/position"
	"perpagent/internal/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	profitStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

const timeLayout = "2006-01-02 15:04"

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func pnlText(v float64) string {
	s := fmt.Sprintf("%+.2f", v)
	switch {
	case v > 0:
		return profitStyle.Render(s)
	case v < 0:
		return lossStyle.Render(s)
	default:
		return s
	}
}

// renderClosed 输出已平仓记录表格及合计。
func renderClosed(rows []position.ClosedPosition) string {
	if len(rows) == 0 {
		return mutedStyle.Render("(no closed positions)")
	}
	t := newTable("CLOSED", "SYMBOL", "SIDE", "SIZE", "ENTRY", "EXIT", "LEV", "PNL", "PNL%", "REASON")
	total := 0.0
	wins := 0
	for _, cp := range rows {
		total += cp.RealizedPnL
		if cp.RealizedPnL > 0 {
			wins++
		}
		t.Row(
			cp.ClosedAt.Local().Format(timeLayout),
			cp.Symbol,
			string(cp.Side),
			fmt.Sprintf("%g", cp.Size),
			fmt.Sprintf("%.4f", cp.EntryPrice),
			fmt.Sprintf("%.4f", cp.ExitPrice),
			fmt.Sprintf("%dx", cp.Leverage),
			pnlText(cp.RealizedPnL),
			fmt.Sprintf("%+.2f%%", cp.PnLPct*100),
			cp.Reason,
		)
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("已平仓 (CLOSED POSITIONS)"))
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	fmt.Fprintf(&b, "trades %d | win %d | total %s", len(rows), wins, pnlText(total))
	return b.String()
}

// renderEvents 输出生命周期事件表格。
func renderEvents(rows []store.EventRecord) string {
	if len(rows) == 0 {
		return mutedStyle.Render("(no events)")
	}
	t := newTable("TIME", "SYMBOL", "KIND", "TRANSITION", "TITLE")
	for _, ev := range rows {
		tr := ""
		if ev.From != "" || ev.To != "" {
			tr = ev.From + " → " + ev.To
		}
		t.Row(ev.CreatedAt.Local().Format(timeLayout), ev.Symbol, ev.Kind, tr, ev.Title)
	}
	return titleStyle.Render("事件 (EVENTS)") + "\n" + t.Render()
}
