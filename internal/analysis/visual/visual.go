package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"perpagent/internal/pkg/symbol"
	"perpagent/internal/store"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorCumulative    = "#3b82f6"

	chartWidthPx  = 1200
	chartHeightPx = 520
)

// SeriesSource 提供已实现盈亏序列，由 store.Ledger 实现。
type SeriesSource interface {
	PnLSeries(ctx context.Context, sym string) ([]store.PnLPoint, error)
}

// Renderer 把累计盈亏渲染为 HTML（HTTP）或 PNG（Telegram /chart）。
type Renderer struct {
	source SeriesSource
}

func NewRenderer(source SeriesSource) *Renderer {
	return &Renderer{source: source}
}

func (r *Renderer) RenderHTML(ctx context.Context, sym string) ([]byte, error) {
	points, err := r.source.PnLSeries(ctx, sym)
	if err != nil {
		return nil, err
	}
	return BuildPnLHTML(sym, points)
}

func (r *Renderer) RenderPNG(ctx context.Context, sym string) ([]byte, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, fmt.Errorf("headless chrome unavailable: %w", err)
	}
	html, err := r.RenderHTML(ctx, sym)
	if err != nil {
		return nil, err
	}
	return renderHTMLToPNG(ctx, html, chartWidthPx, chartHeightPx)
}

// BuildPnLHTML 单笔盈亏柱状图叠加累计曲线。没有平仓记录时返回错误。
func BuildPnLHTML(sym string, points []store.PnLPoint) ([]byte, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no closed positions for %s", titleSymbol(sym))
	}
	page := components.NewPage()
	page.PageTitle = "PnL " + titleSymbol(sym)
	page.AddCharts(PnLChart(sym, points))
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func PnLChart(sym string, points []store.PnLPoint) *charts.Bar {
	last := points[len(points)-1]
	wins := 0
	for _, p := range points {
		if p.PnL > 0 {
			wins++
		}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", chartHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         "Realized PnL " + titleSymbol(sym),
			Subtitle:      fmt.Sprintf("trades %d | win %d | cumulative %+.2f", len(points), wins, last.Cumulative),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)

	xAxis := make([]string, len(points))
	trades := make([]opts.BarData, len(points))
	cumulative := make([]opts.LineData, len(points))
	multi := strings.TrimSpace(sym) == ""
	for i, p := range points {
		label := p.At.UTC().Format("01-02 15:04")
		if multi {
			label += " " + p.Symbol
		}
		xAxis[i] = label
		color := colorBear
		if p.PnL >= 0 {
			color = colorBull
		}
		trades[i] = opts.BarData{Value: round(p.PnL, 4), ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.7)}}
		cumulative[i] = opts.LineData{Value: round(p.Cumulative, 4)}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("Trade PnL", trades)

	line := charts.NewLine()
	line.SetXAxis(xAxis)
	line.AddSeries("Cumulative", cumulative,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorCumulative, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	bar.Overlap(line)
	return bar
}

func titleSymbol(sym string) string {
	if strings.TrimSpace(sym) == "" {
		return "ALL"
	}
	if d := symbol.Parse(sym).Display(); d != "" {
		return d
	}
	return strings.ToUpper(strings.TrimSpace(sym))
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
