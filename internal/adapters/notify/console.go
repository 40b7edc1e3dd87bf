// Package notify renders engine status to the console: one-line
// heartbeats while the session runs, tables for positions, trades and
// the performance summary on demand.
package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/quantx/internal/application/pnl"
	"github.com/alejandrodnm/quantx/internal/domain"
)

// Console writes human-readable session output.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole creates a reporter writing to stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter creates a reporter for tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// Heartbeat bundles the numbers printed on every heartbeat line.
type Heartbeat struct {
	State         domain.EngineState
	Uptime        time.Duration
	Equity        float64
	DailyPnL      float64
	OpenPositions int
	PendingOrders int
	TicksReceived int64
}

// PrintHeartbeat prints the compact one-line session status.
func (c *Console) PrintHeartbeat(hb Heartbeat) {
	now := time.Now().Format("15:04:05")

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s | up %s | equity $%.2f | day %+.2f | pos %d | pending %d | ticks %d",
		now, strings.ToUpper(string(hb.State)), formatUptime(hb.Uptime),
		hb.Equity, hb.DailyPnL, hb.OpenPositions, hb.PendingOrders, hb.TicksReceived)

	fmt.Fprintln(c.out, sb.String())
}

// PrintPositions prints the open positions, as a table when configured.
func (c *Console) PrintPositions(positions []domain.Position) {
	if len(positions) == 0 {
		fmt.Fprintln(c.out, "  no open positions")
		return
	}

	if !c.table {
		for _, p := range positions {
			fmt.Fprintf(c.out, "  %-12s qty %+.2f avg $%.2f mark $%.2f upnl %+.2f\n",
				p.Symbol, p.Quantity, p.AvgPrice, p.CurrentPrice, p.UnrealizedPnL)
		}
		return
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Symbol", "Qty", "Avg Price", "Mark", "Value", "Unrealized")
	for _, p := range positions {
		tbl.Append(
			p.Symbol,
			fmt.Sprintf("%+.2f", p.Quantity),
			fmt.Sprintf("$%.2f", p.AvgPrice),
			fmt.Sprintf("$%.2f", p.CurrentPrice),
			fmt.Sprintf("$%.2f", p.MarketValue),
			fmt.Sprintf("%+.2f", p.UnrealizedPnL),
		)
	}
	tbl.Render()
}

// PrintTrades prints the most recent closed trades.
func (c *Console) PrintTrades(trades []domain.TradeRecord) {
	if len(trades) == 0 {
		fmt.Fprintln(c.out, "  no closed trades")
		return
	}

	if !c.table {
		for _, tr := range trades {
			fmt.Fprintf(c.out, "  %-12s %-5s qty %.2f in $%.2f out $%.2f net %+.2f\n",
				tr.Symbol, tr.Side, tr.Quantity, tr.EntryPrice, tr.ExitPrice, tr.NetPnL)
		}
		return
	}

	tbl := tablewriter.NewWriter(c.out)
	tbl.Header("Exit", "Symbol", "Side", "Qty", "Entry", "Exit $", "Net P&L", "Pct")
	for _, tr := range trades {
		tbl.Append(
			tr.ExitTime.Format("15:04:05"),
			tr.Symbol,
			string(tr.Side),
			fmt.Sprintf("%.2f", tr.Quantity),
			fmt.Sprintf("$%.2f", tr.EntryPrice),
			fmt.Sprintf("$%.2f", tr.ExitPrice),
			fmt.Sprintf("%+.2f", tr.NetPnL),
			fmt.Sprintf("%+.2f%%", tr.PnLPct*100),
		)
	}
	tbl.Render()
}

// PrintPerformance prints the end-of-session performance summary.
func (c *Console) PrintPerformance(s pnl.PerformanceSummary) {
	fmt.Fprintf(c.out, "\n=== PERFORMANCE ===\n")
	fmt.Fprintf(c.out, "  Equity:         $%.2f\n", s.Equity)
	fmt.Fprintf(c.out, "  Total P&L:      %+.2f (%.2f%%)\n", s.TotalPnL, s.ReturnPct*100)
	fmt.Fprintf(c.out, "  Realized:       %+.2f\n", s.RealizedPnL)
	fmt.Fprintf(c.out, "  Unrealized:     %+.2f\n", s.UnrealizedPnL)
	fmt.Fprintf(c.out, "  Trades:         %d (%d W / %d L, win rate %.1f%%)\n",
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.WinRate*100)
	if s.TotalTrades > 0 {
		fmt.Fprintf(c.out, "  Avg win/loss:   %+.2f / %+.2f\n", s.AvgWin, s.AvgLoss)
		fmt.Fprintf(c.out, "  Profit factor:  %.2f\n", s.ProfitFactor)
	}
	fmt.Fprintf(c.out, "  Max drawdown:   %.2f%%\n", s.MaxDrawdown*100)
	fmt.Fprintln(c.out)
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
