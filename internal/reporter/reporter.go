package reporter

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"bybit-grid-bot-go/internal/bot"
	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/models"
)

// Reporter 周期性把网格运行状态渲染成表格输出到控制台
type Reporter struct {
	bot      *bot.GridBot
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New 创建状态报告器
func New(b *bot.GridBot, interval time.Duration) *Reporter {
	return &Reporter{
		bot:      b,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start 启动周期打印协程
func (r *Reporter) Start() {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.PrintStatus()
			}
		}
	}()
}

// Stop 停止打印协程
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// PrintStatus 打印一次网格对状态表
func (r *Reporter) PrintStatus() {
	plan := r.bot.Plan()
	if plan == nil {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("%s 网格状态  价格 %v  在途订单 %d",
		plan.Symbol, r.bot.CurrentPrice(), r.bot.OpenOrderCount())
	t.AppendHeader(table.Row{"对", "买入价", "卖出价", "数量", "状态", "订单 ID"})

	for _, p := range r.bot.PairStatuses() {
		t.AppendRow(table.Row{
			p.PairIndex + 1,
			fmt.Sprintf("%.*f", plan.PricePrecision, p.BuyPrice),
			fmt.Sprintf("%.*f", plan.PricePrecision, p.SellPrice),
			fmt.Sprintf("%.*f", plan.QtyPrecision, p.Quantity),
			statusText(p.Status),
			p.OrderID,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func statusText(s models.GridPairStatus) string {
	switch s {
	case models.PairBuyActive:
		return text.FgGreen.Sprint("买单挂出")
	case models.PairBuyPending:
		return text.FgYellow.Sprint("买单在途")
	case models.PairSellActive:
		return text.FgCyan.Sprint("卖单挂出")
	case models.PairSellPending:
		return text.FgYellow.Sprint("卖单在途")
	default:
		return "等待"
	}
}

// PrintBacktestReport 汇总回测结果并渲染报告表格
func PrintBacktestReport(ex *exchange.BacktestExchange, symbol string, start, end time.Time) {
	trades := ex.TradeLog
	finalEquity := ex.Cash() + ex.Position()*ex.CurrentPrice()

	var totalProfit, totalFee float64
	wins := 0
	for _, tr := range trades {
		totalProfit += tr.Profit
		totalFee += tr.Fee
		if tr.Profit > 0 {
			wins++
		}
	}
	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades)) * 100
	}

	maxDrawdown := 0.0
	peak := ex.InitialBalance
	for _, eq := range ex.EquityCurve {
		if eq > peak {
			peak = eq
		}
		if dd := (peak - eq) / peak * 100; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("回测报告  %s  %s ~ %s",
		symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", ex.InitialBalance)},
		{"最终权益", fmt.Sprintf("%.2f USDT", finalEquity)},
		{"总收益率", fmt.Sprintf("%.2f%%", (finalEquity-ex.InitialBalance)/ex.InitialBalance*100)},
		{"完成交易数", len(trades)},
		{"网格毛利", fmt.Sprintf("%.4f USDT", totalProfit)},
		{"手续费合计", fmt.Sprintf("%.4f USDT", totalFee)},
		{"胜率", fmt.Sprintf("%.1f%%", winRate)},
		{"最大回撤", fmt.Sprintf("%.2f%%", maxDrawdown)},
		{"期末持仓", fmt.Sprintf("%.6f", ex.Position())},
		{"期末现金", fmt.Sprintf("%.2f USDT", ex.Cash())},
	})
	t.SetStyle(table.StyleLight)
	t.Render()

	if len(trades) == 0 {
		return
	}
	// 最近若干笔交易明细
	limit := 10
	if len(trades) < limit {
		limit = len(trades)
	}
	dt := table.NewWriter()
	dt.SetOutputMirror(os.Stdout)
	dt.SetTitle("最近 %d 笔完成交易", limit)
	dt.AppendHeader(table.Row{"买入价", "卖出价", "数量", "毛利", "手续费", "平仓时间"})
	for _, tr := range trades[len(trades)-limit:] {
		dt.AppendRow(table.Row{
			tr.EntryPrice, tr.ExitPrice, tr.Quantity,
			fmt.Sprintf("%.4f", tr.Profit),
			fmt.Sprintf("%.4f", tr.Fee),
			tr.ExitTime.Format("2006-01-02 15:04"),
		})
	}
	dt.SetStyle(table.StyleLight)
	dt.Render()
}
