package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// TradeSource reads the trade ledger
type TradeSource interface {
	TradesBetween(ctx context.Context, from, to time.Time) ([]*contracts.TradeRecord, error)
}

// Analyzer summarizes the trade ledger
// ⭐ SSOT: 일중 성과 집계는 여기서만
type Analyzer struct {
	trades TradeSource
	logger *logger.Logger
}

// NewAnalyzer creates a new performance analyzer
func NewAnalyzer(trades TradeSource, log *logger.Logger) *Analyzer {
	return &Analyzer{
		trades: trades,
		logger: log.WithComponent("performance"),
	}
}

// PerformanceReport summarizes one window of the ledger
type PerformanceReport struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	// 체결
	Fills           int `json:"fills"`
	ClosedPositions int `json:"closed_positions"`

	// 손익 (수수료 차감 후)
	NetPnL      float64 `json:"net_pnl"`
	Fees        float64 `json:"fees"`
	MaxDrawdown float64 `json:"max_drawdown"` // deepest dip of cumulative PnL below its peak, currency

	// 트레이딩 지표
	WinRate      float64 `json:"win_rate"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`
}

// Trade is one position's result: all of its ledger lines folded together
type Trade struct {
	PositionID string
	Symbol     string
	OpenedAt   time.Time
	ClosedAt   time.Time
	PnL        float64
}

// Analyze builds the report for [from, to)
func (a *Analyzer) Analyze(ctx context.Context, from, to time.Time) (*PerformanceReport, error) {
	lines, err := a.trades.TradesBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}

	report := &PerformanceReport{StartDate: from, EndDate: to, Fills: len(lines)}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ExecutedAt.Before(lines[j].ExecutedAt) })

	curve := make([]float64, 0, len(lines))
	for _, l := range lines {
		report.NetPnL += l.RealizedPnL
		report.Fees += l.Fees
		curve = append(curve, report.NetPnL)
	}
	report.MaxDrawdown = calculateMaxDrawdown(curve)

	trades := foldTrades(lines)
	report.ClosedPositions = len(trades)
	report.WinRate = calculateWinRate(trades)
	report.AvgWin, report.AvgLoss = calculateAvgWinLoss(trades)
	report.ProfitFactor = calculateProfitFactor(trades)

	a.logger.WithFields(map[string]interface{}{
		"from":          from.Format(time.RFC3339),
		"fills":         report.Fills,
		"closed":        report.ClosedPositions,
		"net_pnl":       report.NetPnL,
		"win_rate":      report.WinRate,
		"profit_factor": report.ProfitFactor,
	}).Info("Performance report built")
	return report, nil
}

// foldTrades groups ledger lines by position. Only positions with at least
// one exit line in the window count.
func foldTrades(lines []*contracts.TradeRecord) []Trade {
	byPos := make(map[string]*Trade)
	var order []string
	exited := make(map[string]bool)

	for _, l := range lines {
		t, ok := byPos[l.PositionID]
		if !ok {
			t = &Trade{PositionID: l.PositionID, Symbol: l.Symbol, OpenedAt: l.ExecutedAt}
			byPos[l.PositionID] = t
			order = append(order, l.PositionID)
		}
		t.PnL += l.RealizedPnL
		if l.Tag != contracts.OrderTagEntry {
			exited[l.PositionID] = true
			t.ClosedAt = l.ExecutedAt
		}
	}

	out := make([]Trade, 0, len(order))
	for _, id := range order {
		if exited[id] {
			out = append(out, *byPos[id])
		}
	}
	return out
}

// calculateMaxDrawdown returns the largest fall of a cumulative PnL curve
// from its running peak (starting at 0)
func calculateMaxDrawdown(curve []float64) float64 {
	peak := 0.0
	maxDD := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// calculateWinRate calculates win rate from trades
func calculateWinRate(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}

	wins := 0
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
		}
	}

	return float64(wins) / float64(len(trades))
}

// calculateAvgWinLoss calculates average win and loss
func calculateAvgWinLoss(trades []Trade) (float64, float64) {
	var sumWin, sumLoss float64
	var countWin, countLoss int

	for _, t := range trades {
		if t.PnL > 0 {
			sumWin += t.PnL
			countWin++
		} else if t.PnL < 0 {
			sumLoss += t.PnL
			countLoss++
		}
	}

	avgWin := 0.0
	if countWin > 0 {
		avgWin = sumWin / float64(countWin)
	}

	avgLoss := 0.0
	if countLoss > 0 {
		avgLoss = sumLoss / float64(countLoss)
	}

	return avgWin, avgLoss
}

// calculateProfitFactor calculates profit factor
func calculateProfitFactor(trades []Trade) float64 {
	var totalWin, totalLoss float64

	for _, t := range trades {
		if t.PnL > 0 {
			totalWin += t.PnL
		} else if t.PnL < 0 {
			totalLoss += math.Abs(t.PnL)
		}
	}

	if totalLoss == 0 {
		return 0
	}

	return totalWin / totalLoss
}
