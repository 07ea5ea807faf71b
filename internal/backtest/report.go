package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/journal"
)

// Report is the JSON document a run writes to disk.
type Report struct {
	TraderID    string    `json:"trader_id"`
	GeneratedAt time.Time `json:"generated_at"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
	TotalCycles int       `json:"total_cycles"`
	TotalTrades int       `json:"total_trades"`

	Results []StrategyResult `json:"results"`

	BestBySharpe  float64 `json:"best_by_sharpe"`
	BestByPnL     float64 `json:"best_by_pnl"`
	BestByWinRate float64 `json:"best_by_win_rate"`

	Trades []Trade `json:"trades"`
}

// Run reconstructs the trader's history from the journal, scores every
// threshold and writes the report into dir. It returns the report and the
// path of the file it wrote.
func Run(ctx context.Context, j journal.Journal, traderID, dir string, thresholds []float64) (*Report, string, error) {
	records, err := j.All(ctx, traderID)
	if err != nil {
		return nil, "", fmt.Errorf("load journal for %s: %w", traderID, err)
	}
	if len(records) == 0 {
		return nil, "", fmt.Errorf("no journal records for trader %s", traderID)
	}

	trades := Reconstruct(records)
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	results := SimulateAll(trades, thresholds)

	report := &Report{
		TraderID:    traderID,
		GeneratedAt: time.Now().UTC(),
		TotalCycles: len(records),
		TotalTrades: len(trades),
		Results:     results,
		BestBySharpe: bestBy(results, func(r StrategyResult) float64 {
			return r.Sharpe
		}),
		BestByPnL: bestBy(results, func(r StrategyResult) float64 {
			return r.TotalPnL
		}),
		BestByWinRate: bestBy(results, func(r StrategyResult) float64 {
			return r.WinRate
		}),
		Trades: trades,
	}
	if len(trades) > 0 {
		report.PeriodStart = trades[0].OpenTime
		report.PeriodEnd = trades[len(trades)-1].CloseTime
	}

	path, err := writeReport(report, dir)
	if err != nil {
		return nil, "", err
	}

	log.Info().
		Str("trader", traderID).
		Int("trades", len(trades)).
		Float64("best_by_sharpe", report.BestBySharpe).
		Str("path", path).
		Msg("Backtest complete")

	return report, path, nil
}

func writeReport(report *Report, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	name := fmt.Sprintf("backtest_%s.json", report.GeneratedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// LoadLatestReports finds the most recent report per trader under dir.
func LoadLatestReports(dir string) (map[string]*Report, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "backtest_*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	// Timestamped names sort chronologically; later files win.
	sort.Strings(paths)

	latest := make(map[string]*Report)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var report Report
		if err := json.Unmarshal(data, &report); err != nil {
			log.Warn().Str("path", path).Err(err).Msg("Skipping unreadable report")
			continue
		}
		latest[report.TraderID] = &report
	}
	return latest, nil
}

// Summarize prints a cross-trader comparison of the newest report per trader.
func Summarize(dir string) (string, error) {
	latest, err := LoadLatestReports(dir)
	if err != nil {
		return "", err
	}
	if len(latest) == 0 {
		return "", fmt.Errorf("no backtest reports under %s", dir)
	}

	traders := make([]string, 0, len(latest))
	for id := range latest {
		traders = append(traders, id)
	}
	sort.Strings(traders)

	out := fmt.Sprintf("%-16s %8s %8s %10s %8s %8s %12s\n",
		"TRADER", "TRADES", "BEST", "PNL", "WIN%", "SHARPE", "MISSED")
	for _, id := range traders {
		r := latest[id]
		best := resultFor(r, r.BestBySharpe)
		out += fmt.Sprintf("%-16s %8d %7.1f%% %10.2f %7.1f%% %8.3f %12.2f\n",
			id, r.TotalTrades, best.Threshold, best.TotalPnL, best.WinRate, best.Sharpe, best.MissedProfit)
	}
	return out, nil
}

func resultFor(r *Report, threshold float64) StrategyResult {
	for _, res := range r.Results {
		if res.Threshold == threshold {
			return res
		}
	}
	return StrategyResult{}
}
