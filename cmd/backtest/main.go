// Backtest CLI: replays a trader's journalled trades under auto-close
// thresholds, or summarizes the latest reports across traders.
//
//	backtest -trader <id> [-dir <dir>] [-config <path>]
//	backtest summarize [-dir <dir>]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/backtest"
	"github.com/tradequorum/tradequorum/internal/config"
	"github.com/tradequorum/tradequorum/internal/journal"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "summarize" {
		if err := runSummarize(args[1:]); err != nil {
			log.Fatal().Err(err).Msg("Summarize failed")
		}
		return
	}

	if err := runBacktest(args); err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}
}

func runBacktest(args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	traderID := fs.String("trader", "", "Trader id to backtest (required)")
	dir := fs.String("dir", "decision_logs", "Directory for backtest reports")
	configPath := fs.String("config", "", "Path to config file (JSON)")
	_ = fs.Parse(args)

	if *traderID == "" {
		fs.Usage()
		return fmt.Errorf("-trader is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	j, err := openJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	report, path, err := backtest.Run(ctx, j, *traderID, *dir, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Backtest for %s: %d trades over %d cycles\n", report.TraderID, report.TotalTrades, report.TotalCycles)
	fmt.Printf("Best threshold by Sharpe:   %.1f%%\n", report.BestBySharpe)
	fmt.Printf("Best threshold by PnL:      %.1f%%\n", report.BestByPnL)
	fmt.Printf("Best threshold by win rate: %.1f%%\n", report.BestByWinRate)
	fmt.Printf("Report written to %s\n", path)
	return nil
}

func runSummarize(args []string) error {
	fs := flag.NewFlagSet("summarize", flag.ExitOnError)
	dir := fs.String("dir", "decision_logs", "Directory holding backtest reports")
	_ = fs.Parse(args)

	table, err := backtest.Summarize(*dir)
	if err != nil {
		return err
	}
	fmt.Print(table)
	return nil
}

func openJournal(ctx context.Context, cfg *config.Config) (journal.Journal, error) {
	switch cfg.Journal.Backend {
	case "postgres":
		return journal.NewPostgresJournal(ctx, cfg.Journal.DatabaseURL)
	default:
		return journal.NewSQLiteJournal(cfg.Journal.SQLitePath)
	}
}
