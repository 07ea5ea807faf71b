// Trader daemon: runs every configured trader on its scan interval, feeding
// AI decisions through risk screening into the paper broker and the decision
// journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradequorum/tradequorum/internal/ai"
	"github.com/tradequorum/tradequorum/internal/alerts"
	"github.com/tradequorum/tradequorum/internal/config"
	"github.com/tradequorum/tradequorum/internal/consensus"
	"github.com/tradequorum/tradequorum/internal/decision"
	"github.com/tradequorum/tradequorum/internal/journal"
	"github.com/tradequorum/tradequorum/internal/market"
	"github.com/tradequorum/tradequorum/internal/metrics"
	"github.com/tradequorum/tradequorum/internal/risk"
	"github.com/tradequorum/tradequorum/internal/trader"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	applyLogLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, err := openJournal(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal")
	}
	defer j.Close()

	snapshots := buildSnapshotProvider(cfg)
	alertManager := buildAlerts(cfg)

	if cfg.Monitoring.EnableMetrics {
		go func() {
			if err := metrics.Serve(cfg.Monitoring.PrometheusPort); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	traders, err := buildTraders(cfg, j, snapshots, alertManager)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build traders")
	}

	log.Info().
		Int("traders", len(traders)).
		Bool("multi_agent", cfg.MultiAgent.Enabled).
		Str("journal", cfg.Journal.Backend).
		Msg("Starting trading scheduler")

	if err := trader.NewScheduler(traders).Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Scheduler failed")
	}
	log.Info().Msg("Shutdown complete")
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func openJournal(ctx context.Context, cfg *config.Config) (journal.Journal, error) {
	switch cfg.Journal.Backend {
	case "postgres":
		return journal.NewPostgresJournal(ctx, cfg.Journal.DatabaseURL)
	default:
		return journal.NewSQLiteJournal(cfg.Journal.SQLitePath)
	}
}

func buildSnapshotProvider(cfg *config.Config) market.SnapshotProvider {
	var provider market.SnapshotProvider = market.NewHTTPProvider(cfg.Market.SnapshotURL)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ttl := time.Duration(cfg.Redis.TTLSeconds) * time.Second
		provider = market.NewRedisSnapshotCache(client, provider, ttl)
		log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", ttl).Msg("Market snapshot cache enabled")
	}
	return provider
}

func buildAlerts(cfg *config.Config) *alerts.Manager {
	channels := []alerts.Alerter{alerts.NewLogAlerter()}

	if cfg.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Error().Err(err).Msg("Telegram alerter disabled")
		} else {
			channels = append(channels, tg)
		}
	}
	return alerts.NewManager(channels...)
}

func buildTraders(cfg *config.Config, j journal.Journal, snapshots market.SnapshotProvider, alertManager *alerts.Manager) ([]*trader.Trader, error) {
	policy := risk.NewPolicy(risk.Config{
		BTCETHLeverage:    cfg.Leverage.BTCETHLeverage,
		AltcoinLeverage:   cfg.Leverage.AltcoinLeverage,
		AutoTakeProfitPct: cfg.AutoTakeProfitPct,
	})
	leverage := decision.LeveragePolicy{
		BTCETHLeverage:  cfg.Leverage.BTCETHLeverage,
		AltcoinLeverage: cfg.Leverage.AltcoinLeverage,
	}
	pause := time.Duration(cfg.StopTradingMinutes) * time.Minute

	traders := make([]*trader.Trader, 0, len(cfg.Traders))
	for _, tc := range cfg.Traders {
		decider, err := buildDecider(cfg, tc)
		if err != nil {
			return nil, fmt.Errorf("trader %s: %w", tc.ID, err)
		}

		traders = append(traders, trader.New(trader.Deps{
			Config:    tc,
			Decider:   decider,
			Journal:   j,
			Snapshots: snapshots,
			Risk:      policy,
			Leverage:  leverage,
			Kill:      trader.NewKillSwitch(cfg.MaxDrawdown, cfg.MaxDailyLoss, pause, tc.InitialBalance),
			Alerts:    alertManager,
		}))
	}
	return traders, nil
}

func buildDecider(cfg *config.Config, tc config.TraderConfig) (trader.Decider, error) {
	if cfg.MultiAgent.Enabled {
		return consensus.NewEngine(cfg.MultiAgent)
	}

	client, err := ai.NewClient(ai.ClientConfig{
		Provider: tc.AIModel,
		BaseURL:  tc.BaseURL,
		APIKey:   tc.APIKey,
		Model:    tc.ModelName,
	})
	if err != nil {
		return nil, err
	}
	return decision.NewAssembler(client), nil
}
