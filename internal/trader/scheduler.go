package trader

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Scheduler drives every trader on its own scan interval until the context
// is cancelled.
type Scheduler struct {
	traders []*Trader
}

// NewScheduler builds a scheduler over the given traders.
func NewScheduler(traders []*Trader) *Scheduler {
	return &Scheduler{traders: traders}
}

// Run boots every trader, fires an immediate first cycle and then ticks each
// trader independently. It returns when the context is cancelled or a trader
// fails to boot.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, t := range s.traders {
		t := t
		g.Go(func() error {
			if err := t.Boot(ctx); err != nil {
				return err
			}
			return s.loop(ctx, t)
		})
	}

	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t *Trader) error {
	interval := time.Duration(t.cfg.ScanIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runOnce(ctx, t)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("trader", t.cfg.ID).Msg("Trader loop stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

// runOnce runs one cycle; cycle errors are logged, never fatal to the loop.
func (s *Scheduler) runOnce(ctx context.Context, t *Trader) {
	if err := t.RunCycle(ctx); err != nil {
		log.Error().Err(err).Str("trader", t.cfg.ID).Msg("Trading cycle failed")
		if t.alerts != nil {
			_ = t.alerts.SendCycleError(ctx, t.cfg.ID, t.lastCycle+1, err)
		}
	}
}
