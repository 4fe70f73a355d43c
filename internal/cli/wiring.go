package cli

import (
	"github.com/rs/zerolog"

	"github.com/sunil55999/AISignalPro-sub001/internal/clock"
	"github.com/sunil55999/AISignalPro-sub001/internal/config"
	"github.com/sunil55999/AISignalPro-sub001/internal/queue"
	"github.com/sunil55999/AISignalPro-sub001/internal/store"
	"github.com/sunil55999/AISignalPro-sub001/internal/trust"
)

func newQueue(st *store.Store, clk clock.Clock, cfg *config.Config, logger zerolog.Logger) *queue.Queue {
	return queue.New(st, clk, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: queue.Backoff{
			Base:   cfg.Queue.BaseDelay,
			Max:    cfg.Queue.MaxDelay,
			Jitter: cfg.Queue.Jitter,
		},
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		SkipDelay:    cfg.Dispatch.SkipDelay,
	}, logger)
}

func newScorer(st *store.Store, clk clock.Clock, cfg *config.Config, logger zerolog.Logger) (*trust.Scorer, error) {
	period, err := trust.ParsePeriod(cfg.Trust.Period)
	if err != nil {
		return nil, err
	}
	return trust.New(st, clk, period, trust.Params{
		Prior:         cfg.Trust.Prior,
		PriorStrength: cfg.Trust.PriorStrength,
		WinWeight:     cfg.Trust.WinWeight,
	}, logger), nil
}
