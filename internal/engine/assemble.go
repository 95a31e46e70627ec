package engine

import (
	"log/slog"

	"github.com/example/ride-bidding/internal/arbiter"
	"github.com/example/ride-bidding/internal/bidding"
	"github.com/example/ride-bidding/internal/cancellation"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/intake"
	"github.com/example/ride-bidding/internal/lifecycle"
	"github.com/example/ride-bidding/internal/locator"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

// Assemble builds every component over one store and wires them together:
// intake schedules expiries on the bidding manager, which auto-accepts
// through the arbiter. Candidates come from src, which may be the store
// itself or a shared geo index.
func Assemble(store storage.Store, est pricing.Estimator, src locator.Source, lim Limiter, cfg config.ServerConfig, policy retry.Policy, logger *slog.Logger) *Engine {
	arb := arbiter.New(store, policy, logger)
	bm := bidding.NewManager(store, arb, cfg.Bidding, policy, logger)
	loc := locator.New(src, cfg.Locator, policy, logger)
	in := intake.New(store, est, loc, cfg, policy, logger)
	in.Scheduler = bm
	return New(in, bm, arb,
		lifecycle.NewMachine(store, policy, logger),
		cancellation.New(store, cfg.FeePercent, policy, logger),
		lim, store, policy, logger)
}
