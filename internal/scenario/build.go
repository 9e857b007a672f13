package scenario

import (
	"github.com/jc1122/portfolio-management-sub002/internal/backtest"
	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/membership"
	"github.com/jc1122/portfolio-management-sub002/internal/preselect"
	"github.com/jc1122/portfolio-management-sub002/internal/regime"
	"github.com/jc1122/portfolio-management-sub002/internal/statcache"
	"github.com/jc1122/portfolio-management-sub002/internal/strategy"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// BuildOptions carries the shared infrastructure a scenario run plugs
// into. Store may be nil (no persistent factor cache tier); Progress may
// be nil.
type BuildOptions struct {
	Store    statcache.Store
	Logger   *logger.Logger
	Progress backtest.ProgressFunc
}

// Build wires a ready engine for the scenario over the given tables.
// Every run gets its own rolling cache: cache handles are never shared
// across concurrent backtests.
func Build(s *Scenario, prices, returns *marketdata.Table, opts BuildOptions) (*backtest.Engine, error) {
	cfg, err := s.EngineConfig()
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	rolling := statcache.NewRollingCache(log)

	var factors *statcache.FactorCache
	if opts.Store != nil {
		factors = statcache.NewFactorCache(opts.Store, s.CacheMaxAge(), log)
	}

	preselector, err := preselect.New(s.Preselection, rolling, factors, log)
	if err != nil {
		return nil, err
	}

	policy, err := membership.New(s.Membership, log)
	if err != nil {
		return nil, err
	}

	strat, err := strategy.New(s.Strategy.Kind, s.Strategy.Constraints, rolling, log)
	if err != nil {
		return nil, err
	}

	return backtest.New(cfg, prices, returns, backtest.Deps{
		Preselector: preselector,
		Policy:      policy,
		Strategy:    strat,
		Gate:        regime.PassThrough{},
		Logger:      log,
		Progress:    opts.Progress,
	})
}
