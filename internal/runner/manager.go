package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jc1122/portfolio-management-sub002/internal/backtest"
	"github.com/jc1122/portfolio-management-sub002/internal/marketdata"
	"github.com/jc1122/portfolio-management-sub002/internal/results"
	"github.com/jc1122/portfolio-management-sub002/internal/scenario"
	"github.com/jc1122/portfolio-management-sub002/internal/statcache"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// Status of a submitted run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Info is the externally visible state of one run.
type Info struct {
	ID         int64      `json:"id"`
	Scenario   string     `json:"scenario"`
	Status     Status     `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Points     int        `json:"points"` // equity points produced so far
}

// Update is one progress tick streamed to subscribers.
type Update struct {
	RunID  int64     `json:"run_id"`
	Date   time.Time `json:"date"`
	Equity string    `json:"equity"`
	Return float64   `json:"return"`
	Done   bool      `json:"done"`
	Error  string    `json:"error,omitempty"`
}

type run struct {
	mu     sync.Mutex
	info   Info
	result *backtest.Result
	subs   map[chan Update]struct{}
}

// Manager executes backtests in the background and tracks their state.
// Results are kept in memory and, when a repository is configured,
// persisted as well.
type Manager struct {
	dataDir string
	store   statcache.Store
	repo    *results.Repository
	logger  *logger.Logger

	nextID atomic.Int64
	mu     sync.RWMutex
	runs   map[int64]*run
}

// NewManager creates a run manager. store and repo may be nil.
func NewManager(dataDir string, store statcache.Store, repo *results.Repository, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		dataDir: dataDir,
		store:   store,
		repo:    repo,
		logger:  log,
		runs:    make(map[int64]*run),
	}
}

// Submit validates the scenario, registers a run and starts it in the
// background. It returns immediately with the run id.
func (m *Manager) Submit(s *scenario.Scenario) (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}

	id := m.nextID.Add(1)
	r := &run{
		info: Info{
			ID:          id,
			Scenario:    s.Name,
			Status:      StatusPending,
			SubmittedAt: time.Now(),
		},
		subs: make(map[chan Update]struct{}),
	}

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	go m.execute(context.Background(), r, s)
	return id, nil
}

// Get returns the current state of a run.
func (m *Manager) Get(id int64) (Info, bool) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info, true
}

// List returns all known runs, most recently submitted first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.runs))
	for _, r := range m.runs {
		r.mu.Lock()
		infos = append(infos, r.info)
		r.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SubmittedAt.After(infos[j].SubmittedAt)
	})
	return infos
}

// Result returns the finished result of a run, if it completed.
func (m *Manager) Result(id int64) (*backtest.Result, bool) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.Status != StatusCompleted {
		return nil, false
	}
	return r.result, true
}

// Subscribe attaches a progress channel to a run. The returned cancel
// function must be called when the subscriber is done. Subscribing to a
// finished run delivers a single terminal update.
func (m *Manager) Subscribe(id int64) (<-chan Update, func(), bool) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Update, 64)

	r.mu.Lock()
	if r.info.Status == StatusCompleted || r.info.Status == StatusFailed {
		ch <- Update{RunID: id, Done: true, Error: r.info.Error}
		close(ch)
		r.mu.Unlock()
		return ch, func() {}, true
	}
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, live := r.subs[ch]; live {
			delete(r.subs, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel, true
}

func (m *Manager) execute(ctx context.Context, r *run, s *scenario.Scenario) {
	log := m.logger.WithFields(map[string]interface{}{
		"run_id":   r.info.ID,
		"scenario": s.Name,
	})

	r.mu.Lock()
	r.info.Status = StatusRunning
	r.mu.Unlock()

	result, err := m.runScenario(ctx, r, s)

	now := time.Now()
	r.mu.Lock()
	r.info.FinishedAt = &now
	if err != nil {
		r.info.Status = StatusFailed
		r.info.Error = err.Error()
	} else {
		r.info.Status = StatusCompleted
		r.result = result
	}
	final := Update{RunID: r.info.ID, Done: true, Error: r.info.Error}
	for ch := range r.subs {
		select {
		case ch <- final:
		default:
		}
		close(ch)
		delete(r.subs, ch)
	}
	r.mu.Unlock()

	if err != nil {
		log.WithError(err).Error("Backtest run failed")
		return
	}
	log.WithFields(map[string]interface{}{
		"events": len(result.Events),
		"points": len(result.EquityCurve),
	}).Info("Backtest run completed")
}

func (m *Manager) runScenario(ctx context.Context, r *run, s *scenario.Scenario) (*backtest.Result, error) {
	pricesDir := s.Data.PricesDir
	if !filepath.IsAbs(pricesDir) {
		pricesDir = filepath.Join(m.dataDir, pricesDir)
	}

	prices, err := marketdata.LoadPrices(pricesDir)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	returns, err := marketdata.Returns(prices)
	if err != nil {
		return nil, fmt.Errorf("derive returns: %w", err)
	}

	progress := func(p backtest.EquityPoint) {
		u := Update{
			RunID:  r.info.ID,
			Date:   p.Date,
			Equity: p.Equity.String(),
			Return: p.Return,
		}
		r.mu.Lock()
		r.info.Points++
		for ch := range r.subs {
			select {
			case ch <- u:
			default: // slow subscriber, drop the tick
			}
		}
		r.mu.Unlock()
	}

	eng, err := scenario.Build(s, prices, returns, scenario.BuildOptions{
		Store:    m.store,
		Logger:   m.logger,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}

	var runID int64
	if m.repo != nil {
		cfg, cfgErr := s.EngineConfig()
		if cfgErr == nil {
			var hash string
			hash, cfgErr = scenario.Hash(s)
			if cfgErr == nil {
				runID, cfgErr = m.repo.CreateRun(ctx, s.Name, hash, cfg)
			}
		}
		if cfgErr != nil {
			m.logger.WithError(cfgErr).Warn("Failed to record run, continuing without persistence")
			runID = 0
		}
	}

	result, err := eng.Run(ctx)
	if err != nil {
		if m.repo != nil && runID != 0 {
			if dbErr := m.repo.FailRun(ctx, runID, err); dbErr != nil {
				m.logger.WithError(dbErr).Warn("Failed to mark run failed")
			}
		}
		return nil, err
	}

	if m.repo != nil && runID != 0 {
		if dbErr := m.repo.SaveResult(ctx, runID, result); dbErr != nil {
			m.logger.WithError(dbErr).Warn("Failed to persist run result")
		}
	}
	return result, nil
}
