package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jc1122/portfolio-management-sub002/internal/backtest"
)

// Repository persists backtest runs. All result reads and writes go
// through here.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a results repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Run is the persisted header of one backtest execution.
type Run struct {
	ID           int64           `json:"id"`
	Scenario     string          `json:"scenario"`
	ScenarioHash string          `json:"scenario_hash"`
	Status       string          `json:"status"` // running, completed, failed
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`
}

// CreateRun inserts a run header in the running state and returns its id.
func (r *Repository) CreateRun(ctx context.Context, scenarioName, scenarioHash string, cfg backtest.Config) (int64, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("marshal config: %w", err)
	}

	query := `
		INSERT INTO backtest.runs (scenario, scenario_hash, config, status, started_at)
		VALUES ($1, $2, $3, 'running', NOW())
		RETURNING id
	`

	var id int64
	if err := r.pool.QueryRow(ctx, query, scenarioName, scenarioHash, cfgJSON).Scan(&id); err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRun marks a run completed and stores its metrics.
func (r *Repository) FinishRun(ctx context.Context, id int64, metrics backtest.Metrics) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	query := `
		UPDATE backtest.runs
		SET status = 'completed', metrics = $2, finished_at = NOW()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, metricsJSON); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// FailRun marks a run failed with its error text.
func (r *Repository) FailRun(ctx context.Context, id int64, runErr error) error {
	query := `
		UPDATE backtest.runs
		SET status = 'failed', error = $2, finished_at = NOW()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, runErr.Error()); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// SaveEquityCurve bulk inserts the run's equity points.
func (r *Repository) SaveEquityCurve(ctx context.Context, runID int64, curve []backtest.EquityPoint) error {
	rows := make([][]interface{}, len(curve))
	for i, p := range curve {
		rows[i] = []interface{}{runID, p.Date, p.Equity, p.Return}
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"backtest", "equity_points"},
		[]string{"run_id", "point_date", "equity", "cum_return"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("save equity curve: %w", err)
	}
	return nil
}

// SaveEvents inserts the run's rebalance events in order.
func (r *Repository) SaveEvents(ctx context.Context, runID int64, events []backtest.RebalanceEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO backtest.rebalance_events (
			run_id, event_date, trigger_kind, trades,
			total_cost, pre_value, post_value, cash_before, cash_after,
			added, removed, turnover, realized_turnover
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	for _, ev := range events {
		tradesJSON, err := json.Marshal(ev.Trades)
		if err != nil {
			return fmt.Errorf("marshal trades: %w", err)
		}
		_, err = tx.Exec(ctx, query,
			runID, ev.Date, string(ev.Trigger), tradesJSON,
			ev.TotalCost, ev.PreValue, ev.PostValue, ev.CashBefore, ev.CashAfter,
			ev.Added, ev.Removed, ev.Turnover, ev.RealizedTurnover,
		)
		if err != nil {
			return fmt.Errorf("insert rebalance event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

// SaveResult persists a completed run's curve, events and metrics.
func (r *Repository) SaveResult(ctx context.Context, runID int64, result *backtest.Result) error {
	if err := r.SaveEquityCurve(ctx, runID, result.EquityCurve); err != nil {
		return err
	}
	if err := r.SaveEvents(ctx, runID, result.Events); err != nil {
		return err
	}
	return r.FinishRun(ctx, runID, result.Metrics)
}

// GetRun loads one run header.
func (r *Repository) GetRun(ctx context.Context, id int64) (*Run, error) {
	query := `
		SELECT id, scenario, scenario_hash, status, started_at, finished_at,
		       COALESCE(error, ''), metrics
		FROM backtest.runs
		WHERE id = $1
	`

	var run Run
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Scenario, &run.ScenarioHash, &run.Status,
		&run.StartedAt, &run.FinishedAt, &run.Error, &run.Metrics,
	)
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns the most recent run headers, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, scenario, scenario_hash, status, started_at, finished_at,
		       COALESCE(error, ''), metrics
		FROM backtest.runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.Scenario, &run.ScenarioHash, &run.Status,
			&run.StartedAt, &run.FinishedAt, &run.Error, &run.Metrics,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetEquityCurve loads a run's ordered equity points.
func (r *Repository) GetEquityCurve(ctx context.Context, runID int64) ([]backtest.EquityPoint, error) {
	query := `
		SELECT point_date, equity, cum_return
		FROM backtest.equity_points
		WHERE run_id = $1
		ORDER BY point_date
	`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("get equity curve: %w", err)
	}
	defer rows.Close()

	var curve []backtest.EquityPoint
	for rows.Next() {
		var p backtest.EquityPoint
		if err := rows.Scan(&p.Date, &p.Equity, &p.Return); err != nil {
			return nil, fmt.Errorf("scan equity point: %w", err)
		}
		curve = append(curve, p)
	}
	return curve, rows.Err()
}
