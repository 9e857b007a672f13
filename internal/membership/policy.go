package membership

import (
	"fmt"
	"sort"

	"github.com/jc1122/portfolio-management-sub002/internal/preselect"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

// Config controls the turnover policy. Zero values for the caps mean
// "unlimited".
type Config struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	TopK              int     `yaml:"top_k" json:"top_k"`
	BufferRank        int     `yaml:"buffer_rank" json:"buffer_rank"`
	MinHoldingPeriods int     `yaml:"min_holding_periods" json:"min_holding_periods"`
	MaxTurnover       float64 `yaml:"max_turnover" json:"max_turnover"`
	MaxNewAssets      int     `yaml:"max_new_assets" json:"max_new_assets"`
	MaxRemovedAssets  int     `yaml:"max_removed_assets" json:"max_removed_assets"`
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("membership top_k must be >= 1")
	}
	if c.BufferRank < 0 || c.MinHoldingPeriods < 0 || c.MaxNewAssets < 0 || c.MaxRemovedAssets < 0 {
		return fmt.Errorf("membership parameters must be >= 0")
	}
	if c.MaxTurnover < 0 || c.MaxTurnover > 1 {
		return fmt.Errorf("membership max_turnover must be in [0, 1]")
	}
	return nil
}

// State is the cross-rebalance memory of the policy: which assets are
// held and for how many rebalances. It is owned by the caller and passed
// explicitly, so independent backtests never interfere.
type State struct {
	// Holding counts completed rebalances since each member was added.
	Holding map[string]int
}

// NewState returns an empty state.
func NewState() State {
	return State{Holding: make(map[string]int)}
}

// Members returns the current membership in ascending order.
func (s State) Members() []string {
	out := make([]string, 0, len(s.Holding))
	for t := range s.Holding {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Decision records one application of the policy.
type Decision struct {
	Members  []string // ascending
	Added    []string // ascending
	Removed  []string // ascending
	Turnover float64  // equal-weight two-sided traded fraction estimate
}

// Policy applies buffer-rank retention, holding-period protection and
// turnover discipline to each rebalance's ranked candidates.
type Policy struct {
	cfg    Config
	logger *logger.Logger
}

// Limits exposes the configured caps so the engine can enforce the
// turnover bound on realized traded value, not just membership counts.
func (p *Policy) Limits() Config {
	return p.cfg
}

// New creates a policy.
func New(cfg Config, log *logger.Logger) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Policy{cfg: cfg, logger: log}, nil
}

// Apply decides the next membership set. The steps run in a fixed order:
//
//  1. retain previous members ranked within top_k + buffer_rank
//  2. protect members still under min_holding_periods (kept even outside
//     the buffer, as long as they remain ranked at all)
//  3. fill remaining slots from the ranking
//  4. clamp additions/removals to the configured caps, dropping the
//     lowest-ranked additions and the longest-protected removals first
//  5. revert smallest-impact changes until the turnover cap holds
//
// A disabled policy passes the unconstrained top-k through, while still
// maintaining the holding counters.
func (p *Policy) Apply(ranked []preselect.Candidate, st State) (Decision, State) {
	if st.Holding == nil {
		st = NewState()
	}

	rankOf := make(map[string]int, len(ranked)) // 1-based
	for i, c := range ranked {
		rankOf[c.Ticker] = i + 1
	}

	prev := st.Members()

	if !p.cfg.Enabled {
		members := topN(ranked, p.cfg.TopK)
		return p.finish(members, prev, st)
	}

	// Step 1+2: retention. An asset with no rank at all has dropped out
	// of the eligible universe and is never retained.
	retained := make(map[string]bool)
	for _, t := range prev {
		rank, ok := rankOf[t]
		if !ok {
			continue
		}
		if rank <= p.cfg.TopK+p.cfg.BufferRank {
			retained[t] = true
		} else if st.Holding[t] < p.cfg.MinHoldingPeriods {
			retained[t] = true
		}
	}

	// Step 3: fill remaining slots in rank order.
	members := make(map[string]bool, p.cfg.TopK)
	for t := range retained {
		members[t] = true
	}
	var additions []string // in rank order
	for _, c := range ranked {
		if len(members) >= p.cfg.TopK {
			break
		}
		if members[c.Ticker] {
			continue
		}
		members[c.Ticker] = true
		additions = append(additions, c.Ticker)
	}

	removals := diff(prev, members)

	// Step 4: clamp the change counts.
	if p.cfg.MaxNewAssets > 0 && len(additions) > p.cfg.MaxNewAssets {
		for _, t := range additions[p.cfg.MaxNewAssets:] {
			delete(members, t)
		}
		additions = additions[:p.cfg.MaxNewAssets]
	}

	if p.cfg.MaxRemovedAssets > 0 && len(removals) > p.cfg.MaxRemovedAssets {
		// Reinstate the removals with the most holding requirement left,
		// trading away the lowest-ranked additions to keep the size cap.
		reinstate := p.orderRemovalsByRemainingHold(removals, st)
		excess := len(removals) - p.cfg.MaxRemovedAssets
		for i := 0; i < excess; i++ {
			t := reinstate[i]
			members[t] = true
			if len(additions) > 0 {
				last := additions[len(additions)-1]
				delete(members, last)
				additions = additions[:len(additions)-1]
			}
		}
		removals = diff(prev, members)
	}

	// Step 5: revert until the turnover cap is satisfied. Protected
	// holdings were never removed, so the loop only touches
	// unprotected changes: lowest-ranked additions first, then the
	// shortest-held removals. Filling an empty book is funding, not
	// churn, so the first rebalance is exempt.
	if p.cfg.MaxTurnover > 0 && len(prev) > 0 {
		for p.turnover(len(additions), len(removals)) > p.cfg.MaxTurnover {
			if len(additions) > 0 {
				last := additions[len(additions)-1]
				delete(members, last)
				additions = additions[:len(additions)-1]
				continue
			}
			if len(removals) > 0 {
				order := p.orderRemovalsByRemainingHold(removals, st)
				t := order[len(order)-1]
				members[t] = true
				removals = diff(prev, members)
				continue
			}
			break
		}
	}

	return p.finish(keys(members), prev, st)
}

// finish computes the decision record and the next state. Retained
// members age by one period; fresh additions start at zero.
func (p *Policy) finish(members, prev []string, st State) (Decision, State) {
	memberSet := make(map[string]bool, len(members))
	for _, t := range members {
		memberSet[t] = true
	}

	next := NewState()
	var added []string
	for _, t := range members {
		if old, ok := st.Holding[t]; ok {
			next.Holding[t] = old + 1
		} else {
			next.Holding[t] = 0
			added = append(added, t)
		}
	}
	removed := diff(prev, memberSet)

	sort.Strings(members)
	sort.Strings(added)
	sort.Strings(removed)

	d := Decision{
		Members:  members,
		Added:    added,
		Removed:  removed,
		Turnover: p.turnover(len(added), len(removed)),
	}

	p.logger.WithFields(map[string]interface{}{
		"members":  len(members),
		"added":    len(added),
		"removed":  len(removed),
		"turnover": d.Turnover,
	}).Debug("Membership decided")

	return d, next
}

// turnover estimates the two-sided traded fraction on equal-weight
// terms. Weights are unknown until the strategy runs, so each change is
// treated as 1/top_k of the book.
func (p *Policy) turnover(added, removed int) float64 {
	if p.cfg.TopK == 0 {
		return 0
	}
	return float64(added+removed) / float64(2*p.cfg.TopK)
}

// orderRemovalsByRemainingHold sorts removals by how much of their
// minimum holding period remains, longest first; ties break by ticker.
func (p *Policy) orderRemovalsByRemainingHold(removals []string, st State) []string {
	out := make([]string, len(removals))
	copy(out, removals)
	remaining := func(t string) int {
		r := p.cfg.MinHoldingPeriods - st.Holding[t]
		if r < 0 {
			r = 0
		}
		return r
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := remaining(out[i]), remaining(out[j])
		if ri != rj {
			return ri > rj
		}
		return out[i] < out[j]
	})
	return out
}

func topN(ranked []preselect.Candidate, n int) []string {
	if len(ranked) < n {
		n = len(ranked)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].Ticker
	}
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// diff returns the members of prev that are absent from set, ascending.
func diff(prev []string, set map[string]bool) []string {
	var out []string
	for _, t := range prev {
		if !set[t] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
