package regime

import (
	"context"
	"time"
)

// Signal is a macro regime verdict consumed at rebalance time. Exposure
// scales the strategy's target weights; 1.0 leaves them unchanged.
type Signal struct {
	Exposure float64 `json:"exposure"`
}

// Neutral is the signal that changes nothing.
var Neutral = Signal{Exposure: 1.0}

// Gate is the regime-filter capability. A real implementation would look
// at market-level indicators as of the decision date; the engine only
// requires that evaluation be deterministic for a given date.
type Gate interface {
	Evaluate(ctx context.Context, date time.Time) (Signal, error)
}

// PassThrough is the neutral gate: every date maps to full exposure.
// It keeps the extension point typed so a real gate slots in without
// changing call sites.
type PassThrough struct{}

// Evaluate implements Gate.
func (PassThrough) Evaluate(context.Context, time.Time) (Signal, error) {
	return Neutral, nil
}
