package costs

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Model prices the commission and slippage of a single trade. It is a
// pure function of its inputs and holds no state.
type Model struct {
	commissionPct decimal.Decimal
	commissionMin decimal.Decimal
	slippageBps   decimal.Decimal
}

// CostError reports invalid trade inputs. These are programming errors
// upstream, not recoverable runtime conditions.
type CostError struct {
	Ticker string
	Reason string
}

func (e *CostError) Error() string {
	return fmt.Sprintf("cost calculation for %s: %s", e.Ticker, e.Reason)
}

var tenThousand = decimal.NewFromInt(10_000)

// NewModel creates a cost model. commissionPct is a rate (0.001 =
// 0.1%), commissionMin an absolute currency floor applied to non-empty
// trades, slippageBps in basis points.
func NewModel(commissionPct, commissionMin, slippageBps float64) Model {
	return Model{
		commissionPct: decimal.NewFromFloat(commissionPct),
		commissionMin: decimal.NewFromFloat(commissionMin),
		slippageBps:   decimal.NewFromFloat(slippageBps),
	}
}

// Calculate returns the total cost of trading shares of ticker at price,
// rounded to the smallest currency unit. Direction does not change the
// magnitude, only the caller's cash application.
func (m Model) Calculate(ticker string, shares int64, price float64, isBuy bool) (decimal.Decimal, error) {
	if shares < 0 {
		return decimal.Zero, &CostError{Ticker: ticker, Reason: fmt.Sprintf("negative share count %d", shares)}
	}
	if price <= 0 {
		return decimal.Zero, &CostError{Ticker: ticker, Reason: fmt.Sprintf("non-positive price %v", price)}
	}

	value := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(shares))

	commission := value.Mul(m.commissionPct)
	if shares > 0 && commission.LessThan(m.commissionMin) {
		commission = m.commissionMin
	}

	slippage := value.Mul(m.slippageBps).Div(tenThousand)

	return commission.Add(slippage).Round(2), nil
}

// Trade is one leg of a batch cost request.
type Trade struct {
	Ticker string
	Shares int64
	Price  float64
	IsBuy  bool
}

// CalculateBatch prices each trade independently; no market-impact
// coupling across tickers is modeled.
func (m Model) CalculateBatch(trades []Trade) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range trades {
		cost, err := m.Calculate(t.Ticker, t.Shares, t.Price, t.IsBuy)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(cost)
	}
	return total, nil
}
