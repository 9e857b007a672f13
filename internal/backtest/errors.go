package backtest

import (
	"fmt"
	"time"
)

// ConfigurationError reports an invalid backtest parameter. Raised at
// construction; the run never starts.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("backtest config %s: %s", e.Field, e.Message)
}

// InsufficientHistoryError reports that the supplied series does not
// cover the requested range plus warmup. Raised at construction.
type InsufficientHistoryError struct {
	Start   time.Time
	End     time.Time
	Message string
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for [%s, %s]: %s",
		e.Start.Format("2006-01-02"), e.End.Format("2006-01-02"), e.Message)
}
