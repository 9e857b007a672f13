package scenario

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jc1122/portfolio-management-sub002/internal/backtest"
	"github.com/jc1122/portfolio-management-sub002/internal/membership"
	"github.com/jc1122/portfolio-management-sub002/internal/preselect"
	"github.com/jc1122/portfolio-management-sub002/internal/strategy"
)

// Scenario is a complete, reproducible description of one backtest:
// data location, engine parameters and the whole decision pipeline.
type Scenario struct {
	Name string `yaml:"name" json:"name"`

	Data struct {
		PricesDir string `yaml:"prices_dir" json:"prices_dir"`
	} `yaml:"data" json:"data"`

	Backtest struct {
		Start          string  `yaml:"start" json:"start"` // YYYY-MM-DD
		End            string  `yaml:"end" json:"end"`
		InitialCapital float64 `yaml:"initial_capital" json:"initial_capital"`
		backtest.Config `yaml:",inline" json:"config"`
	} `yaml:"backtest" json:"backtest"`

	Preselection preselect.Config  `yaml:"preselection" json:"preselection"`
	Membership   membership.Config `yaml:"membership" json:"membership"`

	Strategy struct {
		Kind                 strategy.Kind `yaml:"kind" json:"kind"`
		strategy.Constraints `yaml:",inline" json:"constraints"`
	} `yaml:"strategy" json:"strategy"`

	Cache struct {
		MaxAge string `yaml:"max_age" json:"max_age"` // e.g. "24h"; empty disables aging
	} `yaml:"cache" json:"cache"`
}

// Load reads and validates a scenario YAML file. Unknown fields are
// rejected so typos fail immediately instead of silently defaulting.
func Load(path string) (*Scenario, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	s, err := Parse(data)
	if err != nil {
		return nil, data, err
	}
	return s, data, nil
}

// Parse decodes and validates scenario YAML.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks every section. Component configs validate themselves;
// the scenario only owns the cross-cutting pieces.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if _, err := s.EngineConfig(); err != nil {
		return err
	}
	if err := s.Preselection.Validate(); err != nil {
		return err
	}
	if err := s.Membership.Validate(); err != nil {
		return err
	}
	if err := s.Strategy.Constraints.Validate(); err != nil {
		return err
	}
	if s.Cache.MaxAge != "" {
		if _, err := time.ParseDuration(s.Cache.MaxAge); err != nil {
			return fmt.Errorf("cache max_age: %w", err)
		}
	}
	if s.Membership.TopK != s.Preselection.TopK {
		return fmt.Errorf("membership top_k (%d) must match preselection top_k (%d)",
			s.Membership.TopK, s.Preselection.TopK)
	}
	return nil
}

// EngineConfig materializes the backtest.Config, parsing dates and
// converting the capital to an exact decimal, and validates it.
func (s *Scenario) EngineConfig() (backtest.Config, error) {
	cfg := s.Backtest.Config

	start, err := time.Parse("2006-01-02", s.Backtest.Start)
	if err != nil {
		return cfg, fmt.Errorf("backtest start: %w", err)
	}
	end, err := time.Parse("2006-01-02", s.Backtest.End)
	if err != nil {
		return cfg, fmt.Errorf("backtest end: %w", err)
	}

	cfg.StartDate = start
	cfg.EndDate = end
	cfg.InitialCapital = decimal.NewFromFloat(s.Backtest.InitialCapital)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// CacheMaxAge returns the parsed max age; zero when unset.
func (s *Scenario) CacheMaxAge() time.Duration {
	if s.Cache.MaxAge == "" {
		return 0
	}
	d, _ := time.ParseDuration(s.Cache.MaxAge)
	return d
}

// Hash produces a deterministic SHA-256 of the scenario's canonical JSON
// form, recorded with every persisted run for reproducibility audits.
func Hash(s *Scenario) (string, error) {
	jsonBytes, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:]), nil
}
