package config

import (
	"fmt"
	"math"
	"strings"
)

// Validate performs comprehensive validation of the loaded configuration.
// It returns the first error found, prefixed with the offending section.
func (c *Config) Validate() error {
	validators := []struct {
		section string
		fn      func() error
	}{
		{"app", c.validateApp},
		{"database", c.validateDatabase},
		{"generator", c.validateGenerator},
		{"consensus", c.validateConsensus},
		{"regime", c.validateRegime},
		{"cache", c.validateCache},
		{"sources", c.validateSources},
		{"executors", c.validateExecutors},
		{"queue", c.validateQueue},
	}

	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("config %s: %w", v.section, err)
		}
	}
	return nil
}

func (c *Config) validateApp() error {
	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("invalid environment %q", c.App.Environment)
	}
	switch c.App.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log_format %q", c.App.LogFormat)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Database.Port)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	return nil
}

func (c *Config) validateGenerator() error {
	g := &c.Generator
	if len(g.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(g.Symbols))
	for _, s := range g.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("empty symbol")
		}
		if seen[s] {
			return fmt.Errorf("duplicate symbol %q", s)
		}
		seen[s] = true
	}
	if g.TickIntervalSeconds <= 0 {
		return fmt.Errorf("tick_interval_seconds must be positive")
	}
	if g.MinConfidenceThreshold < 0 || g.MinConfidenceThreshold > 100 {
		return fmt.Errorf("min_confidence_threshold %.2f out of range [0,100]", g.MinConfidenceThreshold)
	}
	if g.MaxStalenessSeconds <= 0 {
		return fmt.Errorf("max_staleness_seconds must be positive")
	}
	if g.PriceChangeThresholdPct < 0 {
		return fmt.Errorf("price_change_threshold_pct must not be negative")
	}
	if g.SoftBudgetMs.SignalGeneration <= 0 || g.SoftBudgetMs.DataSourceFetch <= 0 {
		return fmt.Errorf("soft budgets must be positive")
	}
	if g.RetentionSeconds <= 0 {
		return fmt.Errorf("retention_seconds must be positive")
	}
	return nil
}

func (c *Config) validateConsensus() error {
	cc := &c.Consensus
	if cc.AgreementFloor < 0 || cc.AgreementFloor >= 1 {
		return fmt.Errorf("agreement_floor %.2f out of range [0,1)", cc.AgreementFloor)
	}
	if cc.AgreementBonus < 0 || cc.AgreementBonus > 1 {
		return fmt.Errorf("agreement_bonus %.2f out of range [0,1]", cc.AgreementBonus)
	}
	if cc.MinSourceConfidence < 0 || cc.MinSourceConfidence > 100 {
		return fmt.Errorf("min_source_confidence %.2f out of range [0,100]", cc.MinSourceConfidence)
	}
	return nil
}

func (c *Config) validateRegime() error {
	r := &c.Regime
	if r.ShortMA <= 1 {
		return fmt.Errorf("short_ma must be > 1")
	}
	if r.LongMA <= r.ShortMA {
		return fmt.Errorf("long_ma %d must exceed short_ma %d", r.LongMA, r.ShortMA)
	}
	if r.HighVolThresholdPct <= 0 {
		return fmt.Errorf("high_vol_threshold_pct must be positive")
	}
	if r.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache_max_entries must be positive")
	}
	return nil
}

func (c *Config) validateCache() error {
	ca := &c.Cache
	if ca.LocalMaxEntries <= 0 {
		return fmt.Errorf("local_max_entries must be positive")
	}
	for name, ttl := range map[string]int{
		"ttl_market_closed": ca.TTLMarketClosed,
		"ttl_low_vol":       ca.TTLLowVol,
		"ttl_normal":        ca.TTLNormal,
		"ttl_high_vol":      ca.TTLHighVol,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if ca.LowVolThreshold >= ca.HighVolThreshold {
		return fmt.Errorf("low_vol_threshold_pct must be below high_vol_threshold_pct")
	}
	return nil
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	totalWeight := 0.0
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source %d missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Weight <= 0 {
			return fmt.Errorf("source %q weight must be positive", s.ID)
		}
		if s.RateLimitRPM < 0 {
			return fmt.Errorf("source %q rate_limit_rpm must not be negative", s.ID)
		}
		totalWeight += s.Weight
	}
	if math.IsNaN(totalWeight) || math.IsInf(totalWeight, 0) {
		return fmt.Errorf("source weights are not finite")
	}
	return nil
}

func (c *Config) validateExecutors() error {
	seen := make(map[string]bool, len(c.Executors))
	for i, e := range c.Executors {
		if e.ID == "" {
			return fmt.Errorf("executor %d missing id", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate executor id %q", e.ID)
		}
		seen[e.ID] = true
		if e.MinConfidence < 0 || e.MinConfidence > 100 {
			return fmt.Errorf("executor %q min_confidence %.2f out of range [0,100]", e.ID, e.MinConfidence)
		}
		allowed := make(map[string]bool, len(e.AllowedSymbols))
		for _, s := range e.AllowedSymbols {
			allowed[s] = true
		}
		for _, s := range e.RestrictedSymbols {
			if allowed[s] {
				return fmt.Errorf("executor %q symbol %q is both allowed and restricted", e.ID, s)
			}
		}
		if e.MaxPerGroup < 0 {
			return fmt.Errorf("executor %q max_per_group must not be negative", e.ID)
		}
	}
	return nil
}

func (c *Config) validateQueue() error {
	q := &c.Queue
	if q.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("default_ttl_seconds must be positive")
	}
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if q.RetryBaseMs <= 0 {
		return fmt.Errorf("retry_base_ms must be positive")
	}
	if q.RetryCapMs < q.RetryBaseMs {
		return fmt.Errorf("retry_cap_ms must be >= retry_base_ms")
	}
	return nil
}
