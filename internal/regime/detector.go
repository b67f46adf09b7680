// Package regime classifies the market state of a symbol from a rolling
// price window: trending up/down, range-bound, or high-volatility.
package regime

import (
	"container/list"
	"math"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/trend"
	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// Detector computes and caches the regime per symbol. The cache is bounded
// with LRU eviction and invalidated on a significant price move (>= 1%).
type Detector struct {
	cfg config.RegimeConfig
	log zerolog.Logger

	mu      sync.Mutex
	cache   map[string]*list.Element
	order   *list.List // front = most recent
	nowFunc func() time.Time
}

type cacheEntry struct {
	symbol     string
	regime     signal.Regime
	computedAt time.Time
	atPrice    float64
}

// NewDetector creates a regime detector.
func NewDetector(cfg config.RegimeConfig, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		log:     log.With().Str("component", "regime").Logger(),
		cache:   make(map[string]*list.Element),
		order:   list.New(),
		nowFunc: time.Now,
	}
}

// WindowLen is the price history length the detector wants: enough for the
// long moving average.
func (d *Detector) WindowLen() int {
	return d.cfg.LongMA
}

// Classify returns the regime for a symbol given its recent price window,
// oldest first. The cached value is reused until TTL expiry or a >= 1%
// price move. With fewer prices than the long window it falls back to
// range_bound (no trend evidence either way).
func (d *Detector) Classify(symbol string, prices []float64) signal.Regime {
	if len(prices) == 0 {
		return signal.RegimeRangeBound
	}
	lastPrice := prices[len(prices)-1]

	d.mu.Lock()
	if el, ok := d.cache[symbol]; ok {
		ent := el.Value.(*cacheEntry)
		ttl := time.Duration(d.cfg.CacheTTLSeconds) * time.Second
		fresh := d.nowFunc().Sub(ent.computedAt) < ttl
		moved := ent.atPrice != 0 && math.Abs(lastPrice-ent.atPrice)/ent.atPrice >= 0.01
		if fresh && !moved {
			d.order.MoveToFront(el)
			regime := ent.regime
			d.mu.Unlock()
			return regime
		}
	}
	d.mu.Unlock()

	regime := d.compute(prices)

	d.mu.Lock()
	if el, ok := d.cache[symbol]; ok {
		ent := el.Value.(*cacheEntry)
		ent.regime = regime
		ent.computedAt = d.nowFunc()
		ent.atPrice = lastPrice
		d.order.MoveToFront(el)
	} else {
		el := d.order.PushFront(&cacheEntry{
			symbol:     symbol,
			regime:     regime,
			computedAt: d.nowFunc(),
			atPrice:    lastPrice,
		})
		d.cache[symbol] = el
		for d.order.Len() > d.cfg.CacheMaxEntries {
			oldest := d.order.Back()
			d.order.Remove(oldest)
			delete(d.cache, oldest.Value.(*cacheEntry).symbol)
		}
	}
	d.mu.Unlock()

	d.log.Debug().
		Str("symbol", symbol).
		Str("regime", string(regime)).
		Int("window", len(prices)).
		Msg("Regime classified")
	return regime
}

func (d *Detector) compute(prices []float64) signal.Regime {
	sigma := realizedVolatilityPct(prices)
	if sigma > d.cfg.HighVolThresholdPct {
		return signal.RegimeHighVolatility
	}

	if len(prices) < d.cfg.LongMA {
		return signal.RegimeRangeBound
	}

	shortMA := smaLast(prices, d.cfg.ShortMA)
	longMA := smaLast(prices, d.cfg.LongMA)
	if longMA == 0 {
		return signal.RegimeRangeBound
	}

	spreadPct := (shortMA - longMA) / longMA * 100
	slope := shortSlope(prices, d.cfg.ShortMA)

	switch {
	case spreadPct > d.cfg.TrendEpsilonPct && slope > 0:
		return signal.RegimeTrendingUp
	case spreadPct < -d.cfg.TrendEpsilonPct && slope < 0:
		return signal.RegimeTrendingDown
	default:
		return signal.RegimeRangeBound
	}
}

// smaLast computes the most recent simple moving average over the window.
func smaLast(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}

	pricesChan := make(chan float64, len(prices))
	for _, p := range prices {
		pricesChan <- p
	}
	close(pricesChan)

	smaIndicator := trend.NewSmaWithPeriod[float64](period)
	smaChan := smaIndicator.Compute(pricesChan)

	last := 0.0
	for v := range smaChan {
		last = v
	}
	return last
}

// shortSlope is the per-bar change of the short MA over its last two values.
func shortSlope(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 0
	}
	curr := smaLast(prices, period)
	prev := smaLast(prices[:len(prices)-1], period)
	return curr - prev
}

// realizedVolatilityPct is the standard deviation of bar-to-bar returns,
// as a percentage.
func realizedVolatilityPct(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance) * 100
}
