package sources

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/trend"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// Simulated walk and crossover parameters.
const (
	simWindow   = 64
	simFastEMA  = 8
	simSlowEMA  = 21
	simBasePx   = 100.0
	simStepPct  = 0.004
)

// SimSource is a deterministic simulated source for development and paper
// runs. Each symbol gets a seeded random walk; direction comes from a
// fast/slow EMA crossover over the walk and confidence from the spread.
type SimSource struct {
	id   string
	bias float64 // skews the walk so different sources disagree

	mu    sync.Mutex
	walks map[string]*simWalk
}

type simWalk struct {
	rng    *rand.Rand
	prices []float64
}

// NewSimSource creates a simulated source. The bias shifts the walk's drift
// so registered sources do not trivially agree.
func NewSimSource(id string, bias float64) *SimSource {
	return &SimSource{id: id, bias: bias, walks: make(map[string]*simWalk)}
}

func (s *SimSource) ID() string { return s.id }

// Fetch advances the symbol's walk one step and reads the crossover.
func (s *SimSource) Fetch(ctx context.Context, symbol string) (signal.SourceSignal, error) {
	if err := ctx.Err(); err != nil {
		return signal.SourceSignal{}, err
	}

	s.mu.Lock()
	w, ok := s.walks[symbol]
	if !ok {
		w = s.newWalk(symbol)
		s.walks[symbol] = w
	}
	w.step(s.bias)
	prices := make([]float64, len(w.prices))
	copy(prices, w.prices)
	s.mu.Unlock()

	fast := emaLast(prices, simFastEMA)
	slow := emaLast(prices, simSlowEMA)
	price := prices[len(prices)-1]

	direction := signal.DirectionNeutral
	confidence := 0.0
	if slow > 0 {
		spreadPct := (fast - slow) / slow * 100
		switch {
		case spreadPct > 0.05:
			direction = signal.DirectionLong
		case spreadPct < -0.05:
			direction = signal.DirectionShort
		}
		confidence = math.Min(math.Abs(spreadPct)*40, 100)
	}

	return signal.SourceSignal{
		SourceID:   s.id,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Price:      price,
		AsOf:       time.Now().UTC(),
	}, nil
}

// newWalk seeds the walk from the source and symbol so runs are repeatable.
func (s *SimSource) newWalk(symbol string) *simWalk {
	h := fnv.New64a()
	h.Write([]byte(s.id))
	h.Write([]byte(symbol))
	w := &simWalk{rng: rand.New(rand.NewSource(int64(h.Sum64())))}
	w.prices = append(w.prices, simBasePx)
	for i := 1; i < simWindow; i++ {
		w.step(s.bias)
	}
	return w
}

func (w *simWalk) step(bias float64) {
	last := w.prices[len(w.prices)-1]
	move := (w.rng.Float64()*2 - 1 + bias) * simStepPct
	next := last * (1 + move)
	w.prices = append(w.prices, next)
	if len(w.prices) > simWindow {
		w.prices = w.prices[len(w.prices)-simWindow:]
	}
}

func emaLast(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period {
		return 0
	}

	pricesChan := make(chan float64, len(prices))
	for _, p := range prices {
		pricesChan <- p
	}
	close(pricesChan)

	emaIndicator := trend.NewEmaWithPeriod[float64](period)
	emaChan := emaIndicator.Compute(pricesChan)

	last := 0.0
	for v := range emaChan {
		last = v
	}
	return last
}
