package generator

import "math"

// ewmaLambda is the RiskMetrics decay factor for streaming volatility.
const ewmaLambda = 0.94

// volTracker maintains an exponentially weighted variance of bar-to-bar
// returns. Constant memory per symbol; no window recompute.
type volTracker struct {
	variance    float64
	lastPrice   float64
	initialized bool
}

// observe folds one new price into the estimate.
func (v *volTracker) observe(price float64) {
	if price <= 0 {
		return
	}
	if !v.initialized {
		v.lastPrice = price
		v.initialized = true
		return
	}
	r := (price - v.lastPrice) / v.lastPrice
	v.variance = ewmaLambda*v.variance + (1-ewmaLambda)*r*r
	v.lastPrice = price
}

// sigmaPct is the current volatility estimate as a percentage.
func (v *volTracker) sigmaPct() float64 {
	return math.Sqrt(v.variance) * 100
}
